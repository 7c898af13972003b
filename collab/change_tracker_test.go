package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestTrackerMergeUpdateDelete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tracker := NewChangeTrackerWithDefaults(ctx, nil)

	tracker.Track(&Change{Action: ChangeUpdate, BlockId: 5, Payload: map[string]any{"content": "x"}})
	tracker.Track(&Change{Action: ChangeDelete, BlockId: 5})

	changes := tracker.Flush()
	assert.Equal(t, len(changes), 1)
	assert.Equal(t, changes[0].Action, ChangeDelete)
	assert.Equal(t, changes[0].BlockId, int64(5))
}

func TestTrackerMergeCreateUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tracker := NewChangeTrackerWithDefaults(ctx, nil)

	tracker.Track(&Change{
		Action:  ChangeCreate,
		BlockId: 7,
		Payload: map[string]any{"type": "text", "content": ""},
	})
	tracker.Track(&Change{
		Action:  ChangeUpdate,
		BlockId: 7,
		Payload: map[string]any{"content": "hello", "title": "greeting"},
	})

	// a create followed by an update stays a create, payloads merged
	changes := tracker.Flush()
	assert.Equal(t, len(changes), 1)
	assert.Equal(t, changes[0].Action, ChangeCreate)
	assert.Equal(t, changes[0].Payload["type"], "text")
	assert.Equal(t, changes[0].Payload["content"], "hello")
	assert.Equal(t, changes[0].Payload["title"], "greeting")
}

func TestTrackerMergeUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tracker := NewChangeTrackerWithDefaults(ctx, nil)

	tracker.Track(&Change{Action: ChangeUpdate, BlockId: 3, Payload: map[string]any{"content": "a"}, Timestamp: 100})
	tracker.Track(&Change{Action: ChangeUpdate, BlockId: 3, Payload: map[string]any{"title": "b"}, Timestamp: 200})

	changes := tracker.Flush()
	assert.Equal(t, len(changes), 1)
	assert.Equal(t, changes[0].Payload["content"], "a")
	assert.Equal(t, changes[0].Payload["title"], "b")
	assert.Equal(t, changes[0].Timestamp, int64(200))
}

func TestTrackerFlushClears(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tracker := NewChangeTrackerWithDefaults(ctx, nil)

	tracker.Track(&Change{Action: ChangeUpdate, BlockId: 1, Timestamp: 200})
	tracker.Track(&Change{Action: ChangeUpdate, BlockId: 2, Timestamp: 100})
	assert.Equal(t, tracker.PendingCount(), 2)

	// oldest first
	changes := tracker.Flush()
	assert.Equal(t, len(changes), 2)
	assert.Equal(t, changes[0].BlockId, int64(2))
	assert.Equal(t, changes[1].BlockId, int64(1))

	assert.Equal(t, tracker.PendingCount(), 0)
	assert.Equal(t, len(tracker.Flush()), 0)
}

func TestTrackerFlushNow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flushed := [][]*Change{}
	tracker := NewChangeTrackerWithDefaults(ctx, func(changes []*Change) bool {
		flushed = append(flushed, changes)
		return true
	})

	tracker.Track(&Change{Action: ChangeUpdate, BlockId: 1, Payload: map[string]any{"content": "x"}})
	assert.Equal(t, tracker.Status(), SavePending)

	tracker.FlushNow()
	assert.Equal(t, len(flushed), 1)
	assert.Equal(t, len(flushed[0]), 1)
	assert.Equal(t, tracker.Status(), SaveSynced)
	assert.Equal(t, tracker.PendingCount(), 0)
}

func TestTrackerRequeueOnFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ok := false
	tracker := NewChangeTrackerWithDefaults(ctx, func(changes []*Change) bool {
		return ok
	})

	tracker.Track(&Change{Action: ChangeUpdate, BlockId: 1, Payload: map[string]any{"content": "x"}})
	tracker.FlushNow()

	// the failed batch stays pending for retry
	assert.Equal(t, tracker.Status(), SaveError)
	assert.Equal(t, tracker.PendingCount(), 1)

	ok = true
	tracker.FlushNow()
	assert.Equal(t, tracker.Status(), SaveSynced)
	assert.Equal(t, tracker.PendingCount(), 0)
}

func TestTrackerDebounce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flushed := make(chan []*Change, 1)
	tracker := NewChangeTracker(
		ctx,
		func(changes []*Change) bool {
			flushed <- changes
			return true
		},
		&ChangeTrackerSettings{
			DebounceTimeout: 50 * time.Millisecond,
		},
	)

	tracker.Track(&Change{Action: ChangeUpdate, BlockId: 1, Payload: map[string]any{"content": "x"}})

	select {
	case changes := <-flushed:
		assert.Equal(t, len(changes), 1)
	case <-time.After(2 * time.Second):
		t.Fatal("debounced flush never fired")
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, tracker.Status(), SaveSynced)
}

func TestTrackerStatusCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker := NewChangeTrackerWithDefaults(ctx, func(changes []*Change) bool {
		return true
	})

	statuses := []SaveStatus{}
	tracker.AddStatusCallback(func(status SaveStatus) {
		statuses = append(statuses, status)
	})

	tracker.Track(&Change{Action: ChangeUpdate, BlockId: 1})
	tracker.FlushNow()

	assert.Equal(t, statuses, []SaveStatus{SavePending, SaveSaving, SaveSynced})
}

func TestTrackerCloseStopsDebounce(t *testing.T) {
	flushed := make(chan []*Change, 4)
	tracker := NewChangeTracker(
		context.Background(),
		func(changes []*Change) bool {
			flushed <- changes
			return true
		},
		&ChangeTrackerSettings{DebounceTimeout: 50 * time.Millisecond},
	)

	tracker.Close()
	tracker.Track(&Change{Action: ChangeUpdate, BlockId: 1, Payload: map[string]any{"content": "late"}})

	// the debounce never fires after close
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, len(flushed), 0)
	assert.Equal(t, tracker.PendingCount(), 1)
}
