package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// solo-mode change accumulation. no replica, no relay: block edits are
// tracked as a pending change per block id and flushed in batches to the
// external save endpoint.

type ChangeAction string

const (
	ChangeCreate ChangeAction = "create"
	ChangeUpdate ChangeAction = "update"
	ChangeDelete ChangeAction = "delete"
)

type Change struct {
	Action  ChangeAction   `json:"action"`
	BlockId int64          `json:"blockId"`
	Payload map[string]any `json:"payload,omitempty"`
	// unix millis
	Timestamp int64 `json:"timestamp"`
}

type SaveStatus string

const (
	SaveSynced  SaveStatus = "synced"
	SavePending SaveStatus = "pending"
	SaveSaving  SaveStatus = "saving"
	SaveError   SaveStatus = "error"
)

type ChangeTrackerSettings struct {
	// debounce for pure content edits
	DebounceTimeout time.Duration
}

func DefaultChangeTrackerSettings() *ChangeTrackerSettings {
	return &ChangeTrackerSettings{
		DebounceTimeout: 8 * time.Second,
	}
}

// persists one batch, returns success. failures surface as a save status,
// the batch is requeued for manual retry.
type FlushFunc func(changes []*Change) bool

type ChangeTracker struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings  *ChangeTrackerSettings
	flushFunc FlushFunc

	stateLock sync.Mutex
	pending   map[int64]*Change
	timer     *time.Timer
	status    SaveStatus

	// serializes batches toward the save endpoint
	flushLock sync.Mutex

	statusCallbacks callbackList[func(status SaveStatus)]
}

func NewChangeTrackerWithDefaults(ctx context.Context, flushFunc FlushFunc) *ChangeTracker {
	return NewChangeTracker(ctx, flushFunc, DefaultChangeTrackerSettings())
}

func NewChangeTracker(ctx context.Context, flushFunc FlushFunc, settings *ChangeTrackerSettings) *ChangeTracker {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ChangeTracker{
		ctx:       cancelCtx,
		cancel:    cancel,
		settings:  settings,
		flushFunc: flushFunc,
		pending:   map[int64]*Change{},
		status:    SaveSynced,
	}
}

func (self *ChangeTracker) AddStatusCallback(callback func(status SaveStatus)) func() {
	return self.statusCallbacks.add(callback)
}

func (self *ChangeTracker) Status() SaveStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *ChangeTracker) setStatus(status SaveStatus) {
	self.stateLock.Lock()
	if self.status == status {
		self.stateLock.Unlock()
		return
	}
	self.status = status
	self.stateLock.Unlock()

	for _, entry := range self.statusCallbacks.get() {
		callback := entry.callback
		handleCallback(func() {
			callback(status)
		})
	}
}

// merge policy per block id:
// - a delete always wins and replaces any prior entry
// - a create followed by an update stays a create with merged payload
// - otherwise payloads merge and the latest timestamp is kept
func (self *ChangeTracker) Track(change *Change) {
	if change == nil {
		return
	}
	if change.Timestamp == 0 {
		change.Timestamp = time.Now().UnixMilli()
	}

	self.stateLock.Lock()
	existing, ok := self.pending[change.BlockId]
	switch {
	case !ok || change.Action == ChangeDelete:
		next := *change
		self.pending[change.BlockId] = &next
	case existing.Action == ChangeCreate && change.Action == ChangeUpdate:
		existing.Payload = mergePayloads(existing.Payload, change.Payload)
		existing.Timestamp = change.Timestamp
	default:
		existing.Action = change.Action
		existing.Payload = mergePayloads(existing.Payload, change.Payload)
		existing.Timestamp = change.Timestamp
	}
	self.stateLock.Unlock()

	self.setStatus(SavePending)
	self.scheduleFlush()
}

// whether the action warrants an immediate flush instead of the debounce.
// structural changes save right away, pure content edits can wait.
func (self *Change) Significant() bool {
	return self.Action == ChangeCreate || self.Action == ChangeDelete
}

func mergePayloads(base map[string]any, next map[string]any) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	for key, value := range next {
		base[key] = value
	}
	return base
}

func (self *ChangeTracker) scheduleFlush() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.timer != nil || self.ctx.Err() != nil {
		return
	}
	self.timer = time.AfterFunc(self.settings.DebounceTimeout, func() {
		// a timer racing Close must not restart the save loop
		if self.ctx.Err() != nil {
			return
		}
		self.FlushNow()
	})
}

// returns and clears all pending changes as one batch, oldest first
func (self *ChangeTracker) Flush() []*Change {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.drain()
}

// must be called inside the state lock
func (self *ChangeTracker) drain() []*Change {
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	changes := maps.Values(self.pending)
	self.pending = map[int64]*Change{}
	slices.SortStableFunc(changes, func(a *Change, b *Change) int {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		if b.Timestamp < a.Timestamp {
			return 1
		}
		return 0
	})
	return changes
}

func (self *ChangeTracker) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pending)
}

// unconditional immediate flush, used for explicit user save and teardown
func (self *ChangeTracker) FlushNow() {
	self.flushLock.Lock()
	defer self.flushLock.Unlock()

	changes := self.Flush()
	if len(changes) == 0 {
		if self.Status() != SaveError {
			self.setStatus(SaveSynced)
		}
		return
	}
	self.setStatus(SaveSaving)

	ok := false
	if self.flushFunc != nil {
		handleCallback(func() {
			ok = self.flushFunc(changes)
		})
	}
	if !ok {
		glog.Infof("[track]flush failed, requeue %d changes\n", len(changes))
		self.requeue(changes)
		self.setStatus(SaveError)
		return
	}

	self.stateLock.Lock()
	pendingCount := len(self.pending)
	self.stateLock.Unlock()
	if pendingCount == 0 {
		self.setStatus(SaveSynced)
	} else {
		self.setStatus(SavePending)
	}
}

// puts failed changes back unless a newer pending entry superseded them
func (self *ChangeTracker) requeue(changes []*Change) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, change := range changes {
		if _, ok := self.pending[change.BlockId]; !ok {
			self.pending[change.BlockId] = change
		}
	}
}

func (self *ChangeTracker) Close() {
	self.cancel()
	self.FlushNow()
}
