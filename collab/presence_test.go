package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestAwarenessRoundTrip(t *testing.T) {
	a := NewAwareness(1)
	b := NewAwareness(2)

	a.SetLocalState(&Presence{
		UserId: "alice",
		Email:  "alice@example.com",
		Color:  "#ff0000",
	})

	err := b.ApplyUpdate(a.EncodeAll(), OriginRemote)
	assert.Equal(t, err, nil)

	states := b.States()
	assert.Equal(t, len(states), 1)
	assert.Equal(t, states[1].UserId, "alice")
	assert.Equal(t, states[1].Color, "#ff0000")
}

func TestAwarenessClockWins(t *testing.T) {
	a := NewAwareness(1)
	b := NewAwareness(2)

	a.SetLocalState(&Presence{UserId: "alice", ActiveComponent: "editor"})
	first := a.EncodeClients([]ClientId{1})
	a.SetLocalState(&Presence{UserId: "alice", ActiveComponent: "canvas"})
	second := a.EncodeClients([]ClientId{1})

	// newer clock applies
	assert.Equal(t, b.ApplyUpdate(first, OriginRemote), nil)
	assert.Equal(t, b.ApplyUpdate(second, OriginRemote), nil)
	assert.Equal(t, b.States()[1].ActiveComponent, "canvas")

	// the stale delta arriving again does not roll back
	assert.Equal(t, b.ApplyUpdate(first, OriginRemote), nil)
	assert.Equal(t, b.States()[1].ActiveComponent, "canvas")
}

func TestAwarenessRemoval(t *testing.T) {
	a := NewAwareness(1)
	b := NewAwareness(2)

	a.SetLocalState(&Presence{UserId: "alice"})
	assert.Equal(t, b.ApplyUpdate(a.EncodeAll(), OriginRemote), nil)
	assert.Equal(t, len(b.States()), 1)

	// nil state removes the client at a winning clock
	a.SetLocalState(nil)
	assert.Equal(t, b.ApplyUpdate(a.EncodeClients([]ClientId{1}), OriginRemote), nil)
	assert.Equal(t, len(b.States()), 0)
}

func TestAwarenessIgnoresSelf(t *testing.T) {
	a := NewAwareness(1)
	b := NewAwareness(2)

	a.SetLocalState(&Presence{UserId: "alice"})
	b.SetLocalState(&Presence{UserId: "bob"})

	// a full table echoed back must not overwrite the local entry
	assert.Equal(t, b.ApplyUpdate(a.EncodeAll(), OriginRemote), nil)
	b.ApplyUpdate(b.EncodeAll(), OriginRemote)

	local := b.LocalState()
	assert.Equal(t, local.UserId, "bob")
	assert.Equal(t, len(b.States()), 1)
}

func TestAwarenessPartialPresence(t *testing.T) {
	a := NewAwareness(1)
	a.SetLocalState(&Presence{UserId: "alice", Color: "#00ff00"})

	a.SetLocalPresence(map[string]any{
		"activeComponent": "editor",
	})

	local := a.LocalState()
	assert.Equal(t, local.UserId, "alice")
	assert.Equal(t, local.Color, "#00ff00")
	assert.Equal(t, local.ActiveComponent, "editor")
	assert.NotEqual(t, local.LastSeen, int64(0))
}

func TestAwarenessChangeCallback(t *testing.T) {
	a := NewAwareness(1)
	b := NewAwareness(2)

	changedClients := []ClientId{}
	var changedOrigin Origin
	b.AddChangeCallback(func(changed []ClientId, origin Origin) {
		changedClients = changed
		changedOrigin = origin
	})

	a.SetLocalState(&Presence{UserId: "alice"})
	assert.Equal(t, b.ApplyUpdate(a.EncodeAll(), OriginRemote), nil)

	assert.Equal(t, changedClients, []ClientId{1})
	assert.Equal(t, changedOrigin, OriginRemote)
}

func TestPresenceTableMerge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	table := NewPresenceTableWithDefaults(ctx)
	defer table.Close()

	table.Upsert(&Presence{UserId: "alice", Color: "#ff0000"})
	table.Upsert(&Presence{UserId: "alice", ActiveComponent: "canvas"})

	collaborators := table.Collaborators()
	assert.Equal(t, len(collaborators), 1)
	// unset fields of the later sighting keep the earlier values
	assert.Equal(t, collaborators[0].Color, "#ff0000")
	assert.Equal(t, collaborators[0].ActiveComponent, "canvas")
}

func TestPresenceTableExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	table := NewPresenceTableWithDefaults(ctx)
	defer table.Close()

	now := time.Now()
	table.Upsert(&Presence{UserId: "gone", LastSeen: now.Add(-40 * time.Second).UnixMilli()})
	table.Upsert(&Presence{UserId: "idle", LastSeen: now.Add(-33 * time.Second).UnixMilli()})
	table.Upsert(&Presence{UserId: "live", LastSeen: now.Add(-10 * time.Second).UnixMilli()})

	table.sweep(now)

	// beyond the grace window is evicted entirely
	collaborators := table.collaborators(now)
	assert.Equal(t, len(collaborators), 2)
	assert.Equal(t, collaborators[0].UserId, "idle")
	assert.Equal(t, collaborators[1].UserId, "live")

	// inside grace but beyond the active threshold is rendered, not active
	active := table.activeCollaborators(now)
	assert.Equal(t, len(active), 1)
	assert.Equal(t, active[0].UserId, "live")
}

func TestPresenceTableRemove(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	table := NewPresenceTableWithDefaults(ctx)
	defer table.Close()

	fired := 0
	table.AddChangeCallback(func() {
		fired += 1
	})

	table.Upsert(&Presence{UserId: "alice"})
	table.Remove("alice")
	assert.Equal(t, len(table.Collaborators()), 0)
	assert.Equal(t, fired, 2)

	// removing an unknown user fires nothing
	table.Remove("alice")
	assert.Equal(t, fired, 2)
}

func TestPresenceTableAiInteraction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	table := NewPresenceTableWithDefaults(ctx)
	defer table.Close()

	// the interaction may arrive before any awareness entry for the user
	table.SetAiInteraction("alice", &AiInteraction{
		Type:      AiTypingQuery,
		Query:     "summarize this",
		Timestamp: time.Now().UnixMilli(),
	})

	collaborators := table.Collaborators()
	assert.Equal(t, len(collaborators), 1)
	assert.Equal(t, collaborators[0].AiInteraction.Type, AiTypingQuery)
	assert.Equal(t, collaborators[0].AiInteraction.Query, "summarize this")
}
