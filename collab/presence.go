package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ephemeral per-user state. broadcast alongside the document but never part
// of the replica, and never persisted.

type Cursor struct {
	BlockId int64   `json:"blockId,omitempty"`
	Offset  int     `json:"offset,omitempty"`
	X       float64 `json:"x,omitempty"`
	Y       float64 `json:"y,omitempty"`
}

type TypingState struct {
	Component string `json:"component"`
	BlockId   int64  `json:"blockId,omitempty"`
	Content   string `json:"content,omitempty"`
}

type AiInteractionType string

const (
	// user is composing a prompt
	AiTypingQuery AiInteractionType = "typing_query"
	// assistant output is streaming
	AiReceivingResponse AiInteractionType = "receiving_response"
)

type AiInteraction struct {
	Type      AiInteractionType `json:"type"`
	Query     string            `json:"query,omitempty"`
	Response  string            `json:"response,omitempty"`
	BlockId   int64             `json:"blockId,omitempty"`
	Component string            `json:"component"`
	Timestamp int64             `json:"timestamp"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type CanvasPresence struct {
	CurrentEditingNodeId  string `json:"currentEditingNodeId,omitempty"`
	CurrentDraggingNodeId string `json:"currentDraggingNodeId,omitempty"`
	SelectedNodeId        string `json:"selectedNodeId,omitempty"`
	CursorPosition        *Point `json:"cursorPosition,omitempty"`
}

type Presence struct {
	UserId          string          `json:"userId"`
	Email           string          `json:"email,omitempty"`
	Color           string          `json:"color,omitempty"`
	Cursor          *Cursor         `json:"cursor,omitempty"`
	ActiveComponent string          `json:"activeComponent,omitempty"`
	CurrentlyTyping *TypingState    `json:"currentlyTyping,omitempty"`
	AiInteraction   *AiInteraction  `json:"aiInteraction,omitempty"`
	CanvasPresence  *CanvasPresence `json:"canvasPresence,omitempty"`
	// unix millis
	LastSeen int64 `json:"lastSeen"`
}

// awareness

// per-client clocked states, yjs awareness style: a higher clock wins,
// a nil state at a winning clock removes the client.
type awarenessState struct {
	clock uint64
	// json presence, nil when removed
	state []byte
}

type AwarenessChangeFunc func(changed []ClientId, origin Origin)

type Awareness struct {
	clientId ClientId

	stateLock sync.Mutex
	states    map[ClientId]*awarenessState

	changeCallbacks callbackList[AwarenessChangeFunc]
}

func NewAwareness(clientId ClientId) *Awareness {
	return &Awareness{
		clientId: clientId,
		states:   map[ClientId]*awarenessState{},
	}
}

func (self *Awareness) ClientId() ClientId {
	return self.clientId
}

func (self *Awareness) AddChangeCallback(callback AwarenessChangeFunc) func() {
	return self.changeCallbacks.add(callback)
}

func (self *Awareness) fireChange(changed []ClientId, origin Origin) {
	if len(changed) == 0 {
		return
	}
	for _, entry := range self.changeCallbacks.get() {
		callback := entry.callback
		handleCallback(func() {
			callback(changed, origin)
		})
	}
}

// replaces the local state wholesale. nil removes the local client.
func (self *Awareness) SetLocalState(presence *Presence) {
	var state []byte
	if presence != nil {
		var err error
		state, err = json.Marshal(presence)
		if err != nil {
			glog.Infof("[aw]encode local state = %s\n", err)
			return
		}
	}
	self.stateLock.Lock()
	entry, ok := self.states[self.clientId]
	if !ok {
		entry = &awarenessState{}
		self.states[self.clientId] = entry
	}
	entry.clock += 1
	entry.state = state
	self.stateLock.Unlock()

	self.fireChange([]ClientId{self.clientId}, OriginLocal)
}

// shallow-merges the partial onto the local state and stamps lastSeen.
// triggers an outbound delta for this client only, via the change callback.
func (self *Awareness) SetLocalPresence(partial map[string]any) {
	self.stateLock.Lock()
	entry, ok := self.states[self.clientId]
	if !ok {
		entry = &awarenessState{}
		self.states[self.clientId] = entry
	}
	base := entry.state
	if base == nil {
		base = []byte("{}")
	}
	merged := map[string]any{}
	if err := json.Unmarshal(base, &merged); err != nil {
		merged = map[string]any{}
	}
	for key, value := range partial {
		if value == nil {
			delete(merged, key)
		} else {
			merged[key] = value
		}
	}
	merged["lastSeen"] = time.Now().UnixMilli()
	state, err := json.Marshal(merged)
	if err != nil {
		self.stateLock.Unlock()
		glog.Infof("[aw]encode local presence = %s\n", err)
		return
	}
	entry.clock += 1
	entry.state = state
	self.stateLock.Unlock()

	self.fireChange([]ClientId{self.clientId}, OriginLocal)
}

func (self *Awareness) LocalState() *Presence {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return decodePresence(self.states[self.clientId])
}

func decodePresence(entry *awarenessState) *Presence {
	if entry == nil || entry.state == nil {
		return nil
	}
	var presence Presence
	if err := json.Unmarshal(entry.state, &presence); err != nil {
		glog.Infof("[aw]drop undecodable presence = %s\n", err)
		return nil
	}
	return &presence
}

// decoded remote states, excluding self and removed clients
func (self *Awareness) States() map[ClientId]*Presence {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	states := map[ClientId]*Presence{}
	for clientId, entry := range self.states {
		if clientId == self.clientId {
			continue
		}
		if presence := decodePresence(entry); presence != nil {
			states[clientId] = presence
		}
	}
	return states
}

// encodes the full table, used on connect so late joiners see everyone
func (self *Awareness) EncodeAll() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.encodeClients(maps.Keys(self.states))
}

// encodes a delta for the changed clients only, not a full rebroadcast
func (self *Awareness) EncodeClients(clientIds []ClientId) []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.encodeClients(clientIds)
}

// must be called inside the state lock
func (self *Awareness) encodeClients(clientIds []ClientId) []byte {
	slices.Sort(clientIds)
	buf := &bytes.Buffer{}
	writeUvarint(buf, uint64(len(clientIds)))
	for _, clientId := range clientIds {
		entry := self.states[clientId]
		writeUvarint(buf, uint64(clientId))
		if entry == nil {
			writeUvarint(buf, 0)
			writeBytes(buf, nil)
			continue
		}
		writeUvarint(buf, entry.clock)
		writeBytes(buf, entry.state)
	}
	return buf.Bytes()
}

// merges an encoded awareness delta. entries for self are ignored,
// stale clocks are ignored, a winning nil state removes the client.
func (self *Awareness) ApplyUpdate(update []byte, origin Origin) error {
	r := bytes.NewReader(update)
	n, err := readUvarint(r)
	if err != nil {
		return err
	}
	changed := []ClientId{}
	self.stateLock.Lock()
	for i := uint64(0); i < n; i += 1 {
		clientValue, err := readUvarint(r)
		if err != nil {
			self.stateLock.Unlock()
			return err
		}
		clock, err := readUvarint(r)
		if err != nil {
			self.stateLock.Unlock()
			return err
		}
		state, err := readBytes(r)
		if err != nil {
			self.stateLock.Unlock()
			return err
		}
		if len(state) == 0 {
			state = nil
		}
		clientId := ClientId(clientValue)
		if clientId == self.clientId {
			continue
		}
		entry, ok := self.states[clientId]
		if !ok {
			self.states[clientId] = &awarenessState{
				clock: clock,
				state: state,
			}
			changed = append(changed, clientId)
			continue
		}
		if clock < entry.clock {
			continue
		}
		if clock == entry.clock && !(state == nil && entry.state != nil) {
			// same clock, removal wins, anything else is a duplicate
			continue
		}
		entry.clock = clock
		entry.state = state
		changed = append(changed, clientId)
	}
	self.stateLock.Unlock()

	self.fireChange(changed, origin)
	return nil
}

// collaborator table

type PresenceTableSettings struct {
	SweepInterval time.Duration
	// an entry disappearing for less than this is still rendered,
	// avoids flicker from transient disconnects
	GraceTimeout time.Duration
	// stricter threshold for "counts as active" badges
	ActiveTimeout time.Duration
}

func DefaultPresenceTableSettings() *PresenceTableSettings {
	return &PresenceTableSettings{
		SweepInterval: 1 * time.Second,
		GraceTimeout:  35 * time.Second,
		ActiveTimeout: 30 * time.Second,
	}
}

// live collaborator records keyed by user id, with liveness expiry.
// the table is fed from awareness deltas and from application-level
// presence messages (ai interactions, join/leave).
type PresenceTable struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *PresenceTableSettings

	stateLock sync.Mutex
	entries   map[string]*Presence

	changeCallbacks callbackList[func()]
}

func NewPresenceTableWithDefaults(ctx context.Context) *PresenceTable {
	return NewPresenceTable(ctx, DefaultPresenceTableSettings())
}

func NewPresenceTable(ctx context.Context, settings *PresenceTableSettings) *PresenceTable {
	cancelCtx, cancel := context.WithCancel(ctx)
	table := &PresenceTable{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		entries:  map[string]*Presence{},
	}
	go table.run()
	return table
}

func (self *PresenceTable) run() {
	defer self.cancel()

	ticker := time.NewTicker(self.settings.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.Sweep()
		}
	}
}

func (self *PresenceTable) AddChangeCallback(callback func()) func() {
	return self.changeCallbacks.add(callback)
}

func (self *PresenceTable) fireChange() {
	for _, entry := range self.changeCallbacks.get() {
		callback := entry.callback
		handleCallback(callback)
	}
}

// upserts a sighting. the record is overwritten shallowly at the top level:
// set fields replace, unset fields keep whatever was there before.
func (self *PresenceTable) Upsert(presence *Presence) {
	if presence == nil || presence.UserId == "" {
		return
	}
	self.stateLock.Lock()
	existing, ok := self.entries[presence.UserId]
	if !ok {
		next := *presence
		if next.LastSeen == 0 {
			next.LastSeen = time.Now().UnixMilli()
		}
		self.entries[presence.UserId] = &next
	} else {
		mergePresence(existing, presence)
	}
	self.stateLock.Unlock()

	self.fireChange()
}

func mergePresence(existing *Presence, next *Presence) {
	if next.Email != "" {
		existing.Email = next.Email
	}
	if next.Color != "" {
		existing.Color = next.Color
	}
	if next.Cursor != nil {
		existing.Cursor = next.Cursor
	}
	if next.ActiveComponent != "" {
		existing.ActiveComponent = next.ActiveComponent
	}
	if next.CurrentlyTyping != nil {
		existing.CurrentlyTyping = next.CurrentlyTyping
	}
	if next.AiInteraction != nil {
		existing.AiInteraction = next.AiInteraction
	}
	if next.CanvasPresence != nil {
		existing.CanvasPresence = next.CanvasPresence
	}
	if 0 < next.LastSeen {
		existing.LastSeen = next.LastSeen
	} else {
		existing.LastSeen = time.Now().UnixMilli()
	}
}

func (self *PresenceTable) Remove(userId string) {
	self.stateLock.Lock()
	_, ok := self.entries[userId]
	if ok {
		delete(self.entries, userId)
	}
	self.stateLock.Unlock()
	if ok {
		self.fireChange()
	}
}

// records an ai interaction for a user who may not have a presence entry
// yet. peers who joined after the awareness delta still see it promptly.
func (self *PresenceTable) SetAiInteraction(userId string, interaction *AiInteraction) {
	self.Upsert(&Presence{
		UserId:        userId,
		AiInteraction: interaction,
	})
}

// everyone still inside the grace window, flicker-free view
func (self *PresenceTable) Collaborators() []*Presence {
	return self.collaborators(time.Now())
}

func (self *PresenceTable) collaborators(now time.Time) []*Presence {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := []*Presence{}
	for _, entry := range self.entries {
		next := *entry
		out = append(out, &next)
	}
	slices.SortStableFunc(out, func(a *Presence, b *Presence) int {
		if a.UserId < b.UserId {
			return -1
		}
		if b.UserId < a.UserId {
			return 1
		}
		return 0
	})
	return out
}

// the stricter predicate for "active" badges. does not evict anything.
func (self *PresenceTable) ActiveCollaborators() []*Presence {
	return self.activeCollaborators(time.Now())
}

func (self *PresenceTable) activeCollaborators(now time.Time) []*Presence {
	cutoff := now.Add(-self.settings.ActiveTimeout).UnixMilli()
	out := []*Presence{}
	for _, entry := range self.collaborators(now) {
		if cutoff <= entry.LastSeen {
			out = append(out, entry)
		}
	}
	return out
}

// evicts entries last seen beyond the grace window
func (self *PresenceTable) Sweep() {
	self.sweep(time.Now())
}

func (self *PresenceTable) sweep(now time.Time) {
	cutoff := now.Add(-self.settings.GraceTimeout).UnixMilli()
	self.stateLock.Lock()
	evicted := 0
	for userId, entry := range self.entries {
		if entry.LastSeen < cutoff {
			delete(self.entries, userId)
			evicted += 1
		}
	}
	self.stateLock.Unlock()
	if 0 < evicted {
		glog.V(2).Infof("[aw]evicted %d stale collaborators\n", evicted)
		self.fireChange()
	}
}

func (self *PresenceTable) Close() {
	self.cancel()
}
