package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// session lifecycle controller. owns exactly one replica and one awareness
// instance per active session, wires every observer and callback, and is
// the only place that registers or unregisters anything, so teardown can
// never be partial.

type SessionMode string

const (
	// plain change log plus periodic save, no replica
	SessionModeSolo SessionMode = "solo"
	// full replica over the relay
	SessionModeGroup SessionMode = "group"
)

type SessionOptions struct {
	SessionId string      `validate:"required"`
	Mode      SessionMode `validate:"required,oneof=solo group"`
	// required in group mode
	RelayUrl string `validate:"required_if=Mode group"`
	// required in solo mode
	ApiUrl string `validate:"required_if=Mode solo"`
	Token  string
	// filled from token claims when empty
	UserId string
	Email  string
	Color  string
}

type SessionSettings struct {
	TransportSettings     *RelayTransportSettings
	ProjectorSettings     *ProjectorSettings
	PresenceTableSettings *PresenceTableSettings
	ChangeTrackerSettings *ChangeTrackerSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		TransportSettings:     DefaultRelayTransportSettings(),
		ProjectorSettings:     DefaultProjectorSettings(),
		PresenceTableSettings: DefaultPresenceTableSettings(),
		ChangeTrackerSettings: DefaultChangeTrackerSettings(),
	}
}

var validate = validator.New()

type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	instanceId Id
	opts       *SessionOptions
	settings   *SessionSettings

	// group mode
	doc       *Doc
	store     *DocStore
	awareness *Awareness
	presence  *PresenceTable
	projector *Projector
	transport *RelayTransport
	unsubs    []func()

	// solo mode
	tracker *ChangeTracker
	api     *PersistenceApi

	stateLock        sync.Mutex
	connectionStatus ConnectionStatus
	soloBlocks       []*Block
	// awareness client -> user, for removals
	clientUsers map[ClientId]string

	statusCallbacks callbackList[func(status ConnectionStatus)]
}

func NewSessionWithDefaults(ctx context.Context, opts *SessionOptions) (*Session, error) {
	return NewSession(ctx, opts, DefaultSessionSettings())
}

func NewSession(ctx context.Context, opts *SessionOptions, settings *SessionSettings) (*Session, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, err
	}
	if opts.UserId == "" && opts.Token != "" {
		if byJwt, err := ParseByJwtUnverified(opts.Token); err == nil {
			opts.UserId = byJwt.UserId
			if opts.Email == "" {
				opts.Email = byJwt.Email
			}
		}
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		ctx:              cancelCtx,
		cancel:           cancel,
		instanceId:       NewId(),
		opts:             opts,
		settings:         settings,
		connectionStatus: ConnectionDisconnected,
		clientUsers:      map[ClientId]string{},
	}

	switch opts.Mode {
	case SessionModeGroup:
		session.startGroup()
	case SessionModeSolo:
		session.startSolo()
	}

	glog.V(1).Infof("[session]%s start %s mode=%s\n", session.instanceId, opts.SessionId, opts.Mode)
	return session, nil
}

func (self *Session) InstanceId() Id {
	return self.instanceId
}

func (self *Session) Mode() SessionMode {
	return self.opts.Mode
}

func (self *Session) SessionId() string {
	return self.opts.SessionId
}

func (self *Session) startGroup() {
	self.doc = NewDoc()
	self.store = NewAttachedDocStore(self.doc)
	self.awareness = NewAwareness(self.doc.ClientId())
	self.presence = NewPresenceTable(self.ctx, self.settings.PresenceTableSettings)
	self.projector = NewProjector(self.doc, self.store, self.settings.ProjectorSettings)

	// self is a collaborator from the start
	local := &Presence{
		UserId:   self.opts.UserId,
		Email:    self.opts.Email,
		Color:    self.opts.Color,
		LastSeen: time.Now().UnixMilli(),
	}
	self.awareness.SetLocalState(local)
	self.presence.Upsert(local)

	// only locally-originated deltas go to the relay. updates that were
	// themselves applied from the relay are tagged remote, which is what
	// breaks the echo loop.
	unsub := self.doc.AddUpdateCallback(func(update []byte, origin Origin) {
		if origin != OriginLocal {
			return
		}
		self.transport.Send(&Message{
			Type:   MessageUpdate,
			Update: ByteArray(update),
		})
	})
	self.unsubs = append(self.unsubs, unsub)

	unsub = self.awareness.AddChangeCallback(func(changed []ClientId, origin Origin) {
		if origin == OriginLocal {
			// delta for the changed clients only
			self.transport.Send(&Message{
				Type:      MessageAwareness,
				Awareness: ByteArray(self.awareness.EncodeClients(changed)),
				UserId:    self.opts.UserId,
				UserEmail: self.opts.Email,
				Timestamp: time.Now().UnixMilli(),
			})
			if local := self.awareness.LocalState(); local != nil {
				self.presence.Upsert(local)
			}
			return
		}
		self.mergeRemoteAwareness(changed)
	})
	self.unsubs = append(self.unsubs, unsub)

	endpoint := RelayEndpoint(self.opts.RelayUrl, self.opts.SessionId, self.opts.Token)
	self.transport = NewRelayTransport(
		self.ctx,
		endpoint,
		self.handleOpen,
		self.handleFrame,
		self.setConnectionStatus,
		self.settings.TransportSettings,
	)
}

func (self *Session) startSolo() {
	self.api = NewPersistenceApi(self.ctx, self.opts.ApiUrl, self.opts.Token)
	self.tracker = NewChangeTracker(
		self.ctx,
		func(changes []*Change) bool {
			result, err := self.api.SaveBlocksSync(&SaveBlocksArgs{
				SessionId: self.opts.SessionId,
				Changes:   changes,
			})
			if err != nil {
				glog.Infof("[session]save error = %s\n", err)
				return false
			}
			return result.Success
		},
		self.settings.ChangeTrackerSettings,
	)
	// the store stays unattached, all replica mutators warn and no-op
	self.store = NewDocStore()
}

// handshake: advertise what we already have, then our presence,
// so the relay can reply with one minimal diff
func (self *Session) handleOpen() {
	self.transport.Send(&Message{
		Type:        MessageSyncStep1,
		StateVector: ByteArray(EncodeStateVector(self.doc.StateVector())),
	})
	self.transport.Send(&Message{
		Type:      MessageAwareness,
		Awareness: ByteArray(self.awareness.EncodeAll()),
		UserId:    self.opts.UserId,
		UserEmail: self.opts.Email,
		Timestamp: time.Now().UnixMilli(),
	})
}

// one inbound frame. decode errors and apply errors are logged and the
// frame dropped, they never tear down the connection or the replica.
func (self *Session) handleFrame(frame []byte) {
	message, err := DecodeFrame(frame)
	if err != nil {
		glog.Infof("[session]drop undecodable frame = %s\n", err)
		return
	}
	switch message.Type {
	case MessageSyncStep1:
		remote, err := DecodeStateVector(message.StateVector)
		if err != nil {
			glog.Infof("[session]drop bad state vector = %s\n", err)
			return
		}
		self.transport.Send(&Message{
			Type:   MessageSyncStep2,
			Update: ByteArray(self.doc.EncodeDiff(remote)),
		})
	case MessageSyncStep2, MessageUpdate:
		if err := self.doc.ApplyUpdate(message.Update, OriginRemote); err != nil {
			glog.Infof("[session]drop bad update = %s\n", err)
		}
	case MessageAwareness:
		if err := self.awareness.ApplyUpdate(message.Awareness, OriginRemote); err != nil {
			glog.Infof("[session]drop bad awareness = %s\n", err)
		}
	case MessagePing:
		self.transport.Send(&Message{Type: MessagePong})
	case MessagePong:
		// fire and forget on our side too
	case MessageAiInteractionUpdate:
		if message.UserId != "" && message.UserId != self.opts.UserId {
			self.presence.SetAiInteraction(message.UserId, message.Interaction)
		}
	case MessageUserJoined:
		if message.UserEmail != "" {
			self.presence.Upsert(&Presence{
				UserId: message.UserEmail,
				Email:  message.UserEmail,
			})
		}
	case MessageUserLeft:
		if message.UserEmail != "" {
			self.presence.Remove(message.UserEmail)
		}
	default:
		// unknown types are ignored
		glog.V(2).Infof("[session]ignore %s\n", message.Type)
	}
}

func (self *Session) mergeRemoteAwareness(changed []ClientId) {
	states := self.awareness.States()
	for _, clientId := range changed {
		presence, ok := states[clientId]
		if !ok {
			// removed client
			self.stateLock.Lock()
			userId, tracked := self.clientUsers[clientId]
			delete(self.clientUsers, clientId)
			self.stateLock.Unlock()
			if tracked {
				self.presence.Remove(userId)
			}
			continue
		}
		if presence.UserId == "" {
			continue
		}
		self.stateLock.Lock()
		self.clientUsers[clientId] = presence.UserId
		self.stateLock.Unlock()
		self.presence.Upsert(presence)
	}
}

func (self *Session) setConnectionStatus(status ConnectionStatus) {
	self.stateLock.Lock()
	if self.connectionStatus == status {
		self.stateLock.Unlock()
		return
	}
	self.connectionStatus = status
	self.stateLock.Unlock()

	glog.V(1).Infof("[session]%s status=%s\n", self.opts.SessionId, status)
	for _, entry := range self.statusCallbacks.get() {
		callback := entry.callback
		handleCallback(func() {
			callback(status)
		})
	}
}

func (self *Session) ConnectionStatus() ConnectionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connectionStatus
}

func (self *Session) AddConnectionStatusCallback(callback func(status ConnectionStatus)) func() {
	return self.statusCallbacks.add(callback)
}

// component access

func (self *Session) Store() *DocStore {
	return self.store
}

func (self *Session) Projector() *Projector {
	return self.projector
}

func (self *Session) PresenceTable() *PresenceTable {
	return self.presence
}

func (self *Session) Awareness() *Awareness {
	return self.awareness
}

func (self *Session) ChangeTracker() *ChangeTracker {
	return self.tracker
}

// presence

func (self *Session) SetLocalPresence(partial map[string]any) {
	if self.awareness == nil {
		glog.Infof("[session]presence in solo mode, ignored\n")
		return
	}
	self.awareness.SetLocalPresence(partial)
}

// pushes the interaction both into presence and as an application-level
// message, so peers who join later still see it promptly
func (self *Session) BroadcastAiInteraction(interaction *AiInteraction) {
	if self.awareness == nil {
		glog.Infof("[session]ai interaction in solo mode, ignored\n")
		return
	}
	if interaction != nil && interaction.Timestamp == 0 {
		interaction.Timestamp = time.Now().UnixMilli()
	}
	self.SetLocalPresence(map[string]any{
		"aiInteraction": interaction,
	})
	self.transport.Send(&Message{
		Type:        MessageAiInteractionUpdate,
		UserId:      self.opts.UserId,
		UserEmail:   self.opts.Email,
		Timestamp:   time.Now().UnixMilli(),
		Interaction: interaction,
	})
}

// uniform block api. group mode goes through the replica, solo mode edits
// the plain array and feeds the change log.

func (self *Session) track(change *Change) {
	self.tracker.Track(change)
	if change.Significant() {
		// structural changes do not wait for the debounce
		go self.tracker.FlushNow()
	}
}

func (self *Session) Blocks() []*Block {
	if self.opts.Mode == SessionModeGroup {
		return self.store.Blocks()
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.soloBlocks)
}

func (self *Session) AppendBlock(block *Block) {
	if self.opts.Mode == SessionModeGroup {
		self.store.AppendBlock(block)
		return
	}
	self.stateLock.Lock()
	self.soloBlocks = append(self.soloBlocks, block)
	self.stateLock.Unlock()
	self.track(&Change{
		Action:  ChangeCreate,
		BlockId: block.Id,
		Payload: blockPayload(block),
	})
}

func (self *Session) InsertBlockAfter(anchorId int64, block *Block) {
	if self.opts.Mode == SessionModeGroup {
		self.store.InsertBlockAfter(anchorId, block)
		return
	}
	self.stateLock.Lock()
	i := slices.IndexFunc(self.soloBlocks, func(b *Block) bool {
		return b.Id == anchorId
	})
	if i < 0 {
		self.soloBlocks = append(self.soloBlocks, block)
	} else {
		self.soloBlocks = slices.Insert(self.soloBlocks, i+1, block)
	}
	self.stateLock.Unlock()
	self.track(&Change{
		Action:  ChangeCreate,
		BlockId: block.Id,
		Payload: blockPayload(block),
	})
}

func (self *Session) UpdateBlock(blockId int64, patch map[string]any) {
	if self.opts.Mode == SessionModeGroup {
		self.store.UpdateBlock(blockId, patch)
		return
	}
	self.stateLock.Lock()
	i := slices.IndexFunc(self.soloBlocks, func(b *Block) bool {
		return b.Id == blockId
	})
	if 0 <= i {
		if value, err := json.Marshal(self.soloBlocks[i]); err == nil {
			var next Block
			if err := json.Unmarshal(mergePatch(value, patch, 0), &next); err == nil {
				self.soloBlocks[i] = &next
			}
		}
	}
	self.stateLock.Unlock()
	self.track(&Change{
		Action:  ChangeUpdate,
		BlockId: blockId,
		Payload: patch,
	})
}

func (self *Session) DeleteBlock(blockId int64) {
	if self.opts.Mode == SessionModeGroup {
		self.store.DeleteBlock(blockId)
		return
	}
	self.stateLock.Lock()
	i := slices.IndexFunc(self.soloBlocks, func(b *Block) bool {
		return b.Id == blockId
	})
	if 0 <= i {
		self.soloBlocks = slices.Delete(self.soloBlocks, i, i+1)
	}
	if len(self.soloBlocks) == 0 {
		self.soloBlocks = append(self.soloBlocks, &Block{
			Id:   NewBlockId(),
			Type: BlockText,
		})
	}
	self.stateLock.Unlock()
	self.track(&Change{
		Action:  ChangeDelete,
		BlockId: blockId,
	})
}

// explicit user-triggered save, solo mode only
func (self *Session) SaveNow() {
	if self.tracker == nil {
		glog.Infof("[session]save in group mode, ignored\n")
		return
	}
	self.tracker.FlushNow()
}

func (self *Session) LoadBlocks(page int, pageSize int) (*LoadBlocksResult, error) {
	if self.api == nil {
		return nil, fmt.Errorf("load is solo mode only")
	}
	result, err := self.api.LoadBlocksSync(&LoadBlocksArgs{
		SessionId: self.opts.SessionId,
		Page:      page,
		PageSize:  pageSize,
	})
	if err != nil {
		return nil, err
	}
	self.stateLock.Lock()
	if page == 0 {
		self.soloBlocks = slices.Clone(result.Blocks)
	} else {
		self.soloBlocks = append(self.soloBlocks, result.Blocks...)
	}
	self.stateLock.Unlock()
	return result, nil
}

// teardown. clean close on the socket, every observer unregistered, the
// replica released. also runs on session id change or consumer unmount.
func (self *Session) Close() {
	glog.V(1).Infof("[session]%s close\n", self.opts.SessionId)

	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil

	if self.transport != nil {
		self.transport.Close()
	}
	if self.projector != nil {
		self.projector.Close()
	}
	if self.presence != nil {
		self.presence.Close()
	}
	if self.tracker != nil {
		// final unconditional flush
		self.tracker.Close()
	}
	if self.api != nil {
		self.api.Close()
	}
	if self.store != nil {
		self.store.Release()
	}
	self.cancel()
}

func blockPayload(block *Block) map[string]any {
	payload := map[string]any{}
	b, err := json.Marshal(block)
	if err != nil {
		return payload
	}
	json.Unmarshal(b, &payload)
	return payload
}
