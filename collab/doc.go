package collab

import (
	"fmt"
	"math"
	mathrand "math/rand"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// replicated document. one per session.
// the replica is a convergent structure: any two replicas that integrate the
// same set of ops, in any delivery order with any duplication, reach the same
// container contents. sequences use dense position identifiers with
// tombstoned deletes. maps and in-place value updates use last-writer-wins
// registers ordered by (lamport, client).

type ClientId uint64

type Clock uint64

// comparable
type OpId struct {
	Client ClientId
	Clock  Clock
}

func (self OpId) String() string {
	return fmt.Sprintf("%d@%d", self.Clock, self.Client)
}

// next expected clock per client. ops below the entry have been integrated.
type StateVector map[ClientId]Clock

func (self StateVector) Clone() StateVector {
	out := StateVector{}
	maps.Copy(out, self)
	return out
}

type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (self Origin) String() string {
	switch self {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return fmt.Sprintf("origin(%d)", int(self))
	}
}

// position identifiers

type posSegment struct {
	digit  uint32
	client ClientId
}

type position []posSegment

func compareSegments(a posSegment, b posSegment) int {
	if a.digit < b.digit {
		return -1
	}
	if b.digit < a.digit {
		return 1
	}
	if a.client < b.client {
		return -1
	}
	if b.client < a.client {
		return 1
	}
	return 0
}

// a strict prefix orders before its extensions
func comparePositions(a position, b position) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i += 1 {
		if c := compareSegments(a[i], b[i]); c != 0 {
			return c
		}
	}
	if len(a) < len(b) {
		return -1
	}
	if len(b) < len(a) {
		return 1
	}
	return 0
}

// allocates a position strictly between left and right.
// nil left means the head bound, nil right means the tail bound.
// digit 0 is the floor and is never allocated at the divergence level,
// so there is always room one level down.
func positionBetween(left position, right position, client ClientId) position {
	pos := position{}
	rightBounds := true
	for i := 0; ; i += 1 {
		ls := posSegment{digit: 0, client: 0}
		if i < len(left) {
			ls = left[i]
		}
		rs := posSegment{digit: math.MaxUint32, client: ClientId(math.MaxUint64)}
		if rightBounds {
			if i < len(right) {
				rs = right[i]
			} else if right != nil && i >= len(right) {
				// right exhausted. only reachable when right is not actually
				// an upper bound, treat as ceiling
				rightBounds = false
			}
		}
		if ls.digit < rs.digit && 1 < rs.digit-ls.digit {
			// room at this level
			return append(pos, posSegment{digit: ls.digit + 1, client: client})
		}
		// no room, descend along left
		pos = append(pos, ls)
		if compareSegments(ls, rs) != 0 {
			// diverged below right, it no longer bounds deeper levels
			rightBounds = false
		}
	}
}

// ops

type opKind byte

const (
	opListInsert opKind = 1
	opListDelete opKind = 2
	opListUpdate opKind = 3
	opMapSet     opKind = 4
	opMapDelete  opKind = 5
)

type op struct {
	id        OpId
	kind      opKind
	container string
	// list insert
	entityKey string
	pos       position
	// list delete, list update
	target OpId
	// lww rank for list update, map set, map delete
	lamport Clock
	value   []byte
}

// containers

type listItem struct {
	id        OpId
	entityKey string
	pos       position
	value     []byte
	deleted   bool
	// lww rank of the last applied in-place update
	updLamport Clock
	updClient  ClientId
}

type aheadUpdate struct {
	lamport Clock
	client  ClientId
	value   []byte
}

type listContainer struct {
	name  string
	items []*listItem
	byId  map[OpId]*listItem
	byKey map[string]*listItem
	// deletes and updates that arrived before their insert
	deletedAhead map[OpId]bool
	updatesAhead map[OpId]*aheadUpdate
}

func newListContainer(name string) *listContainer {
	return &listContainer{
		name:         name,
		byId:         map[OpId]*listItem{},
		byKey:        map[string]*listItem{},
		deletedAhead: map[OpId]bool{},
		updatesAhead: map[OpId]*aheadUpdate{},
	}
}

// index in the full (tombstone-inclusive) item slice where an item with
// (pos, id) belongs
func (self *listContainer) insertIndex(pos position, id OpId) int {
	return sort.Search(len(self.items), func(i int) bool {
		c := comparePositions(self.items[i].pos, pos)
		if c != 0 {
			return 0 < c
		}
		item := self.items[i]
		if item.id.Client != id.Client {
			return id.Client < item.id.Client
		}
		return id.Clock < item.id.Clock
	})
}

func (self *listContainer) visible() []*listItem {
	visible := []*listItem{}
	for _, item := range self.items {
		if !item.deleted {
			visible = append(visible, item)
		}
	}
	return visible
}

type mapEntry struct {
	key     string
	value   []byte
	lamport Clock
	client  ClientId
	deleted bool
}

type mapContainer struct {
	name    string
	entries map[string]*mapEntry
}

func newMapContainer(name string) *mapContainer {
	return &mapContainer{
		name:    name,
		entries: map[string]*mapEntry{},
	}
}

// (lamport, client) wins ties deterministically across replicas
func lwwLess(aLamport Clock, aClient ClientId, bLamport Clock, bClient ClientId) bool {
	if aLamport != bLamport {
		return aLamport < bLamport
	}
	return aClient < bClient
}

// doc

type UpdateFunc func(update []byte, origin Origin)

type ObserveFunc func(origin Origin)

type Doc struct {
	clientId ClientId

	stateLock sync.Mutex
	// goroutine id of the open transaction's owner, 0 when none.
	// lets doc calls made inside a Transact fn collapse into the
	// running transaction instead of self-deadlocking on stateLock.
	txnOwner  atomic.Uint64
	activeTxn *Txn
	clock     Clock
	lamport   Clock
	sv        StateVector
	log       []*op
	pending   map[ClientId][]*op
	lists     map[string]*listContainer
	kvs       map[string]*mapContainer

	updateCallbacks callbackList[UpdateFunc]

	observersLock sync.Mutex
	observers     map[string]*callbackList[ObserveFunc]
}

func NewDoc() *Doc {
	return NewDocWithClientId(ClientId(mathrand.Uint64()))
}

func NewDocWithClientId(clientId ClientId) *Doc {
	return &Doc{
		clientId:  clientId,
		sv:        StateVector{},
		pending:   map[ClientId][]*op{},
		lists:     map[string]*listContainer{},
		kvs:       map[string]*mapContainer{},
		observers: map[string]*callbackList[ObserveFunc]{},
	}
}

func (self *Doc) ClientId() ClientId {
	return self.clientId
}

func (self *Doc) list(name string) *listContainer {
	c, ok := self.lists[name]
	if !ok {
		c = newListContainer(name)
		self.lists[name] = c
	}
	return c
}

func (self *Doc) kv(name string) *mapContainer {
	c, ok := self.kvs[name]
	if !ok {
		c = newMapContainer(name)
		self.kvs[name] = c
	}
	return c
}

// fired after every committed transaction and every applied remote update.
// the origin lets the session suppress echo toward the relay.
func (self *Doc) AddUpdateCallback(callback UpdateFunc) func() {
	return self.updateCallbacks.add(callback)
}

// observe one container. the callback fires once per transaction that
// changed the container, never once per op.
func (self *Doc) Observe(container string, callback ObserveFunc) func() {
	self.observersLock.Lock()
	callbacks, ok := self.observers[container]
	if !ok {
		callbacks = &callbackList[ObserveFunc]{}
		self.observers[container] = callbacks
	}
	self.observersLock.Unlock()
	return callbacks.add(callback)
}

func (self *Doc) notify(changed map[string]bool, origin Origin) {
	if len(changed) == 0 {
		return
	}
	self.observersLock.Lock()
	callbacksByContainer := map[string][]*callbackEntry[ObserveFunc]{}
	for container := range changed {
		if callbacks, ok := self.observers[container]; ok {
			callbacksByContainer[container] = callbacks.get()
		}
	}
	self.observersLock.Unlock()
	for _, callbacks := range callbacksByContainer {
		for _, entry := range callbacks {
			callback := entry.callback
			handleCallback(func() {
				callback(origin)
			})
		}
	}
}

func (self *Doc) fireUpdate(update []byte, origin Origin) {
	for _, entry := range self.updateCallbacks.get() {
		callback := entry.callback
		handleCallback(func() {
			callback(update, origin)
		})
	}
}

// transactions

// all contained ops commit as one change event downstream. a nested
// Transact on the owning goroutine collapses into the open transaction.
type Txn struct {
	doc     *Doc
	ops     []*op
	changed map[string]bool
}

// parses the goroutine id from the runtime stack header,
// "goroutine 123 [running]:". ids start at 1, so 0 means no owner.
func goroutineId() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	id := uint64(0)
	for _, b := range buf[len("goroutine "):n] {
		if b < '0' || '9' < b {
			break
		}
		id = id*10 + uint64(b-'0')
	}
	return id
}

// takes the state lock unless the calling goroutine already holds it
// inside an open transaction. returns the matching unlock.
func (self *Doc) lockState() func() {
	if self.txnOwner.Load() == goroutineId() {
		return func() {}
	}
	self.stateLock.Lock()
	return self.stateLock.Unlock
}

func (self *Doc) Transact(fn func(txn *Txn)) {
	gid := goroutineId()
	if self.txnOwner.Load() == gid {
		// reentrant call, commit with the outer transaction
		fn(self.activeTxn)
		return
	}

	self.stateLock.Lock()
	txn := &Txn{
		doc:     self,
		changed: map[string]bool{},
	}
	self.activeTxn = txn
	self.txnOwner.Store(gid)
	// the commit runs deferred so a panic in fn still releases the lock.
	// ops committed before the panic are already applied locally and
	// still broadcast, otherwise replicas would diverge.
	defer func() {
		var update []byte
		if 0 < len(txn.ops) {
			update = encodeUpdate(txn.ops)
		}
		changed := txn.changed
		self.activeTxn = nil
		self.txnOwner.Store(0)
		self.stateLock.Unlock()

		if update != nil {
			self.fireUpdate(update, OriginLocal)
		}
		self.notify(changed, OriginLocal)
	}()
	fn(txn)
}

// must be called inside the state lock
func (self *Txn) commitLocal(o *op) {
	doc := self.doc
	o.id = OpId{Client: doc.clientId, Clock: doc.clock}
	doc.clock += 1
	doc.lamport += 1
	doc.applyOp(o, self.changed)
	doc.sv[doc.clientId] = doc.clock
	doc.log = append(doc.log, o)
	self.ops = append(self.ops, o)
}

func (self *Txn) ListLen(container string) int {
	return len(self.doc.list(container).visible())
}

func (self *Txn) ListValues(container string) [][]byte {
	visible := self.doc.list(container).visible()
	values := make([][]byte, len(visible))
	for i, item := range visible {
		values[i] = item.value
	}
	return values
}

func (self *Txn) ListHasKey(container string, entityKey string) bool {
	_, ok := self.doc.list(container).byKey[entityKey]
	return ok
}

func (self *Txn) ListIndexOfKey(container string, entityKey string) int {
	visible := self.doc.list(container).visible()
	for i, item := range visible {
		if item.entityKey == entityKey {
			return i
		}
	}
	return -1
}

// inserts before the visible index. out of range appends at the end.
func (self *Txn) ListInsert(container string, index int, entityKey string, value []byte) {
	c := self.doc.list(container)
	visible := c.visible()
	if index < 0 || len(visible) < index {
		index = len(visible)
	}
	var left position
	if 0 < index {
		left = visible[index-1].pos
	}
	var right position
	if index < len(visible) {
		right = visible[index].pos
	}
	self.commitLocal(&op{
		kind:      opListInsert,
		container: container,
		entityKey: entityKey,
		pos:       positionBetween(left, right, self.doc.clientId),
		lamport:   self.doc.lamport,
		value:     value,
	})
}

func (self *Txn) ListAppend(container string, entityKey string, value []byte) {
	self.ListInsert(container, -1, entityKey, value)
}

func (self *Txn) ListDeleteKey(container string, entityKey string) bool {
	item, ok := self.doc.list(container).byKey[entityKey]
	if !ok {
		return false
	}
	self.commitLocal(&op{
		kind:      opListDelete,
		container: container,
		target:    item.id,
	})
	return true
}

func (self *Txn) ListUpdateKey(container string, entityKey string, value []byte) bool {
	item, ok := self.doc.list(container).byKey[entityKey]
	if !ok {
		return false
	}
	self.commitLocal(&op{
		kind:      opListUpdate,
		container: container,
		target:    item.id,
		lamport:   self.doc.lamport,
		value:     value,
	})
	return true
}

func (self *Txn) MapGet(container string, key string) ([]byte, bool) {
	entry, ok := self.doc.kv(container).entries[key]
	if !ok || entry.deleted {
		return nil, false
	}
	return entry.value, true
}

func (self *Txn) MapSet(container string, key string, value []byte) {
	self.commitLocal(&op{
		kind:      opMapSet,
		container: container,
		entityKey: key,
		lamport:   self.doc.lamport,
		value:     value,
	})
}

func (self *Txn) MapDelete(container string, key string) bool {
	entry, ok := self.doc.kv(container).entries[key]
	if !ok || entry.deleted {
		return false
	}
	self.commitLocal(&op{
		kind:      opMapDelete,
		container: container,
		entityKey: key,
		lamport:   self.doc.lamport,
	})
	return true
}

// reads outside a transaction

func (self *Doc) ListValues(container string) [][]byte {
	defer self.lockState()()
	visible := self.list(container).visible()
	values := make([][]byte, len(visible))
	for i, item := range visible {
		values[i] = slices.Clone(item.value)
	}
	return values
}

func (self *Doc) MapValues(container string) map[string][]byte {
	defer self.lockState()()
	values := map[string][]byte{}
	for key, entry := range self.kv(container).entries {
		if !entry.deleted {
			values[key] = slices.Clone(entry.value)
		}
	}
	return values
}

func (self *Doc) StateVector() StateVector {
	defer self.lockState()()
	return self.sv.Clone()
}

// encodes every op the remote state vector has not seen.
// an empty state vector yields the full document history.
func (self *Doc) EncodeDiff(remote StateVector) []byte {
	defer self.lockState()()
	diff := []*op{}
	for _, o := range self.log {
		if remote[o.id.Client] <= o.id.Clock {
			diff = append(diff, o)
		}
	}
	// per-client clock order keeps the receiver's state vector contiguous
	slices.SortStableFunc(diff, func(a *op, b *op) int {
		if a.id.Client != b.id.Client {
			if a.id.Client < b.id.Client {
				return -1
			}
			return 1
		}
		if a.id.Clock < b.id.Clock {
			return -1
		}
		if b.id.Clock < a.id.Clock {
			return 1
		}
		return 0
	})
	return encodeUpdate(diff)
}

func (self *Doc) EncodeStateAsUpdate() []byte {
	return self.EncodeDiff(StateVector{})
}

// integrates a remote update. idempotent and commutative: duplicate ops are
// skipped, causal gaps per client are buffered until filled.
func (self *Doc) ApplyUpdate(update []byte, origin Origin) error {
	ops, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	unlock := self.lockState()
	changed := map[string]bool{}
	for _, o := range ops {
		self.integrate(o, changed)
	}
	unlock()

	if 0 < len(changed) {
		self.fireUpdate(update, origin)
	}
	self.notify(changed, origin)
	return nil
}

// must be called inside the state lock
func (self *Doc) integrate(o *op, changed map[string]bool) {
	next := self.sv[o.id.Client]
	if o.id.Clock < next {
		// already integrated
		return
	}
	if next < o.id.Clock {
		// causal gap, buffer until the gap fills
		queue := self.pending[o.id.Client]
		i := slices.IndexFunc(queue, func(p *op) bool {
			return p.id.Clock == o.id.Clock
		})
		if i < 0 {
			queue = append(queue, o)
			slices.SortStableFunc(queue, func(a *op, b *op) int {
				if a.id.Clock < b.id.Clock {
					return -1
				}
				if b.id.Clock < a.id.Clock {
					return 1
				}
				return 0
			})
			self.pending[o.id.Client] = queue
		}
		return
	}

	self.applyOp(o, changed)
	self.sv[o.id.Client] = o.id.Clock + 1
	self.log = append(self.log, o)

	// drain any buffered continuation
	queue := self.pending[o.id.Client]
	for 0 < len(queue) {
		p := queue[0]
		expected := self.sv[o.id.Client]
		if p.id.Clock < expected {
			// duplicate
			queue = queue[1:]
			continue
		}
		if expected < p.id.Clock {
			// still a gap
			break
		}
		queue = queue[1:]
		self.applyOp(p, changed)
		self.sv[o.id.Client] = p.id.Clock + 1
		self.log = append(self.log, p)
	}
	if len(queue) == 0 {
		delete(self.pending, o.id.Client)
	} else {
		self.pending[o.id.Client] = queue
	}
}

// must be called inside the state lock
func (self *Doc) applyOp(o *op, changed map[string]bool) {
	if self.lamport < o.lamport {
		self.lamport = o.lamport
	}
	switch o.kind {
	case opListInsert:
		c := self.list(o.container)
		if _, ok := c.byId[o.id]; ok {
			return
		}
		item := &listItem{
			id:        o.id,
			entityKey: o.entityKey,
			pos:       o.pos,
			value:     o.value,
		}
		if c.deletedAhead[o.id] {
			item.deleted = true
			delete(c.deletedAhead, o.id)
		}
		if ahead, ok := c.updatesAhead[o.id]; ok {
			item.value = ahead.value
			item.updLamport = ahead.lamport
			item.updClient = ahead.client
			delete(c.updatesAhead, o.id)
		}
		i := c.insertIndex(item.pos, item.id)
		c.items = slices.Insert(c.items, i, item)
		c.byId[o.id] = item
		if !item.deleted {
			c.byKey[item.entityKey] = item
		}
		changed[o.container] = true
	case opListDelete:
		c := self.list(o.container)
		item, ok := c.byId[o.target]
		if !ok {
			c.deletedAhead[o.target] = true
			return
		}
		if item.deleted {
			return
		}
		item.deleted = true
		if c.byKey[item.entityKey] == item {
			delete(c.byKey, item.entityKey)
		}
		changed[o.container] = true
	case opListUpdate:
		c := self.list(o.container)
		item, ok := c.byId[o.target]
		if !ok {
			ahead, ok := c.updatesAhead[o.target]
			if !ok || lwwLess(ahead.lamport, ahead.client, o.lamport, o.id.Client) {
				c.updatesAhead[o.target] = &aheadUpdate{
					lamport: o.lamport,
					client:  o.id.Client,
					value:   o.value,
				}
			}
			return
		}
		if lwwLess(item.updLamport, item.updClient, o.lamport, o.id.Client) {
			item.value = o.value
			item.updLamport = o.lamport
			item.updClient = o.id.Client
			if !item.deleted {
				changed[o.container] = true
			}
		}
	case opMapSet:
		c := self.kv(o.container)
		entry, ok := c.entries[o.entityKey]
		if !ok {
			c.entries[o.entityKey] = &mapEntry{
				key:     o.entityKey,
				value:   o.value,
				lamport: o.lamport,
				client:  o.id.Client,
			}
			changed[o.container] = true
			return
		}
		if lwwLess(entry.lamport, entry.client, o.lamport, o.id.Client) {
			entry.value = o.value
			entry.lamport = o.lamport
			entry.client = o.id.Client
			entry.deleted = false
			changed[o.container] = true
		}
	case opMapDelete:
		c := self.kv(o.container)
		entry, ok := c.entries[o.entityKey]
		if !ok {
			c.entries[o.entityKey] = &mapEntry{
				key:     o.entityKey,
				lamport: o.lamport,
				client:  o.id.Client,
				deleted: true,
			}
			return
		}
		if lwwLess(entry.lamport, entry.client, o.lamport, o.id.Client) {
			entry.value = nil
			entry.lamport = o.lamport
			entry.client = o.id.Client
			if !entry.deleted {
				entry.deleted = true
				changed[o.container] = true
			}
		}
	}
}
