package collab

import (
	"sync"
	"time"
)

// turns container contents into immutable snapshots safe for ui consumption.
// snapshots are taken synchronously when an observer fires, because the
// replica may change again before the consumer reads. the publish is
// deferred briefly so bursts of observer firings coalesce into one update,
// and only the last snapshot in the window is published.

type ProjectorSettings struct {
	PublishDelay time.Duration
}

func DefaultProjectorSettings() *ProjectorSettings {
	return &ProjectorSettings{
		PublishDelay: 10 * time.Millisecond,
	}
}

type Projector struct {
	store    *DocStore
	settings *ProjectorSettings

	stateLock sync.Mutex
	closed    bool
	unsubs    []func()
	pending   map[string]func()
	timers    map[string]*time.Timer

	blockCallbacks      callbackList[func(blocks []*Block)]
	nodeCallbacks       callbackList[func(nodes map[string]*CanvasNode)]
	connectionCallbacks callbackList[func(connections []*CanvasConnection)]
	noteCallbacks       callbackList[func(notes map[string]*GlobalNote)]
}

func NewProjectorWithDefaults(doc *Doc, store *DocStore) *Projector {
	return NewProjector(doc, store, DefaultProjectorSettings())
}

func NewProjector(doc *Doc, store *DocStore, settings *ProjectorSettings) *Projector {
	projector := &Projector{
		store:    store,
		settings: settings,
		pending:  map[string]func(){},
		timers:   map[string]*time.Timer{},
	}
	containers := []string{
		ContainerBlocks,
		ContainerNodes,
		ContainerConnections,
		ContainerNotes,
	}
	for _, container := range containers {
		container := container
		unsub := doc.Observe(container, func(origin Origin) {
			projector.invalidate(container)
		})
		projector.unsubs = append(projector.unsubs, unsub)
	}
	return projector
}

func (self *Projector) SubscribeBlocks(callback func(blocks []*Block)) func() {
	return self.blockCallbacks.add(callback)
}

func (self *Projector) SubscribeNodes(callback func(nodes map[string]*CanvasNode)) func() {
	return self.nodeCallbacks.add(callback)
}

func (self *Projector) SubscribeConnections(callback func(connections []*CanvasConnection)) func() {
	return self.connectionCallbacks.add(callback)
}

func (self *Projector) SubscribeNotes(callback func(notes map[string]*GlobalNote)) func() {
	return self.noteCallbacks.add(callback)
}

// snapshot now, publish later. the observer event is transaction-scoped and
// must not be referenced past this synchronous phase, so nothing of it is.
func (self *Projector) invalidate(container string) {
	var publish func()
	switch container {
	case ContainerBlocks:
		blocks := self.store.Blocks()
		publish = func() {
			for _, entry := range self.blockCallbacks.get() {
				callback := entry.callback
				handleCallback(func() {
					callback(blocks)
				})
			}
		}
	case ContainerNodes:
		nodes := self.store.Nodes()
		publish = func() {
			for _, entry := range self.nodeCallbacks.get() {
				callback := entry.callback
				handleCallback(func() {
					callback(nodes)
				})
			}
		}
	case ContainerConnections:
		connections := self.store.Connections()
		publish = func() {
			for _, entry := range self.connectionCallbacks.get() {
				callback := entry.callback
				handleCallback(func() {
					callback(connections)
				})
			}
		}
	case ContainerNotes:
		notes := self.store.Notes()
		publish = func() {
			for _, entry := range self.noteCallbacks.get() {
				callback := entry.callback
				handleCallback(func() {
					callback(notes)
				})
			}
		}
	default:
		return
	}

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.pending[container] = publish
	if _, scheduled := self.timers[container]; !scheduled {
		self.timers[container] = time.AfterFunc(self.settings.PublishDelay, func() {
			self.publish(container)
		})
	}
	self.stateLock.Unlock()
}

func (self *Projector) publish(container string) {
	self.stateLock.Lock()
	publish := self.pending[container]
	delete(self.pending, container)
	delete(self.timers, container)
	closed := self.closed
	self.stateLock.Unlock()

	if closed || publish == nil {
		return
	}
	publish()
}

func (self *Projector) Close() {
	self.stateLock.Lock()
	self.closed = true
	for _, timer := range self.timers {
		timer.Stop()
	}
	self.timers = map[string]*time.Timer{}
	self.pending = map[string]func(){}
	unsubs := self.unsubs
	self.unsubs = nil
	self.stateLock.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}
