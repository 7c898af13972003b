package collab

import (
	"encoding/json"
	mathrand "math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the four logical containers of a session document.
// all four share one replica, so mutations that span containers commit
// atomically within the same transaction boundary.
const (
	ContainerBlocks      = "blocks"
	ContainerNodes       = "nodes"
	ContainerConnections = "connections"
	ContainerNotes       = "notes"
)

type BlockType string

const (
	BlockText         BlockType = "text"
	BlockHeading      BlockType = "heading"
	BlockCode         BlockType = "code"
	BlockTable        BlockType = "table"
	BlockBullet       BlockType = "bullet"
	BlockNumberedList BlockType = "numbered-list"
	BlockQuote        BlockType = "quote"
	BlockDetails      BlockType = "details"
	BlockLatex        BlockType = "latex"
	BlockImage        BlockType = "image"
	BlockVideo        BlockType = "video"
	BlockAudio        BlockType = "audio"
	BlockPdf          BlockType = "pdf"
	BlockDocument     BlockType = "document"
	BlockWhiteboard   BlockType = "whiteboard"
	BlockYoutube      BlockType = "youtube"
	BlockKanban       BlockType = "kanban"
)

// one entry of the ordered block sequence. sequence order is the document's
// visual order. ids are client generated, unique within a session.
type Block struct {
	Id      int64     `json:"id"`
	Type    BlockType `json:"type"`
	Content string    `json:"content"`
	// type-specific fields
	Level    int        `json:"level,omitempty"`
	Language string     `json:"language,omitempty"`
	Rows     [][]string `json:"rows,omitempty"`
	Items    []string   `json:"items,omitempty"`
	MediaUrl string     `json:"mediaUrl,omitempty"`
	FileName string     `json:"fileName,omitempty"`
	Status   string     `json:"status,omitempty"`
	// local change-detection stamp, not used for conflict resolution
	LastModified int64 `json:"lastModified,omitempty"`
}

// parent/child references are non-owning back-references.
// deleting a node does not cascade to children, that is the caller's job.
type CanvasNode struct {
	Id           string   `json:"id"`
	Type         string   `json:"type"`
	X            float64  `json:"x"`
	Y            float64  `json:"y"`
	Width        float64  `json:"width"`
	Height       float64  `json:"height"`
	Content      string   `json:"content"`
	Title        string   `json:"title"`
	ParentId     string   `json:"parentId,omitempty"`
	ChildIds     []string `json:"childIds,omitempty"`
	Level        int      `json:"level"`
	Color        string   `json:"color,omitempty"`
	IsExpanded   bool     `json:"isExpanded"`
	MediaUrl     string   `json:"mediaUrl,omitempty"`
	FileUrl      string   `json:"fileUrl,omitempty"`
	LastModified int64    `json:"lastModified,omitempty"`
}

type CanvasConnection struct {
	Id          string `json:"id"`
	FromId      string `json:"fromId"`
	ToId        string `json:"toId"`
	StrokeStyle string `json:"strokeStyle,omitempty"`
	ArrowType   string `json:"arrowType,omitempty"`
	Color       string `json:"color,omitempty"`
	Label       string `json:"label,omitempty"`
}

type GlobalNote struct {
	Id           string `json:"id"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	Color        string `json:"color,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	LastModified int64  `json:"lastModified,omitempty"`
}

// timestamp+random, unique within a session
func NewBlockId() int64 {
	return time.Now().UnixMilli()*1000 + mathrand.Int63n(1000)
}

func blockKey(blockId int64) string {
	return strconv.FormatInt(blockId, 10)
}

// DocStore exposes the four containers of one replica with the session's
// entity semantics layered on top: never-empty block sequence, shallow-merge
// partial updates, duplicate-connection rejection.
//
// all mutators are warn-and-no-op until Attach is called with a live replica.
// callers in solo mode never get an attached store.
type DocStore struct {
	stateLock    sync.Mutex
	doc          *Doc
	lastModified int64
}

func NewDocStore() *DocStore {
	return &DocStore{}
}

func NewAttachedDocStore(doc *Doc) *DocStore {
	store := NewDocStore()
	store.Attach(doc)
	return store
}

func (self *DocStore) Attach(doc *Doc) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.doc = doc
}

func (self *DocStore) Release() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.doc = nil
}

func (self *DocStore) Doc() *Doc {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.doc
}

// resolves the replica or warns. mutation call sites are not expected to
// handle errors from the collaboration layer, so a missing replica is a
// logged no-op, not a fault.
func (self *DocStore) active(operation string) *Doc {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.doc == nil {
		glog.Infof("[store]%s before init or in solo mode, ignored\n", operation)
		return nil
	}
	return self.doc
}

// must not race with other local mutations, monotonic within the store
func (self *DocStore) nextLastModified() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	now := time.Now().UnixMilli()
	if now <= self.lastModified {
		now = self.lastModified + 1
	}
	self.lastModified = now
	return now
}

// Mutate runs fn against the replica inside a single transaction.
// nested mutations, including the store's own mutators called from
// inside fn, collapse into the same transaction.
func (self *DocStore) Mutate(fn func(txn *Txn)) {
	doc := self.active("mutate")
	if doc == nil {
		return
	}
	doc.Transact(fn)
}

// reads

func (self *DocStore) Blocks() []*Block {
	doc := self.Doc()
	if doc == nil {
		return []*Block{}
	}
	return decodeBlockValues(doc.ListValues(ContainerBlocks))
}

func decodeBlockValues(values [][]byte) []*Block {
	blocks := []*Block{}
	for _, value := range values {
		var block Block
		if err := json.Unmarshal(value, &block); err != nil {
			glog.Infof("[store]drop undecodable block = %s\n", err)
			continue
		}
		blocks = append(blocks, &block)
	}
	return blocks
}

func (self *DocStore) Nodes() map[string]*CanvasNode {
	nodes := map[string]*CanvasNode{}
	doc := self.Doc()
	if doc == nil {
		return nodes
	}
	for key, value := range doc.MapValues(ContainerNodes) {
		var node CanvasNode
		if err := json.Unmarshal(value, &node); err != nil {
			glog.Infof("[store]drop undecodable node = %s\n", err)
			continue
		}
		nodes[key] = &node
	}
	return nodes
}

func (self *DocStore) Connections() []*CanvasConnection {
	connections := []*CanvasConnection{}
	doc := self.Doc()
	if doc == nil {
		return connections
	}
	for _, value := range doc.ListValues(ContainerConnections) {
		var connection CanvasConnection
		if err := json.Unmarshal(value, &connection); err != nil {
			glog.Infof("[store]drop undecodable connection = %s\n", err)
			continue
		}
		connections = append(connections, &connection)
	}
	return connections
}

func (self *DocStore) Notes() map[string]*GlobalNote {
	notes := map[string]*GlobalNote{}
	doc := self.Doc()
	if doc == nil {
		return notes
	}
	for key, value := range doc.MapValues(ContainerNotes) {
		var note GlobalNote
		if err := json.Unmarshal(value, &note); err != nil {
			glog.Infof("[store]drop undecodable note = %s\n", err)
			continue
		}
		notes[key] = &note
	}
	return notes
}

// block mutations

func (self *DocStore) AppendBlock(block *Block) {
	doc := self.active("append block")
	if doc == nil {
		return
	}
	block.LastModified = self.nextLastModified()
	doc.Transact(func(txn *Txn) {
		self.insertBlockIn(txn, -1, block)
	})
}

// inserts immediately after the anchor's position.
// a missing anchor appends at the end.
func (self *DocStore) InsertBlockAfter(anchorId int64, block *Block) {
	doc := self.active("insert block")
	if doc == nil {
		return
	}
	block.LastModified = self.nextLastModified()
	doc.Transact(func(txn *Txn) {
		self.insertBlockAfterIn(txn, anchorId, block)
	})
}

// the create-child-chain pattern used during ai content insertion:
// the new block plus a fresh empty text block after it, one transaction.
// returns the id of the trailing empty block.
func (self *DocStore) InsertBlockWithTrailing(anchorId int64, block *Block) int64 {
	doc := self.active("insert block with trailing")
	if doc == nil {
		return 0
	}
	block.LastModified = self.nextLastModified()
	trailing := &Block{
		Id:           NewBlockId(),
		Type:         BlockText,
		Content:      "",
		LastModified: block.LastModified,
	}
	doc.Transact(func(txn *Txn) {
		self.insertBlockAfterIn(txn, anchorId, block)
		self.insertBlockAfterIn(txn, block.Id, trailing)
	})
	return trailing.Id
}

func (self *DocStore) insertBlockAfterIn(txn *Txn, anchorId int64, block *Block) {
	index := txn.ListIndexOfKey(ContainerBlocks, blockKey(anchorId))
	if index < 0 {
		self.insertBlockIn(txn, -1, block)
	} else {
		self.insertBlockIn(txn, index+1, block)
	}
}

func (self *DocStore) insertBlockIn(txn *Txn, index int, block *Block) {
	value, err := json.Marshal(block)
	if err != nil {
		glog.Infof("[store]encode block = %s\n", err)
		return
	}
	txn.ListInsert(ContainerBlocks, index, blockKey(block.Id), value)
}

// shallow-merges the patch onto the stored block. keys absent from the
// patch are preserved, keys explicitly set to nil are removed.
func (self *DocStore) UpdateBlock(blockId int64, patch map[string]any) {
	doc := self.active("update block")
	if doc == nil {
		return
	}
	stamp := self.nextLastModified()
	doc.Transact(func(txn *Txn) {
		self.updateListEntityIn(txn, ContainerBlocks, blockKey(blockId), patch, stamp)
	})
}

// removes by id. deleting the last remaining block atomically replaces it
// with one empty text block so the editor always has a focus point.
func (self *DocStore) DeleteBlock(blockId int64) {
	doc := self.active("delete block")
	if doc == nil {
		return
	}
	stamp := self.nextLastModified()
	doc.Transact(func(txn *Txn) {
		if !txn.ListDeleteKey(ContainerBlocks, blockKey(blockId)) {
			glog.Infof("[store]delete missing block %d, ignored\n", blockId)
			return
		}
		if txn.ListLen(ContainerBlocks) == 0 {
			empty := &Block{
				Id:           NewBlockId(),
				Type:         BlockText,
				Content:      "",
				LastModified: stamp,
			}
			self.insertBlockIn(txn, 0, empty)
		}
	})
}

// node mutations

func (self *DocStore) SetNode(node *CanvasNode) {
	doc := self.active("set node")
	if doc == nil {
		return
	}
	node.LastModified = self.nextLastModified()
	value, err := json.Marshal(node)
	if err != nil {
		glog.Infof("[store]encode node = %s\n", err)
		return
	}
	doc.Transact(func(txn *Txn) {
		txn.MapSet(ContainerNodes, node.Id, value)
	})
}

// partial updates must not erase fields they do not mention.
// in particular parentId survives any patch that omits it.
func (self *DocStore) UpdateNode(nodeId string, patch map[string]any) {
	doc := self.active("update node")
	if doc == nil {
		return
	}
	stamp := self.nextLastModified()
	doc.Transact(func(txn *Txn) {
		current, ok := txn.MapGet(ContainerNodes, nodeId)
		if !ok {
			glog.Infof("[store]update missing node %s, ignored\n", nodeId)
			return
		}
		txn.MapSet(ContainerNodes, nodeId, mergePatch(current, patch, stamp))
	})
}

func (self *DocStore) DeleteNode(nodeId string) {
	doc := self.active("delete node")
	if doc == nil {
		return
	}
	doc.Transact(func(txn *Txn) {
		if !txn.MapDelete(ContainerNodes, nodeId) {
			glog.Infof("[store]delete missing node %s, ignored\n", nodeId)
		}
	})
}

// connection mutations

// rejects an insert when a connection with the same id already exists.
// the sequence never silently duplicates connections.
func (self *DocStore) InsertConnection(connection *CanvasConnection) {
	doc := self.active("insert connection")
	if doc == nil {
		return
	}
	value, err := json.Marshal(connection)
	if err != nil {
		glog.Infof("[store]encode connection = %s\n", err)
		return
	}
	doc.Transact(func(txn *Txn) {
		if txn.ListHasKey(ContainerConnections, connection.Id) {
			glog.Infof("[store]duplicate connection %s, ignored\n", connection.Id)
			return
		}
		txn.ListAppend(ContainerConnections, connection.Id, value)
	})
}

func (self *DocStore) UpdateConnection(connectionId string, patch map[string]any) {
	doc := self.active("update connection")
	if doc == nil {
		return
	}
	doc.Transact(func(txn *Txn) {
		self.updateListEntityIn(txn, ContainerConnections, connectionId, patch, 0)
	})
}

func (self *DocStore) DeleteConnection(connectionId string) {
	doc := self.active("delete connection")
	if doc == nil {
		return
	}
	doc.Transact(func(txn *Txn) {
		if !txn.ListDeleteKey(ContainerConnections, connectionId) {
			glog.Infof("[store]delete missing connection %s, ignored\n", connectionId)
		}
	})
}

// note mutations

func (self *DocStore) SetNote(note *GlobalNote) {
	doc := self.active("set note")
	if doc == nil {
		return
	}
	if note.CreatedAt == 0 {
		note.CreatedAt = time.Now().UnixMilli()
	}
	note.LastModified = self.nextLastModified()
	value, err := json.Marshal(note)
	if err != nil {
		glog.Infof("[store]encode note = %s\n", err)
		return
	}
	doc.Transact(func(txn *Txn) {
		txn.MapSet(ContainerNotes, note.Id, value)
	})
}

func (self *DocStore) UpdateNote(noteId string, patch map[string]any) {
	doc := self.active("update note")
	if doc == nil {
		return
	}
	stamp := self.nextLastModified()
	doc.Transact(func(txn *Txn) {
		current, ok := txn.MapGet(ContainerNotes, noteId)
		if !ok {
			glog.Infof("[store]update missing note %s, ignored\n", noteId)
			return
		}
		txn.MapSet(ContainerNotes, noteId, mergePatch(current, patch, stamp))
	})
}

func (self *DocStore) DeleteNote(noteId string) {
	doc := self.active("delete note")
	if doc == nil {
		return
	}
	doc.Transact(func(txn *Txn) {
		if !txn.MapDelete(ContainerNotes, noteId) {
			glog.Infof("[store]delete missing note %s, ignored\n", noteId)
		}
	})
}

// generic entry point keyed by container, for callers that route
// mutations dynamically
func (self *DocStore) UpdateEntity(container string, entityId string, patch map[string]any) {
	switch container {
	case ContainerBlocks:
		blockId, err := strconv.ParseInt(entityId, 10, 64)
		if err != nil {
			glog.Infof("[store]bad block id %s, ignored\n", entityId)
			return
		}
		self.UpdateBlock(blockId, patch)
	case ContainerNodes:
		self.UpdateNode(entityId, patch)
	case ContainerConnections:
		self.UpdateConnection(entityId, patch)
	case ContainerNotes:
		self.UpdateNote(entityId, patch)
	default:
		glog.Infof("[store]unknown container %s, ignored\n", container)
	}
}

func (self *DocStore) DeleteEntity(container string, entityId string) {
	switch container {
	case ContainerBlocks:
		blockId, err := strconv.ParseInt(entityId, 10, 64)
		if err != nil {
			glog.Infof("[store]bad block id %s, ignored\n", entityId)
			return
		}
		self.DeleteBlock(blockId)
	case ContainerNodes:
		self.DeleteNode(entityId)
	case ContainerConnections:
		self.DeleteConnection(entityId)
	case ContainerNotes:
		self.DeleteNote(entityId)
	default:
		glog.Infof("[store]unknown container %s, ignored\n", container)
	}
}

func (self *DocStore) updateListEntityIn(txn *Txn, container string, entityKey string, patch map[string]any, stamp int64) {
	index := txn.ListIndexOfKey(container, entityKey)
	if index < 0 {
		glog.Infof("[store]update missing entity %s/%s, ignored\n", container, entityKey)
		return
	}
	current := txn.ListValues(container)[index]
	txn.ListUpdateKey(container, entityKey, mergePatch(current, patch, stamp))
}

// json-level shallow merge. an absent key is unspecified and preserved,
// a key present with a nil value is an explicit unset.
func mergePatch(value []byte, patch map[string]any, stamp int64) []byte {
	merged := map[string]any{}
	if err := json.Unmarshal(value, &merged); err != nil {
		glog.Infof("[store]merge base undecodable = %s\n", err)
	}
	for key, patchValue := range patch {
		if patchValue == nil {
			delete(merged, key)
		} else {
			merged[key] = patchValue
		}
	}
	if 0 < stamp {
		merged["lastModified"] = stamp
	}
	out, err := json.Marshal(merged)
	if err != nil {
		glog.Infof("[store]merge encode = %s\n", err)
		return value
	}
	return out
}
