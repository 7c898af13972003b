package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

// captures every locally originated update from a doc
func captureUpdates(doc *Doc) *[][]byte {
	updates := &[][]byte{}
	doc.AddUpdateCallback(func(update []byte, origin Origin) {
		if origin == OriginLocal {
			*updates = append(*updates, update)
		}
	})
	return updates
}

func applyAll(t *testing.T, doc *Doc, updates [][]byte) {
	for _, update := range updates {
		err := doc.ApplyUpdate(update, OriginRemote)
		assert.Equal(t, err, nil)
	}
}

func TestDocListConvergence(t *testing.T) {
	a := NewDocWithClientId(1)
	b := NewDocWithClientId(2)

	aUpdates := captureUpdates(a)
	bUpdates := captureUpdates(b)

	a.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "a1", []byte(`{"id":1}`))
		txn.ListAppend(ContainerBlocks, "a2", []byte(`{"id":2}`))
	})
	b.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "b1", []byte(`{"id":3}`))
	})

	applyAll(t, b, *aUpdates)
	applyAll(t, a, *bUpdates)

	assert.Equal(t, a.ListValues(ContainerBlocks), b.ListValues(ContainerBlocks))
	assert.Equal(t, len(a.ListValues(ContainerBlocks)), 3)
}

func TestDocOutOfOrderDelivery(t *testing.T) {
	a := NewDocWithClientId(1)
	b := NewDocWithClientId(2)

	aUpdates := captureUpdates(a)

	a.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "1", []byte(`{"id":1}`))
	})
	a.Transact(func(txn *Txn) {
		txn.ListUpdateKey(ContainerBlocks, "1", []byte(`{"id":1,"content":"x"}`))
	})
	a.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "2", []byte(`{"id":2}`))
	})
	assert.Equal(t, len(*aUpdates), 3)

	// reversed delivery gets buffered until the causal gap fills
	for i := len(*aUpdates) - 1; 0 <= i; i -= 1 {
		err := b.ApplyUpdate((*aUpdates)[i], OriginRemote)
		assert.Equal(t, err, nil)
	}

	assert.Equal(t, a.ListValues(ContainerBlocks), b.ListValues(ContainerBlocks))
	assert.Equal(t, a.StateVector(), b.StateVector())
}

func TestDocDuplicateDelivery(t *testing.T) {
	a := NewDocWithClientId(1)
	b := NewDocWithClientId(2)

	aUpdates := captureUpdates(a)

	a.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "1", []byte(`{"id":1}`))
		txn.MapSet(ContainerNotes, "n1", []byte(`{"id":"n1"}`))
	})

	applyAll(t, b, *aUpdates)
	applyAll(t, b, *aUpdates)
	applyAll(t, b, *aUpdates)

	assert.Equal(t, len(b.ListValues(ContainerBlocks)), 1)
	assert.Equal(t, a.MapValues(ContainerNotes), b.MapValues(ContainerNotes))
}

// applying our own update back, as a relay that echoes would, changes nothing
// and fires no update callback
func TestDocEchoIsNoop(t *testing.T) {
	a := NewDocWithClientId(1)
	aUpdates := captureUpdates(a)

	a.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "1", []byte(`{"id":1}`))
	})
	assert.Equal(t, len(*aUpdates), 1)

	remoteFired := 0
	a.AddUpdateCallback(func(update []byte, origin Origin) {
		if origin == OriginRemote {
			remoteFired += 1
		}
	})

	err := a.ApplyUpdate((*aUpdates)[0], OriginRemote)
	assert.Equal(t, err, nil)
	assert.Equal(t, remoteFired, 0)
	assert.Equal(t, len(a.ListValues(ContainerBlocks)), 1)
}

func TestDocDiffSync(t *testing.T) {
	a := NewDocWithClientId(1)
	b := NewDocWithClientId(2)

	a.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "1", []byte(`{"id":1}`))
		txn.MapSet(ContainerNodes, "node-1", []byte(`{"id":"node-1"}`))
	})
	b.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "9", []byte(`{"id":9}`))
	})

	// sync-step-1 in both directions, each side replies with what the
	// other is missing
	applyAll(t, b, [][]byte{a.EncodeDiff(b.StateVector())})
	applyAll(t, a, [][]byte{b.EncodeDiff(a.StateVector())})

	assert.Equal(t, a.ListValues(ContainerBlocks), b.ListValues(ContainerBlocks))
	assert.Equal(t, a.MapValues(ContainerNodes), b.MapValues(ContainerNodes))
	assert.Equal(t, a.StateVector(), b.StateVector())

	// a fresh replica catches up from the full state
	c := NewDocWithClientId(3)
	applyAll(t, c, [][]byte{a.EncodeStateAsUpdate()})
	assert.Equal(t, a.ListValues(ContainerBlocks), c.ListValues(ContainerBlocks))
}

func TestDocConcurrentInsertsConverge(t *testing.T) {
	a := NewDocWithClientId(1)
	b := NewDocWithClientId(2)

	aUpdates := captureUpdates(a)
	bUpdates := captureUpdates(b)

	// both append at the same spot without seeing each other
	a.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "a", []byte(`{"id":1}`))
	})
	b.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "b", []byte(`{"id":2}`))
	})

	applyAll(t, b, *aUpdates)
	applyAll(t, a, *bUpdates)

	values := a.ListValues(ContainerBlocks)
	assert.Equal(t, len(values), 2)
	assert.Equal(t, values, b.ListValues(ContainerBlocks))
}

func TestDocConcurrentUpdateLww(t *testing.T) {
	a := NewDocWithClientId(1)
	b := NewDocWithClientId(2)

	aUpdates := captureUpdates(a)

	a.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "1", []byte(`{"id":1,"content":""}`))
	})
	applyAll(t, b, *aUpdates)
	seed := len(*aUpdates)

	bUpdates := captureUpdates(b)
	a.Transact(func(txn *Txn) {
		txn.ListUpdateKey(ContainerBlocks, "1", []byte(`{"id":1,"content":"from a"}`))
	})
	b.Transact(func(txn *Txn) {
		txn.ListUpdateKey(ContainerBlocks, "1", []byte(`{"id":1,"content":"from b"}`))
	})

	applyAll(t, b, (*aUpdates)[seed:])
	applyAll(t, a, *bUpdates)

	// one side wins deterministically, both agree which
	assert.Equal(t, a.ListValues(ContainerBlocks), b.ListValues(ContainerBlocks))
}

func TestDocDeleteBeforeInsertArrives(t *testing.T) {
	a := NewDocWithClientId(1)
	b := NewDocWithClientId(2)

	aUpdates := captureUpdates(a)

	a.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "1", []byte(`{"id":1}`))
	})
	a.Transact(func(txn *Txn) {
		txn.ListDeleteKey(ContainerBlocks, "1")
	})
	assert.Equal(t, len(*aUpdates), 2)

	// the delete lands first
	applyAll(t, b, [][]byte{(*aUpdates)[1], (*aUpdates)[0]})

	assert.Equal(t, len(b.ListValues(ContainerBlocks)), 0)
	assert.Equal(t, a.ListValues(ContainerBlocks), b.ListValues(ContainerBlocks))
}

// a delete from one client can reach a third replica before the insert it
// targets. the insert must then be born deleted.
func TestDocDeleteAheadOfInsert(t *testing.T) {
	a := NewDocWithClientId(1)
	b := NewDocWithClientId(2)
	c := NewDocWithClientId(3)

	aUpdates := captureUpdates(a)
	a.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "1", []byte(`{"id":1}`))
	})
	applyAll(t, b, *aUpdates)

	bUpdates := captureUpdates(b)
	b.Transact(func(txn *Txn) {
		txn.ListDeleteKey(ContainerBlocks, "1")
	})

	// c sees the delete first
	applyAll(t, c, *bUpdates)
	applyAll(t, c, *aUpdates)

	assert.Equal(t, len(c.ListValues(ContainerBlocks)), 0)

	applyAll(t, a, *bUpdates)
	assert.Equal(t, a.ListValues(ContainerBlocks), c.ListValues(ContainerBlocks))
}

func TestDocMapLww(t *testing.T) {
	a := NewDocWithClientId(1)
	b := NewDocWithClientId(2)

	aUpdates := captureUpdates(a)
	bUpdates := captureUpdates(b)

	a.Transact(func(txn *Txn) {
		txn.MapSet(ContainerNotes, "n1", []byte(`{"title":"from a"}`))
	})
	b.Transact(func(txn *Txn) {
		txn.MapSet(ContainerNotes, "n1", []byte(`{"title":"from b"}`))
	})

	applyAll(t, b, *aUpdates)
	applyAll(t, a, *bUpdates)

	assert.Equal(t, a.MapValues(ContainerNotes), b.MapValues(ContainerNotes))
}

func TestDocMapDeleteWins(t *testing.T) {
	a := NewDocWithClientId(1)
	b := NewDocWithClientId(2)

	aUpdates := captureUpdates(a)
	a.Transact(func(txn *Txn) {
		txn.MapSet(ContainerNodes, "node-1", []byte(`{"id":"node-1"}`))
	})
	applyAll(t, b, *aUpdates)
	seed := len(*aUpdates)

	bUpdates := captureUpdates(b)
	a.Transact(func(txn *Txn) {
		txn.MapSet(ContainerNodes, "node-1", []byte(`{"id":"node-1","x":10}`))
	})
	b.Transact(func(txn *Txn) {
		txn.MapDelete(ContainerNodes, "node-1")
	})

	applyAll(t, b, (*aUpdates)[seed:])
	applyAll(t, a, *bUpdates)

	assert.Equal(t, a.MapValues(ContainerNodes), b.MapValues(ContainerNodes))
}

// two replicas, shared session: a inserts a block, b sees it then appends
// its own, both end with the same two block order
func TestDocSharedEditScenario(t *testing.T) {
	a := NewDocWithClientId(1)
	b := NewDocWithClientId(2)

	aUpdates := captureUpdates(a)
	bUpdates := captureUpdates(b)

	a.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "1", []byte(`{"id":1,"type":"text"}`))
	})
	applyAll(t, b, *aUpdates)

	b.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "2", []byte(`{"id":2,"type":"text"}`))
	})
	applyAll(t, a, *bUpdates)

	expected := [][]byte{
		[]byte(`{"id":1,"type":"text"}`),
		[]byte(`{"id":2,"type":"text"}`),
	}
	assert.Equal(t, a.ListValues(ContainerBlocks), expected)
	assert.Equal(t, b.ListValues(ContainerBlocks), expected)
}

func TestDocInsertAtIndex(t *testing.T) {
	a := NewDocWithClientId(1)

	a.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "1", []byte(`1`))
		txn.ListAppend(ContainerBlocks, "3", []byte(`3`))
		txn.ListInsert(ContainerBlocks, 1, "2", []byte(`2`))
	})

	assert.Equal(t, a.ListValues(ContainerBlocks), [][]byte{
		[]byte(`1`),
		[]byte(`2`),
		[]byte(`3`),
	})
}

func TestDocObservers(t *testing.T) {
	a := NewDocWithClientId(1)

	blocksFired := 0
	nodesFired := 0
	a.Observe(ContainerBlocks, func(origin Origin) {
		blocksFired += 1
	})
	unsub := a.Observe(ContainerNodes, func(origin Origin) {
		nodesFired += 1
	})

	// one transaction, one event per touched container
	a.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "1", []byte(`1`))
		txn.ListAppend(ContainerBlocks, "2", []byte(`2`))
	})
	assert.Equal(t, blocksFired, 1)
	assert.Equal(t, nodesFired, 0)

	a.Transact(func(txn *Txn) {
		txn.MapSet(ContainerNodes, "node-1", []byte(`{}`))
	})
	assert.Equal(t, nodesFired, 1)

	unsub()
	a.Transact(func(txn *Txn) {
		txn.MapSet(ContainerNodes, "node-2", []byte(`{}`))
	})
	assert.Equal(t, nodesFired, 1)
}

func TestStateVectorCodec(t *testing.T) {
	sv := StateVector{
		1:  4,
		2:  0,
		17: 100000,
	}
	decoded, err := DecodeStateVector(EncodeStateVector(sv))
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, sv)

	_, err = DecodeStateVector([]byte{0xff})
	assert.NotEqual(t, err, nil)
}

func TestDocNestedTransactCollapses(t *testing.T) {
	doc := NewDocWithClientId(1)
	updates := captureUpdates(doc)

	doc.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "1", []byte(`{"id":1}`))
		// inner calls on the owning goroutine join the open transaction
		doc.Transact(func(inner *Txn) {
			inner.ListAppend(ContainerBlocks, "2", []byte(`{"id":2}`))
		})
		assert.Equal(t, txn.ListLen(ContainerBlocks), 2)
	})

	// one change event for the whole collapsed transaction
	assert.Equal(t, len(*updates), 1)
	assert.Equal(t, len(doc.ListValues(ContainerBlocks)), 2)
}

func TestDocReadsInsideTransact(t *testing.T) {
	doc := NewDocWithClientId(1)

	doc.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "1", []byte(`{"id":1}`))
		assert.Equal(t, len(doc.ListValues(ContainerBlocks)), 1)
		assert.Equal(t, doc.StateVector()[ClientId(1)], Clock(1))
	})
}

func TestDocTransactPanicReleasesLock(t *testing.T) {
	doc := NewDocWithClientId(1)
	updates := captureUpdates(doc)

	func() {
		defer func() {
			assert.Equal(t, recover(), "no space left")
		}()
		doc.Transact(func(txn *Txn) {
			txn.ListAppend(ContainerBlocks, "1", []byte(`{"id":1}`))
			panic("no space left")
		})
	}()

	// ops committed before the panic applied locally, so they broadcast
	assert.Equal(t, len(*updates), 1)
	assert.Equal(t, len(doc.ListValues(ContainerBlocks)), 1)

	// the replica stays usable
	doc.Transact(func(txn *Txn) {
		txn.ListAppend(ContainerBlocks, "2", []byte(`{"id":2}`))
	})
	assert.Equal(t, len(doc.ListValues(ContainerBlocks)), 2)
}
