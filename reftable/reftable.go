// Package reftable implements the per-process reference table: a
// fixed-size, generation-tagged slot array mapping 64-bit ids to live
// servant pointers, with a lock-free intrusive LIFO freelist guarded
// against ABA by packing an index and a counter into one atomic word.
package reftable

import (
	"sync/atomic"

	"github.com/sagernet/nprpc/internal/nprpcerr"
)

const noFree = ^uint32(0)

type slot struct {
	generation atomic.Uint32
	nextFree   atomic.Uint32 // only meaningful while the slot is free
	value      atomic.Pointer[any]
}

// Table is a fixed-capacity array of slots. A live id is the pair
// (generation<<32 | index). add/remove/get never block.
type Table struct {
	slots []slot
	// tailIx packs (index uint32, aba uint32) into one atomic word so a
	// CAS-pop can detect a concurrent A->B->A cycle on the freelist
	// head.
	tailIx atomic.Uint64
}

func pack(index, aba uint32) uint64 { return uint64(index)<<32 | uint64(aba) }
func unpack(v uint64) (index, aba uint32) {
	return uint32(v >> 32), uint32(v)
}

// New creates a table with capacity slots, all initially free and
// chained into the freelist in order.
func New(capacity int) *Table {
	t := &Table{slots: make([]slot, capacity)}
	for i := range t.slots {
		if i == capacity-1 {
			t.slots[i].nextFree.Store(noFree)
		} else {
			t.slots[i].nextFree.Store(uint32(i + 1))
		}
	}
	head := uint32(0)
	if capacity == 0 {
		head = noFree
	}
	t.tailIx.Store(pack(head, 0))
	return t
}

// Capacity returns the fixed slot count.
func (t *Table) Capacity() int { return len(t.slots) }

// Add claims a free slot, stores v, and returns its id. It fails with
// BufferFull if the table has no free slots.
func (t *Table) Add(v any) (uint64, error) {
	for {
		cur := t.tailIx.Load()
		index, aba := unpack(cur)
		if index == noFree {
			return 0, nprpcerr.New(nprpcerr.KindBufferFull, "reference table exhausted")
		}
		next := t.slots[index].nextFree.Load()
		if t.tailIx.CompareAndSwap(cur, pack(next, aba+1)) {
			t.slots[index].value.Store(&v)
			gen := t.slots[index].generation.Load()
			return (uint64(gen) << 32) | uint64(index), nil
		}
		// lost the race; retry.
	}
}

// Get returns the value for id if its generation still matches the
// slot's current generation, and false otherwise — this is what keeps
// a stale id from a reused slot resolving to the wrong value.
func (t *Table) Get(id uint64) (any, bool) {
	gen, index := split(id)
	if int(index) >= len(t.slots) {
		return nil, false
	}
	if t.slots[index].generation.Load() != gen {
		return nil, false
	}
	p := t.slots[index].value.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}

// Remove validates id's generation, bumps it (invalidating any copy of
// id still in flight), and returns the slot to the freelist.
func (t *Table) Remove(id uint64) bool {
	gen, index := split(id)
	if int(index) >= len(t.slots) {
		return false
	}
	if !t.slots[index].generation.CompareAndSwap(gen, gen+1) {
		return false
	}
	t.slots[index].value.Store(nil)

	for {
		cur := t.tailIx.Load()
		head, aba := unpack(cur)
		t.slots[index].nextFree.Store(head)
		if t.tailIx.CompareAndSwap(cur, pack(index, aba+1)) {
			return true
		}
	}
}

func split(id uint64) (gen, index uint32) {
	return uint32(id >> 32), uint32(id)
}
