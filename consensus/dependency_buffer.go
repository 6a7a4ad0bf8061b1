package consensus

import (
	mapset "github.com/deckarep/golang-set"

	"github.com/tolelom/tolconsensus/model"
)

// depEntry is one held block plus the set of parent hashes still missing
// and the logical timestamp used to pick an eviction victim.
type depEntry struct {
	block      *model.Block
	missing    mapset.Set // of model.Hash
	insertedAt uint64
}

// DependencyWaitBuffer is a bounded map of blocks blocked on
// parents that have not arrived yet. Overflow evicts the oldest entry
// (lowest insertedAt); every held entry's missing set is always
// non-empty and never contains its own hash.
type DependencyWaitBuffer struct {
	capacity int
	entries  map[model.Hash]*depEntry
	clock    uint64 // monotonically increasing insertion counter
}

// NewDependencyWaitBuffer builds an empty buffer with the given capacity.
func NewDependencyWaitBuffer(capacity int) *DependencyWaitBuffer {
	return &DependencyWaitBuffer{
		capacity: capacity,
		entries:  make(map[model.Hash]*depEntry),
	}
}

// Len returns the number of blocks currently held.
func (b *DependencyWaitBuffer) Len() int { return len(b.entries) }

func (b *DependencyWaitBuffer) tick() uint64 {
	b.clock++
	return b.clock
}

// Insert adds (hash, block, missing). On overflow the oldest entry is
// evicted and returned.
func (b *DependencyWaitBuffer) Insert(hash model.Hash, block *model.Block, missing []model.Hash) (evicted *FutureEntry) {
	set := mapset.NewSet()
	for _, h := range missing {
		if h != hash {
			set.Add(h)
		}
	}
	b.entries[hash] = &depEntry{block: block, missing: set, insertedAt: b.tick()}

	if len(b.entries) <= b.capacity {
		return nil
	}

	var oldestHash model.Hash
	var oldestAt uint64
	first := true
	for h, e := range b.entries {
		if first || e.insertedAt < oldestAt {
			oldestHash, oldestAt = h, e.insertedAt
			first = false
		}
	}
	oldestBlock := b.entries[oldestHash].block
	delete(b.entries, oldestHash)
	return &FutureEntry{Hash: oldestHash, Block: oldestBlock}
}

// HasMissingDeps reports whether hash is currently held in the buffer.
func (b *DependencyWaitBuffer) HasMissingDeps(hash model.Hash) bool {
	_, ok := b.entries[hash]
	return ok
}

// Get returns the block held for hash, if any.
func (b *DependencyWaitBuffer) Get(hash model.Hash) *model.Block {
	e, ok := b.entries[hash]
	if !ok {
		return nil
	}
	return e.block
}

// Promote refreshes hash's insertion time so a re-arriving duplicate is not
// the next eviction victim.
func (b *DependencyWaitBuffer) Promote(hash model.Hash) {
	if e, ok := b.entries[hash]; ok {
		e.insertedAt = b.tick()
	}
}

// Cancel removes every listed hash, then transitively removes any entry
// that lists a canceled hash among its missing set.
func (b *DependencyWaitBuffer) Cancel(hashes []model.Hash) {
	pending := append([]model.Hash(nil), hashes...)
	for len(pending) > 0 {
		h := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if _, ok := b.entries[h]; ok {
			delete(b.entries, h)
		}
		for other, e := range b.entries {
			if e.missing.Contains(h) {
				// A dependent of a canceled block is itself canceled,
				// not merely missing one fewer dependency.
				delete(b.entries, other)
				pending = append(pending, other)
			}
		}
	}
}

// ValidBlockObtained removes hash from every entry's missing set. Entries
// whose missing set becomes empty are removed from the buffer and
// returned as newly ready for re-presentation to the graph.
func (b *DependencyWaitBuffer) ValidBlockObtained(hash model.Hash) []FutureEntry {
	var ready []FutureEntry
	for h, e := range b.entries {
		if !e.missing.Contains(hash) {
			continue
		}
		e.missing.Remove(hash)
		if e.missing.Cardinality() == 0 {
			ready = append(ready, FutureEntry{Hash: h, Block: e.block})
			delete(b.entries, h)
		}
	}
	return ready
}

// GetOld returns the hashes of entries whose block slot is already <= the
// latest final slot in its thread: stale entries that can never become
// admissible and should be canceled.
func (b *DependencyWaitBuffer) GetOld(finalSlots []model.Slot) []model.Hash {
	var old []model.Hash
	for h, e := range b.entries {
		thread := e.block.Header.Slot.Thread
		if int(thread) >= len(finalSlots) {
			continue
		}
		if !e.block.Header.Slot.After(finalSlots[thread]) {
			old = append(old, h)
		}
	}
	return old
}
