package consensus

import (
	"testing"

	mapset "github.com/deckarep/golang-set"

	"github.com/tolelom/tolconsensus/model"
)

func waitingBlock(missing ...model.Hash) *model.Block {
	return &model.Block{Header: model.BlockHeader{Parents: missing}}
}

// TestDependencyWaitBufferEvictsOldestOnOverflow: with capacity 2,
// inserting b1, b2, b3 in arrival order evicts b1 (oldest insertedAt),
// leaving {b2, b3}.
func TestDependencyWaitBufferEvictsOldestOnOverflow(t *testing.T) {
	b := NewDependencyWaitBuffer(2)

	b.Insert(model.Hash("b1"), waitingBlock(model.Hash("d1")), []model.Hash{model.Hash("d1")})
	b.Insert(model.Hash("b2"), waitingBlock(model.Hash("d2")), []model.Hash{model.Hash("d2")})
	evicted := b.Insert(model.Hash("b3"), waitingBlock(model.Hash("d3")), []model.Hash{model.Hash("d3")})

	if evicted == nil || evicted.Hash != model.Hash("b1") {
		t.Fatalf("expected b1 (oldest) evicted, got %+v", evicted)
	}
	if b.Len() != 2 {
		t.Fatalf("expected capacity held at 2, got %d", b.Len())
	}
	if b.HasMissingDeps(model.Hash("b1")) {
		t.Fatalf("b1 should have been evicted")
	}
	if !b.HasMissingDeps(model.Hash("b2")) || !b.HasMissingDeps(model.Hash("b3")) {
		t.Fatalf("expected b2 and b3 to remain held")
	}
}

func TestDependencyWaitBufferPromoteSurvivesEviction(t *testing.T) {
	b := NewDependencyWaitBuffer(2)
	b.Insert(model.Hash("b1"), waitingBlock(model.Hash("d1")), []model.Hash{model.Hash("d1")})
	b.Insert(model.Hash("b2"), waitingBlock(model.Hash("d2")), []model.Hash{model.Hash("d2")})

	// A duplicate arrival of b1 refreshes its lifetime so it is not the
	// next eviction victim.
	b.Promote(model.Hash("b1"))

	evicted := b.Insert(model.Hash("b3"), waitingBlock(model.Hash("d3")), []model.Hash{model.Hash("d3")})
	if evicted == nil || evicted.Hash != model.Hash("b2") {
		t.Fatalf("expected b2 (now oldest after b1's promotion) evicted, got %+v", evicted)
	}
}

// TestDependencyWaitBufferValidBlockObtainedResolvesExactlyOnce: a block
// whose only missing dependency arrives is surfaced exactly once as newly
// ready, never twice.
func TestDependencyWaitBufferValidBlockObtainedResolvesExactlyOnce(t *testing.T) {
	b := NewDependencyWaitBuffer(10)
	depHash := model.Hash("a")
	b.Insert(model.Hash("b"), waitingBlock(depHash), []model.Hash{depHash})

	ready := b.ValidBlockObtained(depHash)
	if len(ready) != 1 || ready[0].Hash != model.Hash("b") {
		t.Fatalf("expected b to become ready exactly once, got %+v", ready)
	}
	if b.HasMissingDeps(model.Hash("b")) {
		t.Fatalf("b should have been removed from E once ready")
	}
	if again := b.ValidBlockObtained(depHash); len(again) != 0 {
		t.Fatalf("expected no further resolution for an already-removed entry, got %+v", again)
	}
}

// TestDependencyWaitBufferCancelIsTransitive covers the "cancel the
// dependents of a discarded block" rule: canceling d must also cancel c,
// which depends on d.
func TestDependencyWaitBufferCancelIsTransitive(t *testing.T) {
	b := NewDependencyWaitBuffer(10)
	dHash := model.Hash("d")
	b.Insert(model.Hash("c"), waitingBlock(dHash), []model.Hash{dHash})
	b.Insert(dHash, waitingBlock(model.Hash("e")), []model.Hash{model.Hash("e")})

	b.Cancel([]model.Hash{dHash})

	if b.HasMissingDeps(dHash) {
		t.Fatalf("d should have been canceled directly")
	}
	if b.HasMissingDeps(model.Hash("c")) {
		t.Fatalf("c depends on canceled d and should be transitively canceled")
	}
}

func TestDependencyWaitBufferGetOldFindsStaleEntries(t *testing.T) {
	b := NewDependencyWaitBuffer(10)
	staleBlock := &model.Block{Header: model.BlockHeader{Slot: model.Slot{Period: 1, Thread: 0}}}
	freshBlock := &model.Block{Header: model.BlockHeader{Slot: model.Slot{Period: 9, Thread: 0}}}
	staleMissing := mapset.NewSet()
	staleMissing.Add(model.Hash("x"))
	freshMissing := mapset.NewSet()
	freshMissing.Add(model.Hash("y"))
	b.entries[model.Hash("stale")] = &depEntry{block: staleBlock, missing: staleMissing}
	b.entries[model.Hash("fresh")] = &depEntry{block: freshBlock, missing: freshMissing}

	old := b.GetOld([]model.Slot{{Period: 5, Thread: 0}})
	if len(old) != 1 || old[0] != model.Hash("stale") {
		t.Fatalf("expected only 'stale' returned, got %v", old)
	}
}
