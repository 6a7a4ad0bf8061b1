package consensus

import (
	"testing"

	"github.com/tolelom/tolconsensus/config"
	"github.com/tolelom/tolconsensus/crypto"
	"github.com/tolelom/tolconsensus/internal/testutil"
	"github.com/tolelom/tolconsensus/model"
	"github.com/tolelom/tolconsensus/protocol"
	"github.com/tolelom/tolconsensus/selector"
	"github.com/tolelom/tolconsensus/timeslot"
)

func TestRecAcknowledgePropagatesAdmittedBlock(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	cfg := singleThreadConfig(t, pub)
	graph := NewGraph(cfg)
	sel, err := selector.New([]byte(pub), cfg.ThreadCount, cfg.ParticipantWeights)
	if err != nil {
		t.Fatal(err)
	}
	clock, err := timeslot.NewClock(cfg.ThreadCount, cfg.SlotDuration(), cfg.GenesisTime())
	if err != nil {
		t.Fatal(err)
	}
	proto := testutil.NewFakeProtocol()

	w := NewWorker(cfg, graph, sel, clock, nil, priv, proto, proto)
	w.currentSlot = model.Slot{Period: 5, Thread: 0}

	slot := model.Slot{Period: 1, Thread: 0}
	hash, block, err := graph.CreateBlock(slot, pub.Hex(), []string{"tx1"}, func(h model.Hash) (string, error) {
		return crypto.Sign(priv, []byte(h)), nil
	})
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}

	if err := w.recAcknowledge(hash, block); err != nil {
		t.Fatalf("recAcknowledge: %v", err)
	}

	if ab := graph.GetActiveBlock(hash); ab == nil {
		t.Fatalf("expected block %s to be admitted into the graph", hash)
	}

	sent := proto.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one propagated command, got %d", len(sent))
	}
	prop, ok := sent[0].(protocol.PropagateBlockHeaderCmd)
	if !ok {
		t.Fatalf("expected a PropagateBlockHeaderCmd, got %T", sent[0])
	}
	if prop.Hash != hash {
		t.Fatalf("propagated hash = %s, want %s", prop.Hash, hash)
	}
}

func TestRecAcknowledgeHoldsBlockWithMissingParent(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	cfg := singleThreadConfig(t, pub)
	graph := NewGraph(cfg)
	sel, err := selector.New([]byte(pub), cfg.ThreadCount, cfg.ParticipantWeights)
	if err != nil {
		t.Fatal(err)
	}
	clock, err := timeslot.NewClock(cfg.ThreadCount, cfg.SlotDuration(), cfg.GenesisTime())
	if err != nil {
		t.Fatal(err)
	}
	proto := testutil.NewFakeProtocol()

	w := NewWorker(cfg, graph, sel, clock, nil, priv, proto, proto)
	w.currentSlot = model.Slot{Period: 5, Thread: 0}

	missingParent := model.Hash("ghost-parent")
	slot := model.Slot{Period: 2, Thread: 0}
	unsigned := model.NewUnsignedBlock(slot, []model.Hash{missingParent}, pub, nil)
	hash, err := unsigned.Sign(priv)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.recAcknowledge(hash, unsigned); err != nil {
		t.Fatalf("recAcknowledge: %v", err)
	}

	if ab := graph.GetActiveBlock(hash); ab != nil {
		t.Fatalf("block with a missing parent must not be admitted yet")
	}
	if !w.waiting.HasMissingDeps(hash) {
		t.Fatalf("expected %s to be held in the dependency-wait buffer", hash)
	}
	if len(proto.Sent()) != 0 {
		t.Fatalf("a held block must not be propagated")
	}
}

// TestRecAcknowledgeWrongSignatureDoesNotCancelDependents: c depends on
// d; d arrives with a forged signature. The cascade must reject d with
// WrongSignature and leave c untouched in the dependency buffer.
func TestRecAcknowledgeWrongSignatureDoesNotCancelDependents(t *testing.T) {
	privD, pubD, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	privC, pubC, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	cfg := singleThreadConfig(t, pubD)
	cfg.Nodes = append(cfg.Nodes, config.NodeInfo{PublicKey: pubC.Hex()})
	cfg.ParticipantWeights = []uint64{1, 1}
	graph := NewGraph(cfg)
	sel, err := selector.New([]byte("wrong-signature-test-seed"), cfg.ThreadCount, cfg.ParticipantWeights)
	if err != nil {
		t.Fatal(err)
	}
	clock, err := timeslot.NewClock(cfg.ThreadCount, cfg.SlotDuration(), cfg.GenesisTime())
	if err != nil {
		t.Fatal(err)
	}
	proto := testutil.NewFakeProtocol()
	w := NewWorker(cfg, graph, sel, clock, nil, privD, proto, proto)
	w.currentSlot = model.Slot{Period: 5, Thread: 0}

	dSlot := model.Slot{Period: 1, Thread: 0}
	cSlot := model.Slot{Period: 2, Thread: 0}
	// Whichever staker the selector draws for each slot, build d and c
	// from that staker's own keys so DrawMismatch never masks the
	// WrongSignature case under test.
	drawnKeys := func(slot model.Slot) (crypto.PrivateKey, crypto.PublicKey) {
		if sel.Draw(slot) == 0 {
			return privD, pubD
		}
		return privC, pubC
	}
	_, dPub := drawnKeys(dSlot) // d is never validly signed: that is the point of this test
	dBlock := model.NewUnsignedBlock(dSlot, nil, dPub, nil)
	dHash, err := dBlock.ComputeHash()
	if err != nil {
		t.Fatal(err)
	}
	dBlock.Signature = "not-a-real-signature"

	cPriv, cPub := drawnKeys(cSlot)
	cBlock := model.NewUnsignedBlock(cSlot, []model.Hash{dHash}, cPub, nil)
	cHash, err := cBlock.Sign(cPriv)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.recAcknowledge(cHash, cBlock); err != nil {
		t.Fatalf("recAcknowledge(c): %v", err)
	}
	if !w.waiting.HasMissingDeps(cHash) {
		t.Fatalf("expected c to be held in the dependency buffer pending d")
	}

	if err := w.recAcknowledge(dHash, dBlock); err != nil {
		t.Fatalf("recAcknowledge(d): %v", err)
	}

	if ab := graph.GetActiveBlock(dHash); ab != nil {
		t.Fatalf("a forged signature must never be admitted")
	}
	if !w.waiting.HasMissingDeps(cHash) {
		t.Fatalf("c must remain held; WrongSignature on d must not cancel its dependents")
	}
	if len(proto.Sent()) != 0 {
		t.Fatalf("neither c nor d should have been propagated")
	}
}

// TestRecAcknowledgeRoutesFutureBlockAndFiresOnTick: a block ahead of the
// clock lands in the future buffer without propagation, then is popped,
// admitted and propagated on the tick for its slot.
func TestRecAcknowledgeRoutesFutureBlockAndFiresOnTick(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	cfg := singleThreadConfig(t, pub)
	cfg.DisableBlockCreation = true
	graph := NewGraph(cfg)
	sel, err := selector.New([]byte(pub), cfg.ThreadCount, cfg.ParticipantWeights)
	if err != nil {
		t.Fatal(err)
	}
	clock, err := timeslot.NewClock(cfg.ThreadCount, cfg.SlotDuration(), cfg.GenesisTime())
	if err != nil {
		t.Fatal(err)
	}
	proto := testutil.NewFakeProtocol()
	w := NewWorker(cfg, graph, sel, clock, nil, priv, proto, proto)
	w.currentSlot = model.Slot{Period: 5, Thread: 0}

	slot := model.Slot{Period: 7, Thread: 0}
	hash, block, err := graph.CreateBlock(slot, pub.Hex(), nil, func(h model.Hash) (string, error) {
		return crypto.Sign(priv, []byte(h)), nil
	})
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}

	if err := w.recAcknowledge(hash, block); err != nil {
		t.Fatalf("recAcknowledge: %v", err)
	}
	if !w.future.Contains(hash) {
		t.Fatalf("expected the slot-(7,0) block to be parked in the future buffer")
	}
	if len(proto.Sent()) != 0 {
		t.Fatalf("a parked block must not be propagated")
	}

	// Clock catches up to the block's slot.
	w.currentSlot = slot
	if err := w.handleTick(); err != nil {
		t.Fatalf("handleTick: %v", err)
	}

	if graph.GetActiveBlock(hash) == nil {
		t.Fatalf("expected the block to be admitted on the tick for its slot")
	}
	if w.future.Contains(hash) {
		t.Fatalf("expected the block to have left the future buffer")
	}
	sent := proto.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one propagation after the tick, got %d", len(sent))
	}
	if !w.currentSlot.After(slot) {
		t.Fatalf("handleTick must advance currentSlot past %s, got %s", slot, w.currentSlot)
	}
}

// TestRecAcknowledgeResolvesDependencyChain: b depends on a and arrives
// first; once a is admitted, b is drawn out of the dependency buffer and
// admitted by the same cascade.
func TestRecAcknowledgeResolvesDependencyChain(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	cfg := singleThreadConfig(t, pub)
	graph := NewGraph(cfg)
	sel, err := selector.New([]byte(pub), cfg.ThreadCount, cfg.ParticipantWeights)
	if err != nil {
		t.Fatal(err)
	}
	clock, err := timeslot.NewClock(cfg.ThreadCount, cfg.SlotDuration(), cfg.GenesisTime())
	if err != nil {
		t.Fatal(err)
	}
	proto := testutil.NewFakeProtocol()
	w := NewWorker(cfg, graph, sel, clock, nil, priv, proto, proto)
	w.currentSlot = model.Slot{Period: 5, Thread: 0}

	aSlot := model.Slot{Period: 1, Thread: 0}
	aHash, aBlock, err := graph.CreateBlock(aSlot, pub.Hex(), nil, func(h model.Hash) (string, error) {
		return crypto.Sign(priv, []byte(h)), nil
	})
	if err != nil {
		t.Fatalf("CreateBlock(a): %v", err)
	}

	bBlock := model.NewUnsignedBlock(model.Slot{Period: 2, Thread: 0}, []model.Hash{aHash}, pub, nil)
	bHash, err := bBlock.Sign(priv)
	if err != nil {
		t.Fatal(err)
	}

	// b first: parked waiting on a.
	if err := w.recAcknowledge(bHash, bBlock); err != nil {
		t.Fatalf("recAcknowledge(b): %v", err)
	}
	if !w.waiting.HasMissingDeps(bHash) {
		t.Fatalf("expected b to be parked waiting on a")
	}

	// a next: the cascade admits a, then pulls b out and admits it too.
	if err := w.recAcknowledge(aHash, aBlock); err != nil {
		t.Fatalf("recAcknowledge(a): %v", err)
	}
	if graph.GetActiveBlock(aHash) == nil || graph.GetActiveBlock(bHash) == nil {
		t.Fatalf("expected both a and b to be active after the cascade")
	}
	if w.waiting.Len() != 0 {
		t.Fatalf("expected the dependency buffer to be empty, still holds %d entries", w.waiting.Len())
	}
	if sent := proto.Sent(); len(sent) != 2 {
		t.Fatalf("expected a and b both propagated, got %d commands", len(sent))
	}
}

// TestTooMuchInTheFutureCancelsDependentsOnly: a block beyond the future
// margin is neither admitted, parked, nor discarded, but its dependents
// waiting on it are canceled.
func TestTooMuchInTheFutureCancelsDependentsOnly(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	cfg := singleThreadConfig(t, pub)
	cfg.FutureBlockProcessingMaxPeriods = 1
	graph := NewGraph(cfg)
	sel, err := selector.New([]byte(pub), cfg.ThreadCount, cfg.ParticipantWeights)
	if err != nil {
		t.Fatal(err)
	}
	clock, err := timeslot.NewClock(cfg.ThreadCount, cfg.SlotDuration(), cfg.GenesisTime())
	if err != nil {
		t.Fatal(err)
	}
	proto := testutil.NewFakeProtocol()
	w := NewWorker(cfg, graph, sel, clock, nil, priv, proto, proto)
	w.currentSlot = model.Slot{Period: 5, Thread: 0}

	slot := model.Slot{Period: 10, Thread: 0}
	hash, block, err := graph.CreateBlock(slot, pub.Hex(), nil, func(h model.Hash) (string, error) {
		return crypto.Sign(priv, []byte(h)), nil
	})
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}

	depBlock := model.NewUnsignedBlock(model.Slot{Period: 11, Thread: 0}, []model.Hash{hash}, pub, nil)
	depHash, err := depBlock.Sign(priv)
	if err != nil {
		t.Fatal(err)
	}
	w.waiting.Insert(depHash, depBlock, []model.Hash{hash})

	if err := w.recAcknowledge(hash, block); err != nil {
		t.Fatalf("recAcknowledge: %v", err)
	}

	if graph.GetActiveBlock(hash) != nil {
		t.Fatalf("a too-far-future block must not be admitted")
	}
	if w.future.Contains(hash) {
		t.Fatalf("a too-far-future block must not be parked in the future buffer")
	}
	if _, discarded := graph.discarded[hash]; discarded {
		t.Fatalf("a too-far-future block must not be discarded either")
	}
	if w.waiting.HasMissingDeps(depHash) {
		t.Fatalf("dependents of a too-far-future block must be canceled")
	}
}

// TestEnumerateDrawsUsesGenesisKeyForPeriodZero: the draws for
// [(0,0),(2,0)) credit period 0 to the genesis key and later periods to
// the selector's chosen staker.
func TestEnumerateDrawsUsesGenesisKeyForPeriodZero(t *testing.T) {
	_, genesisPub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	_, pubA, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	_, pubB, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		ThreadCount:      2,
		SlotDurationMS:   1000,
		GenesisPublicKey: genesisPub.Hex(),
		Nodes: []config.NodeInfo{
			{PublicKey: pubA.Hex()},
			{PublicKey: pubB.Hex()},
		},
		ParticipantWeights:              []uint64{1, 1},
		MaxFutureProcessingBlocks:       10,
		MaxDependencyBlocks:             10,
		FutureBlockProcessingMaxPeriods: 10,
	}
	graph := NewGraph(cfg)
	sel, err := selector.New([]byte("selection-draws-test-seed"), cfg.ThreadCount, cfg.ParticipantWeights)
	if err != nil {
		t.Fatal(err)
	}
	clock, err := timeslot.NewClock(cfg.ThreadCount, cfg.SlotDuration(), cfg.GenesisTime())
	if err != nil {
		t.Fatal(err)
	}
	proto := testutil.NewFakeProtocol()
	w := NewWorker(cfg, graph, sel, clock, nil, nil, proto, proto)

	draws, err := w.enumerateDraws(model.Slot{Period: 0, Thread: 0}, model.Slot{Period: 2, Thread: 0})
	if err != nil {
		t.Fatalf("enumerateDraws: %v", err)
	}
	if len(draws) != 4 {
		t.Fatalf("expected 4 draws for [(0,0),(2,0)) with T=2, got %d", len(draws))
	}
	wantSlots := []model.Slot{
		{Period: 0, Thread: 0},
		{Period: 0, Thread: 1},
		{Period: 1, Thread: 0},
		{Period: 1, Thread: 1},
	}
	for i, want := range wantSlots {
		if !draws[i].Slot.Equal(want) {
			t.Fatalf("draw %d slot = %s, want %s", i, draws[i].Slot, want)
		}
	}
	for i := 0; i < 2; i++ {
		if draws[i].PublicKey != genesisPub.Hex() {
			t.Fatalf("period-0 draw %d credited to %s, want genesis key", i, draws[i].PublicKey)
		}
	}
	for i := 2; i < 4; i++ {
		want := cfg.Nodes[sel.Draw(draws[i].Slot)].PublicKey
		if draws[i].PublicKey != want {
			t.Fatalf("draw %d credited to %s, want nodes[draw] = %s", i, draws[i].PublicKey, want)
		}
	}
}

func TestHandleControlGetBlockGraphStatus(t *testing.T) {
	_, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	cfg := singleThreadConfig(t, pub)
	graph := NewGraph(cfg)
	sel, err := selector.New([]byte(pub), cfg.ThreadCount, cfg.ParticipantWeights)
	if err != nil {
		t.Fatal(err)
	}
	clock, err := timeslot.NewClock(cfg.ThreadCount, cfg.SlotDuration(), cfg.GenesisTime())
	if err != nil {
		t.Fatal(err)
	}
	proto := testutil.NewFakeProtocol()
	w := NewWorker(cfg, graph, sel, clock, nil, nil, proto, proto)

	reply := make(chan BlockGraphExport, 1)
	w.handleControl(GetBlockGraphStatusCmd{Reply: reply})

	select {
	case export := <-reply:
		if len(export.LatestFinalPerThread) != 1 {
			t.Fatalf("expected one thread in export, got %d", len(export.LatestFinalPerThread))
		}
	default:
		t.Fatal("expected a reply on the control channel")
	}
}
