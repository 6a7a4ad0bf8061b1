package consensus

import (
	"fmt"
	"log"
	"time"

	"github.com/tolelom/tolconsensus/config"
	"github.com/tolelom/tolconsensus/crypto"
	"github.com/tolelom/tolconsensus/events"
	"github.com/tolelom/tolconsensus/model"
	"github.com/tolelom/tolconsensus/protocol"
	"github.com/tolelom/tolconsensus/selector"
	"github.com/tolelom/tolconsensus/storage"
	"github.com/tolelom/tolconsensus/timeslot"
	"github.com/tolelom/tolconsensus/vm"
)

// BlockContentSource supplies the body for a locally created block (e.g.
// a pending-transaction pool). It is consulted only when this node is
// elected to produce the current slot.
type BlockContentSource interface {
	NextBlockBody() []string
}

// Worker is the consensus event loop: it owns the block graph and both
// admission buffers, and is the only goroutine that mutates them.
type Worker struct {
	cfg     *config.Config
	graph   *Graph
	future  *FutureSlotBuffer
	waiting *DependencyWaitBuffer
	sel     *selector.Selector
	clock   *timeslot.Clock
	content BlockContentSource

	localPriv crypto.PrivateKey

	protoSender protocol.ProtocolCommandSender
	protoEvents protocol.ProtocolEventReceiver

	emitter *events.Emitter    // optional; nil disables tracing entirely
	store   storage.BlockStore // optional; nil disables persistence entirely
	exec    vm.Controller      // never nil; vm.Noop{} unless WithExecution is called

	controlCh chan ControlCommand
	managerCh chan struct{}

	currentSlot model.Slot
	lastFinal   []model.Slot // per-thread, to detect newly-finalized threads after an ack
}

// WithEmitter attaches an event bus the worker notifies of block lifecycle
// transitions. Purely observational: never required for correctness.
func (w *Worker) WithEmitter(e *events.Emitter) *Worker {
	w.emitter = e
	return w
}

// WithBlockStore attaches a store the worker persists admitted blocks and
// per-thread finality pointers to. A worker without one runs purely in
// memory, losing its graph across restarts.
func (w *Worker) WithBlockStore(store storage.BlockStore) *Worker {
	w.store = store
	return w
}

// WithExecution attaches the execution controller notified, together with
// the current best clique, whenever a thread's final slot advances. A
// worker without one keeps the default vm.Noop{}.
func (w *Worker) WithExecution(ctrl vm.Controller) *Worker {
	if ctrl != nil {
		w.exec = ctrl
	}
	return w
}

func (w *Worker) emit(typ events.EventType, hash model.Hash, slot model.Slot) {
	if w.emitter == nil {
		return
	}
	w.emitter.Emit(events.Event{Type: typ, Hash: string(hash), Slot: slot.String()})
}

// NewWorker builds a worker ready to Run. localPriv may be nil if block
// creation is disabled for this node.
func NewWorker(
	cfg *config.Config,
	graph *Graph,
	sel *selector.Selector,
	clock *timeslot.Clock,
	content BlockContentSource,
	localPriv crypto.PrivateKey,
	protoSender protocol.ProtocolCommandSender,
	protoEvents protocol.ProtocolEventReceiver,
) *Worker {
	return &Worker{
		cfg:         cfg,
		graph:       graph,
		future:      NewFutureSlotBuffer(cfg.MaxFutureProcessingBlocks),
		waiting:     NewDependencyWaitBuffer(cfg.MaxDependencyBlocks),
		sel:         sel,
		clock:       clock,
		content:     content,
		localPriv:   localPriv,
		protoSender: protoSender,
		protoEvents: protoEvents,
		exec:        vm.Noop{},
		controlCh:   make(chan ControlCommand, 32),
		managerCh:   make(chan struct{}),
		lastFinal:   graph.LatestFinalPerThread(),
	}
}

// persistBlock writes an admitted block to the backing store, if one is
// attached. A write failure is logged, not fatal: the block stays valid
// in the in-memory graph either way.
func (w *Worker) persistBlock(hash model.Hash, block *model.Block) {
	if w.store == nil {
		return
	}
	if err := w.store.PutBlock(block); err != nil {
		log.Printf("[consensus] persist block %s failed: %v", hash, err)
	}
}

// persistNewlyFinal compares the graph's current per-thread finality
// pointers against the last snapshot taken, records (and emits) every
// thread whose final slot advanced, and notifies the execution controller
// of the new finals plus the current best clique.
func (w *Worker) persistNewlyFinal() {
	finalSlots := w.graph.LatestFinalPerThread()
	finalHashes := w.graph.LatestFinalHashes()
	finalized := make(map[model.Slot]model.Hash)
	for thread, slot := range finalSlots {
		if thread < len(w.lastFinal) && slot.Equal(w.lastFinal[thread]) {
			continue
		}
		finalized[slot] = finalHashes[thread]
		w.emit(events.EventBlockFinalized, finalHashes[thread], slot)
		if w.store != nil {
			if err := w.store.SetLatestFinal(uint8(thread), finalHashes[thread], slot); err != nil {
				log.Printf("[consensus] persist latest final for thread %d failed: %v", thread, err)
			}
		}
	}
	w.lastFinal = finalSlots
	if len(finalized) > 0 {
		w.exec.UpdateBlockcliqueStatus(finalized, w.graph.Blockclique())
	}
}

// ControlCh is the channel a controller sends ControlCommand values on.
func (w *Worker) ControlCh() chan<- ControlCommand { return w.controlCh }

// Stop requests the worker loop to terminate after draining in-flight
// work.
func (w *Worker) Stop() { close(w.managerCh) }

// Run is the main event loop. It returns a fatal error, if any, when the
// protocol event channel closes unexpectedly or a ConsensusError-class
// failure occurs; a clean manager-requested shutdown returns nil.
func (w *Worker) Run() error {
	now := time.Now()
	slot, err := w.clock.CurrentSlot(now)
	if err != nil {
		return fatalErr(TimeErrorKind, "startup current slot", err)
	}
	w.currentSlot = slot

	timer, err := w.armTimer(now)
	if err != nil {
		return err
	}
	defer timer.Stop()

	protoEvents := w.protoEvents.Events()

	for {
		select {
		case <-timer.C:
			if err := w.handleTick(); err != nil {
				return err
			}
			timer, err = w.armTimer(time.Now())
			if err != nil {
				return err
			}

		case cmd, ok := <-w.controlCh:
			if !ok {
				continue
			}
			w.handleControl(cmd)

		case ev, ok := <-protoEvents:
			if !ok {
				return ErrUnexpectedProtocolClosure
			}
			if err := w.handleProtocolEvent(ev); err != nil {
				return err
			}

		case <-w.managerCh:
			return nil
		}
	}
}

func (w *Worker) armTimer(now time.Time) (*time.Timer, error) {
	ts, err := w.clock.Timestamp(w.currentSlot)
	if err != nil {
		return nil, fatalErr(TimeErrorKind, "arm timer", err)
	}
	d := ts.Sub(now)
	if d < 0 {
		d = 0
	}
	return time.NewTimer(d), nil
}

func (w *Worker) handleTick() error {
	if !w.cfg.DisableBlockCreation && w.currentSlot.Period > 0 {
		if w.sel.Draw(w.currentSlot) == w.cfg.CurrentNodeIndex {
			var body []string
			if w.content != nil {
				body = w.content.NextBlockBody()
			}
			creatorHex := ""
			if len(w.localPriv) > 0 {
				creatorHex = w.localPriv.Public().Hex()
			}
			hash, block, err := w.graph.CreateBlock(w.currentSlot, creatorHex, body, func(h model.Hash) (string, error) {
				return crypto.Sign(w.localPriv, []byte(h)), nil
			})
			if err != nil {
				if fatal := fatalFromAckError(fmt.Sprintf("create_block at slot %s", w.currentSlot), err); fatal != nil {
					return fatal
				}
				log.Printf("[consensus] create_block at slot %s failed: %v", w.currentSlot, err)
			} else {
				w.emit(events.EventBlockCreated, hash, w.currentSlot)
				if err := w.recAcknowledge(hash, block); err != nil {
					return err
				}
			}
		}
	}

	for _, entry := range w.future.PopUntil(w.currentSlot) {
		if err := w.recAcknowledge(entry.Hash, entry.Block); err != nil {
			return err
		}
	}

	next, err := w.clock.NextSlot(w.currentSlot)
	if err != nil {
		return fatalErr(TimeErrorKind, "next slot", err)
	}
	w.currentSlot = next
	return nil
}

func (w *Worker) handleControl(cmd ControlCommand) {
	switch c := cmd.(type) {
	case GetBlockGraphStatusCmd:
		trySend(c.Reply, w.graph.Export())

	case GetActiveBlockCmd:
		trySend(c.Reply, w.graph.GetActiveBlock(c.Hash))

	case GetSelectionDrawsCmd:
		draws, err := w.enumerateDraws(c.Start, c.End)
		trySend(c.Reply, GetSelectionDrawsReply{Draws: draws, Err: err})
	}
}

func (w *Worker) enumerateDraws(start, end model.Slot) ([]SlotDraw, error) {
	var draws []SlotDraw
	slot := start
	for slot.Before(end) {
		_, err := w.clock.Timestamp(slot)
		if err != nil {
			return draws, err
		}
		draw := w.sel.Draw(slot)
		draws = append(draws, SlotDraw{Slot: slot, PublicKey: resolveCreator(w.cfg, slot, draw)})
		next, err := slot.Next(w.cfg.ThreadCount)
		if err != nil {
			return draws, err
		}
		slot = next
	}
	return draws, nil
}

// trySend delivers v on reply without blocking forever: a caller who
// abandoned the reply channel degrades to a logged SendChannelError, not a
// worker failure.
func trySend[T any](reply chan<- T, v T) {
	select {
	case reply <- v:
	default:
		log.Printf("[consensus] %v", &SendChannelError{Op: "control command reply"})
	}
}

// handleProtocolEvent dispatches one inbound protocol event. A non-nil
// return is a fatal *ConsensusError and must unwind the worker loop.
func (w *Worker) handleProtocolEvent(ev protocol.ProtocolEvent) error {
	switch e := ev.(type) {
	case protocol.ReceivedBlockEvent:
		hash, err := e.Block.ComputeHash()
		if err != nil {
			log.Printf("[consensus] received block from %s: compute hash: %v", e.Src, err)
			return nil
		}
		return w.recAcknowledge(hash, e.Block)

	case protocol.ReceivedBlockHeaderEvent:
		block := &model.Block{Header: e.Header, Signature: e.Signature}
		if err := w.graph.CheckHeader(e.Hash, block, w.sel); err != nil {
			if fatal := fatalFromAckError(fmt.Sprintf("check_header from %s", e.Src), err); fatal != nil {
				return fatal
			}
			log.Printf("[consensus] check_header from %s failed: %v", e.Src, err)
			return nil
		}
		if err := w.protoSender.SendCommand(protocol.AskForBlockCmd{Hash: e.Hash, To: e.Src}); err != nil {
			log.Printf("[consensus] ask_for_block to %s failed: %v", e.Src, err)
		}

	case protocol.AskedForBlockEvent:
		block := w.graph.GetActiveBlock(e.Hash)
		if block == nil {
			return nil
		}
		if err := w.protoSender.SendCommand(protocol.SendBlockCmd{Hash: e.Hash, Block: block, To: e.Src}); err != nil {
			log.Printf("[consensus] send_block to %s failed: %v", e.Src, err)
		}

	case protocol.ReceivedTransactionEvent:
		// Transaction admission is a declared no-op: transactions are
		// received and ignored.
	}
	return nil
}

// recAcknowledge runs the admission cascade starting from one (hash,
// block) pair: admit what it can, route the rest to the future or
// dependency buffers, and re-present anything those buffers release. A
// non-nil return is always a *ConsensusError from the fatal
// BlockAcknowledgeError group and must unwind the worker loop.
func (w *Worker) recAcknowledge(hash model.Hash, block *model.Block) error {
	type item struct {
		hash  model.Hash
		block *model.Block
	}
	work := []item{{hash, block}}

	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]

		if w.future.Contains(cur.hash) {
			continue
		}
		if w.waiting.HasMissingDeps(cur.hash) {
			w.waiting.Promote(cur.hash)
			continue
		}

		discarded, err := w.graph.AcknowledgeBlock(cur.hash, cur.block, w.sel, w.currentSlot)
		if err != nil {
			if fatal := w.routeAckError(cur.hash, cur.block, err); fatal != nil {
				return fatal
			}
			continue
		}
		w.emit(events.EventBlockAcked, cur.hash, cur.block.Header.Slot)

		if len(discarded) > 0 {
			hashes := make([]model.Hash, 0, len(discarded))
			for h := range discarded {
				hashes = append(hashes, h)
				w.emit(events.EventBlockDiscarded, h, model.Slot{})
			}
			w.waiting.Cancel(hashes)
		}
		w.persistNewlyFinal()
		w.waiting.Cancel(w.waiting.GetOld(w.graph.LatestFinalPerThread()))

		// Finalization can prune the block it just admitted (a fresh
		// clique losing immediately to a larger one). Only a block that
		// is still active is persisted, announced, and allowed to
		// release its dependents; a pruned one already had its
		// dependents canceled through the discarded set above.
		if w.graph.GetActiveBlock(cur.hash) == nil {
			continue
		}
		w.persistBlock(cur.hash, cur.block)

		if err := w.propagate(cur.hash, cur.block); err != nil {
			log.Printf("[consensus] propagate_block_header for %s failed: %v", cur.hash, err)
		}
		for _, ready := range w.waiting.ValidBlockObtained(cur.hash) {
			work = append(work, item{ready.Hash, ready.Block})
		}
	}
	return nil
}

func (w *Worker) propagate(hash model.Hash, block *model.Block) error {
	return w.protoSender.SendCommand(protocol.PropagateBlockHeaderCmd{
		Hash:      hash,
		Signature: block.Signature,
		Header:    block.Header,
	})
}

// routeAckError dispatches one BlockAcknowledgeError per the admission
// contract: route to the future buffer, route to the dependency buffer,
// cancel dependents, or (for the fatal group) return a *ConsensusError so
// the caller unwinds the worker loop —
// a single bad block must not silently keep the cascade running once the
// graph itself is no longer trustworthy.
func (w *Worker) routeAckError(hash model.Hash, block *model.Block, err error) error {
	ackErr, ok := err.(*BlockAcknowledgeError)
	if !ok {
		log.Printf("[consensus] acknowledge_block for %s: unexpected error: %v", hash, err)
		return nil
	}

	switch ackErr.Kind {
	case AlreadyAcknowledged, AlreadyDiscarded:
		// No side effects required.

	case WrongSignature:
		// Caller MUST NOT cancel dependents: a forged or corrupted copy
		// of a legitimately-missing block must not poison entries that
		// are waiting on the real one.

	case InvalidFields, InvalidParents, TooOld:
		w.waiting.Cancel([]model.Hash{hash})

	case InTheFuture:
		if evicted := w.future.Insert(hash, block); evicted != nil {
			w.waiting.Cancel([]model.Hash{evicted.Hash})
		}

	case TooMuchInTheFuture:
		// Neither graph nor D; only dependents are canceled, to avoid
		// discarding a block that might still be valid along a fork that
		// has not yet reached finality.
		w.waiting.Cancel([]model.Hash{hash})

	case DrawMismatch:
		w.waiting.Cancel([]model.Hash{hash})

	case MissingDependencies:
		w.waiting.Insert(hash, block, ackErr.Missing)

	default:
		// ContainerInconsistency, CryptoErrorKind, TimeErrorKind,
		// ConsensusErrorKind: fatal, propagated out of the cascade.
		return fatalErr(ackErr.Kind, fmt.Sprintf("acknowledge_block for %s", hash), ackErr)
	}
	return nil
}

// fatalFromAckError converts a fatal-kind BlockAcknowledgeError returned
// by CreateBlock or CheckHeader into the *ConsensusError that unwinds the
// worker loop, or returns nil if err is absent or not of a fatal kind.
func fatalFromAckError(op string, err error) *ConsensusError {
	ackErr, ok := err.(*BlockAcknowledgeError)
	if !ok || !ackErr.Kind.Fatal() {
		return nil
	}
	return fatalErr(ackErr.Kind, op, ackErr)
}
