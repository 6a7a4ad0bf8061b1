package consensus

import (
	"fmt"
	"sync"

	"github.com/tolelom/tolconsensus/config"
	"github.com/tolelom/tolconsensus/crypto"
	"github.com/tolelom/tolconsensus/model"
	"github.com/tolelom/tolconsensus/selector"
)

// ActiveBlock is a Block admitted into the graph, tagged with its clique
// membership and lifecycle status.
type ActiveBlock struct {
	Block   *model.Block
	Status  ActiveBlockStatus
	Clique  int // index into Graph.cliques; meaningless once Discarded
}

// DiscardedMap names the hashes freshly discarded by one admission, as
// returned by AcknowledgeBlock on success.
type DiscardedMap map[model.Hash]struct{}

// Graph owns every active block, the set of cliques they partition into,
// and the per-thread latest-final slot. It is the single mutable heart of
// the consensus worker: only the worker goroutine calls its methods, so
// internal locking exists for GetBlockGraphStatus / GetActiveBlock being
// answerable without funnelling through the event loop's own channel.
type Graph struct {
	mu sync.RWMutex

	cfg *config.Config

	active    map[model.Hash]*ActiveBlock
	discarded map[model.Hash]struct{}

	cliques [][]model.Hash // each inner slice is a set of mutually compatible block hashes

	// latestFinal holds, per thread, the (hash, slot) of that thread's
	// most recently finalized block. Index == thread.
	latestFinal []finalMarker
}

type finalMarker struct {
	Hash model.Hash
	Slot model.Slot
}

// NewGraph builds a graph seeded with one genesis block per thread, all
// mutually final from the start.
func NewGraph(cfg *config.Config) *Graph {
	g := &Graph{
		cfg:         cfg,
		active:      make(map[model.Hash]*ActiveBlock),
		discarded:   make(map[model.Hash]struct{}),
		latestFinal: make([]finalMarker, cfg.ThreadCount),
	}
	genesisPub, _ := crypto.PubKeyFromHex(cfg.GenesisPublicKey)
	for thread := uint8(0); thread < cfg.ThreadCount; thread++ {
		genesis := model.NewUnsignedBlock(model.Slot{Period: 0, Thread: thread}, nil, genesisPub, nil)
		hash, _ := genesis.ComputeHash()
		g.active[hash] = &ActiveBlock{Block: genesis, Status: StatusFinal, Clique: 0}
		g.latestFinal[thread] = finalMarker{Hash: hash, Slot: genesis.Header.Slot}
	}
	g.cliques = [][]model.Hash{g.genesisHashes()}
	return g
}

func (g *Graph) genesisHashes() []model.Hash {
	hashes := make([]model.Hash, len(g.latestFinal))
	for i, fm := range g.latestFinal {
		hashes[i] = fm.Hash
	}
	return hashes
}

// LatestFinalPerThread returns a copy of the per-thread latest-final
// slots; LatestFinalHashes gives the matching hashes.
func (g *Graph) LatestFinalPerThread() []model.Slot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.Slot, len(g.latestFinal))
	for i, fm := range g.latestFinal {
		out[i] = fm.Slot
	}
	return out
}

// LatestFinalHashes returns a copy of the per-thread latest-final hashes,
// in the same thread order as LatestFinalPerThread.
func (g *Graph) LatestFinalHashes() []model.Hash {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.Hash, len(g.latestFinal))
	for i, fm := range g.latestFinal {
		out[i] = fm.Hash
	}
	return out
}

// Blockclique returns the current best clique as a slot-to-hash map, the
// shape the execution controller consumes.
func (g *Graph) Blockclique() map[model.Slot]model.Hash {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[model.Slot]model.Hash)
	idx, _ := g.bestCliqueIndex()
	if idx < 0 {
		return out
	}
	for _, h := range g.cliques[idx] {
		if ab, ok := g.active[h]; ok {
			out[ab.Block.Header.Slot] = h
		}
	}
	return out
}

// GetActiveBlock returns the block for hash if it is currently active or
// final, else nil.
func (g *Graph) GetActiveBlock(hash model.Hash) *model.Block {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ab, ok := g.active[hash]
	if !ok {
		return nil
	}
	return ab.Block
}

// Export returns an immutable snapshot for GetBlockGraphStatus.
func (g *Graph) Export() BlockGraphExport {
	g.mu.RLock()
	defer g.mu.RUnlock()
	statuses := make(map[model.Hash]ActiveBlockStatus, len(g.active))
	for h, ab := range g.active {
		statuses[h] = ab.Status
	}
	cliques := make([][]model.Hash, len(g.cliques))
	for i, c := range g.cliques {
		cliques[i] = append([]model.Hash(nil), c...)
	}
	return BlockGraphExport{
		ActiveBlocks:         statuses,
		Cliques:              cliques,
		LatestFinalPerThread: g.LatestFinalPerThread(),
	}
}

// bestTips returns, per thread, the hash of the tip this node should build
// on: the deepest-slot block of the best clique along that thread.
func (g *Graph) bestTips() ([]model.Hash, error) {
	if len(g.cliques) == 0 {
		return nil, fmt.Errorf("consensus: no cliques present")
	}
	best := g.cliques[0]
	tips := make([]model.Hash, g.cfg.ThreadCount)
	bestSlot := make([]model.Slot, g.cfg.ThreadCount)
	for i := range tips {
		tips[i] = g.latestFinal[i].Hash
		bestSlot[i] = g.latestFinal[i].Slot
	}
	for _, hash := range best {
		ab, ok := g.active[hash]
		if !ok {
			continue
		}
		thread := ab.Block.Header.Slot.Thread
		if ab.Block.Header.Slot.After(bestSlot[thread]) {
			tips[thread] = hash
			bestSlot[thread] = ab.Block.Header.Slot
		}
	}
	return tips, nil
}

// CreateBlock builds and signs a block for slot whose parents are the
// current best tips per thread, with creatorHex as the header's creator
// and sign producing the signature over the header hash.
func (g *Graph) CreateBlock(slot model.Slot, creatorHex string, body []string, sign func(hash model.Hash) (string, error)) (model.Hash, *model.Block, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tips, err := g.bestTips()
	if err != nil {
		return model.ZeroHash, nil, &BlockAcknowledgeError{Kind: InvalidFields, Detail: err.Error()}
	}
	block := &model.Block{
		Header: model.BlockHeader{
			Slot:        slot,
			Parents:     tips,
			Creator:     creatorHex,
			ContentRoot: model.ComputeContentRoot(body),
		},
		Body: body,
	}
	hash, err := block.ComputeHash()
	if err != nil {
		return model.ZeroHash, nil, ackErrFatal(CryptoErrorKind, model.ZeroHash, err)
	}
	sig, err := sign(hash)
	if err != nil {
		return model.ZeroHash, nil, ackErrFatal(CryptoErrorKind, hash, err)
	}
	block.Signature = sig
	return hash, block, nil
}

// CheckHeader performs stateless header validation: signature, draw and
// field bounds, without touching graph state.
func (g *Graph) CheckHeader(hash model.Hash, block *model.Block, sel *selector.Selector) error {
	recomputed, err := block.ComputeHash()
	if err != nil {
		return ackErrFatal(CryptoErrorKind, hash, err)
	}
	if recomputed != hash {
		return ackErrFatal(ConsensusErrorKind, hash, fmt.Errorf("header hash mismatch: claimed %s computed %s", hash, recomputed))
	}
	pub, err := crypto.PubKeyFromHex(block.Header.Creator)
	if err != nil {
		return ackErrDetail(InvalidFields, hash, err.Error())
	}
	if err := model.VerifySignature(pub, hash, block.Signature); err != nil {
		return ackErr(WrongSignature, hash)
	}
	if int(block.Header.Slot.Thread) >= int(g.cfg.ThreadCount) {
		return ackErrDetail(InvalidFields, hash, "thread out of range")
	}
	if len(block.Header.Parents) != int(g.cfg.ThreadCount) && block.Header.Slot.Period != 0 {
		return ackErrDetail(InvalidFields, hash, "parents count must equal thread count")
	}
	if block.Header.Slot.Period > 0 {
		expected := sel.Draw(block.Header.Slot)
		if expected < 0 || expected >= len(g.cfg.Nodes) || g.cfg.Nodes[expected].PublicKey != block.Header.Creator {
			return ackErr(DrawMismatch, hash)
		}
	}
	return nil
}

// AcknowledgeBlock validates and integrates a block, returning the set of
// hashes freshly discarded by this admission on success.
func (g *Graph) AcknowledgeBlock(hash model.Hash, block *model.Block, sel *selector.Selector, currentSlot model.Slot) (DiscardedMap, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.active[hash]; ok {
		return nil, ackErr(AlreadyAcknowledged, hash)
	}
	if _, ok := g.discarded[hash]; ok {
		return nil, ackErr(AlreadyDiscarded, hash)
	}

	recomputed, err := block.ComputeHash()
	if err != nil {
		return nil, ackErrFatal(CryptoErrorKind, hash, err)
	}
	if recomputed != hash {
		return nil, ackErrFatal(ConsensusErrorKind, hash, fmt.Errorf("header hash mismatch"))
	}
	pub, err := crypto.PubKeyFromHex(block.Header.Creator)
	if err != nil {
		return nil, ackErrDetail(InvalidFields, hash, err.Error())
	}
	if err := model.VerifySignature(pub, hash, block.Signature); err != nil {
		return nil, ackErr(WrongSignature, hash)
	}
	// The signature covers the header only; the body is bound through
	// Header.ContentRoot and must be checked separately, or a relay could
	// swap the body out from under a valid signature.
	if err := block.VerifyIntegrity(); err != nil {
		return nil, ackErrDetail(InvalidFields, hash, err.Error())
	}

	thread := block.Header.Slot.Thread
	if int(thread) >= len(g.latestFinal) {
		return nil, ackErrDetail(InvalidFields, hash, "thread out of range")
	}
	if !block.Header.Slot.After(g.latestFinal[thread].Slot) {
		return nil, ackErr(TooOld, hash)
	}

	margin := g.cfg.FutureBlockProcessingMaxPeriods
	if block.Header.Slot.Period > currentSlot.Period+margin {
		return nil, ackErr(TooMuchInTheFuture, hash)
	}
	if block.Header.Slot.After(currentSlot) {
		return nil, ackErr(InTheFuture, hash)
	}

	if block.Header.Slot.Period > 0 {
		expected := sel.Draw(block.Header.Slot)
		if expected < 0 || expected >= len(g.cfg.Nodes) || g.cfg.Nodes[expected].PublicKey != block.Header.Creator {
			return nil, ackErr(DrawMismatch, hash)
		}
	}

	var missing []model.Hash
	for _, parent := range block.Header.Parents {
		if parent == model.ZeroHash {
			continue
		}
		if _, ok := g.active[parent]; !ok {
			missing = append(missing, parent)
		}
	}
	if len(missing) > 0 {
		return nil, ackErrMissing(hash, missing)
	}

	if int(thread) < len(block.Header.Parents) {
		if parentHash := block.Header.Parents[thread]; parentHash != model.ZeroHash {
			if parentAB, ok := g.active[parentHash]; ok && !block.Header.Slot.After(parentAB.Block.Header.Slot) {
				return nil, ackErrDetail(InvalidParents, hash, "slot must be strictly after same-thread parent's slot")
			}
		}
	}

	cliqueIdx, err := g.attachToClique(hash, block)
	if err != nil {
		return nil, ackErrDetail(InvalidParents, hash, err.Error())
	}

	g.active[hash] = &ActiveBlock{Block: block, Status: StatusActive, Clique: cliqueIdx}

	discarded := g.finalize()
	return discarded, nil
}

// attachToClique finds a clique this block is compatible with (or starts a
// new one) and appends the block to it. Two blocks are compatible unless
// they occupy the same (thread, slot) — the one-block-per-slot-per-clique
// rule — or one's parent set contradicts the other's presence.
func (g *Graph) attachToClique(hash model.Hash, block *model.Block) (int, error) {
	for idx, clique := range g.cliques {
		if g.compatibleWithClique(block, clique) {
			g.cliques[idx] = append(clique, hash)
			return idx, nil
		}
	}
	g.cliques = append(g.cliques, []model.Hash{hash})
	return len(g.cliques) - 1, nil
}

func (g *Graph) compatibleWithClique(block *model.Block, clique []model.Hash) bool {
	for _, parent := range block.Header.Parents {
		if parent == model.ZeroHash {
			continue
		}
		found := false
		for _, member := range clique {
			if member == parent {
				found = true
				break
			}
		}
		if !found {
			if _, isFinal := g.finalHash(parent); !isFinal {
				return false
			}
		}
	}
	for _, member := range clique {
		ab, ok := g.active[member]
		if !ok {
			continue
		}
		if ab.Block.Header.Slot.Equal(block.Header.Slot) {
			return false
		}
	}
	return true
}

func (g *Graph) finalHash(hash model.Hash) (model.Slot, bool) {
	for _, fm := range g.latestFinal {
		if fm.Hash == hash {
			return fm.Slot, true
		}
	}
	return model.Slot{}, false
}

// finalize acts only when at least two cliques exist and the largest one
// is unique: it keeps that clique alone, discards the non-final blocks
// that belong only to the others, and marks Final each of its blocks whose
// slot is after its thread's latest final, visiting them in clique order.
// With a single clique nothing is finalized. Returns the hashes pruned by
// this call.
func (g *Graph) finalize() DiscardedMap {
	discarded := make(DiscardedMap)
	if len(g.cliques) < 2 {
		return discarded
	}

	bestIdx, unique := g.bestCliqueIndex()
	if !unique {
		return discarded
	}

	best := g.cliques[bestIdx]
	bestSet := make(map[model.Hash]struct{}, len(best))
	for _, h := range best {
		bestSet[h] = struct{}{}
	}

	for idx, clique := range g.cliques {
		if idx == bestIdx {
			continue
		}
		for _, h := range clique {
			if _, keep := bestSet[h]; keep {
				continue
			}
			if ab, ok := g.active[h]; ok && ab.Status != StatusFinal {
				delete(g.active, h)
				g.discarded[h] = struct{}{}
				discarded[h] = struct{}{}
			}
		}
	}
	g.cliques = [][]model.Hash{best}

	for _, h := range best {
		ab, ok := g.active[h]
		if !ok {
			continue
		}
		thread := ab.Block.Header.Slot.Thread
		if ab.Block.Header.Slot.After(g.latestFinal[thread].Slot) {
			ab.Status = StatusFinal
			g.latestFinal[thread] = finalMarker{Hash: h, Slot: ab.Block.Header.Slot}
		}
	}
	return discarded
}

// bestCliqueIndex returns the index of the clique with the most members,
// and whether that maximum is achieved uniquely.
func (g *Graph) bestCliqueIndex() (int, bool) {
	bestIdx, bestLen := -1, -1
	tie := false
	for idx, clique := range g.cliques {
		switch {
		case len(clique) > bestLen:
			bestIdx, bestLen = idx, len(clique)
			tie = false
		case len(clique) == bestLen:
			tie = true
		}
	}
	return bestIdx, !tie
}
