package consensus

import (
	"github.com/tolelom/tolconsensus/config"
	"github.com/tolelom/tolconsensus/model"
)

// ActiveBlockStatus is the lifecycle tag attached to every block the graph
// has admitted.
type ActiveBlockStatus int

const (
	StatusActive ActiveBlockStatus = iota
	StatusFinal
	StatusDiscarded
)

func (s ActiveBlockStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusFinal:
		return "final"
	case StatusDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// BlockGraphExport is the immutable snapshot returned by GetBlockGraphStatus:
// enough metadata to inspect graph shape without exposing internal mutexes
// or owning references.
type BlockGraphExport struct {
	ActiveBlocks         map[model.Hash]ActiveBlockStatus
	Cliques              [][]model.Hash
	LatestFinalPerThread []model.Slot // index == thread
}

// SlotDraw pairs a slot with the public key selected to produce it, the
// shape GetSelectionDraws replies with.
type SlotDraw struct {
	Slot      model.Slot
	PublicKey string
}

// ControlCommand is the sealed set of requests the controller may send into
// the worker loop, each carrying its own one-shot reply channel so
// request/response pairing survives interleaving with other sources.
type ControlCommand interface {
	isControlCommand()
}

// GetBlockGraphStatusCmd asks for a snapshot of graph metadata.
type GetBlockGraphStatusCmd struct {
	Reply chan<- BlockGraphExport
}

func (GetBlockGraphStatusCmd) isControlCommand() {}

// GetActiveBlockCmd asks for a specific admitted block by hash.
type GetActiveBlockCmd struct {
	Hash  model.Hash
	Reply chan<- *model.Block
}

func (GetActiveBlockCmd) isControlCommand() {}

// GetSelectionDrawsCmd enumerates the creator for every slot in [Start, End).
// A clock failure mid-enumeration aborts with Err populated on the reply.
type GetSelectionDrawsCmd struct {
	Start, End model.Slot
	Reply      chan<- GetSelectionDrawsReply
}

func (GetSelectionDrawsCmd) isControlCommand() {}

// GetSelectionDrawsReply carries either the enumerated draws or the clock
// error that aborted enumeration.
type GetSelectionDrawsReply struct {
	Draws []SlotDraw
	Err   error
}

// resolveCreator returns the public key credited with producing slot: the
// genesis key for period 0 (the only slot with no real creator), otherwise
// config.Nodes[draw].PublicKey.
func resolveCreator(cfg *config.Config, slot model.Slot, draw int) string {
	if slot.Period == 0 {
		return cfg.GenesisPublicKey
	}
	return cfg.Nodes[draw].PublicKey
}
