// Package vm exposes execution as a capability interface only: the
// consensus core calls into it to report finality and the best clique
// (UpdateBlockcliqueStatus); the interface also offers balance, read-only
// call and active-roll queries, which the consensus core does not call. It
// never implements the virtual machine itself, per the "Execution/VM...
// consumed as capabilities" split between this repository and the
// execution worker it talks to.
package vm

import "github.com/tolelom/tolconsensus/model"

// Address identifies an account the execution worker tracks balances,
// rolls and datastore entries for.
type Address string

// ReadOnlyCall describes a read-only smart-contract invocation: it must
// not cause any state mutation visible to consensus.
type ReadOnlyCall struct {
	Caller Address
	Target Address
	Func   string
	Param  []byte
}

// ExecutionOutput summarises the effects of a read-only call.
type ExecutionOutput struct {
	ReturnValue []byte
	GasCost     uint64
}

// Controller is the interface the consensus worker holds to the execution
// subsystem. Only the operations the consensus core actually needs are
// listed; everything else (SC output events, address info batches) belongs
// to the execution worker's own API surface, not to consensus.
type Controller interface {
	// UpdateBlockcliqueStatus notifies the execution worker of newly
	// finalized blocks and the current best clique, keyed by slot.
	UpdateBlockcliqueStatus(finalized, blockclique map[model.Slot]model.Hash)

	// FinalAndCandidateBalance returns the final and candidate (active)
	// balance for addr, or (nil, nil) for either half that is unknown.
	FinalAndCandidateBalance(addr Address) (final, candidate *uint64)

	// CycleActiveRolls returns the roll counts the selector should have
	// taken into account for cycle (the roll_counts snapshot three cycles
	// back). The no-op Controller always returns an empty map.
	CycleActiveRolls(cycle uint64) map[Address]uint64

	// ExecuteReadOnly runs req without touching consensus-visible state.
	ExecuteReadOnly(req ReadOnlyCall) (ExecutionOutput, error)
}

// Manager stops the execution subsystem's background work.
type Manager interface {
	Stop()
}

// Noop is the default Controller: every query answers "nothing known yet",
// which is correct behavior for a node that has not wired in a real
// execution worker. The consensus core only ever needs this capability
// set; it must keep working with Noop installed.
type Noop struct{}

var _ Controller = Noop{}

func (Noop) UpdateBlockcliqueStatus(map[model.Slot]model.Hash, map[model.Slot]model.Hash) {}

func (Noop) FinalAndCandidateBalance(Address) (*uint64, *uint64) { return nil, nil }

func (Noop) CycleActiveRolls(uint64) map[Address]uint64 { return map[Address]uint64{} }

func (Noop) ExecuteReadOnly(ReadOnlyCall) (ExecutionOutput, error) {
	return ExecutionOutput{}, nil
}

// NoopManager is the default Manager paired with Noop: there is no
// background work to stop.
type NoopManager struct{}

var _ Manager = NoopManager{}

func (NoopManager) Stop() {}
