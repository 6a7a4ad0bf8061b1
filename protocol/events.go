package protocol

import (
	"github.com/tolelom/tolconsensus/model"
)

// NodeID identifies a connected peer across the event/command contract.
type NodeID string

// ProtocolEvent is the sealed set of things the protocol layer reports up
// to the consensus worker.
type ProtocolEvent interface {
	isProtocolEvent()
}

// ReceivedBlockEvent carries a full block received from src.
type ReceivedBlockEvent struct {
	Src   NodeID
	Block *model.Block
}

func (ReceivedBlockEvent) isProtocolEvent() {}

// ReceivedBlockHeaderEvent carries a bare header+signature, ahead of the
// body, so the worker can cheaply check_header before asking for the rest.
type ReceivedBlockHeaderEvent struct {
	Src       NodeID
	Hash      model.Hash
	Signature string
	Header    model.BlockHeader
}

func (ReceivedBlockHeaderEvent) isProtocolEvent() {}

// ReceivedTransactionEvent carries an opaque transaction payload. The
// consensus worker currently ignores these (see worker.go).
type ReceivedTransactionEvent struct {
	Src NodeID
	Tx  []byte
}

func (ReceivedTransactionEvent) isProtocolEvent() {}

// AskedForBlockEvent reports that src requested the body of hash.
type AskedForBlockEvent struct {
	Src  NodeID
	Hash model.Hash
}

func (AskedForBlockEvent) isProtocolEvent() {}

// ProtocolCommand is the sealed set of outbound requests the consensus
// worker issues to the protocol layer.
type ProtocolCommand interface {
	isProtocolCommand()
}

// PropagateBlockHeaderCmd announces a newly active block to every peer.
type PropagateBlockHeaderCmd struct {
	Hash      model.Hash
	Signature string
	Header    model.BlockHeader
}

func (PropagateBlockHeaderCmd) isProtocolCommand() {}

// AskForBlockCmd requests the body of hash from a specific peer.
type AskForBlockCmd struct {
	Hash model.Hash
	To   NodeID
}

func (AskForBlockCmd) isProtocolCommand() {}

// SendBlockCmd pushes a full block to a specific peer, typically in
// response to AskedForBlockEvent.
type SendBlockCmd struct {
	Hash  model.Hash
	Block *model.Block
	To    NodeID
}

func (SendBlockCmd) isProtocolCommand() {}

// ProtocolCommandSender is the capability the consensus worker holds to
// push commands to the protocol layer. Modeled as an interface (operation
// set), per the "polymorphism points" the design calls for trait-object
// style capabilities rather than a type hierarchy.
type ProtocolCommandSender interface {
	SendCommand(cmd ProtocolCommand) error
}

// ProtocolEventReceiver is the capability the consensus worker holds to
// receive aggregated protocol events. A closed channel signals that the
// protocol layer is gone, which is fatal to the worker (see
// consensus.ErrUnexpectedProtocolClosure).
type ProtocolEventReceiver interface {
	Events() <-chan ProtocolEvent
}
