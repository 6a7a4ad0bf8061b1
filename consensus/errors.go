package consensus

import (
	"fmt"

	"github.com/tolelom/tolconsensus/model"
)

// AckErrorKind enumerates the BlockAcknowledgeError variants from the
// admission contract. Every kind except the "fatal" group routes control
// flow inside the admission cascade without unwinding the worker loop.
type AckErrorKind int

const (
	AlreadyAcknowledged AckErrorKind = iota
	AlreadyDiscarded
	WrongSignature
	InvalidFields
	DrawMismatch
	InvalidParents
	TooOld
	InTheFuture
	TooMuchInTheFuture
	MissingDependencies
	ContainerInconsistency
	CryptoErrorKind
	TimeErrorKind
	ConsensusErrorKind
)

func (k AckErrorKind) String() string {
	switch k {
	case AlreadyAcknowledged:
		return "AlreadyAcknowledged"
	case AlreadyDiscarded:
		return "AlreadyDiscarded"
	case WrongSignature:
		return "WrongSignature"
	case InvalidFields:
		return "InvalidFields"
	case DrawMismatch:
		return "DrawMismatch"
	case InvalidParents:
		return "InvalidParents"
	case TooOld:
		return "TooOld"
	case InTheFuture:
		return "InTheFuture"
	case TooMuchInTheFuture:
		return "TooMuchInTheFuture"
	case MissingDependencies:
		return "MissingDependencies"
	case ContainerInconsistency:
		return "ContainerInconsistency"
	case CryptoErrorKind:
		return "CryptoError"
	case TimeErrorKind:
		return "TimeError"
	case ConsensusErrorKind:
		return "ConsensusError"
	default:
		return "UnknownAckError"
	}
}

// Fatal reports whether this kind belongs to the fatal group that must
// propagate out of acknowledge_block rather than being handled by the
// cascade's routing logic.
func (k AckErrorKind) Fatal() bool {
	switch k {
	case ContainerInconsistency, CryptoErrorKind, TimeErrorKind, ConsensusErrorKind:
		return true
	default:
		return false
	}
}

// BlockAcknowledgeError is returned by Graph.AcknowledgeBlock. It carries
// enough payload for the cascade to route the block (to the future
// buffer, the dependency buffer, or cancellation) without re-inspecting
// the block.
type BlockAcknowledgeError struct {
	Kind    AckErrorKind
	Hash    model.Hash
	Missing []model.Hash // set for MissingDependencies
	Detail  string       // set for InvalidParents and similar detail-bearing kinds
	Err     error        // wrapped cause, set for the fatal kinds
}

func (e *BlockAcknowledgeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("consensus: %s for block %s: %s", e.Kind, e.Hash, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("consensus: %s for block %s: %v", e.Kind, e.Hash, e.Err)
	}
	return fmt.Sprintf("consensus: %s for block %s", e.Kind, e.Hash)
}

func (e *BlockAcknowledgeError) Unwrap() error { return e.Err }

// Is matches any *BlockAcknowledgeError of the same Kind, so
// errors.Is(err, &BlockAcknowledgeError{Kind: TooOld}) holds whatever the
// hash.
func (e *BlockAcknowledgeError) Is(target error) bool {
	other, ok := target.(*BlockAcknowledgeError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func ackErr(kind AckErrorKind, hash model.Hash) *BlockAcknowledgeError {
	return &BlockAcknowledgeError{Kind: kind, Hash: hash}
}

func ackErrDetail(kind AckErrorKind, hash model.Hash, detail string) *BlockAcknowledgeError {
	return &BlockAcknowledgeError{Kind: kind, Hash: hash, Detail: detail}
}

func ackErrMissing(hash model.Hash, missing []model.Hash) *BlockAcknowledgeError {
	return &BlockAcknowledgeError{Kind: MissingDependencies, Hash: hash, Missing: missing}
}

func ackErrFatal(kind AckErrorKind, hash model.Hash, err error) *BlockAcknowledgeError {
	return &BlockAcknowledgeError{Kind: kind, Hash: hash, Err: err}
}

// ConsensusErrorKind-level (worker-fatal) error, separate from the
// per-block BlockAcknowledgeError taxonomy: unwinds the worker loop and
// is returned from its shutdown future.
type ConsensusError struct {
	Kind AckErrorKind // one of CryptoErrorKind, TimeErrorKind, ContainerInconsistency, ConsensusErrorKind
	Op   string
	Err  error
}

func (e *ConsensusError) Error() string {
	return fmt.Sprintf("consensus: fatal %s during %s: %v", e.Kind, e.Op, e.Err)
}

func (e *ConsensusError) Unwrap() error { return e.Err }

func fatalErr(kind AckErrorKind, op string, err error) *ConsensusError {
	return &ConsensusError{Kind: kind, Op: op, Err: err}
}

// HeaderHashErrorKind marks a mismatch between a header's claimed hash and
// its recomputed hash, part of the ConsensusError fatal group.
const HeaderHashErrorKind = ConsensusErrorKind

// CommunicationError wraps channel-closure and framing failures at worker
// or peer boundaries. Worker-local occurrences are fatal; peer-local ones
// close only that connection.
type CommunicationError struct {
	Op  string
	Err error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("consensus: communication error during %s: %v", e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// ErrUnexpectedProtocolClosure is returned by the worker loop when the
// protocol event receiver is closed (channel yields no more events): the
// worker cannot function without protocol events, so this is fatal.
var ErrUnexpectedProtocolClosure = &CommunicationError{Op: "protocol event receive", Err: fmt.Errorf("protocol event channel closed unexpectedly")}

// SendChannelError marks a failed send to a caller-supplied reply channel:
// logged and otherwise ignored by the worker, since it indicates the
// caller already gave up waiting.
type SendChannelError struct {
	Op string
}

func (e *SendChannelError) Error() string {
	return fmt.Sprintf("consensus: reply channel send failed during %s (receiver gone)", e.Op)
}
