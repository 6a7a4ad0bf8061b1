// Package bootstrap implements the PoS final-state streaming wire format:
// a pagination cursor plus two chunk encodings (cycle-history,
// deferred-credits) a bootstrapped node pulls in bounded pieces instead
// of downloading the whole PoS state at once.
package bootstrap

import (
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

// CycleStepKind tags which of the three streaming states a
// CycleStreamingStep cursor is in.
type CycleStepKind uint8

const (
	// StepStarted is the initial cursor value, used only when launching
	// the stream.
	StepStarted CycleStepKind = iota
	// StepOngoing means the stream is still emitting complete cycles;
	// LastCycle names the most recently sent one.
	StepOngoing
	// StepFinished means the incomplete (in-progress) cycle has also been
	// streamed; there is nothing left to send.
	StepFinished
)

// CycleStreamingStep is the pagination cursor for cycle-history streaming,
// encoded on the wire as a var-int tag (0/1/2), with the Ongoing variant
// additionally carrying the last cycle number sent.
type CycleStreamingStep struct {
	Kind      CycleStepKind
	LastCycle uint64 // meaningful only when Kind == StepOngoing
}

// Started is the cursor a fresh bootstrap session begins with.
var Started = CycleStreamingStep{Kind: StepStarted}

// Finished is the terminal cursor: nothing more to stream.
var Finished = CycleStreamingStep{Kind: StepFinished}

// Ongoing builds a cursor pointing just past lastCycle.
func Ongoing(lastCycle uint64) CycleStreamingStep {
	return CycleStreamingStep{Kind: StepOngoing, LastCycle: lastCycle}
}

// EncodeCursor serializes step as the var-int tag, plus the cycle number
// when Ongoing.
func EncodeCursor(step CycleStreamingStep) []byte {
	var buf []byte
	switch step.Kind {
	case StepStarted:
		buf = putUvarint(buf, 0)
	case StepOngoing:
		buf = putUvarint(buf, 1)
		buf = putUvarint(buf, step.LastCycle)
	case StepFinished:
		buf = putUvarint(buf, 2)
	}
	return buf
}

// DecodeCursor parses a cursor previously produced by EncodeCursor. Any
// trailing bytes after the recognized fields are returned to the caller,
// matching the other chunk decoders' consume-exactly-what-you-wrote
// discipline.
func DecodeCursor(data []byte) (CycleStreamingStep, []byte, error) {
	tag, rest, err := readUvarint(data)
	if err != nil {
		return CycleStreamingStep{}, nil, fmt.Errorf("bootstrap: cursor tag: %w", err)
	}
	switch tag {
	case 0:
		return Started, rest, nil
	case 1:
		cycle, rest, err := readUvarint(rest)
		if err != nil {
			return CycleStreamingStep{}, nil, fmt.Errorf("bootstrap: cursor cycle: %w", err)
		}
		return Ongoing(cycle), rest, nil
	case 2:
		return Finished, rest, nil
	default:
		return CycleStreamingStep{}, nil, fmt.Errorf("bootstrap: unknown cursor tag %d", tag)
	}
}

// ErrOutdatedBootstrapCursor is returned when a peer presents an Ongoing
// cursor naming a cycle this node no longer has in its history: the peer
// must restart its bootstrap from Started.
var ErrOutdatedBootstrapCursor = errors.New("bootstrap: outdated cursor, cycle no longer in history")

// CompressChunk snappy-compresses a streamed chunk before it is handed to
// the transport.
func CompressChunk(chunk []byte) []byte {
	return snappy.Encode(nil, chunk)
}

// DecompressChunk reverses CompressChunk on the receiving side.
func DecompressChunk(compressed []byte) ([]byte, error) {
	chunk, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: snappy decode: %w", err)
	}
	return chunk, nil
}
