package bootstrap

import (
	"fmt"
	"sort"

	"github.com/tolelom/tolconsensus/model"
)

// firstCycleSafetyThreshold: once cycle_history holds at least this many
// entries the bootstrap safety cycle (the oldest one) is skipped rather
// than streamed. TODO: make this configurable.
const firstCycleSafetyThreshold = 6

// DeferredCredit is one (address, amount) entry scheduled to be paid out
// at a given slot.
type DeferredCredit struct {
	Address Address
	Amount  uint64
}

// State is the streamable slice of PoS final state: the cycle history
// (oldest first, newest at the back, matching a VecDeque) and the
// deferred-credits schedule, keyed by the slot the credit is due.
type State struct {
	CycleHistory    []CycleInfo
	DeferredCredits map[model.Slot][]DeferredCredit
}

// NewState builds an empty streamable PoS state.
func NewState() *State {
	return &State{DeferredCredits: make(map[model.Slot][]DeferredCredit)}
}

func (s *State) cycleIndex(cycle uint64) (int, bool) {
	for i, c := range s.CycleHistory {
		if c.Cycle == cycle {
			return i, true
		}
	}
	return 0, false
}

func (s *State) firstCycleIndex() int {
	if len(s.CycleHistory) >= firstCycleSafetyThreshold {
		return 1
	}
	return 0
}

// GetCycleHistoryPart returns the next chunk of cycle_history for cursor,
// and the cursor the caller should present on its next call. An empty
// part paired with Finished means there is nothing left to stream.
func (s *State) GetCycleHistoryPart(cursor CycleStreamingStep) ([]byte, CycleStreamingStep, error) {
	var index int
	switch cursor.Kind {
	case StepStarted:
		index = s.firstCycleIndex()
	case StepOngoing:
		idx, ok := s.cycleIndex(cursor.LastCycle)
		if !ok {
			return nil, CycleStreamingStep{}, ErrOutdatedBootstrapCursor
		}
		if idx == len(s.CycleHistory)-1 {
			return nil, Finished, nil
		}
		index = idx + 1
	case StepFinished:
		return nil, Finished, nil
	}

	if index >= len(s.CycleHistory) {
		return nil, Finished, nil
	}
	info := s.CycleHistory[index]
	return encodeCycleInfo(info), Ongoing(info.Cycle), nil
}

// SetCycleHistoryPart applies a chunk produced by GetCycleHistoryPart to
// this state: extends the newest entry if the incoming cycle matches it,
// otherwise appends a new one. An empty part means the stream is
// Finished.
func (s *State) SetCycleHistoryPart(part []byte) (CycleStreamingStep, error) {
	if len(part) == 0 {
		return Finished, nil
	}
	info, err := decodeCycleInfo(part)
	if err != nil {
		return CycleStreamingStep{}, err
	}

	if n := len(s.CycleHistory); n > 0 && s.CycleHistory[n-1].Cycle == info.Cycle {
		back := &s.CycleHistory[n-1]
		back.Complete = info.Complete
		for addr, count := range info.RollCounts {
			back.RollCounts[addr] = count
		}
		back.RNGSeed.Bytes = append(back.RNGSeed.Bytes, info.RNGSeed.Bytes...)
		back.RNGSeed.Bits += info.RNGSeed.Bits
		for addr, stats := range info.ProductionStats {
			back.ProductionStats[addr] = stats
		}
	} else {
		if n := len(s.CycleHistory); n > 0 {
			next := s.CycleHistory[n-1].Cycle + 1
			if info.Cycle != next {
				return CycleStreamingStep{}, fmt.Errorf(
					"bootstrap: received cycle %d, expected next cycle %d", info.Cycle, next)
			}
		}
		s.CycleHistory = append(s.CycleHistory, info)
	}

	return Ongoing(s.CycleHistory[len(s.CycleHistory)-1].Cycle), nil
}

func (s *State) sortedSlots() []model.Slot {
	slots := make([]model.Slot, 0, len(s.DeferredCredits))
	for slot := range s.DeferredCredits {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Before(slots[j]) })
	return slots
}

// GetDeferredCreditsPart returns every deferred-credit entry whose slot is
// strictly after cursor (or everything, if cursor is nil), and the slot
// of the last entry streamed. An empty part means there is nothing more
// to stream.
func (s *State) GetDeferredCreditsPart(cursor *model.Slot) ([]byte, *model.Slot) {
	var inRange []model.Slot
	for _, slot := range s.sortedSlots() {
		if cursor == nil || slot.After(*cursor) {
			inRange = append(inRange, slot)
		}
	}
	if len(inRange) == 0 {
		return nil, nil
	}

	var part []byte
	part = putUvarint(part, uint64(len(inRange)))
	for _, slot := range inRange {
		part = putUvarint(part, slot.Period)
		part = append(part, slot.Thread)
		credits := s.DeferredCredits[slot]
		part = putUvarint(part, uint64(len(credits)))
		for _, c := range credits {
			part, _ = encodeAddress(part, c.Address)
			part = putUvarint(part, c.Amount)
		}
	}
	last := inRange[len(inRange)-1]
	return part, &last
}

// SetDeferredCreditsPart merges a chunk produced by GetDeferredCreditsPart
// into this state and returns the slot of the last entry applied. An
// empty part leaves the state untouched and signals "no more credits".
func (s *State) SetDeferredCreditsPart(part []byte) (*model.Slot, error) {
	if len(part) == 0 {
		slots := s.sortedSlots()
		if len(slots) == 0 {
			return nil, nil
		}
		last := slots[len(slots)-1]
		return &last, nil
	}

	entriesLen, rest, err := readUvarint(part)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: deferred_credits length: %w", err)
	}
	var last model.Slot
	for i := uint64(0); i < entriesLen; i++ {
		period, r, err := readUvarint(rest)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: credit slot period: %w", err)
		}
		threadB, r, err := readBytes(r, 1)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: credit slot thread: %w", err)
		}
		slot := model.Slot{Period: period, Thread: threadB[0]}

		creditsLen, r, err := readUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: credits length: %w", err)
		}
		credits := make([]DeferredCredit, 0, creditsLen)
		for j := uint64(0); j < creditsLen; j++ {
			var addr Address
			addr, r, err = decodeAddress(r)
			if err != nil {
				return nil, err
			}
			var amount uint64
			amount, r, err = readUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("bootstrap: credit amount: %w", err)
			}
			credits = append(credits, DeferredCredit{Address: addr, Amount: amount})
		}

		s.DeferredCredits[slot] = append(s.DeferredCredits[slot], credits...)
		last = slot
		rest = r
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("bootstrap: %d bytes left after decoding deferred_credits part", len(rest))
	}
	return &last, nil
}
