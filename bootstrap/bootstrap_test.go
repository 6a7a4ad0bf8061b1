package bootstrap

import (
	"testing"

	"github.com/tolelom/tolconsensus/model"
)

func testAddress(b byte) Address {
	raw := make([]byte, addressSize)
	raw[0] = b
	return Address(raw)
}

func TestCursorRoundTrip(t *testing.T) {
	cases := []CycleStreamingStep{Started, Ongoing(0), Ongoing(42), Finished}
	for _, step := range cases {
		encoded := EncodeCursor(step)
		decoded, rest, err := DecodeCursor(encoded)
		if err != nil {
			t.Fatalf("DecodeCursor(%v): %v", step, err)
		}
		if len(rest) != 0 {
			t.Fatalf("DecodeCursor(%v): %d trailing bytes", step, len(rest))
		}
		if decoded != step {
			t.Fatalf("cursor round-trip mismatch: got %v, want %v", decoded, step)
		}
	}
}

func TestCompressChunkRoundTrip(t *testing.T) {
	chunk := []byte("some bootstrap bytes, repeated, repeated, repeated")
	compressed := CompressChunk(chunk)
	got, err := DecompressChunk(compressed)
	if err != nil {
		t.Fatalf("DecompressChunk: %v", err)
	}
	if string(got) != string(chunk) {
		t.Fatalf("compress round-trip mismatch: got %q, want %q", got, chunk)
	}
}

func TestCycleInfoEncodeDecodeRoundTrip(t *testing.T) {
	info := CycleInfo{
		Cycle:    7,
		Complete: true,
		RollCounts: map[Address]uint64{
			testAddress(1): 10,
			testAddress(2): 20,
		},
		RNGSeed: BitVec{Bits: 12, Bytes: []byte{0xAB, 0xF0}},
		ProductionStats: map[Address]ProductionStats{
			testAddress(1): {Success: 5, Failure: 1},
		},
	}

	encoded := encodeCycleInfo(info)
	decoded, err := decodeCycleInfo(encoded)
	if err != nil {
		t.Fatalf("decodeCycleInfo: %v", err)
	}

	if decoded.Cycle != info.Cycle || decoded.Complete != info.Complete {
		t.Fatalf("scalar fields mismatch: got %+v, want %+v", decoded, info)
	}
	if len(decoded.RollCounts) != len(info.RollCounts) {
		t.Fatalf("roll_counts length mismatch: got %d, want %d", len(decoded.RollCounts), len(info.RollCounts))
	}
	for addr, count := range info.RollCounts {
		if decoded.RollCounts[addr] != count {
			t.Fatalf("roll count for %q: got %d, want %d", addr, decoded.RollCounts[addr], count)
		}
	}
	if decoded.RNGSeed.Bits != info.RNGSeed.Bits {
		t.Fatalf("rng_seed bits mismatch: got %d, want %d", decoded.RNGSeed.Bits, info.RNGSeed.Bits)
	}
	reencoded := encodeCycleInfo(decoded)
	if len(reencoded) != len(encoded) {
		t.Fatalf("re-encoding is not stable: got %d bytes, want %d", len(reencoded), len(encoded))
	}
}

func TestGetCycleHistoryPartSkipsSafetyCycle(t *testing.T) {
	s := NewState()
	for cycle := uint64(0); cycle < 7; cycle++ {
		s.CycleHistory = append(s.CycleHistory, CycleInfo{
			Cycle:           cycle,
			RollCounts:      map[Address]uint64{},
			ProductionStats: map[Address]ProductionStats{},
		})
	}

	part, cursor, err := s.GetCycleHistoryPart(Started)
	if err != nil {
		t.Fatalf("GetCycleHistoryPart: %v", err)
	}
	info, err := decodeCycleInfo(part)
	if err != nil {
		t.Fatalf("decodeCycleInfo: %v", err)
	}
	if info.Cycle != 1 {
		t.Fatalf("expected safety cycle 0 to be skipped, got first streamed cycle %d", info.Cycle)
	}
	if cursor != Ongoing(1) {
		t.Fatalf("unexpected cursor after first chunk: %v", cursor)
	}
}

func TestCycleHistoryStreamRoundTrip(t *testing.T) {
	source := NewState()
	for cycle := uint64(0); cycle < 3; cycle++ {
		source.CycleHistory = append(source.CycleHistory, CycleInfo{
			Cycle:           cycle,
			RollCounts:      map[Address]uint64{testAddress(byte(cycle)): cycle + 1},
			ProductionStats: map[Address]ProductionStats{},
		})
	}

	dest := NewState()
	cursor := Started
	for {
		part, next, err := source.GetCycleHistoryPart(cursor)
		if err != nil {
			t.Fatalf("GetCycleHistoryPart: %v", err)
		}
		destCursor, err := dest.SetCycleHistoryPart(part)
		if err != nil {
			t.Fatalf("SetCycleHistoryPart: %v", err)
		}
		if next == Finished {
			if destCursor != Finished {
				t.Fatalf("dest cursor should reach Finished when source does")
			}
			break
		}
		cursor = next
	}

	if len(dest.CycleHistory) != len(source.CycleHistory) {
		t.Fatalf("streamed %d cycles, want %d", len(dest.CycleHistory), len(source.CycleHistory))
	}
	for i, info := range dest.CycleHistory {
		if info.Cycle != source.CycleHistory[i].Cycle {
			t.Fatalf("cycle[%d] = %d, want %d", i, info.Cycle, source.CycleHistory[i].Cycle)
		}
	}
}

func TestGetCycleHistoryPartOutdatedCursor(t *testing.T) {
	s := NewState()
	s.CycleHistory = append(s.CycleHistory, CycleInfo{Cycle: 5, RollCounts: map[Address]uint64{}, ProductionStats: map[Address]ProductionStats{}})

	_, _, err := s.GetCycleHistoryPart(Ongoing(2))
	if err != ErrOutdatedBootstrapCursor {
		t.Fatalf("expected ErrOutdatedBootstrapCursor, got %v", err)
	}
}

func TestDeferredCreditsStreamRoundTrip(t *testing.T) {
	source := NewState()
	slotA := model.Slot{Period: 1, Thread: 0}
	slotB := model.Slot{Period: 2, Thread: 1}
	source.DeferredCredits[slotA] = []DeferredCredit{{Address: testAddress(1), Amount: 100}}
	source.DeferredCredits[slotB] = []DeferredCredit{
		{Address: testAddress(2), Amount: 50},
		{Address: testAddress(3), Amount: 25},
	}

	dest := NewState()
	var cursor *model.Slot
	for {
		part, next := source.GetDeferredCreditsPart(cursor)
		if len(part) == 0 {
			break
		}
		if _, err := dest.SetDeferredCreditsPart(part); err != nil {
			t.Fatalf("SetDeferredCreditsPart: %v", err)
		}
		cursor = next
	}

	if len(dest.DeferredCredits) != 2 {
		t.Fatalf("streamed %d slots, want 2", len(dest.DeferredCredits))
	}
	if got := dest.DeferredCredits[slotA][0].Amount; got != 100 {
		t.Fatalf("slotA amount = %d, want 100", got)
	}
	if got := len(dest.DeferredCredits[slotB]); got != 2 {
		t.Fatalf("slotB entries = %d, want 2", got)
	}
}

func TestGetDeferredCreditsPartEmptyMeansDone(t *testing.T) {
	s := NewState()
	part, cursor := s.GetDeferredCreditsPart(nil)
	if part != nil || cursor != nil {
		t.Fatalf("expected empty state to yield no part and no cursor, got part=%v cursor=%v", part, cursor)
	}
}
