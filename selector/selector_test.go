package selector

import (
	"testing"

	"github.com/tolelom/tolconsensus/model"
)

func TestDrawIsDeterministic(t *testing.T) {
	seed := []byte("test-seed")
	weights := []uint64{10, 20, 30}

	s1, err := New(seed, 2, weights)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := New(seed, 2, weights)
	if err != nil {
		t.Fatal(err)
	}

	for period := uint64(0); period < 10000; period++ {
		slot := model.Slot{Period: period, Thread: uint8(period % 2)}
		if s1.Draw(slot) != s2.Draw(slot) {
			t.Fatalf("draws diverged at slot %s", slot)
		}
	}
}

func TestDrawStaysWithinParticipantRange(t *testing.T) {
	s, err := New([]byte("seed"), 2, []uint64{1, 1, 1, 1})
	if err != nil {
		t.Fatal(err)
	}
	for period := uint64(0); period < 500; period++ {
		idx := s.Draw(model.Slot{Period: period, Thread: 0})
		if idx < 0 || idx >= s.ParticipantCount() {
			t.Fatalf("draw %d out of range [0,%d)", idx, s.ParticipantCount())
		}
	}
}

func TestDrawDifferentSeedsDiverge(t *testing.T) {
	weights := []uint64{5, 5}
	s1, err := New([]byte("seed-a"), 2, weights)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := New([]byte("seed-b"), 2, weights)
	if err != nil {
		t.Fatal(err)
	}

	diverged := false
	for period := uint64(0); period < 200; period++ {
		slot := model.Slot{Period: period, Thread: 0}
		if s1.Draw(slot) != s2.Draw(slot) {
			diverged = true
			break
		}
	}
	if !diverged {
		t.Error("expected different seeds to produce different draws somewhere in range")
	}
}

func TestNewRejectsEmptyWeights(t *testing.T) {
	if _, err := New([]byte("seed"), 2, nil); err == nil {
		t.Error("empty weights should be rejected")
	}
}

func TestNewRejectsZeroTotalWeight(t *testing.T) {
	if _, err := New([]byte("seed"), 2, []uint64{0, 0}); err == nil {
		t.Error("all-zero weights should be rejected")
	}
}
