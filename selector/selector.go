// Package selector implements the deterministic weighted staker draw: a
// pure function of (seed, participant weights, slot) that the consensus
// worker and the GetSelectionDraws command both rely on to agree on who
// is allowed to produce a given slot's block.
package selector

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tolelom/tolconsensus/model"
)

const drawCacheSize = 4096

// Selector draws a staker index for a slot. It is safe for concurrent use:
// Draw never mutates anything but the LRU cache, which is internally
// synchronised.
type Selector struct {
	seed        []byte
	threadCount uint8
	weights     []uint64
	cumulative  []uint64
	totalWeight uint64

	cache *lru.Cache
}

// New builds a Selector from a seed, the thread count and one weight per
// participant. Weights must be non-empty and sum to > 0.
func New(seed []byte, threadCount uint8, weights []uint64) (*Selector, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("selector: participant weights must not be empty")
	}
	cumulative := make([]uint64, len(weights))
	var total uint64
	for i, w := range weights {
		total += w
		cumulative[i] = total
	}
	if total == 0 {
		return nil, fmt.Errorf("selector: total weight must be > 0")
	}
	cache, err := lru.New(drawCacheSize)
	if err != nil {
		return nil, fmt.Errorf("selector: build draw cache: %w", err)
	}
	return &Selector{
		seed:        append([]byte(nil), seed...),
		threadCount: threadCount,
		weights:     append([]uint64(nil), weights...),
		cumulative:  cumulative,
		totalWeight: total,
		cache:       cache,
	}, nil
}

// Draw returns the participant index selected for slot. It is a pure
// function of (seed, weights, slot): re-running New with identical
// arguments and calling Draw with the same slot always returns the same
// index.
func (s *Selector) Draw(slot model.Slot) int {
	if v, ok := s.cache.Get(slot); ok {
		return v.(int)
	}
	idx := s.draw(slot)
	s.cache.Add(slot, idx)
	return idx
}

func (s *Selector) draw(slot model.Slot) int {
	h := sha256.New()
	h.Write(s.seed)
	var slotBuf [9]byte
	binary.BigEndian.PutUint64(slotBuf[:8], slot.Period)
	slotBuf[8] = slot.Thread
	h.Write(slotBuf[:])
	digest := h.Sum(nil)

	roll := new(big.Int).SetBytes(digest)
	modulus := new(big.Int).SetUint64(s.totalWeight)
	roll.Mod(roll, modulus)
	target := roll.Uint64()

	for i, cum := range s.cumulative {
		if target < cum {
			return i
		}
	}
	return len(s.cumulative) - 1
}

// ParticipantCount returns the number of weighted participants.
func (s *Selector) ParticipantCount() int { return len(s.weights) }
