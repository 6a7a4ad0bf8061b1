// Package timeslot converts between wall-clock time and the (period, thread)
// slot coordinates used by the rest of the consensus core. All functions are
// pure and parameterised by (thread count, slot duration, genesis timestamp)
// so they can be tested without a real clock.
package timeslot

import (
	"fmt"
	"time"

	"github.com/tolelom/tolconsensus/model"
)

// TimeError is returned when a slot/time conversion overflows or is
// otherwise not representable.
type TimeError struct {
	Op  string
	Err error
}

func (e *TimeError) Error() string { return fmt.Sprintf("timeslot: %s: %v", e.Op, e.Err) }
func (e *TimeError) Unwrap() error { return e.Err }

func timeErr(op string, err error) error { return &TimeError{Op: op, Err: err} }

// Clock translates between wall time and slot coordinates for a fixed
// (thread count, slot duration, genesis timestamp) configuration.
type Clock struct {
	ThreadCount uint8
	SlotPeriod  time.Duration // t0: duration of one full period across all threads
	Genesis     time.Time
}

// NewClock validates its parameters and returns a ready Clock.
func NewClock(threadCount uint8, slotPeriod time.Duration, genesis time.Time) (*Clock, error) {
	if threadCount == 0 {
		return nil, timeErr("new_clock", fmt.Errorf("thread count must be > 0"))
	}
	if slotPeriod <= 0 {
		return nil, timeErr("new_clock", fmt.Errorf("slot period must be > 0"))
	}
	return &Clock{ThreadCount: threadCount, SlotPeriod: slotPeriod, Genesis: genesis}, nil
}

// tickDuration is the wall-clock span of a single (period, thread) slot:
// t0 / T.
func (c *Clock) tickDuration() time.Duration {
	return c.SlotPeriod / time.Duration(c.ThreadCount)
}

// Timestamp returns the wall-clock instant at which s begins:
// G + (period*T + thread) * (t0/T).
func (c *Clock) Timestamp(s model.Slot) (time.Time, error) {
	index := s.Period*uint64(c.ThreadCount) + uint64(s.Thread)
	tick := c.tickDuration()
	offset := tick * time.Duration(index)
	if index != 0 && offset/time.Duration(index) != tick {
		return time.Time{}, timeErr("timestamp", fmt.Errorf("slot %s overflows duration arithmetic", s))
	}
	return c.Genesis.Add(offset), nil
}

// LatestSlot returns the greatest slot s with Timestamp(s) <= now, or
// (nil, nil) if now is before genesis.
func (c *Clock) LatestSlot(now time.Time) (*model.Slot, error) {
	if now.Before(c.Genesis) {
		return nil, nil
	}
	elapsed := now.Sub(c.Genesis)
	tick := c.tickDuration()
	index := uint64(elapsed / tick)
	slot := model.Slot{
		Period: index / uint64(c.ThreadCount),
		Thread: uint8(index % uint64(c.ThreadCount)),
	}
	return &slot, nil
}

// NextSlot returns the slot immediately following s in this clock's thread
// lattice.
func (c *Clock) NextSlot(s model.Slot) (model.Slot, error) {
	next, err := s.Next(c.ThreadCount)
	if err != nil {
		return model.Slot{}, timeErr("next_slot", err)
	}
	return next, nil
}

// CurrentSlot computes the slot the worker should next tick for: the slot
// right after the latest one that has already elapsed, or (0,0) pre-genesis.
func (c *Clock) CurrentSlot(now time.Time) (model.Slot, error) {
	latest, err := c.LatestSlot(now)
	if err != nil {
		return model.Slot{}, err
	}
	if latest == nil {
		return model.Slot{Period: 0, Thread: 0}, nil
	}
	return c.NextSlot(*latest)
}

// CountSlots returns the number of slots in [start, end) under this clock's
// thread lattice, used to size GetSelectionDraws enumerations.
func CountSlots(threadCount uint8, start, end model.Slot) uint64 {
	toIndex := func(s model.Slot) uint64 { return s.Period*uint64(threadCount) + uint64(s.Thread) }
	a, b := toIndex(start), toIndex(end)
	if b <= a {
		return 0
	}
	return b - a
}
