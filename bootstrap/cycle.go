package bootstrap

import (
	"fmt"
)

// Address identifies a staking participant in the PoS final-state tables.
// It is kept as an opaque hex string here since bootstrap streaming never
// needs to do anything with an address beyond copying it across the wire.
type Address string

// addressSize is the fixed on-wire width of an Address, matching the
// fixed-width account identifiers the rest of the wire formats assume.
const addressSize = 32

func encodeAddress(buf []byte, addr Address) ([]byte, error) {
	if len(addr) != addressSize {
		return nil, fmt.Errorf("bootstrap: address must be %d bytes, got %d", addressSize, len(addr))
	}
	return append(buf, addr...), nil
}

func decodeAddress(data []byte) (Address, []byte, error) {
	raw, rest, err := readBytes(data, addressSize)
	if err != nil {
		return "", nil, fmt.Errorf("bootstrap: address: %w", err)
	}
	return Address(raw), rest, nil
}

// BitVec is a packed bit-vector, the wire shape of a cycle's rng_seed: a
// var-int bit count followed by ceil(bits/8) packed bytes, MSB-first
// within each byte.
type BitVec struct {
	Bits  uint64
	Bytes []byte
}

func (b BitVec) byteLen() int { return int((b.Bits + 7) / 8) }

func encodeBitVec(buf []byte, b BitVec) []byte {
	buf = putUvarint(buf, b.Bits)
	return append(buf, b.Bytes[:b.byteLen()]...)
}

func decodeBitVec(data []byte) (BitVec, []byte, error) {
	bits, rest, err := readUvarint(data)
	if err != nil {
		return BitVec{}, nil, fmt.Errorf("bootstrap: bitvec length: %w", err)
	}
	n := (bits + 7) / 8
	raw, rest, err := readBytes(rest, n)
	if err != nil {
		return BitVec{}, nil, fmt.Errorf("bootstrap: bitvec bytes: %w", err)
	}
	return BitVec{Bits: bits, Bytes: append([]byte(nil), raw...)}, rest, nil
}

// ProductionStats counts how many blocks an address produced successfully
// versus missed during a cycle.
type ProductionStats struct {
	Success uint64
	Failure uint64
}

// CycleInfo is one entry of the PoS cycle_history: the roll distribution,
// RNG seed bits and per-address production record accumulated over one
// cycle.
type CycleInfo struct {
	Cycle           uint64
	Complete        bool
	RollCounts      map[Address]uint64
	RNGSeed         BitVec
	ProductionStats map[Address]ProductionStats
}

func encodeCycleInfo(info CycleInfo) []byte {
	var part []byte
	part = putUvarint(part, info.Cycle)
	if info.Complete {
		part = append(part, 1)
	} else {
		part = append(part, 0)
	}

	part = putUvarint(part, uint64(len(info.RollCounts)))
	for addr, count := range info.RollCounts {
		part, _ = encodeAddress(part, addr)
		part = putUvarint(part, count)
	}

	part = encodeBitVec(part, info.RNGSeed)

	part = putUvarint(part, uint64(len(info.ProductionStats)))
	for addr, stats := range info.ProductionStats {
		part, _ = encodeAddress(part, addr)
		part = putUvarint(part, stats.Success)
		part = putUvarint(part, stats.Failure)
	}
	return part
}

func decodeCycleInfo(part []byte) (CycleInfo, error) {
	cycle, rest, err := readUvarint(part)
	if err != nil {
		return CycleInfo{}, fmt.Errorf("bootstrap: cycle: %w", err)
	}
	completeByte, rest, err := readBytes(rest, 1)
	if err != nil {
		return CycleInfo{}, fmt.Errorf("bootstrap: complete flag: %w", err)
	}
	complete := completeByte[0] != 0

	rollLen, rest, err := readUvarint(rest)
	if err != nil {
		return CycleInfo{}, fmt.Errorf("bootstrap: roll_counts length: %w", err)
	}
	rollCounts := make(map[Address]uint64, rollLen)
	for i := uint64(0); i < rollLen; i++ {
		var addr Address
		var count uint64
		addr, rest, err = decodeAddress(rest)
		if err != nil {
			return CycleInfo{}, err
		}
		count, rest, err = readUvarint(rest)
		if err != nil {
			return CycleInfo{}, fmt.Errorf("bootstrap: roll count: %w", err)
		}
		rollCounts[addr] = count
	}

	seed, rest, err := decodeBitVec(rest)
	if err != nil {
		return CycleInfo{}, err
	}

	statsLen, rest, err := readUvarint(rest)
	if err != nil {
		return CycleInfo{}, fmt.Errorf("bootstrap: production_stats length: %w", err)
	}
	stats := make(map[Address]ProductionStats, statsLen)
	for i := uint64(0); i < statsLen; i++ {
		var addr Address
		addr, rest, err = decodeAddress(rest)
		if err != nil {
			return CycleInfo{}, err
		}
		var success, failure uint64
		success, rest, err = readUvarint(rest)
		if err != nil {
			return CycleInfo{}, fmt.Errorf("bootstrap: success count: %w", err)
		}
		failure, rest, err = readUvarint(rest)
		if err != nil {
			return CycleInfo{}, fmt.Errorf("bootstrap: failure count: %w", err)
		}
		stats[addr] = ProductionStats{Success: success, Failure: failure}
	}

	if len(rest) != 0 {
		return CycleInfo{}, fmt.Errorf("bootstrap: %d bytes left after decoding cycle_history part", len(rest))
	}

	return CycleInfo{
		Cycle:           cycle,
		Complete:        complete,
		RollCounts:      rollCounts,
		RNGSeed:         seed,
		ProductionStats: stats,
	}, nil
}
