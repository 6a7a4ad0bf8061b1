package bootstrap

import (
	"encoding/binary"
	"fmt"
)

// putUvarint appends v to buf as a u64 var-int, matching the wire format's
// "u64-varint" fields.
func putUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// readUvarint reads one u64 var-int from the front of data and returns the
// value plus the remaining, unconsumed bytes.
func readUvarint(data []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, nil, fmt.Errorf("bootstrap: truncated var-int")
	}
	return v, data[n:], nil
}

// readBytes reads exactly n bytes off the front of data.
func readBytes(data []byte, n uint64) ([]byte, []byte, error) {
	if uint64(len(data)) < n {
		return nil, nil, fmt.Errorf("bootstrap: truncated field, need %d bytes, have %d", n, len(data))
	}
	return data[:n], data[n:], nil
}
