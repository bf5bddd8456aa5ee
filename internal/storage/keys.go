package storage

import (
	"encoding/binary"
	"fmt"
)

// Separator delimits key segments. It sorts after every byte that appears in
// identifiers, so prefix scans over (scope, user) and (room) stay contiguous.
const Separator byte = 0xff

// JoinKey concatenates the parts with the separator between them.
func JoinKey(parts ...[]byte) []byte {
	size := 0
	for _, part := range parts {
		size += len(part) + 1
	}
	key := make([]byte, 0, size)
	for i, part := range parts {
		if i > 0 {
			key = append(key, Separator)
		}
		key = append(key, part...)
	}
	return key
}

// EncodeCount renders a global counter as fixed-width big-endian bytes so that
// bytewise key ordering matches numeric ordering.
func EncodeCount(count uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, count)
	return buf
}

// DecodeCount parses a fixed-width big-endian counter.
func DecodeCount(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("counter must be 8 bytes, got %d", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// prefixUpperBound returns the smallest key greater than every key carrying
// the prefix, or nil when no such key exists (prefix is all 0xff).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
