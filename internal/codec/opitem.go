// Package codec implements the fixed-layout binary encodings used across the
// store: the 29-byte operation record written to segment log files, the
// 29-byte hash index slot, and the length-prefixed value record written to
// segment data files. All multi-byte fields are big-endian.
package codec

import (
	"encoding/binary"
	"fmt"
)

// Op identifies the kind of operation an OpItem records.
type Op uint8

const (
	OpAdd Op = 1
	OpDel Op = 2
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "ADD"
	case OpDel:
		return "DEL"
	default:
		return fmt.Sprintf("OP(%d)", uint8(o))
	}
}

const (
	// KeyBytes is the fixed length of a store key.
	KeyBytes = 16

	// OpItemBytes is the on-disk size of an OpItem: op(1) + key(16) +
	// segment#(4) + offset(4) + length(4). The offset is 4 bytes here
	// (not 8, unlike the hash index's item-index) so the record stays at
	// the 29 bytes the format calls for; FILE_SIZE bounds a segment's
	// data file well under 2^32 bytes, so a 32-bit in-segment offset
	// never truncates.
	OpItemBytes = 1 + KeyBytes + 4 + 4 + 4
)

// Key is a 16-byte opaque fingerprint.
type Key [KeyBytes]byte

// OpItem is the fixed 29-byte record appended to a segment's log file for
// every ADD or DEL.
type OpItem struct {
	Op      Op
	Key     Key
	Segment uint32
	Offset  uint32
	Length  uint32
}

// Encode writes the OpItem's 29-byte representation into dst, which must be
// at least OpItemBytes long.
func (it OpItem) Encode(dst []byte) {
	_ = dst[OpItemBytes-1]
	dst[0] = byte(it.Op)
	copy(dst[1:1+KeyBytes], it.Key[:])
	off := 1 + KeyBytes
	binary.BigEndian.PutUint32(dst[off:off+4], it.Segment)
	binary.BigEndian.PutUint32(dst[off+4:off+8], it.Offset)
	binary.BigEndian.PutUint32(dst[off+8:off+12], it.Length)
}

// Bytes returns the OpItem's 29-byte encoding as a freshly allocated slice.
func (it OpItem) Bytes() []byte {
	buf := make([]byte, OpItemBytes)
	it.Encode(buf)
	return buf
}

// DecodeOpItem parses a 29-byte buffer into an OpItem.
func DecodeOpItem(src []byte) (OpItem, error) {
	if len(src) < OpItemBytes {
		return OpItem{}, fmt.Errorf("codec: opitem buffer too short: got %d want %d", len(src), OpItemBytes)
	}
	var it OpItem
	it.Op = Op(src[0])
	copy(it.Key[:], src[1:1+KeyBytes])
	off := 1 + KeyBytes
	it.Segment = binary.BigEndian.Uint32(src[off : off+4])
	it.Offset = binary.BigEndian.Uint32(src[off+4 : off+8])
	it.Length = binary.BigEndian.Uint32(src[off+8 : off+12])
	return it, nil
}
