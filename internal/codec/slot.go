package codec

import (
	"encoding/binary"
	"fmt"
)

// SlotState is the head byte of a hash index slot.
type SlotState uint8

const (
	SlotEmpty    SlotState = 0
	SlotOccupied SlotState = 1
	SlotReleased SlotState = 2
)

const (
	// SlotBytes is the on-disk size of an index slot: state(1) + key(16) +
	// item-index(12, segment# 4 + offset 8).
	SlotBytes = 1 + KeyBytes + 4 + 8

	// BucketBytes is the fixed size of one hash index bucket.
	BucketBytes = 4096

	// SlotsPerBucket is how many SlotBytes-sized slots fit in one bucket.
	SlotsPerBucket = BucketBytes / SlotBytes
)

// ItemLocation is the (segment#, offset) pair a hash index slot maps a key
// to. The offset is 8 bytes wide in the index, independent of the 4-byte
// in-log offset carried by OpItem (see OpItemBytes).
type ItemLocation struct {
	Segment uint32
	Offset  uint64
}

// Slot is the decoded form of one 29-byte index slot.
type Slot struct {
	State SlotState
	Key   Key
	Item  ItemLocation
}

// Encode writes the slot's 29-byte representation into dst.
func (s Slot) Encode(dst []byte) {
	_ = dst[SlotBytes-1]
	dst[0] = byte(s.State)
	copy(dst[1:1+KeyBytes], s.Key[:])
	off := 1 + KeyBytes
	binary.BigEndian.PutUint32(dst[off:off+4], s.Item.Segment)
	binary.BigEndian.PutUint64(dst[off+4:off+12], s.Item.Offset)
}

// DecodeSlot parses a 29-byte buffer into a Slot.
func DecodeSlot(src []byte) (Slot, error) {
	if len(src) < SlotBytes {
		return Slot{}, fmt.Errorf("codec: slot buffer too short: got %d want %d", len(src), SlotBytes)
	}
	var s Slot
	s.State = SlotState(src[0])
	copy(s.Key[:], src[1:1+KeyBytes])
	off := 1 + KeyBytes
	s.Item.Segment = binary.BigEndian.Uint32(src[off : off+4])
	s.Item.Offset = binary.BigEndian.Uint64(src[off+4 : off+12])
	return s, nil
}
