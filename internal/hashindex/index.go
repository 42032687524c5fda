// Package hashindex implements the durable, file-backed separate-chaining
// hash table described in the design: a fixed-size memory-mapped file of
// B buckets, each BucketBytes (4096) wide, holding SlotsPerBucket 29-byte
// slots scanned linearly within the bucket. Capacity is fixed at open time;
// the file is never grown. This package is NOT safe for concurrent use —
// callers (the LRU-spill in-memory index) must serialize access themselves,
// the same division of responsibility the design notes call for.
package hashindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/tysontate/gommap"
	"github.com/zeebo/blake3"

	"waddlekv/internal/codec"
)

// ErrBucketFull is returned by Put when a key's bucket has no EMPTY or
// RELEASED slot to place it in. This is a configuration error: the index
// file was sized too small for its key population.
var ErrBucketFull = errors.New("hashindex: bucket full")

// ErrNotFound is returned by Get and Remove when the key is not present.
var ErrNotFound = errors.New("hashindex: key not found")

// Index is a memory-mapped, fixed-capacity hash table mapping 16-byte keys
// to codec.ItemLocation values.
type Index struct {
	path    string
	file    *os.File
	mm      gommap.MMap
	buckets uint32
}

// Open opens or creates the index file at path with the given bucket count.
// A freshly created file is grown to its full size once, before mapping,
// since the mapping cannot be resized afterward.
func Open(path string, buckets uint32) (*Index, error) {
	if buckets == 0 {
		return nil, errors.New("hashindex: buckets must be > 0")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("hashindex: open %s: %w", path, err)
	}

	size := int64(buckets) * codec.BucketBytes
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("hashindex: grow %s to %d bytes: %w", path, size, err)
		}
	}

	mm, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("hashindex: mmap %s: %w", path, err)
	}

	return &Index{path: path, file: f, mm: mm, buckets: buckets}, nil
}

func (ix *Index) bucketID(key codec.Key) uint32 {
	h := blake3.New()
	h.Write(key[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint32(sum[:4]) % ix.buckets
}

func (ix *Index) slotOffset(bucket uint32, slot int) int64 {
	return int64(bucket)*codec.BucketBytes + int64(slot)*codec.SlotBytes
}

func (ix *Index) readSlot(off int64) (codec.Slot, error) {
	return codec.DecodeSlot(ix.mm[off : off+codec.SlotBytes])
}

func (ix *Index) writeSlot(off int64, s codec.Slot) {
	s.Encode(ix.mm[off : off+codec.SlotBytes])
}

// Put inserts or overwrites key -> item. It returns the previous item if the
// key was already occupying a slot, and reports whether a previous value
// existed.
func (ix *Index) Put(key codec.Key, item codec.ItemLocation) (prev codec.ItemLocation, hadPrev bool, err error) {
	bucket := ix.bucketID(key)
	firstReleased := -1

	for i := 0; i < codec.SlotsPerBucket; i++ {
		off := ix.slotOffset(bucket, i)
		slot, err := ix.readSlot(off)
		if err != nil {
			return codec.ItemLocation{}, false, err
		}

		switch slot.State {
		case codec.SlotEmpty:
			ix.writeSlot(off, codec.Slot{State: codec.SlotOccupied, Key: key, Item: item})
			return codec.ItemLocation{}, false, nil

		case codec.SlotOccupied:
			if slot.Key == key {
				ix.writeSlot(off, codec.Slot{State: codec.SlotOccupied, Key: key, Item: item})
				return slot.Item, true, nil
			}
			// occupied by a different key: keep scanning

		case codec.SlotReleased:
			if firstReleased < 0 {
				firstReleased = i
			}

		default:
			return codec.ItemLocation{}, false, fmt.Errorf("hashindex: unknown slot state %d at bucket %d slot %d", slot.State, bucket, i)
		}
	}

	if firstReleased >= 0 {
		off := ix.slotOffset(bucket, firstReleased)
		ix.writeSlot(off, codec.Slot{State: codec.SlotOccupied, Key: key, Item: item})
		return codec.ItemLocation{}, false, nil
	}

	return codec.ItemLocation{}, false, ErrBucketFull
}

// Get looks up key. A scan that encounters an EMPTY slot terminates
// immediately: Put never leaves an EMPTY slot before a live key, so no
// match can lie past one.
func (ix *Index) Get(key codec.Key) (codec.ItemLocation, error) {
	bucket := ix.bucketID(key)

	for i := 0; i < codec.SlotsPerBucket; i++ {
		off := ix.slotOffset(bucket, i)
		slot, err := ix.readSlot(off)
		if err != nil {
			return codec.ItemLocation{}, err
		}

		switch slot.State {
		case codec.SlotEmpty:
			return codec.ItemLocation{}, ErrNotFound
		case codec.SlotOccupied:
			if slot.Key == key {
				return slot.Item, nil
			}
		case codec.SlotReleased:
			// tombstone: does not terminate the scan
		default:
			return codec.ItemLocation{}, fmt.Errorf("hashindex: unknown slot state %d at bucket %d slot %d", slot.State, bucket, i)
		}
	}
	return codec.ItemLocation{}, ErrNotFound
}

// Remove deletes key, turning its slot into a tombstone. It returns the
// removed item and ErrNotFound if the key was absent.
func (ix *Index) Remove(key codec.Key) (codec.ItemLocation, error) {
	bucket := ix.bucketID(key)

	for i := 0; i < codec.SlotsPerBucket; i++ {
		off := ix.slotOffset(bucket, i)
		slot, err := ix.readSlot(off)
		if err != nil {
			return codec.ItemLocation{}, err
		}

		switch slot.State {
		case codec.SlotEmpty:
			return codec.ItemLocation{}, ErrNotFound
		case codec.SlotOccupied:
			if slot.Key == key {
				ix.mm[off] = byte(codec.SlotReleased)
				return slot.Item, nil
			}
		case codec.SlotReleased:
			// skip
		default:
			return codec.ItemLocation{}, fmt.Errorf("hashindex: unknown slot state %d at bucket %d slot %d", slot.State, bucket, i)
		}
	}
	return codec.ItemLocation{}, ErrNotFound
}

// Flush forces the mapping's dirty pages to disk.
func (ix *Index) Flush() error {
	return ix.mm.Sync(gommap.MS_SYNC)
}

// Close forces the mapping, unmaps it, and closes the underlying file. The
// mapping is explicitly unmapped before Close returns so platforms that
// hold file locks through an active mapping release them promptly.
func (ix *Index) Close() error {
	if err := ix.mm.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	if err := ix.mm.UnsafeUnmap(); err != nil {
		return err
	}
	return ix.file.Close()
}

// Buckets returns the configured bucket count.
func (ix *Index) Buckets() uint32 {
	return ix.buckets
}

// Keys returns every key currently occupying a slot. Used by the LRU-spill
// in-memory index to enumerate its cold entries.
func (ix *Index) Keys() ([]codec.Key, error) {
	var keys []codec.Key
	for b := uint32(0); b < ix.buckets; b++ {
		for i := 0; i < codec.SlotsPerBucket; i++ {
			off := ix.slotOffset(b, i)
			slot, err := ix.readSlot(off)
			if err != nil {
				return nil, err
			}
			if slot.State == codec.SlotOccupied {
				keys = append(keys, slot.Key)
			}
		}
	}
	return keys, nil
}
