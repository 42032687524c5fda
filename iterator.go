package waddlekv

import "waddlekv/internal/codec"

// KeyIterator walks a point-in-time snapshot of every key present in the
// index when IterateKeys was called. Keys added, updated, or removed
// afterward are not reflected — iteration never blocks writers and never
// observes a half-applied mutation.
type KeyIterator struct {
	keys []codec.Key
	pos  int
}

// IterateKeys snapshots the current key set and returns an iterator over
// it.
func (s *Store) IterateKeys() *KeyIterator {
	keys, err := s.index.Keys()
	if err != nil {
		keys = nil
	}
	return &KeyIterator{keys: keys}
}

// Next returns the next key in the snapshot, or ok=false once exhausted.
func (it *KeyIterator) Next() (key [16]byte, ok bool) {
	if it.pos >= len(it.keys) {
		return [16]byte{}, false
	}
	k := it.keys[it.pos]
	it.pos++
	return [16]byte(k), true
}

// Remaining reports how many keys are left to iterate.
func (it *KeyIterator) Remaining() int {
	if it.pos >= len(it.keys) {
		return 0
	}
	return len(it.keys) - it.pos
}
