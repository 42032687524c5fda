// Package memindex provides the pluggable in-memory index: a single
// capability (get/put/remove/putAll/keys/size/close) with two
// implementations, a plain concurrent map and a bounded LRU that spills
// cold entries to a file-backed hashindex.Index. Callers depend on the
// Index interface, never on a concrete type, matching the design notes'
// "model capability, not inheritance" guidance.
package memindex

import "waddlekv/internal/codec"

// Index maps a 16-byte key to the OpItem describing its latest live ADD.
type Index interface {
	// Get returns the item for key, or ok=false if absent.
	Get(key codec.Key) (item codec.OpItem, ok bool, err error)

	// Put inserts or overwrites key's item, returning the previous item
	// if one existed.
	Put(key codec.Key, item codec.OpItem) (prev codec.OpItem, hadPrev bool, err error)

	// Remove deletes key's item, returning it if present.
	Remove(key codec.Key) (item codec.OpItem, ok bool, err error)

	// PutAll bulk-loads entries, as recovery does after replaying a
	// segment's log.
	PutAll(items map[codec.Key]codec.OpItem) error

	// Keys returns a snapshot of every key currently indexed.
	Keys() ([]codec.Key, error)

	// Size returns the number of indexed keys.
	Size() int

	Close() error
}
