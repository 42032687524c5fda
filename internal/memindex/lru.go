package memindex

import (
	"container/list"
	"sync"

	"waddlekv/internal/codec"
	"waddlekv/internal/hashindex"
)

// LengthResolver recovers the byte length of a value record given the
// segment and in-segment offset it was written at. The hash index's slot
// format only stores (segment#, offset) — not length — so a cache miss that
// falls through to the spill file must ask the journal store's segment
// registry to read the record's own length prefix. This is the narrow
// capability the coordinator hands the LRU index, the same pattern used to
// break the writer/coordinator cycle.
type LengthResolver func(segment uint32, offset uint32) (length uint32, err error)

type lruEntry struct {
	key  codec.Key
	item codec.OpItem
}

// lruIndex is a bounded, oldest-evicted-first in-memory cache in front of a
// file-backed hashindex.Index. The file-backed index is not itself
// concurrency-safe; lruIndex's single mutex is exactly the guard the design
// notes call for.
type lruIndex struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List // front = most recently used
	elems    map[codec.Key]*list.Element
	spill    *hashindex.Index
	resolve  LengthResolver
}

// NewLRU creates an LRU-cached index of the given in-RAM capacity, backed
// by a hashindex.Index opened at spillPath with the given bucket count.
func NewLRU(capacity int, spillPath string, buckets uint32, resolve LengthResolver) (Index, error) {
	spill, err := hashindex.Open(spillPath, buckets)
	if err != nil {
		return nil, err
	}
	return &lruIndex{
		capacity: capacity,
		ll:       list.New(),
		elems:    make(map[codec.Key]*list.Element),
		spill:    spill,
		resolve:  resolve,
	}, nil
}

func (c *lruIndex) touch(el *list.Element) {
	c.ll.MoveToFront(el)
}

func (c *lruIndex) Get(key codec.Key) (codec.OpItem, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.elems[key]; ok {
		c.touch(el)
		return el.Value.(*lruEntry).item, true, nil
	}

	loc, err := c.spill.Get(key)
	if err == hashindex.ErrNotFound {
		return codec.OpItem{}, false, nil
	}
	if err != nil {
		return codec.OpItem{}, false, err
	}

	length, err := c.resolve(loc.Segment, uint32(loc.Offset))
	if err != nil {
		return codec.OpItem{}, false, err
	}
	item := codec.OpItem{Op: codec.OpAdd, Key: key, Segment: loc.Segment, Offset: uint32(loc.Offset), Length: length}

	// Promote into the cache: a spilled key that's being read is hot again.
	if _, err := c.spill.Remove(key); err != nil && err != hashindex.ErrNotFound {
		return codec.OpItem{}, false, err
	}
	c.insertLocked(key, item)
	return item, true, nil
}

func (c *lruIndex) Put(key codec.Key, item codec.OpItem) (codec.OpItem, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.elems[key]; ok {
		prev := el.Value.(*lruEntry).item
		el.Value.(*lruEntry).item = item
		c.touch(el)
		return prev, true, nil
	}

	loc, err := c.spill.Get(key)
	hadPrev := false
	var prev codec.OpItem
	if err == nil {
		hadPrev = true
		length, rerr := c.resolve(loc.Segment, uint32(loc.Offset))
		if rerr == nil {
			prev = codec.OpItem{Op: codec.OpAdd, Key: key, Segment: loc.Segment, Offset: uint32(loc.Offset), Length: length}
		}
		if _, err := c.spill.Remove(key); err != nil && err != hashindex.ErrNotFound {
			return codec.OpItem{}, false, err
		}
	} else if err != hashindex.ErrNotFound {
		return codec.OpItem{}, false, err
	}

	if err := c.insertLocked(key, item); err != nil {
		return codec.OpItem{}, false, err
	}
	return prev, hadPrev, nil
}

// insertLocked adds key/item to the front of the cache, evicting the
// coldest entry to the spill file if capacity is exceeded. Caller holds mu.
func (c *lruIndex) insertLocked(key codec.Key, item codec.OpItem) error {
	el := c.ll.PushFront(&lruEntry{key: key, item: item})
	c.elems[key] = el

	if c.capacity <= 0 || c.ll.Len() <= c.capacity {
		return nil
	}

	back := c.ll.Back()
	cold := back.Value.(*lruEntry)
	c.ll.Remove(back)
	delete(c.elems, cold.key)

	_, _, err := c.spill.Put(cold.key, codec.ItemLocation{Segment: cold.item.Segment, Offset: uint64(cold.item.Offset)})
	return err
}

func (c *lruIndex) Remove(key codec.Key) (codec.OpItem, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.elems[key]; ok {
		it := el.Value.(*lruEntry).item
		c.ll.Remove(el)
		delete(c.elems, key)
		return it, true, nil
	}

	loc, err := c.spill.Remove(key)
	if err == hashindex.ErrNotFound {
		return codec.OpItem{}, false, nil
	}
	if err != nil {
		return codec.OpItem{}, false, err
	}
	length, err := c.resolve(loc.Segment, uint32(loc.Offset))
	if err != nil {
		return codec.OpItem{}, false, err
	}
	return codec.OpItem{Op: codec.OpAdd, Key: key, Segment: loc.Segment, Offset: uint32(loc.Offset), Length: length}, true, nil
}

func (c *lruIndex) PutAll(items map[codec.Key]codec.OpItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range items {
		if err := c.insertLocked(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *lruIndex) Keys() ([]codec.Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]codec.Key, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*lruEntry).key)
	}
	spillKeys, err := c.spill.Keys()
	if err != nil {
		return nil, err
	}
	keys = append(keys, spillKeys...)
	return keys, nil
}

func (c *lruIndex) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len() + int(countKeys(c.spill))
}

func countKeys(ix *hashindex.Index) int {
	keys, err := ix.Keys()
	if err != nil {
		return 0
	}
	return len(keys)
}

func (c *lruIndex) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spill.Close()
}
