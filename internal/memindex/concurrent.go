package memindex

import (
	"sync"

	"waddlekv/internal/codec"
)

// concurrentIndex is a thread-safe, fully in-RAM map[Key]OpItem, grounded on
// the teacher's ForwardIndex: a plain map guarded by one RWMutex.
type concurrentIndex struct {
	mu sync.RWMutex
	m  map[codec.Key]codec.OpItem
}

// NewConcurrent creates an all-in-RAM Index.
func NewConcurrent() Index {
	return &concurrentIndex{m: make(map[codec.Key]codec.OpItem)}
}

func (c *concurrentIndex) Get(key codec.Key) (codec.OpItem, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.m[key]
	return it, ok, nil
}

func (c *concurrentIndex) Put(key codec.Key, item codec.OpItem) (codec.OpItem, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, had := c.m[key]
	c.m[key] = item
	return prev, had, nil
}

func (c *concurrentIndex) Remove(key codec.Key) (codec.OpItem, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.m[key]
	if ok {
		delete(c.m, key)
	}
	return it, ok, nil
}

func (c *concurrentIndex) PutAll(items map[codec.Key]codec.OpItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range items {
		c.m[k] = v
	}
	return nil
}

func (c *concurrentIndex) Keys() ([]codec.Key, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]codec.Key, 0, len(c.m))
	for k := range c.m {
		keys = append(keys, k)
	}
	return keys, nil
}

func (c *concurrentIndex) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

func (c *concurrentIndex) Close() error {
	return nil
}
