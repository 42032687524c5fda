// Package pagedfile implements the paged record container (IPage in the
// design notes): an ordered list of fixed-capacity chunk files that together
// present one offset-addressable append log. Only the newest chunk accepts
// appends; get locates the owning chunk by binary search over per-chunk
// ranges. This is the same shape the retrieval pack's log-structured
// storage examples use for segment/chunk files, generalized here into a
// standalone container; it backs each segment's data store (see
// internal/segment).
package pagedfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
)

// MinChunkCapacity is the smallest configurable chunk capacity.
const MinChunkCapacity = 4096

// Container is a paged, offset-addressable record log backed by a directory
// of chunk files.
type Container struct {
	dir           string
	chunkCapacity int64

	mu     sync.RWMutex
	chunks []*chunk // sorted ascending by beginPosition; last is active
}

// Open opens or creates a container rooted at dir. chunkCapacity is rounded
// up to MinChunkCapacity.
func Open(dir string, chunkCapacity int64) (*Container, error) {
	if chunkCapacity < MinChunkCapacity {
		chunkCapacity = MinChunkCapacity
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("pagedfile: mkdir %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("pagedfile: read dir %s: %w", dir, err)
	}

	var positions []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		pos, err := strconv.ParseInt(filepath.Base(e.Name()), 10, 64)
		if err != nil {
			continue // not a chunk file
		}
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })

	c := &Container{dir: dir, chunkCapacity: chunkCapacity}

	for i, pos := range positions {
		ch, err := openChunk(dir, pos, chunkCapacity)
		if err != nil {
			c.closeAll()
			return nil, err
		}
		// Every non-last chunk on disk keeps the capacity implied by where
		// the next one begins (it may have been shrunk by a prior truncate).
		if i+1 < len(positions) {
			ch.capacity = positions[i+1] - pos
			ch.used = ch.capacity
		}
		c.chunks = append(c.chunks, ch)
	}

	if len(c.chunks) == 0 {
		first, err := openChunk(dir, 0, chunkCapacity)
		if err != nil {
			return nil, err
		}
		c.chunks = append(c.chunks, first)
	}

	return c, nil
}

func (c *Container) active() *chunk {
	return c.chunks[len(c.chunks)-1]
}

// Length returns the total number of logical record bytes appended to the
// container so far (the next Append's offset), independent of how many
// chunk files that spans.
func (c *Container) Length() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a := c.active()
	return a.beginPosition + a.used
}

// Append writes record to the active chunk, rolling to a new chunk first if
// it would not fit, and returns the container-wide absolute offset of the
// record's first byte.
func (c *Container) Append(record []byte) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	need := int64(len(record))
	active := c.active()

	if need > c.chunkCapacity {
		return 0, fmt.Errorf("pagedfile: record of %d bytes exceeds chunk capacity %d", need, c.chunkCapacity)
	}

	if active.remaining() < need {
		next, err := openChunk(c.dir, active.endPosition()+1, c.chunkCapacity)
		if err != nil {
			return 0, err
		}
		c.chunks = append(c.chunks, next)
		active = next
	}

	return active.writeAt(record)
}

// Get reads the length bytes at offset, locating the owning chunk by binary
// search over chunk ranges.
func (c *Container) Get(offset int64, length int) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.locate(offset)
	if !ok {
		return nil, fmt.Errorf("pagedfile: offset %d not contained in any chunk", offset)
	}
	return c.chunks[idx].readAt(offset, length)
}

// locate finds the index of the chunk whose range contains offset.
func (c *Container) locate(offset int64) (int, bool) {
	n := len(c.chunks)
	i := sort.Search(n, func(i int) bool {
		return c.chunks[i].beginPosition+c.chunks[i].capacity > offset
	})
	if i < n && c.chunks[i].beginPosition <= offset {
		return i, true
	}
	return 0, false
}

// Truncate drops every chunk strictly newer than the one containing offset,
// shrinks that chunk so offset becomes its next free byte, and opens a new
// active chunk immediately after the truncation point.
func (c *Container) Truncate(offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.locate(offset)
	if !ok {
		return fmt.Errorf("pagedfile: truncate offset %d not contained in any chunk", offset)
	}

	for i := idx + 1; i < len(c.chunks); i++ {
		if err := c.chunks[i].remove(); err != nil {
			return err
		}
	}
	c.chunks = c.chunks[:idx+1]

	if err := c.chunks[idx].truncateTo(offset); err != nil {
		return err
	}

	next, err := openChunk(c.dir, offset, c.chunkCapacity)
	if err != nil {
		return err
	}
	c.chunks = append(c.chunks, next)
	return nil
}

// Flush fsyncs every open chunk file.
func (c *Container) Flush() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.chunks {
		if err := ch.sync(); err != nil {
			return err
		}
	}
	return nil
}

// Iterate calls fn with the absolute begin offset and raw stored bytes of
// every chunk, in ascending order, for callers that scan the whole
// container's written region (e.g. hash index rebuild).
func (c *Container) Iterate(fn func(beginOffset int64, data []byte) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, ch := range c.chunks {
		if ch.used == 0 {
			continue
		}
		data, err := ch.readAt(ch.beginPosition, int(ch.used))
		if err != nil {
			return err
		}
		if err := fn(ch.beginPosition, data); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) closeAll() {
	for _, ch := range c.chunks {
		ch.close()
	}
}

// Close flushes and closes every chunk file.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, ch := range c.chunks {
		if err := ch.sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := ch.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
