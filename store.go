// Package waddlekv implements a persistent, embedded key/value store: an
// append-only log of fixed-size data files backed by a separate operation
// journal and a durable hash index. Keys are 16-byte fingerprints; values
// are arbitrary byte strings. Store is the coordinator described in the
// design notes — segment management, recovery, the add/get/remove/update
// public contract, and background compaction all live here, the way the
// teacher's own storage.Manager owns its buckets and index.
package waddlekv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"waddlekv/internal/checkpoint"
	"waddlekv/internal/codec"
	"waddlekv/internal/logger"
	"waddlekv/internal/memindex"
	"waddlekv/internal/segment"
	"waddlekv/internal/writer"
)

// Store is the embeddable key/value store. A zero Store is not usable;
// construct one with Open.
type Store struct {
	cfg Config

	mu        sync.RWMutex
	segments  map[uint32]*segment.Segment
	activeNum uint32

	index memindex.Index
	w     *writer.Writer
	cp    *checkpoint.Checkpoint

	lastModMu sync.RWMutex
	lastMod   map[codec.Key]time.Time

	tunableMu          sync.RWMutex
	intervalForCompact time.Duration
	intervalForRemove  time.Duration
	compactionInterval time.Duration
	maxFileCount       int

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// segmentSource adapts Store to the narrow capability writer.Writer needs,
// avoiding a cyclic import between the writer and coordinator packages.
type segmentSource struct{ s *Store }

func (a segmentSource) Active() *segment.Segment                { return a.s.activeSegment() }
func (a segmentSource) Get(num uint32) (*segment.Segment, bool) { return a.s.segmentByNum(num) }
func (a segmentSource) Rollover() (*segment.Segment, error)     { return a.s.rolloverSegment() }

// Open opens or creates a store rooted at cfg.Path, replaying every
// discovered segment's log and rebuilding the in-memory index before
// returning.
func Open(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, newError(KindIO, "open", err)
	}

	cp, err := checkpoint.Open(filepath.Join(cfg.Path, cfg.Name+"_checkpoint"))
	if err != nil {
		return nil, newError(KindIO, "open", err)
	}

	nums, err := discoverSegmentNumbers(cfg.Path, cfg.Name)
	if err != nil {
		return nil, newError(KindIO, "open", err)
	}
	if len(nums) == 0 {
		nums = []uint32{1}
	}

	segments := make(map[uint32]*segment.Segment, len(nums))
	for _, n := range nums {
		seg, err := segment.Open(cfg.Path, cfg.Name, n, cfg.Force, cfg.EnableDataFileCheck, cfg.Compress, cfg.FileSize)
		if err != nil {
			for _, opened := range segments {
				opened.Close()
			}
			return nil, newError(KindIO, "open", fmt.Errorf("segment %d: %w", n, err))
		}
		segments[n] = seg
	}

	s := &Store{
		cfg:                cfg,
		segments:           segments,
		activeNum:          nums[len(nums)-1],
		cp:                 cp,
		lastMod:            make(map[codec.Key]time.Time),
		intervalForCompact: cfg.IntervalForCompact,
		intervalForRemove:  cfg.IntervalForRemove,
		compactionInterval: cfg.CompactionInterval,
		maxFileCount:       cfg.MaxFileCount,
		stopCh:             make(chan struct{}),
	}

	resolve := func(segNum, offset uint32) (uint32, error) {
		seg, ok := s.segmentByNum(segNum)
		if !ok {
			return 0, fmt.Errorf("waddlekv: segment %d not found for length resolution", segNum)
		}
		return seg.ValueLengthAt(offset)
	}

	var index memindex.Index
	if cfg.EnableIndexLRU {
		spillPath := filepath.Join(cfg.Path, cfg.Name+"_indexCache")
		index, err = memindex.NewLRU(cfg.IndexLRUCapacity, spillPath, cfg.IndexBuckets, resolve)
		if err != nil {
			closeSegments(segments)
			return nil, newError(KindIO, "open", err)
		}
	} else {
		index = memindex.NewConcurrent()
	}
	s.index = index

	if err := s.recover(); err != nil {
		closeSegments(segments)
		index.Close()
		return nil, err
	}

	s.w = writer.New(segmentSource{s}, int64(cfg.MaxBatchSize), int64(cfg.FileSize), cfg.EnableDataFileCheck)

	s.wg.Add(2)
	go s.checkpointLoop()
	go s.compactionLoop()

	return s, nil
}

func closeSegments(segments map[uint32]*segment.Segment) {
	for _, seg := range segments {
		seg.Close()
	}
}

func discoverSegmentNumbers(dir, name string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	prefix, suffix := name+".", ".log"
	var nums []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if len(n) <= len(prefix)+len(suffix) || n[:len(prefix)] != prefix || n[len(n)-len(suffix):] != suffix {
			continue
		}
		var num uint32
		if _, err := fmt.Sscanf(n[len(prefix):len(n)-len(suffix)], "%d", &num); err != nil {
			continue
		}
		nums = append(nums, num)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

func (s *Store) activeSegment() *segment.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segments[s.activeNum]
}

func (s *Store) segmentByNum(num uint32) (*segment.Segment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.segments[num]
	return seg, ok
}

func (s *Store) rolloverSegment() (*segment.Segment, error) {
	s.mu.Lock()
	if len(s.segments) >= s.MaxFileCount() {
		count := len(s.segments)
		s.mu.Unlock()
		return nil, newError(KindCapacityExceeded, "rollover", fmt.Errorf("segment count %d at configured max %d", count, s.MaxFileCount()))
	}
	next := s.activeNum + 1
	seg, err := segment.Open(s.cfg.Path, s.cfg.Name, next, s.cfg.Force, s.cfg.EnableDataFileCheck, s.cfg.Compress, s.cfg.FileSize)
	if err != nil {
		s.mu.Unlock()
		return nil, newError(KindIO, "rollover", err)
	}
	s.segments[next] = seg
	s.activeNum = next
	s.mu.Unlock()

	if err := s.saveCheckpoint(); err != nil {
		logger.Error("rollover: checkpoint save failed: %v", err)
	}
	return seg, nil
}

func (s *Store) setLastMod(key codec.Key, at time.Time) {
	s.lastModMu.Lock()
	s.lastMod[key] = at
	s.lastModMu.Unlock()
}

func (s *Store) dropLastMod(key codec.Key) {
	s.lastModMu.Lock()
	delete(s.lastMod, key)
	s.lastModMu.Unlock()
}

func (s *Store) lastModOf(key codec.Key) (time.Time, bool) {
	s.lastModMu.RLock()
	defer s.lastModMu.RUnlock()
	t, ok := s.lastMod[key]
	return t, ok
}

// applyWrittenAdd updates the in-memory index, segment refcount,
// checkpoint, and last-modified map for a successfully written ADD
// OpItem, following add()'s semantics: a second add for an existing key
// is legal and overwrites the index, orphaning the old OpItem. An old
// OpItem in a different segment is cancelled with an enqueued DEL against
// its own segment; one in the same segment with a plain refcount decrement.
func (s *Store) applyWrittenAdd(key codec.Key, item codec.OpItem, at time.Time) {
	prev, had, err := s.index.Put(key, item)
	if err != nil {
		logger.Error("add: index put for key failed: %v", err)
		return
	}
	if seg, ok := s.segmentByNum(item.Segment); ok {
		seg.Increment()
	}
	if had {
		if prev.Segment == item.Segment {
			// Same segment: both revisions are reclaimed together whenever
			// this segment eventually drains, so cancel the extra
			// increment above with a plain decrement. A logged DEL would
			// be wrong here — recovery cancels a DEL by key only, and
			// with no offset to discriminate it would delete whichever
			// revision replay has accumulated for this key so far,
			// namely the live one.
			if seg, ok := s.segmentByNum(prev.Segment); ok {
				seg.Decrement()
			}
		} else if _, err := s.w.Remove(key, prev, false); err != nil {
			logger.Error("add: enqueue cancel of superseded revision failed: %v", err)
		}
	}
	s.cp.SetLastSeen(key, checkpoint.Location{Segment: item.Segment, Offset: int64(item.Offset)})
	s.setLastMod(key, at)
}

// Add enqueues key/value as a new ADD and returns immediately; the write
// is applied to the in-memory index asynchronously once the writer's
// batch has been appended (and, per the writer's durability contract,
// fsynced).
func (s *Store) Add(key [16]byte, value []byte) error {
	return s.add(codec.Key(key), value, false)
}

// AddSync behaves like Add but blocks until the write is durable and
// visible in the index before returning.
func (s *Store) AddSync(key [16]byte, value []byte) error {
	return s.add(codec.Key(key), value, true)
}

func (s *Store) add(key codec.Key, value []byte, sync bool) error {
	if len(value) == 0 {
		return newError(KindInvalidArgument, "add", errors.New("value must not be empty"))
	}

	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return newError(KindIO, "add", errors.New("store closed"))
	}

	now := time.Now()
	item, ch, err := s.w.Store(key, value, sync)
	if err != nil {
		s.closeMu.RUnlock()
		return newError(KindIO, "add", err)
	}

	if sync {
		defer s.closeMu.RUnlock()
		s.applyWrittenAdd(key, item, now)
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.closeMu.RUnlock()
		res := <-ch
		if res.Err != nil {
			logger.Error("add: async write for key failed: %v", res.Err)
			return
		}
		s.applyWrittenAdd(key, res.Item, now)
	}()
	return nil
}

// Get returns key's current value. It consults the writer's in-flight
// buffer first, so a value written (even asynchronously) by this process
// is visible to a subsequent Get before the batch containing it has been
// applied to the index.
func (s *Store) Get(key [16]byte) ([]byte, bool, error) {
	k := codec.Key(key)

	if v, ok := s.w.InFlight(k); ok {
		return v, true, nil
	}

	item, ok, err := s.index.Get(k)
	if err != nil {
		return nil, false, newError(KindIO, "get", err)
	}
	if !ok {
		return nil, false, nil
	}

	seg, ok := s.segmentByNum(item.Segment)
	if !ok {
		// The index points at a segment that no longer exists: stale
		// entry left over from a compaction race. Self-heal and report
		// a miss.
		s.index.Remove(k)
		s.dropLastMod(k)
		return nil, false, nil
	}

	value, err := seg.Read(item.Offset, item.Length)
	if err != nil {
		return nil, false, newError(KindCorruption, "get", err)
	}
	return value, true, nil
}

func (s *Store) readRaw(key codec.Key) ([]byte, bool, error) {
	item, ok, err := s.index.Get(key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	seg, ok := s.segmentByNum(item.Segment)
	if !ok {
		return nil, false, nil
	}
	return seg.Read(item.Offset, item.Length)
}

// Update writes a new revision of an existing key, returning false
// without writing anything if the key is not present. Like a re-Add, it
// reconciles segment refcounts: if the new revision lands in the same
// segment as the old one, the extra increment of the new write is
// cancelled with a plain decrement instead of a logged DEL.
func (s *Store) Update(key [16]byte, value []byte) (bool, error) {
	return s.update(codec.Key(key), value, nil)
}

// update is update()'s and compaction's reuse()'s shared mechanics. at,
// if non-nil, preserves the original last-modified time instead of
// resetting it to now — the behavior spec.md's add() calls out for a
// compaction re-add.
func (s *Store) update(key codec.Key, value []byte, at *time.Time) (bool, error) {
	if len(value) == 0 {
		return false, newError(KindInvalidArgument, "update", errors.New("value must not be empty"))
	}

	old, had, err := s.index.Get(key)
	if err != nil {
		return false, newError(KindIO, "update", err)
	}
	if !had {
		return false, nil
	}

	item, _, err := s.w.Store(key, value, true)
	if err != nil {
		return false, newError(KindIO, "update", err)
	}

	if _, _, err := s.index.Put(key, item); err != nil {
		return false, newError(KindIO, "update", err)
	}
	if seg, ok := s.segmentByNum(item.Segment); ok {
		seg.Increment()
	}

	if item.Segment == old.Segment {
		if seg, ok := s.segmentByNum(old.Segment); ok {
			seg.Decrement()
		}
	} else if _, err := s.w.Remove(key, old, false); err != nil {
		logger.Error("update: enqueue cancel of old revision failed: %v", err)
	}

	s.cp.SetLastSeen(key, checkpoint.Location{Segment: item.Segment, Offset: int64(item.Offset)})
	when := time.Now()
	if at != nil {
		when = *at
	}
	s.setLastMod(key, when)
	return true, nil
}

// Remove enqueues a DEL for key and drops it from the in-memory index,
// returning false if the key was not present.
func (s *Store) Remove(key [16]byte) (bool, error) {
	return s.remove(codec.Key(key), false)
}

// RemoveSync behaves like Remove but blocks until the DEL is durable.
func (s *Store) RemoveSync(key [16]byte) (bool, error) {
	return s.remove(codec.Key(key), true)
}

func (s *Store) remove(key codec.Key, sync bool) (bool, error) {
	item, had, err := s.index.Remove(key)
	if err != nil {
		return false, newError(KindIO, "remove", err)
	}
	if !had {
		return false, nil
	}
	if _, err := s.w.Remove(key, item, sync); err != nil {
		return false, newError(KindIO, "remove", err)
	}
	s.cp.DropKey(key)
	s.dropLastMod(key)
	return true, nil
}

// Size returns the number of keys currently in the index.
func (s *Store) Size() int { return s.index.Size() }

// Sync blocks until every write enqueued before this call is durable, and
// saves the checkpoint.
func (s *Store) Sync() error {
	if err := s.w.Sync(); err != nil {
		return newError(KindIO, "sync", err)
	}
	return s.saveCheckpoint()
}

func (s *Store) saveCheckpoint() error {
	active := s.activeSegment()
	s.cp.Update(active.Num, active.Length())
	if err := s.cp.Save(); err != nil {
		return newError(KindIO, "checkpoint", err)
	}
	return nil
}

func (s *Store) checkpointLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.CheckpointInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if err := s.saveCheckpoint(); err != nil {
				logger.Error("checkpoint: periodic save failed: %v", err)
			}
		}
	}
}

// Close flushes and syncs all pending writes, stops background loops, and
// saves the checkpoint, and closes every segment and the index. Close is
// idempotent; subsequent calls return nil.
func (s *Store) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		close(s.stopCh)

		s.closeMu.Lock()
		s.closed = true
		s.closeMu.Unlock()

		if err := s.w.Close(); err != nil {
			firstErr = err
		}
		s.wg.Wait()

		if err := s.saveCheckpoint(); err != nil && firstErr == nil {
			firstErr = err
		}

		s.mu.Lock()
		for _, seg := range s.segments {
			if err := seg.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		s.mu.Unlock()

		if err := s.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	if firstErr != nil {
		return newError(KindIO, "close", firstErr)
	}
	return nil
}
