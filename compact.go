package waddlekv

import (
	"time"

	"waddlekv/internal/codec"
	"waddlekv/internal/logger"
)

func (s *Store) compactionLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.CompactionInterval())
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.Check()
			if d := s.CompactionInterval(); d > 0 {
				t.Reset(d)
			}
		}
	}
}

// Check runs one compaction pass over every indexed key: a key untouched
// longer than IntervalForRemove is dropped outright; one untouched longer
// than IntervalForCompact (but not yet past the remove threshold) is
// migrated into a fresh revision via reuse, so its old segment can
// eventually drain toward refcount 0 without waiting on an external
// write to that key. Once the pass is done, any non-active segment that
// has drained to zero live ADDs is deleted.
func (s *Store) Check() {
	now := time.Now()
	removeAfter := s.IntervalForRemove()
	compactAfter := s.IntervalForCompact()

	keys, err := s.index.Keys()
	if err != nil {
		logger.Error("compact: snapshot keys failed: %v", err)
		return
	}

	for _, key := range keys {
		last, ok := s.lastModOf(key)
		if !ok {
			continue
		}
		age := now.Sub(last)
		switch {
		case age > removeAfter:
			if _, err := s.remove(key, true); err != nil {
				logger.Error("compact: remove aged key failed: %v", err)
			}
		case age > compactAfter:
			if err := s.reuse(key, last); err != nil {
				logger.Error("compact: reuse aged key failed: %v", err)
			}
		}
	}

	s.reclaimDrainedSegments()
}

// reuse migrates key's current value into a fresh revision while
// preserving its original last-modified time, so the compaction clock
// isn't reset by compaction's own write. A key with no current value (a
// stale index entry racing a concurrent remove) is silently skipped.
func (s *Store) reuse(key codec.Key, preserve time.Time) error {
	value, ok, err := s.readRaw(key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	_, err = s.update(key, value, &preserve)
	return err
}

// reclaimDrainedSegments deletes every non-active segment whose refcount
// has reached zero, the terminal state both removal and compaction's
// reuse work toward.
func (s *Store) reclaimDrainedSegments() {
	s.mu.Lock()
	var drained []uint32
	for num, seg := range s.segments {
		if num == s.activeNum {
			continue
		}
		if seg.IsUnused() {
			drained = append(drained, num)
		}
	}
	for _, num := range drained {
		seg := s.segments[num]
		if err := seg.Delete(); err != nil {
			logger.Error("compact: delete drained segment %d failed: %v", num, err)
			continue
		}
		delete(s.segments, num)
	}
	s.mu.Unlock()
}
