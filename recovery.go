package waddlekv

import (
	"fmt"
	"sort"
	"time"

	"waddlekv/internal/codec"
	"waddlekv/internal/logger"
	"waddlekv/internal/segment"
)

// recover replays every discovered segment's log, in ascending segment
// order, and rebuilds the in-memory index from scratch. It does a full
// unconditional replay of every segment on every Open, rather than
// skipping segments below the saved checkpoint position: a deliberate
// simplification favoring correctness over startup latency, grounded on
// the observation that replay itself is cheap (one sequential read per
// 29-byte OpItem) compared to the cost of getting a partial-skip replay
// wrong. The checkpoint's position is still maintained (by saveCheckpoint,
// on rollover, and on clean Close) for diagnostic and format completeness,
// but recover never consults it.
func (s *Store) recover() error {
	nums := make([]uint32, 0, len(s.segments))
	for n := range s.segments {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	for _, segNum := range nums {
		seg := s.segments[segNum]
		local, localRefcount, err := s.replaySegment(segNum, seg)
		if err != nil {
			return err
		}

		full := seg.Length() >= int64(s.cfg.FileSize)
		if full && localRefcount == 0 {
			if err := seg.Delete(); err != nil {
				return newError(KindIO, "recover", fmt.Errorf("drop drained segment %d: %w", segNum, err))
			}
			delete(s.segments, segNum)
			continue
		}

		seg.SetRefcount(localRefcount)
		if err := s.index.PutAll(local); err != nil {
			return newError(KindIO, "recover", err)
		}

		mtime := time.Now()
		if info, err := seg.LogFileInfo(); err == nil {
			mtime = info.ModTime()
		}
		for key := range local {
			s.setLastMod(key, mtime)
		}
	}

	return s.finalizeRecovery()
}

// replaySegment reads segNum's log from the start and returns the live
// (not-yet-deleted) ADDs it contributed, keyed by their Key, along with
// the live count. An ADD whose key already has a live entry elsewhere in
// the index (not in this segment's own local map) is a dangling update:
// a crash landed the new ADD durably but the DEL cancelling the old
// revision never made it to disk. recover heals the log by writing that
// DEL directly to the old OpItem's segment — the writer does not exist
// yet at this point in Open, so the fix is applied straight to the
// segment's log file instead of being enqueued.
func (s *Store) replaySegment(segNum uint32, seg *segment.Segment) (map[codec.Key]codec.OpItem, int64, error) {
	local := make(map[codec.Key]codec.OpItem)
	var localRefcount int64

	logLen := seg.LogLength()
	var pos int64
	for pos < logLen {
		item, err := seg.ReadLogAt(pos)
		if err != nil {
			return nil, 0, newError(KindCorruption, "recover", fmt.Errorf("segment %d log at %d: %w", segNum, pos, err))
		}
		pos += codec.OpItemBytes

		switch item.Op {
		case codec.OpAdd:
			if prev, had, err := s.index.Get(item.Key); err == nil && had {
				if prevSeg, ok := s.segments[prev.Segment]; ok {
					heal := codec.OpItem{Op: codec.OpDel, Key: item.Key, Segment: prev.Segment, Offset: prev.Offset, Length: prev.Length}
					if err := prevSeg.AppendLog(heal); err != nil {
						return nil, 0, newError(KindIO, "recover", fmt.Errorf("heal dangling update in segment %d: %w", prev.Segment, err))
					}
					prevSeg.Decrement()
				}
				s.index.Remove(item.Key)
			}
			if _, had := local[item.Key]; !had {
				localRefcount++
			}
			local[item.Key] = item

		case codec.OpDel:
			// processDel always targets the segment the cancelled ADD
			// landed in, so a DEL found while replaying segNum's own log
			// always refers to an ADD local to this same segment.
			if _, had := local[item.Key]; had {
				delete(local, item.Key)
				localRefcount--
			}

		default:
			logger.Warn("recover: unknown op byte %d in segment %d at offset %d", item.Op, segNum, pos-codec.OpItemBytes)
		}
	}

	return local, localRefcount, nil
}

// finalizeRecovery picks the active segment (the highest-numbered one
// still registered after drained segments are dropped) and validates the
// invariant every earlier, non-terminal segment must satisfy: it is full
// and still holds at least one live ADD. A segment that is full but
// empty should have been dropped above; one that is non-full but not the
// active segment indicates a rollover that never completed, which
// recover cannot heal on its own.
func (s *Store) finalizeRecovery() error {
	remaining := make([]uint32, 0, len(s.segments))
	for n := range s.segments {
		remaining = append(remaining, n)
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i] < remaining[j] })

	if len(remaining) == 0 {
		seg, err := segment.Open(s.cfg.Path, s.cfg.Name, 1, s.cfg.Force, s.cfg.EnableDataFileCheck, s.cfg.Compress, s.cfg.FileSize)
		if err != nil {
			return newError(KindIO, "recover", err)
		}
		s.segments[1] = seg
		s.activeNum = 1
		return nil
	}

	s.activeNum = remaining[len(remaining)-1]
	for _, n := range remaining[:len(remaining)-1] {
		seg := s.segments[n]
		if seg.Length() < int64(s.cfg.FileSize) || seg.Refcount() <= 0 {
			return newError(KindStartupInconsistency, "recover", fmt.Errorf(
				"segment %d: length=%d refcount=%d violates non-terminal invariant", n, seg.Length(), seg.Refcount()))
		}
	}

	logger.Info("recover: replayed %d segments, %d live keys", len(remaining), s.index.Size())
	return nil
}
