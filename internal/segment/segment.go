// Package segment implements the data-file/log-file pair described in the
// design: one numbered data store holding value records, one numbered log
// file holding fixed-size OpItem entries, and a reference count tracking
// how many of that log's ADDs are still live. Only the active (highest
// numbered) segment is ever appended to; all others are read-only. The
// data store is a pagedfile.Container, the chunked variable-length record
// container the design calls for, rather than one flat OS file: a
// segment's data is logically one append-only byte stream, physically a
// sequence of fixed-capacity chunk files.
package segment

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"waddlekv/internal/codec"
	"waddlekv/internal/pagedfile"
)

// Segment is one (data container, log file) pair.
type Segment struct {
	Num uint32

	dataDir string
	logPath string
	data    *pagedfile.Container
	logFile *os.File

	withCRC      bool
	withCompress bool

	mu     sync.Mutex
	logLen int64

	refcount int64
}

func dataDirName(dir, name string, num uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d.data", name, num))
}

func logFileName(dir, name string, num uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d.log", name, num))
}

// Open opens or creates the segment numbered num under dir/name. force
// requests O_SYNC-equivalent durability at the OS level for the log file
// (the writer's own fsync-after-batch policy governs the data store's
// durability instead, since the data store batches many records into one
// chunk write); withCRC enables the per-record checksum in newly written
// value records, withCompress enables zstd compression of the stored
// bytes. fileSize becomes the data store's chunk capacity.
func Open(dir, name string, num uint32, force, withCRC, withCompress bool, fileSize uint32) (*Segment, error) {
	dp := dataDirName(dir, name, num)
	lp := logFileName(dir, name, num)

	data, err := pagedfile.Open(dp, int64(fileSize))
	if err != nil {
		return nil, fmt.Errorf("segment: open data store %s: %w", dp, err)
	}

	logFlags := os.O_RDWR | os.O_CREATE
	if force {
		logFlags |= os.O_SYNC
	}
	lf, err := os.OpenFile(lp, logFlags, 0644)
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("segment: open log file %s: %w", lp, err)
	}

	s := &Segment{
		Num:          num,
		dataDir:      dp,
		logPath:      lp,
		data:         data,
		logFile:      lf,
		withCRC:      withCRC,
		withCompress: withCompress,
	}

	li, err := lf.Stat()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.logLen = li.Size()

	return s, nil
}

func (s *Segment) recordHeaderBytes() int {
	hdr := codec.ValueRecordHeaderBytes
	if s.withCRC {
		hdr += codec.CRCBytes
	}
	return hdr
}

// Append writes value (optionally checksummed and compressed) to the data
// store and returns the logical offset of the value's first stored byte and
// the number of bytes actually stored there (post-compression, if enabled)
// — the length a later Read needs to recover the record.
func (s *Segment) Append(value []byte) (offset, storedLen uint32, err error) {
	rec := codec.EncodeValueRecord(value, s.withCRC, s.withCompress)
	recordOffset, err := s.data.Append(rec)
	if err != nil {
		return 0, 0, fmt.Errorf("segment: append data %s: %w", s.dataDir, err)
	}
	valueOffset := recordOffset + int64(s.recordHeaderBytes())
	if valueOffset > int64(^uint32(0)) {
		return 0, 0, fmt.Errorf("segment: data store %s exceeded addressable range", s.dataDir)
	}
	return uint32(valueOffset), uint32(len(rec) - s.recordHeaderBytes()), nil
}

// AppendBatch concatenates the encoded records for values into a single
// buffer and issues one Append to the data store, returning each value's
// offset and stored length in submission order. This is the writer's hot
// path: one batch of pending adds becomes one data-store write instead of
// one per value.
func (s *Segment) AppendBatch(values [][]byte) (offsets, storedLens []uint32, err error) {
	if len(values) == 0 {
		return nil, nil, nil
	}

	hdr := s.recordHeaderBytes()
	withinBatch := make([]int64, len(values))
	recLens := make([]int, len(values))
	var buf []byte
	for i, v := range values {
		withinBatch[i] = int64(len(buf))
		rec := codec.EncodeValueRecord(v, s.withCRC, s.withCompress)
		recLens[i] = len(rec)
		buf = append(buf, rec...)
	}

	base, err := s.data.Append(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("segment: append batch data %s: %w", s.dataDir, err)
	}

	offsets = make([]uint32, len(values))
	storedLens = make([]uint32, len(values))
	for i := range values {
		valueOffset := base + withinBatch[i] + int64(hdr)
		if valueOffset > int64(^uint32(0)) {
			return nil, nil, fmt.Errorf("segment: data store %s exceeded addressable range", s.dataDir)
		}
		offsets[i] = uint32(valueOffset)
		storedLens[i] = uint32(recLens[i] - hdr)
	}
	return offsets, storedLens, nil
}

// AppendLogBatch concatenates items into a single buffer and issues one
// WriteAt to the log file, the log-side counterpart to AppendBatch.
func (s *Segment) AppendLogBatch(items []codec.OpItem) error {
	if len(items) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, 0, len(items)*codec.OpItemBytes)
	for _, it := range items {
		buf = append(buf, it.Bytes()...)
	}
	if _, err := s.logFile.WriteAt(buf, s.logLen); err != nil {
		return fmt.Errorf("segment: append log batch %s: %w", s.logPath, err)
	}
	s.logLen += int64(len(buf))
	return nil
}

// Read reads the value record stored at offset (the offset Append/
// AppendBatch returned) whose stored payload is storedLen bytes, validates
// its checksum when withCRC is set, and decompresses it when withCompress
// is set, returning the original value.
func (s *Segment) Read(offset, storedLen uint32) ([]byte, error) {
	hdr := s.recordHeaderBytes()
	recordOffset := int64(offset) - int64(hdr)
	if recordOffset < 0 {
		return nil, fmt.Errorf("segment: offset %d too small for a value record header", offset)
	}
	raw, err := s.data.Get(recordOffset, hdr+int(storedLen))
	if err != nil {
		return nil, fmt.Errorf("segment: read data %s at %d: %w", s.dataDir, offset, err)
	}
	value, err := codec.DecodeValueRecord(raw, s.withCRC, s.withCompress)
	if err != nil {
		return nil, fmt.Errorf("segment: decode data %s at %d: %w", s.dataDir, offset, err)
	}
	return value, nil
}

// ValueLengthAt reads the length prefix immediately preceding offset,
// recovering a value's on-disk stored length — the bytes actually
// occupied after compression, if enabled — when only (segment, offset) is
// known. This is the length Read expects as storedLen, and what the LRU
// spill index's cache-miss path resolves.
func (s *Segment) ValueLengthAt(offset uint32) (uint32, error) {
	hdr := s.recordHeaderBytes()
	lenPos := int64(offset) - int64(hdr)
	if lenPos < 0 {
		return 0, fmt.Errorf("segment: offset %d too small for a value record header", offset)
	}
	buf, err := s.data.Get(lenPos, 4)
	if err != nil {
		return 0, fmt.Errorf("segment: read length prefix %s at %d: %w", s.dataDir, lenPos, err)
	}
	return binary.BigEndian.Uint32(buf), nil
}

// AppendLog writes a 29-byte OpItem to the log file.
func (s *Segment) AppendLog(item codec.OpItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := item.Bytes()
	if _, err := s.logFile.WriteAt(buf, s.logLen); err != nil {
		return fmt.Errorf("segment: append log %s: %w", s.logPath, err)
	}
	s.logLen += int64(len(buf))
	return nil
}

// ReadLogAt reads one 29-byte OpItem at the given log-file byte offset.
func (s *Segment) ReadLogAt(pos int64) (codec.OpItem, error) {
	buf := make([]byte, codec.OpItemBytes)
	if _, err := s.logFile.ReadAt(buf, pos); err != nil {
		return codec.OpItem{}, err
	}
	return codec.DecodeOpItem(buf)
}

// LogLength returns the current size of the log file in bytes.
func (s *Segment) LogLength() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logLen
}

// Length returns the current logical size of the data store in bytes.
func (s *Segment) Length() int64 {
	return s.data.Length()
}

// Increment bumps the segment's live-ADD reference count.
func (s *Segment) Increment() int64 { return atomic.AddInt64(&s.refcount, 1) }

// Decrement lowers the segment's live-ADD reference count.
func (s *Segment) Decrement() int64 { return atomic.AddInt64(&s.refcount, -1) }

// SetRefcount forces the reference count, used when recovery finishes
// replaying a segment's log and knows the exact live-ADD count.
func (s *Segment) SetRefcount(n int64) { atomic.StoreInt64(&s.refcount, n) }

// Refcount returns the current reference count.
func (s *Segment) Refcount() int64 { return atomic.LoadInt64(&s.refcount) }

// IsUnused reports whether the segment has no live ADDs.
func (s *Segment) IsUnused() bool { return s.Refcount() == 0 }

// Sync fsyncs both the data store and the log file.
func (s *Segment) Sync() error {
	if err := s.data.Flush(); err != nil {
		return err
	}
	return s.logFile.Sync()
}

// Close closes both the data store and the log file without removing them.
func (s *Segment) Close() error {
	var firstErr error
	if err := s.data.Close(); err != nil {
		firstErr = err
	}
	if err := s.logFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Delete closes and unlinks both the data store and the log file.
func (s *Segment) Delete() error {
	s.Close()
	if err := os.RemoveAll(s.dataDir); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.logPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DataPath returns the data store's directory path, for diagnostics.
func (s *Segment) DataPath() string { return s.dataDir }

// LogPath returns the log file's path, for diagnostics.
func (s *Segment) LogPath() string { return s.logPath }

// LogFileInfo stats the log file, used to recover a contributed segment's
// last-modified time during recovery.
func (s *Segment) LogFileInfo() (os.FileInfo, error) {
	return s.logFile.Stat()
}
