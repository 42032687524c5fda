package waddlekv

import "time"

// Config configures a Store, mirroring the teacher's own
// types.DBSchemaConfig: a plain struct of durability and layout knobs
// passed once to Open.
type Config struct {
	// Path is the directory the store's files live under.
	Path string
	// Name is the file-name prefix for every segment (name.N, name.N.log).
	Name string

	// Force enables O_SYNC-equivalent durability on the log files.
	Force bool
	// EnableIndexLRU selects the bounded LRU+spill in-memory index instead
	// of the default fully in-RAM concurrent map.
	EnableIndexLRU bool
	// IndexLRUCapacity bounds the LRU variant's in-RAM entry count.
	// Ignored unless EnableIndexLRU is set.
	IndexLRUCapacity int
	// EnableDataFileCheck adds a CRC32 checksum to every value record.
	EnableDataFileCheck bool
	// Compress zstd-compresses every value record's stored bytes before
	// the (optional) checksum is computed over them.
	Compress bool
	// MaxFileCount bounds the number of live segments; exceeding it is a
	// fatal capacity-exceeded error.
	MaxFileCount int

	// FileSize bounds a segment's data store before the writer rolls
	// over to a new segment. Default 64 MiB.
	FileSize uint32
	// MaxBatchSize bounds how many value bytes the writer accumulates
	// into a single batch before flushing. Default 4 MiB.
	MaxBatchSize int64

	// IndexBuckets sizes the file-backed hash index backing the LRU
	// variant's spill store. Default 1024.
	IndexBuckets uint32
	// ChunkCapacity defaults to FileSize. Open does not pass it on: each
	// segment's data store uses FileSize as its pagedfile chunk capacity.
	ChunkCapacity int64

	// IntervalForCompact is how long a key may go unmodified before
	// compaction migrates it out of its current segment. Default 12h.
	IntervalForCompact time.Duration
	// IntervalForRemove is how long a key may go unmodified before
	// compaction removes it outright. Default 168h (12h * 2 * 7).
	IntervalForRemove time.Duration
	// CheckpointInterval is how often the checkpoint is saved on a
	// background ticker, in addition to clean-close and segment-rollover
	// saves. Default 5s.
	CheckpointInterval time.Duration
	// CompactionInterval is how often the compaction check loop runs.
	// Default 1h.
	CompactionInterval time.Duration
}

const (
	defaultFileSize           = 64 << 20
	defaultMaxBatchSize       = 4 << 20
	defaultIndexBuckets       = 1024
	defaultIntervalForCompact = 12 * time.Hour
	defaultIntervalForRemove  = 12 * time.Hour * 2 * 7
	defaultCheckpointInterval = 5 * time.Second
	defaultCompactionInterval = time.Hour
	defaultIndexLRUCapacity   = 4096
)

// withDefaults returns a copy of cfg with every zero-valued tunable
// replaced by its documented default.
func (cfg Config) withDefaults() Config {
	if cfg.FileSize == 0 {
		cfg.FileSize = defaultFileSize
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.IndexBuckets == 0 {
		cfg.IndexBuckets = defaultIndexBuckets
	}
	if cfg.ChunkCapacity == 0 {
		cfg.ChunkCapacity = cfg.FileSize
	}
	if cfg.IntervalForCompact == 0 {
		cfg.IntervalForCompact = defaultIntervalForCompact
	}
	if cfg.IntervalForRemove == 0 {
		cfg.IntervalForRemove = defaultIntervalForRemove
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = defaultCheckpointInterval
	}
	if cfg.CompactionInterval == 0 {
		cfg.CompactionInterval = defaultCompactionInterval
	}
	if cfg.IndexLRUCapacity == 0 {
		cfg.IndexLRUCapacity = defaultIndexLRUCapacity
	}
	if cfg.MaxFileCount == 0 {
		cfg.MaxFileCount = 1 << 20 // effectively unbounded unless the caller opts in
	}
	if cfg.Name == "" {
		cfg.Name = "store"
	}
	return cfg
}
