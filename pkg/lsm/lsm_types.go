package lsm

import (
	"sync"
	"sync/atomic"

	"github.com/intellistream/sage-tsdb/pkg/logging"
	"github.com/intellistream/sage-tsdb/pkg/wal"
)

// Engine is the LSM-tree storage engine. It exclusively owns its memtables,
// WAL, and SSTables; readers of the level map hold shared references that
// stay valid across a compaction swap.
type Engine struct {
	mu sync.RWMutex // guards memTable and immutableTable

	// Write path
	memTable       *MemTable
	immutableTable *MemTable // full table pending flush
	wal            wal.Log

	// Read path
	sstMu  sync.RWMutex // guards levels
	levels [][]*SSTable
	cache  *RecordCache

	// Configuration
	opts     Options
	sequence atomic.Uint64 // next SSTable sequence number
	logger   logging.Logger

	// Background workers
	flushChan      chan struct{}
	compactionChan chan struct{}
	stopChan       chan struct{}
	wg             sync.WaitGroup

	closed atomic.Bool

	stats Stats
}

// Stats tracks engine counters. High-frequency counters are lock-free
// atomics so hot paths never contend on a stats mutex.
type Stats struct {
	Puts            atomic.Int64
	Gets            atomic.Int64
	MemTableHits    atomic.Int64
	SSTableHits     atomic.Int64
	BloomRejections atomic.Int64
	Flushes         atomic.Int64
	Compactions     atomic.Int64
	BytesWritten    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters plus derived
// gauges.
type StatsSnapshot struct {
	Puts            int64
	Gets            int64
	MemTableHits    int64
	SSTableHits     int64
	BloomRejections int64
	Flushes         int64
	Compactions     int64
	BytesWritten    int64
	MemTableSize    int
	SSTableCount    int
	TotalBytes      int64
	Level0FileCount int
}

// Options configures an engine.
type Options struct {
	DataDir         string
	MemTableSize    int // bytes, default 4MB
	Level0FileLimit int // L0 file count that triggers compaction
	MaxLevels       int
	Multiplier      int64 // level size multiplier
	BaseLevelBytes  int64 // L1 byte budget
	BloomBitsPerKey int
	Compression     bool // snappy-compressed WAL
	AutoCompaction  bool
	Logger          logging.Logger
}

// DefaultOptions returns the default engine configuration for dataDir.
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:         dataDir,
		MemTableSize:    DefaultMemTableSize,
		Level0FileLimit: 4,
		MaxLevels:       7,
		Multiplier:      10,
		BaseLevelBytes:  16 * 1024 * 1024,
		BloomBitsPerKey: DefaultBloomBitsPerKey,
		Compression:     false,
		AutoCompaction:  true,
	}
}

func (o *Options) normalize() {
	if o.MemTableSize <= 0 {
		o.MemTableSize = DefaultMemTableSize
	}
	if o.Level0FileLimit <= 0 {
		o.Level0FileLimit = 4
	}
	if o.MaxLevels <= 0 {
		o.MaxLevels = 7
	}
	if o.Multiplier <= 0 {
		o.Multiplier = 10
	}
	if o.BaseLevelBytes <= 0 {
		o.BaseLevelBytes = 16 * 1024 * 1024
	}
	if o.BloomBitsPerKey <= 0 {
		o.BloomBitsPerKey = DefaultBloomBitsPerKey
	}
	if o.Logger == nil {
		o.Logger = logging.DefaultLogger()
	}
}

func (o Options) strategy() *LeveledCompactionStrategy {
	return &LeveledCompactionStrategy{
		Level0FileLimit: o.Level0FileLimit,
		BaseLevelBytes:  o.BaseLevelBytes,
		Multiplier:      o.Multiplier,
		MaxLevels:       o.MaxLevels,
	}
}
