package lsm

import (
	"sort"
	"sync"

	"github.com/intellistream/sage-tsdb/pkg/record"
)

// DefaultMemTableSize is the byte budget before a memtable reports full.
const DefaultMemTableSize = 4 * 1024 * 1024 // 4MB

// MemTable is an in-memory write buffer ordered by timestamp. Writers
// serialize on the table's own mutex; readers take a shared lock.
type MemTable struct {
	mu      sync.RWMutex
	data    map[int64]*record.Record
	keys    []int64 // timestamps, sorted on demand
	size    int     // approximate size in bytes
	maxSize int     // byte budget before flush
	sorted  bool
}

// NewMemTable creates a memtable with the given byte budget.
func NewMemTable(maxSize int) *MemTable {
	if maxSize <= 0 {
		maxSize = DefaultMemTableSize
	}
	return &MemTable{
		data:    make(map[int64]*record.Record),
		keys:    make([]int64, 0),
		maxSize: maxSize,
		sorted:  true,
	}
}

// Put adds or replaces the record for its timestamp (last-write-wins).
func (mt *MemTable) Put(rec *record.Record) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.putLocked(rec)
}

// PutBatch inserts a batch while holding the lock once.
func (mt *MemTable) PutBatch(recs []*record.Record) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	for _, rec := range recs {
		mt.putLocked(rec)
	}
}

func (mt *MemTable) putLocked(rec *record.Record) {
	ts := rec.Timestamp

	if existing, exists := mt.data[ts]; exists {
		oldSize := existing.EstimateSize()
		if mt.size >= oldSize {
			mt.size -= oldSize
		} else {
			mt.size = 0 // Reset if inconsistent
		}
	} else {
		mt.keys = append(mt.keys, ts)
		mt.sorted = false
	}

	mt.size += rec.EstimateSize()
	mt.data[ts] = rec
}

// Get is a point lookup by timestamp.
func (mt *MemTable) Get(ts int64) (*record.Record, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	rec, exists := mt.data[ts]
	return rec, exists
}

// RangeQuery returns records with timestamps in [lo, hi] in ascending order.
func (mt *MemTable) RangeQuery(lo, hi int64) []*record.Record {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.ensureSortedLocked()

	start := sort.Search(len(mt.keys), func(i int) bool { return mt.keys[i] >= lo })

	results := make([]*record.Record, 0)
	for _, ts := range mt.keys[start:] {
		if ts > hi {
			break
		}
		results = append(results, mt.data[ts])
	}
	return results
}

// Entries returns all records in ascending timestamp order. Used by the
// flush path to build an SSTable.
func (mt *MemTable) Entries() []*record.Record {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.ensureSortedLocked()

	entries := make([]*record.Record, 0, len(mt.keys))
	for _, ts := range mt.keys {
		entries = append(entries, mt.data[ts])
	}
	return entries
}

func (mt *MemTable) ensureSortedLocked() {
	if !mt.sorted {
		sort.Slice(mt.keys, func(i, j int) bool { return mt.keys[i] < mt.keys[j] })
		mt.sorted = true
	}
}

// Size returns the approximate size in bytes.
func (mt *MemTable) Size() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.size
}

// MaxSize returns the byte budget.
func (mt *MemTable) MaxSize() int {
	return mt.maxSize
}

// Len returns the number of distinct timestamps.
func (mt *MemTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.data)
}

// IsFull reports whether the memtable reached its byte budget.
func (mt *MemTable) IsFull() bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.size >= mt.maxSize
}

// Clear removes all entries.
func (mt *MemTable) Clear() {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.data = make(map[int64]*record.Record)
	mt.keys = make([]int64, 0)
	mt.size = 0
	mt.sorted = true
}
