// Package index provides the archival time-series index: an append-then-
// sort record store with a tag inverted index for ad-hoc queries. The hot
// write path uses the always-sorted memtable instead; this structure trades
// sort cost at first query for cheap out-of-order appends.
package index

import (
	"sort"
	"sync"

	"github.com/intellistream/sage-tsdb/pkg/record"
)

// TimeSeriesIndex stores records in arrival order and sorts on first query.
// The tag index maps tag key -> tag value -> sorted positions into the
// record vector; positions are invalidated by each re-sort, so the index is
// rebuilt in the same critical section that sorts.
type TimeSeriesIndex struct {
	mu      sync.RWMutex
	records []*record.Record
	sorted  bool

	tagIndex map[string]map[string][]int
}

// NewTimeSeriesIndex creates an empty index.
func NewTimeSeriesIndex() *TimeSeriesIndex {
	return &TimeSeriesIndex{
		records:  make([]*record.Record, 0),
		sorted:   true,
		tagIndex: make(map[string]map[string][]int),
	}
}

// Add appends a record. The sorted flag is cleared; the next query pays
// for the re-sort.
func (idx *TimeSeriesIndex) Add(rec *record.Record) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.records = append(idx.records, rec)
	idx.sorted = false
}

// AddBatch appends a batch under one lock acquisition.
func (idx *TimeSeriesIndex) AddBatch(recs []*record.Record) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.records = append(idx.records, recs...)
	idx.sorted = false
}

// Len returns the number of stored records.
func (idx *TimeSeriesIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.records)
}

// ensureSortedLocked sorts the record vector and rebuilds the tag index.
// Both happen under the same write lock so a query can never observe tag
// positions computed against a stale ordering.
func (idx *TimeSeriesIndex) ensureSortedLocked() {
	if idx.sorted {
		return
	}

	sort.SliceStable(idx.records, func(i, j int) bool {
		return idx.records[i].Timestamp < idx.records[j].Timestamp
	})

	idx.tagIndex = make(map[string]map[string][]int)
	for pos, rec := range idx.records {
		for key, value := range rec.Tags {
			values, ok := idx.tagIndex[key]
			if !ok {
				values = make(map[string][]int)
				idx.tagIndex[key] = values
			}
			values[value] = append(values[value], pos)
		}
	}

	idx.sorted = true
}

// RangeQuery returns records in [lo, hi] ascending.
func (idx *TimeSeriesIndex) RangeQuery(lo, hi int64) []*record.Record {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.ensureSortedLocked()
	return idx.rangeLocked(lo, hi)
}

func (idx *TimeSeriesIndex) rangeLocked(lo, hi int64) []*record.Record {
	start := sort.Search(len(idx.records), func(i int) bool {
		return idx.records[i].Timestamp >= lo
	})

	results := make([]*record.Record, 0)
	for _, rec := range idx.records[start:] {
		if rec.Timestamp > hi {
			break
		}
		results = append(results, rec)
	}
	return results
}

// QueryByTags returns records in [lo, hi] carrying every tag in filter,
// ascending. The posting lists of the filter tags are intersected, and the
// surviving candidates are checked against the range bounds.
func (idx *TimeSeriesIndex) QueryByTags(lo, hi int64, filter map[string]string) []*record.Record {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.ensureSortedLocked()

	if len(filter) == 0 {
		return idx.rangeLocked(lo, hi)
	}

	// Posting lists are intersected in map iteration order; an empty
	// intersection ends the query early
	var candidates []int
	first := true
	for key, value := range filter {
		values, ok := idx.tagIndex[key]
		if !ok {
			return nil
		}
		positions, ok := values[value]
		if !ok {
			return nil
		}
		if first {
			candidates = positions
			first = false
		} else {
			candidates = intersectSorted(candidates, positions)
		}
		if len(candidates) == 0 {
			return nil
		}
	}

	results := make([]*record.Record, 0, len(candidates))
	for _, pos := range candidates {
		rec := idx.records[pos]
		if rec.Timestamp >= lo && rec.Timestamp <= hi {
			results = append(results, rec)
		}
	}
	return results
}

// intersectSorted intersects two ascending position slices.
func intersectSorted(a, b []int) []int {
	out := make([]int, 0)
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

// Clear removes every record and tag posting.
func (idx *TimeSeriesIndex) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.records = idx.records[:0]
	idx.tagIndex = make(map[string]map[string][]int)
	idx.sorted = true
}
