package table

import (
	"fmt"
	"sort"
	"sync"

	"github.com/intellistream/sage-tsdb/pkg/logging"
	"github.com/intellistream/sage-tsdb/pkg/lsm"
	"github.com/intellistream/sage-tsdb/pkg/record"
)

// DefaultFlushThreshold is the memtable usage fraction that schedules an
// early background flush so writers never block on a full table.
const DefaultFlushThreshold = 0.9

// StreamTable stores the records of one logical event stream. Inserts go
// straight to the LSM engine; per-tag inverted indices accelerate tag
// filters, and registered listeners (the window scheduler) are notified of
// every insert.
type StreamTable struct {
	name   string
	engine *lsm.Engine
	logger logging.Logger

	mu          sync.RWMutex
	indexedTags map[string]bool
	// tag key -> tag value -> set of timestamps
	tagIndex map[string]map[string]map[int64]struct{}
	// window id -> time range, registered by the scheduler
	windows map[uint64]record.TimeRange

	bus            *listenerBus
	flushThreshold float64
}

// StreamTableOptions configures a stream table.
type StreamTableOptions struct {
	IndexedTags    []string
	FlushThreshold float64
	Engine         lsm.Options
}

// NewStreamTable opens a stream table backed by its own LSM engine.
func NewStreamTable(name string, opts StreamTableOptions) (*StreamTable, error) {
	if name == "" {
		return nil, fmt.Errorf("stream table name must not be empty")
	}
	if opts.FlushThreshold <= 0 || opts.FlushThreshold > 1 {
		opts.FlushThreshold = DefaultFlushThreshold
	}

	engine, err := lsm.NewEngine(opts.Engine)
	if err != nil {
		return nil, fmt.Errorf("open engine for stream table %s: %w", name, err)
	}

	st := &StreamTable{
		name:           name,
		engine:         engine,
		logger:         logging.With(logging.Component("stream_table"), logging.Table(name)),
		indexedTags:    make(map[string]bool),
		tagIndex:       make(map[string]map[string]map[int64]struct{}),
		windows:        make(map[uint64]record.TimeRange),
		bus:            newListenerBus(),
		flushThreshold: opts.FlushThreshold,
	}
	for _, tag := range opts.IndexedTags {
		st.indexedTags[tag] = true
	}
	return st, nil
}

// Name returns the table name.
func (st *StreamTable) Name() string { return st.name }

// Engine exposes the backing LSM engine (read-only use: stats, usage).
func (st *StreamTable) Engine() *lsm.Engine { return st.engine }

// RegisterListener subscribes a listener to insert notifications.
func (st *StreamTable) RegisterListener(name string, l InsertListener) {
	st.bus.register(name, l)
}

// UnregisterListener removes a listener by name.
func (st *StreamTable) UnregisterListener(name string) {
	st.bus.unregister(name)
}

// Insert appends one record.
func (st *StreamTable) Insert(rec *record.Record) error {
	if err := st.engine.Put(rec); err != nil {
		return err
	}
	st.indexRecord(rec)
	st.maybeScheduleFlush()
	st.bus.publish(st.name, rec.Timestamp, 1)
	return nil
}

// InsertBatch appends a batch, taking the engine lock once and notifying
// listeners once with the batch's max timestamp.
func (st *StreamTable) InsertBatch(recs []*record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	if err := st.engine.PutBatch(recs); err != nil {
		return err
	}

	maxTS := recs[0].Timestamp
	for _, rec := range recs {
		st.indexRecord(rec)
		if rec.Timestamp > maxTS {
			maxTS = rec.Timestamp
		}
	}
	st.maybeScheduleFlush()
	st.bus.publish(st.name, maxTS, len(recs))
	return nil
}

// indexRecord updates the inverted indices for the record's indexed tags.
// The index lock is never held while the engine does I/O.
func (st *StreamTable) indexRecord(rec *record.Record) {
	if len(rec.Tags) == 0 {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	for key, value := range rec.Tags {
		if !st.indexedTags[key] {
			continue
		}
		values, ok := st.tagIndex[key]
		if !ok {
			values = make(map[string]map[int64]struct{})
			st.tagIndex[key] = values
		}
		set, ok := values[value]
		if !ok {
			set = make(map[int64]struct{})
			values[value] = set
		}
		set[rec.Timestamp] = struct{}{}
	}
}

// maybeScheduleFlush schedules a background flush when memtable usage
// crosses the threshold. Routed through the engine's flush worker so the
// insert path never spawns its own goroutine.
func (st *StreamTable) maybeScheduleFlush() {
	size, budget := st.engine.MemTableUsage()
	if float64(size) >= st.flushThreshold*float64(budget) {
		st.engine.ScheduleFlush()
	}
}

// Query returns records in the half-open range carrying every filter tag,
// ascending with duplicates removed by timestamp.
func (st *StreamTable) Query(tr record.TimeRange, filterTags map[string]string) ([]*record.Record, error) {
	if !tr.IsValid() {
		return nil, lsm.ErrInvalidRange
	}

	recs, err := st.engine.RangeQuery(tr.Start, tr.End-1)
	if err != nil {
		return nil, err
	}
	if len(filterTags) == 0 {
		return recs, nil
	}

	// Indexed tags narrow by timestamp membership first; the remaining
	// filter keys fall back to a per-record tag match
	candidates := st.candidateSet(filterTags)

	out := recs[:0]
	for _, rec := range recs {
		if candidates != nil {
			if _, ok := candidates[rec.Timestamp]; !ok {
				continue
			}
		}
		if rec.MatchesTags(filterTags) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// candidateSet intersects the posting sets of every indexed filter tag.
// Returns nil when no filter key is indexed (no narrowing possible).
func (st *StreamTable) candidateSet(filterTags map[string]string) map[int64]struct{} {
	st.mu.RLock()
	defer st.mu.RUnlock()

	var result map[int64]struct{}
	for key, value := range filterTags {
		if !st.indexedTags[key] {
			continue
		}
		values := st.tagIndex[key]
		set := values[value]
		if len(set) == 0 {
			return map[int64]struct{}{}
		}
		if result == nil {
			result = make(map[int64]struct{}, len(set))
			for ts := range set {
				result[ts] = struct{}{}
			}
			continue
		}
		for ts := range result {
			if _, ok := set[ts]; !ok {
				delete(result, ts)
			}
		}
	}
	return result
}

// RegisterWindow maps a window id to its time range. Called by the window
// scheduler when a window is created.
func (st *StreamTable) RegisterWindow(windowID uint64, tr record.TimeRange) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.windows[windowID] = tr
}

// QueryWindow queries the time range registered for windowID.
func (st *StreamTable) QueryWindow(windowID uint64) ([]*record.Record, error) {
	st.mu.RLock()
	tr, ok := st.windows[windowID]
	st.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("window %d is not registered on table %s", windowID, st.name)
	}
	return st.Query(tr, nil)
}

// QueryLatest returns the n highest-timestamp records, sorted descending.
func (st *StreamTable) QueryLatest(n int) ([]*record.Record, error) {
	if n <= 0 {
		return nil, nil
	}

	full := record.FullRange()
	recs, err := st.engine.RangeQuery(full.Start, full.End-1)
	if err != nil {
		return nil, err
	}

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Timestamp > recs[j].Timestamp
	})
	if len(recs) > n {
		recs = recs[:n]
	}
	return recs, nil
}

// Count returns the number of records in the half-open range.
func (st *StreamTable) Count(tr record.TimeRange) (int, error) {
	if !tr.IsValid() {
		return 0, lsm.ErrInvalidRange
	}
	recs, err := st.engine.RangeQuery(tr.Start, tr.End-1)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// CreateIndex starts indexing a tag key, backfilling postings for existing
// records.
func (st *StreamTable) CreateIndex(tagKey string) error {
	st.mu.Lock()
	already := st.indexedTags[tagKey]
	st.indexedTags[tagKey] = true
	st.mu.Unlock()

	if already {
		return nil
	}

	full := record.FullRange()
	recs, err := st.engine.RangeQuery(full.Start, full.End-1)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	values := make(map[string]map[int64]struct{})
	for _, rec := range recs {
		value, ok := rec.Tags[tagKey]
		if !ok {
			continue
		}
		set, ok := values[value]
		if !ok {
			set = make(map[int64]struct{})
			values[value] = set
		}
		set[rec.Timestamp] = struct{}{}
	}
	st.tagIndex[tagKey] = values
	return nil
}

// DropIndex stops indexing a tag key and drops its postings.
func (st *StreamTable) DropIndex(tagKey string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.indexedTags, tagKey)
	delete(st.tagIndex, tagKey)
}

// ListIndices returns the indexed tag keys, sorted.
func (st *StreamTable) ListIndices() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	keys := make([]string, 0, len(st.indexedTags))
	for key := range st.indexedTags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Flush forces an immediate memtable flush.
func (st *StreamTable) Flush() error {
	return st.engine.Flush()
}

// Compact triggers a compaction round.
func (st *StreamTable) Compact() error {
	return st.engine.Compact()
}

// Close flushes and closes the backing engine.
func (st *StreamTable) Close() error {
	return st.engine.Close()
}
