package lsm

import (
	"fmt"
	"os"

	"github.com/intellistream/sage-tsdb/pkg/logging"
	"github.com/intellistream/sage-tsdb/pkg/record"
	"github.com/intellistream/sage-tsdb/pkg/wal"
)

// NewEngine opens an engine in opts.DataDir, rebuilding the level map from
// existing SSTable files and replaying the WAL into a fresh memtable.
func NewEngine(opts Options) (*Engine, error) {
	opts.normalize()

	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, err
	}

	levels, maxSequence, err := ListSSTables(opts.DataDir, opts.Logger)
	if err != nil {
		// Partial results are usable; a fully unreadable directory is not
		if levels == nil {
			return nil, err
		}
		opts.Logger.Warn("recovered with unreadable SSTables", logging.Error(err))
	}

	var log wal.Log
	if opts.Compression {
		log, err = wal.NewCompressed(opts.DataDir)
	} else {
		log, err = wal.New(opts.DataDir)
	}
	if err != nil {
		return nil, err
	}

	e := &Engine{
		memTable:       NewMemTable(opts.MemTableSize),
		wal:            log,
		levels:         levels,
		cache:          NewRecordCache(10000),
		opts:           opts,
		logger:         opts.Logger.With(logging.Component("lsm")),
		flushChan:      make(chan struct{}, 1),
		compactionChan: make(chan struct{}, 1),
		stopChan:       make(chan struct{}),
	}
	e.sequence.Store(maxSequence + 1)

	if err := e.recoverWAL(); err != nil {
		log.Close()
		return nil, fmt.Errorf("WAL recovery: %w", err)
	}

	e.wg.Add(2)
	go e.flushWorker()
	go e.compactionWorker()

	return e, nil
}

// recoverWAL replays the log into the fresh memtable. If the replayed
// contents already exceed the budget an immediate flush is performed.
func (e *Engine) recoverWAL() error {
	records, err := e.wal.Recover()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	for _, rec := range records {
		e.memTable.Put(rec)
	}

	e.logger.Info("replayed WAL", logging.Count(len(records)))

	if e.memTable.IsFull() {
		return e.Flush()
	}
	return nil
}

// Put writes one record. The WAL append must succeed before the write
// becomes visible; a WAL failure leaves the memtable unmodified.
func (e *Engine) Put(rec *record.Record) error {
	if e.closed.Load() {
		return ErrClosed
	}

	e.mu.Lock()

	if err := e.wal.Append(rec); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("WAL append: %w", err)
	}

	e.cache.Invalidate(rec.Timestamp)
	e.memTable.Put(rec)

	e.stats.Puts.Add(1)
	e.stats.BytesWritten.Add(int64(rec.EstimateSize()))

	// Swap only when the immutable slot is free; otherwise the active
	// table keeps absorbing writes until the pending flush completes
	needsSwap := e.memTable.IsFull() && e.immutableTable == nil
	if needsSwap {
		e.immutableTable = e.memTable
		e.memTable = NewMemTable(e.opts.MemTableSize)
	}
	e.mu.Unlock()

	if needsSwap {
		e.triggerFlush()
	}

	return nil
}

// PutBatch writes a batch, taking the write lock once.
func (e *Engine) PutBatch(recs []*record.Record) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if len(recs) == 0 {
		return nil
	}

	e.mu.Lock()

	for _, rec := range recs {
		if err := e.wal.Append(rec); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("WAL append: %w", err)
		}
		e.cache.Invalidate(rec.Timestamp)
		e.memTable.Put(rec)
		e.stats.Puts.Add(1)
		e.stats.BytesWritten.Add(int64(rec.EstimateSize()))
	}

	needsSwap := e.memTable.IsFull() && e.immutableTable == nil
	if needsSwap {
		e.immutableTable = e.memTable
		e.memTable = NewMemTable(e.opts.MemTableSize)
	}
	e.mu.Unlock()

	if needsSwap {
		e.triggerFlush()
	}

	return nil
}

// Get is a point lookup: active memtable, immutable memtable, then levels.
// Within L0 the newest sequence wins; deeper levels hold at most one
// candidate each.
func (e *Engine) Get(ts int64) (*record.Record, bool) {
	e.stats.Gets.Add(1)

	if rec, ok := e.cache.Get(ts); ok {
		return rec, true
	}

	e.mu.RLock()
	if rec, ok := e.memTable.Get(ts); ok {
		e.mu.RUnlock()
		e.stats.MemTableHits.Add(1)
		e.cache.Put(ts, rec)
		return rec, true
	}
	if e.immutableTable != nil {
		if rec, ok := e.immutableTable.Get(ts); ok {
			e.mu.RUnlock()
			e.stats.MemTableHits.Add(1)
			e.cache.Put(ts, rec)
			return rec, true
		}
	}
	e.mu.RUnlock()

	e.sstMu.RLock()
	levels := e.levels
	e.sstMu.RUnlock()

	if len(levels) > 0 {
		// L0 tables overlap: search newest flush first
		for i := len(levels[0]) - 1; i >= 0; i-- {
			if rec, found := e.getFromSSTable(levels[0][i], ts); found {
				return rec, true
			}
		}
	}

	for level := 1; level < len(levels); level++ {
		sst := findByRange(levels[level], ts)
		if sst == nil {
			continue
		}
		if rec, found := e.getFromSSTable(sst, ts); found {
			return rec, true
		}
	}

	return nil, false
}

func (e *Engine) getFromSSTable(sst *SSTable, ts int64) (*record.Record, bool) {
	rec, found, bloomRejected := sst.Get(ts)
	if bloomRejected {
		e.stats.BloomRejections.Add(1)
		return nil, false
	}
	if found {
		e.stats.SSTableHits.Add(1)
		e.cache.Put(ts, rec)
		return rec, true
	}
	return nil, false
}

// findByRange binary-searches a disjoint, min-timestamp-ordered level for
// the single table whose range can contain ts.
func findByRange(tables []*SSTable, ts int64) *SSTable {
	lo, hi := 0, len(tables)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		sst := tables[mid]
		switch {
		case ts < sst.MinTimestamp():
			hi = mid - 1
		case ts > sst.MaxTimestamp():
			lo = mid + 1
		default:
			return sst
		}
	}
	return nil
}

// RangeQuery returns records with timestamps in [lo, hi], ascending, with
// duplicates resolved newest-source-wins: active memtable, immutable
// memtable, L0 by descending sequence, then deeper levels.
func (e *Engine) RangeQuery(lo, hi int64) ([]*record.Record, error) {
	if hi < lo {
		return nil, ErrInvalidRange
	}

	merged := make(map[int64]*record.Record)
	absorb := func(recs []*record.Record) {
		for _, rec := range recs {
			if _, exists := merged[rec.Timestamp]; !exists {
				merged[rec.Timestamp] = rec
			}
		}
	}

	e.mu.RLock()
	active := e.memTable.RangeQuery(lo, hi)
	var immutable []*record.Record
	if e.immutableTable != nil {
		immutable = e.immutableTable.RangeQuery(lo, hi)
	}
	e.mu.RUnlock()

	absorb(active)
	absorb(immutable)

	e.sstMu.RLock()
	levels := e.levels
	e.sstMu.RUnlock()

	if len(levels) > 0 {
		for i := len(levels[0]) - 1; i >= 0; i-- {
			sst := levels[0][i]
			if !sst.Overlaps(lo, hi) {
				continue
			}
			recs, err := sst.RangeQuery(lo, hi)
			if err != nil {
				return nil, err
			}
			absorb(recs)
		}
	}

	for level := 1; level < len(levels); level++ {
		for _, sst := range levels[level] {
			if !sst.Overlaps(lo, hi) {
				continue
			}
			recs, err := sst.RangeQuery(lo, hi)
			if err != nil {
				return nil, err
			}
			absorb(recs)
		}
	}

	results := make([]*record.Record, 0, len(merged))
	for _, rec := range merged {
		results = append(results, rec)
	}
	record.SortByTimestamp(results)
	return results, nil
}

// GetStats returns a snapshot of the engine counters.
func (e *Engine) GetStats() StatsSnapshot {
	snap := StatsSnapshot{
		Puts:            e.stats.Puts.Load(),
		Gets:            e.stats.Gets.Load(),
		MemTableHits:    e.stats.MemTableHits.Load(),
		SSTableHits:     e.stats.SSTableHits.Load(),
		BloomRejections: e.stats.BloomRejections.Load(),
		Flushes:         e.stats.Flushes.Load(),
		Compactions:     e.stats.Compactions.Load(),
		BytesWritten:    e.stats.BytesWritten.Load(),
	}

	e.mu.RLock()
	snap.MemTableSize = e.memTable.Size()
	e.mu.RUnlock()

	e.sstMu.RLock()
	for _, level := range e.levels {
		snap.SSTableCount += len(level)
		snap.TotalBytes += levelSize(level)
	}
	if len(e.levels) > 0 {
		snap.Level0FileCount = len(e.levels[0])
	}
	e.sstMu.RUnlock()

	return snap
}

// MemTableUsage returns the active memtable's current size and budget.
func (e *Engine) MemTableUsage() (size, budget int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.memTable.Size(), e.opts.MemTableSize
}

// LevelCount returns the number of SSTables per level.
func (e *Engine) LevelCount() []int {
	e.sstMu.RLock()
	defer e.sstMu.RUnlock()

	counts := make([]int, len(e.levels))
	for i, level := range e.levels {
		counts[i] = len(level)
	}
	return counts
}

// Close flushes pending writes, stops background workers, and closes the
// WAL.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(e.stopChan)
	e.wg.Wait()

	// Final flush of whatever remains in memory
	if err := e.Flush(); err != nil {
		e.logger.Error("final flush failed", logging.Error(err))
	}

	return e.wal.Close()
}
