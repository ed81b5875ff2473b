package lsm

import (
	"fmt"
	"time"

	"github.com/intellistream/sage-tsdb/pkg/logging"
)

// triggerFlush signals the flush worker without blocking.
func (e *Engine) triggerFlush() {
	select {
	case e.flushChan <- struct{}{}:
	default:
	}
}

// triggerCompaction signals the compaction worker without blocking.
func (e *Engine) triggerCompaction() {
	select {
	case e.compactionChan <- struct{}{}:
	default:
	}
}

// flushWorker drains the immutable memtable to an L0 SSTable.
func (e *Engine) flushWorker() {
	defer e.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.flushChan:
			if err := e.flushImmutable(); err != nil {
				e.logger.Error("flush failed", logging.Error(err))
			}
		case <-ticker.C:
			// Periodic check: a full active table with a free immutable
			// slot may have missed its trigger under races
			e.mu.Lock()
			if e.memTable.IsFull() && e.immutableTable == nil {
				e.immutableTable = e.memTable
				e.memTable = NewMemTable(e.opts.MemTableSize)
			}
			pending := e.immutableTable != nil
			e.mu.Unlock()
			if pending {
				if err := e.flushImmutable(); err != nil {
					e.logger.Error("periodic flush failed", logging.Error(err))
				}
			}
		case <-e.stopChan:
			return
		}
	}
}

// Flush forces an immediate memtable flush: the active table is swapped
// into the immutable slot (when free) and written out synchronously.
func (e *Engine) Flush() error {
	e.mu.Lock()
	if e.immutableTable == nil && e.memTable.Len() > 0 {
		e.immutableTable = e.memTable
		e.memTable = NewMemTable(e.opts.MemTableSize)
	}
	e.mu.Unlock()

	return e.flushImmutable()
}

// flushImmutable writes the pending immutable memtable to a new L0 table,
// installs it, drops the memtable, and truncates the WAL.
func (e *Engine) flushImmutable() error {
	e.mu.RLock()
	immutable := e.immutableTable
	e.mu.RUnlock()

	if immutable == nil {
		return nil
	}

	entries := immutable.Entries()
	if len(entries) == 0 {
		e.mu.Lock()
		e.immutableTable = nil
		e.mu.Unlock()
		return nil
	}

	sequence := e.sequence.Add(1)
	path := SSTablePath(e.opts.DataDir, 0, sequence)
	sst, err := CreateSSTable(path, 0, sequence, e.opts.BloomBitsPerKey, entries)
	if err != nil {
		return fmt.Errorf("create L0 SSTable: %w", err)
	}

	e.sstMu.Lock()
	if len(e.levels) == 0 {
		e.levels = make([][]*SSTable, 1)
	}
	e.levels[0] = append(e.levels[0], sst)
	l0Count := len(e.levels[0])
	e.sstMu.Unlock()

	e.mu.Lock()
	e.immutableTable = nil
	e.mu.Unlock()

	if err := e.wal.Clear(); err != nil {
		return fmt.Errorf("WAL truncate: %w", err)
	}

	e.stats.Flushes.Add(1)
	e.logger.Debug("flushed memtable",
		logging.Sequence(sequence), logging.Count(len(entries)))

	if e.opts.AutoCompaction && l0Count >= e.opts.Level0FileLimit {
		e.triggerCompaction()
	}

	return nil
}

// ScheduleFlush swaps the active memtable into the free immutable slot and
// signals the flush worker. Non-blocking: callers on the write path never
// wait for the flush itself.
func (e *Engine) ScheduleFlush() {
	e.mu.Lock()
	if e.immutableTable == nil && e.memTable.Len() > 0 {
		e.immutableTable = e.memTable
		e.memTable = NewMemTable(e.opts.MemTableSize)
	}
	e.mu.Unlock()

	e.triggerFlush()
}

// compactionWorker runs merges in the background. A single worker is
// sufficient; merges run with no engine lock held.
func (e *Engine) compactionWorker() {
	defer e.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.compactionChan:
			if err := e.Compact(); err != nil {
				e.logger.Error("compaction failed", logging.Error(err))
			}
		case <-ticker.C:
			if !e.opts.AutoCompaction {
				continue
			}
			if err := e.Compact(); err != nil {
				e.logger.Error("periodic compaction failed", logging.Error(err))
			}
		case <-e.stopChan:
			return
		}
	}
}

// Compact runs one round of compaction if any level is over budget. Input
// files are deleted only after the level vectors have been replaced, so
// in-flight readers finish safely on the old vector.
func (e *Engine) Compact() error {
	strategy := e.opts.strategy()

	e.sstMu.RLock()
	plan := strategy.SelectCompaction(e.levels)
	e.sstMu.RUnlock()

	if plan == nil {
		return nil
	}

	compactor := NewCompactor(e.opts.DataDir, e.opts.BloomBitsPerKey, e.logger)
	output, err := compactor.Compact(plan, e.sequence.Add(1))
	if err != nil {
		return err
	}
	if output == nil {
		return nil
	}

	consumed := make(map[*SSTable]bool)
	for _, sst := range plan.Inputs() {
		consumed[sst] = true
	}

	// Copy-on-write swap: readers traversing the old vectors are unaffected
	e.sstMu.Lock()
	newLevels := make([][]*SSTable, len(e.levels))
	for i := range e.levels {
		kept := make([]*SSTable, 0, len(e.levels[i]))
		for _, sst := range e.levels[i] {
			if !consumed[sst] {
				kept = append(kept, sst)
			}
		}
		newLevels[i] = kept
	}
	for len(newLevels) <= plan.OutputLevel {
		newLevels = append(newLevels, nil)
	}
	newLevels[plan.OutputLevel] = insertByMinTimestamp(newLevels[plan.OutputLevel], output)
	e.levels = newLevels
	e.sstMu.Unlock()

	e.stats.Compactions.Add(1)
	e.logger.Info("compacted level",
		logging.LevelNum(plan.Level),
		logging.Count(len(plan.Inputs())),
		logging.Sequence(output.Sequence()))

	if err := compactor.CleanupInputs(plan.Inputs()); err != nil {
		e.logger.Warn("failed to delete compacted SSTables", logging.Error(err))
	}

	return nil
}

// insertByMinTimestamp keeps a disjoint level ordered by min timestamp.
func insertByMinTimestamp(tables []*SSTable, sst *SSTable) []*SSTable {
	out := make([]*SSTable, 0, len(tables)+1)
	inserted := false
	for _, t := range tables {
		if !inserted && sst.MinTimestamp() < t.MinTimestamp() {
			out = append(out, sst)
			inserted = true
		}
		out = append(out, t)
	}
	if !inserted {
		out = append(out, sst)
	}
	return out
}
