package lsm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/intellistream/sage-tsdb/pkg/logging"
)

// Compactor executes compaction plans. Merges run without any engine lock
// held; the engine swaps the level vectors afterwards and only then are the
// input files deleted.
type Compactor struct {
	dataDir    string
	bitsPerKey int
	logger     logging.Logger
}

// NewCompactor creates a compactor writing outputs into dataDir.
func NewCompactor(dataDir string, bitsPerKey int, logger logging.Logger) *Compactor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Compactor{
		dataDir:    dataDir,
		bitsPerKey: bitsPerKey,
		logger:     logger,
	}
}

// Compact merges the plan's inputs into one output table at the target
// level. This is a critical background path: a panic here must not leave a
// partially installed table, so the output is cleaned up on any failure.
func (c *Compactor) Compact(plan *CompactionPlan, sequence uint64) (result *SSTable, err error) {
	var output *SSTable
	var path string

	removeOutput := func() {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			c.logger.Warn("failed to clean up compaction output",
				logging.Path(path), logging.Error(rmErr))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic during compaction",
				logging.LevelNum(plan.Level),
				logging.Count(len(plan.Inputs())),
				logging.Any("panic", r))
			err = fmt.Errorf("panic during compaction: %v", r)
			result = nil
			if path != "" {
				removeOutput()
			}
		}
	}()

	if plan == nil || len(plan.Inputs()) == 0 {
		return nil, nil
	}

	path = SSTablePath(c.dataDir, plan.OutputLevel, sequence)
	output, err = MergeSSTables(path, plan.OutputLevel, sequence, c.bitsPerKey, plan.Inputs())
	if err != nil {
		removeOutput()
		return nil, fmt.Errorf("merge to %s: %w", path, err)
	}

	return output, nil
}

// CleanupInputs deletes the plan's input files. Called only after the
// engine has swapped its level vectors, so in-flight readers are safe.
// Continues past individual failures and aggregates them.
func (c *Compactor) CleanupInputs(inputs []*SSTable) error {
	var errs []error
	for _, sst := range inputs {
		if err := sst.Remove(); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("delete %s: %w", sst.Path(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to delete %d of %d SSTables: %v", len(errs), len(inputs), errs[0])
	}
	return nil
}

// ListSSTables scans dir for SSTable files and rebuilds the level map from
// the filename-encoded (level, sequence). Returns partial results plus an
// error describing any files that failed to open.
func ListSSTables(dir string, logger logging.Logger) ([][]*SSTable, uint64, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.sst"))
	if err != nil {
		return nil, 0, fmt.Errorf("glob SSTable files: %w", err)
	}

	levelMap := make(map[int][]*SSTable)
	var maxSequence uint64
	var errs []error

	for _, path := range files {
		level, sequence, err := ParseSSTablePath(path)
		if err != nil {
			logger.Warn("SSTable file has invalid name format", logging.Path(path))
			continue
		}

		sst, err := OpenSSTable(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("open %s: %w", path, err))
			continue
		}

		levelMap[level] = append(levelMap[level], sst)
		if sequence > maxSequence {
			maxSequence = sequence
		}
	}

	maxLevel := 0
	for level := range levelMap {
		if level > maxLevel {
			maxLevel = level
		}
	}

	levels := make([][]*SSTable, maxLevel+1)
	for level := 0; level <= maxLevel; level++ {
		tables := levelMap[level]
		// L0 orders by sequence (flush order); deeper levels by min
		// timestamp since their ranges are disjoint
		if level == 0 {
			sort.Slice(tables, func(i, j int) bool {
				return tables[i].Sequence() < tables[j].Sequence()
			})
		} else {
			sort.Slice(tables, func(i, j int) bool {
				return tables[i].MinTimestamp() < tables[j].MinTimestamp()
			})
		}
		levels[level] = tables
	}

	if len(errs) > 0 {
		return levels, maxSequence, fmt.Errorf("failed to open %d SSTable(s): %v", len(errs), errs[0])
	}

	return levels, maxSequence, nil
}
