package compute

import (
	"time"
)

// maxTrackedPairs bounds the matched-pair list so a pathological window
// cannot hold the whole cross product in memory.
const maxTrackedPairs = 65536

// hashJoinOperator is the exact symmetric hash join shared by the IAWJ,
// SHJ, PRJ, and the selective variants. Both sides build hash tables keyed
// by the join key; every fed tuple probes the opposite side.
type hashJoinOperator struct {
	typ OperatorType
	cfg Config

	windowLenUS int64
	slideLenUS  int64
	base        int64

	sTuples []Tuple
	rTuples []Tuple
	sIndex  map[int64][]int
	rIndex  map[int64][]int

	count     int
	valueSum  float64
	pairs     [][2]int
	lateCount int

	// selective marks the IAWJSel variants and does not change how tuples
	// are matched; the lazy variant defers all matching to the first
	// ExactCount call
	selective bool
	lazy      bool
	counted   bool

	running  bool
	feedUS   int64
	matchUS  int64
}

func newHashJoinOperator(typ OperatorType) *hashJoinOperator {
	return &hashJoinOperator{typ: typ}
}

func (op *hashJoinOperator) Configure(cfg Config) error {
	op.cfg = cfg
	return nil
}

func (op *hashJoinOperator) SetWindow(lenUS, slideUS int64) {
	op.windowLenUS = lenUS
	op.slideLenUS = slideUS
}

func (op *hashJoinOperator) SyncTime(base int64) {
	op.base = base
}

func (op *hashJoinOperator) Start() error {
	op.sTuples = op.sTuples[:0]
	op.rTuples = op.rTuples[:0]
	op.sIndex = make(map[int64][]int)
	op.rIndex = make(map[int64][]int)
	op.count = 0
	op.valueSum = 0
	op.pairs = op.pairs[:0]
	op.lateCount = 0
	op.counted = false
	op.feedUS = 0
	op.matchUS = 0
	op.running = true
	return nil
}

func (op *hashJoinOperator) Stop() {
	op.running = false
}

func (op *hashJoinOperator) FeedS(t Tuple) {
	start := time.Now()
	defer func() { op.feedUS += time.Since(start).Microseconds() }()

	if op.isLate(t) {
		op.lateCount++
		return
	}

	idx := len(op.sTuples)
	op.sTuples = append(op.sTuples, t)
	op.sIndex[t.Key] = append(op.sIndex[t.Key], idx)

	if !op.lazy {
		for _, rIdx := range op.rIndex[t.Key] {
			op.match(idx, rIdx, t.Value, op.rTuples[rIdx].Value)
		}
	}
}

func (op *hashJoinOperator) FeedR(t Tuple) {
	start := time.Now()
	defer func() { op.feedUS += time.Since(start).Microseconds() }()

	if op.isLate(t) {
		op.lateCount++
		return
	}

	idx := len(op.rTuples)
	op.rTuples = append(op.rTuples, t)
	op.rIndex[t.Key] = append(op.rIndex[t.Key], idx)

	if !op.lazy {
		for _, sIdx := range op.sIndex[t.Key] {
			op.match(sIdx, idx, op.sTuples[sIdx].Value, t.Value)
		}
	}
}

// isLate drops tuples arriving beyond the configured delay bound.
func (op *hashJoinOperator) isLate(t Tuple) bool {
	return op.cfg.MaxDelayUS > 0 && t.ArrivalTime-t.EventTime > op.cfg.MaxDelayUS
}

func (op *hashJoinOperator) match(sIdx, rIdx int, sVal, rVal float64) {
	op.count++
	op.valueSum += (sVal + rVal) / 2
	if len(op.pairs) < maxTrackedPairs {
		op.pairs = append(op.pairs, [2]int{sIdx, rIdx})
	}
}

func (op *hashJoinOperator) ExactCount() int {
	if op.lazy && !op.counted {
		start := time.Now()
		for sIdx, s := range op.sTuples {
			for _, rIdx := range op.rIndex[s.Key] {
				op.match(sIdx, rIdx, s.Value, op.rTuples[rIdx].Value)
			}
		}
		op.counted = true
		op.matchUS += time.Since(start).Microseconds()
	}
	return op.count
}

func (op *hashJoinOperator) AQPCount() float64 {
	return AQPUnsupported
}

func (op *hashJoinOperator) TimeBreakdown() map[string]int64 {
	return map[string]int64{
		"feed_us":  op.feedUS,
		"match_us": op.matchUS,
	}
}

// MatchedIndexPairs returns up to limit (sIndex, rIndex) positions.
func (op *hashJoinOperator) MatchedIndexPairs(limit int) [][2]int {
	if op.lazy {
		op.ExactCount() // force the deferred match pass
	}
	pairs := op.pairs
	if limit > 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	out := make([][2]int, len(pairs))
	copy(out, pairs)
	return out
}

// JoinedValue returns the join count, or count weighted by the average
// joined value when join_sum is configured.
func (op *hashJoinOperator) JoinedValue() float64 {
	count := op.ExactCount()
	if !op.cfg.JoinSum || count == 0 {
		return float64(count)
	}
	return float64(count) * (op.valueSum / float64(count))
}
