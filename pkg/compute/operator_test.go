package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedWindow(t *testing.T, op Operator, cfg Config, s, r []Tuple) {
	t.Helper()
	require.NoError(t, op.Configure(cfg))
	op.SetWindow(cfg.WindowLenUS, cfg.SlideLenUS)
	op.SyncTime(0)
	require.NoError(t, op.Start())
	for _, tup := range s {
		op.FeedS(tup)
	}
	for _, tup := range r {
		op.FeedR(tup)
	}
}

func tuplesOf(keys ...int64) []Tuple {
	out := make([]Tuple, len(keys))
	for i, k := range keys {
		out[i] = Tuple{Key: k, Value: float64(k), EventTime: int64(i), ArrivalTime: int64(i)}
	}
	return out
}

// TestExactOperatorsAgree tests every exact variant on the same input
func TestExactOperatorsAgree(t *testing.T) {
	cfg := DefaultConfig("s", "r", "out")
	s := tuplesOf(1, 2, 2, 3)
	r := tuplesOf(2, 3, 3, 4)
	// key 2: 2x1, key 3: 1x2 -> 4 matches
	const want = 4

	for _, typ := range []OperatorType{OpIAWJ, OpSHJ, OpPRJ, OpIAWJSel, OpLazyIAWJSel} {
		op := NewOperator(typ)
		feedWindow(t, op, cfg, s, r)
		assert.Equal(t, want, op.ExactCount(), typ.String())
		op.Stop()
	}
}

// TestOperatorRestartClearsState tests the per-window reset contract
func TestOperatorRestartClearsState(t *testing.T) {
	cfg := DefaultConfig("s", "r", "out")
	op := NewOperator(OpIAWJ)

	feedWindow(t, op, cfg, tuplesOf(1), tuplesOf(1))
	assert.Equal(t, 1, op.ExactCount())
	op.Stop()

	// A fresh Start must drop every buffered tuple
	feedWindow(t, op, cfg, tuplesOf(2), tuplesOf(3))
	assert.Equal(t, 0, op.ExactCount())
	op.Stop()
}

// TestSampledOperatorEstimate tests the approximate path's sanity
func TestSampledOperatorEstimate(t *testing.T) {
	cfg := DefaultConfig("s", "r", "out")
	op := NewOperator(OpMeanAQP)

	keys := make([]int64, 4000)
	for i := range keys {
		keys[i] = int64(i % 16)
	}
	s := tuplesOf(keys...)
	r := tuplesOf(keys...)
	feedWindow(t, op, cfg, s, r)
	defer op.Stop()

	exact := float64(op.ExactCount())
	estimate := op.AQPCount()
	require.Greater(t, estimate, 0.0)

	// With 1/4 sampling on a uniform key distribution the estimate sits
	// within a factor of two of the exact answer
	assert.Greater(t, estimate, exact/2)
	assert.Less(t, estimate, exact*2)
}

// TestExactOperatorHasNoAQP tests the unsupported sentinel
func TestExactOperatorHasNoAQP(t *testing.T) {
	op := NewOperator(OpIAWJ)
	cfg := DefaultConfig("s", "r", "out")
	feedWindow(t, op, cfg, tuplesOf(1), tuplesOf(1))
	defer op.Stop()

	assert.Equal(t, AQPUnsupported, op.AQPCount())
}

// TestCompensatingOperator tests IMA late-tuple compensation
func TestCompensatingOperator(t *testing.T) {
	cfg := DefaultConfig("s", "r", "out")
	cfg.MaxDelayUS = 10

	op := NewOperator(OpIMA)
	require.NoError(t, op.Configure(cfg))
	op.SetWindow(cfg.WindowLenUS, cfg.SlideLenUS)
	op.SyncTime(0)
	require.NoError(t, op.Start())

	// One on-time pair plus one tuple arriving far past the delay bound
	op.FeedS(Tuple{Key: 1, Value: 1, EventTime: 0, ArrivalTime: 0})
	op.FeedR(Tuple{Key: 1, Value: 1, EventTime: 5, ArrivalTime: 5})
	op.FeedS(Tuple{Key: 1, Value: 1, EventTime: 0, ArrivalTime: 100})
	defer op.Stop()

	assert.Equal(t, 1, op.ExactCount(), "the late tuple is dropped from the exact join")
	assert.Greater(t, op.AQPCount(), 1.0, "compensation scales up for the late fraction")

	// Disabling compensation collapses the estimate onto the exact count
	cfg.IMADisableCompensation = true
	op2 := NewOperator(OpIMA)
	require.NoError(t, op2.Configure(cfg))
	op2.SetWindow(cfg.WindowLenUS, cfg.SlideLenUS)
	require.NoError(t, op2.Start())
	op2.FeedS(Tuple{Key: 1, Value: 1, EventTime: 0, ArrivalTime: 100})
	defer op2.Stop()
	assert.Equal(t, 0.0, op2.AQPCount())
}

// TestPairReporting tests the matched-pair capability
func TestPairReporting(t *testing.T) {
	cfg := DefaultConfig("s", "r", "out")
	op := NewOperator(OpIAWJ)
	feedWindow(t, op, cfg, tuplesOf(1, 2), tuplesOf(2, 3))
	defer op.Stop()

	reporter, ok := op.(PairReporter)
	require.True(t, ok)
	pairs := reporter.MatchedIndexPairs(0)
	require.Len(t, pairs, 1)
	assert.Equal(t, [2]int{1, 0}, pairs[0], "S index 1 (key 2) matches R index 0 (key 2)")
}

// TestJoinSumWeighting tests the count-times-average mode
func TestJoinSumWeighting(t *testing.T) {
	cfg := DefaultConfig("s", "r", "out")
	cfg.JoinSum = true

	op := newHashJoinOperator(OpIAWJ)
	require.NoError(t, op.Configure(cfg))
	require.NoError(t, op.Start())
	op.FeedS(Tuple{Key: 1, Value: 10})
	op.FeedR(Tuple{Key: 1, Value: 30})
	defer op.Stop()

	assert.Equal(t, 1, op.ExactCount())
	assert.InDelta(t, 20.0, op.JoinedValue(), 1e-9, "one pair weighted by its average value")
}
