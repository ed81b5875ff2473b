package compute

import (
	"errors"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intellistream/sage-tsdb/pkg/lsm"
	"github.com/intellistream/sage-tsdb/pkg/logging"
	"github.com/intellistream/sage-tsdb/pkg/record"
	"github.com/intellistream/sage-tsdb/pkg/resource"
	"github.com/intellistream/sage-tsdb/pkg/table"
)

type testHarness struct {
	manager *table.Manager
	handle  *resource.Handle
	engine  *Engine
}

func newHarness(t *testing.T, mutate func(*Config)) *testHarness {
	t.Helper()

	dataDir := t.TempDir()
	manager := table.NewManager(table.ManagerOptions{
		DataDir: dataDir,
		EngineOpts: func(name string) lsm.Options {
			opts := lsm.DefaultOptions(filepath.Join(dataDir, name))
			opts.AutoCompaction = false
			opts.Logger = logging.NewNopLogger()
			return opts
		},
	})
	t.Cleanup(func() { manager.Close() })
	require.NoError(t, manager.CreatePECJTables(""))

	resources := resource.NewManager()
	t.Cleanup(resources.Close)
	handle, err := resources.AllocateForCompute("test", resource.Request{Threads: 2})
	require.NoError(t, err)

	cfg := DefaultConfig("stream_s", "stream_r", "join_results")
	if mutate != nil {
		mutate(&cfg)
	}

	engine := NewEngine()
	require.NoError(t, engine.Initialize(cfg, manager, handle))

	return &testHarness{manager: manager, handle: handle, engine: engine}
}

func (h *testHarness) insert(t *testing.T, tableName string, key int64, value float64, ts int64) {
	t.Helper()
	rec := record.NewScalar(ts, value).
		WithTags(map[string]string{"key": strconv.FormatInt(key, 10)})
	require.NoError(t, h.manager.Insert(tableName, rec))
}

// TestInitializeValidation tests the Initialize failure modes
func TestInitializeValidation(t *testing.T) {
	engine := NewEngine()

	badCfg := DefaultConfig("", "r", "out")
	err := engine.Initialize(badCfg, nil, nil)
	assert.True(t, errors.Is(err, ErrInvalidConfig), "empty table name must fail")

	cfg := DefaultConfig("s", "r", "out")
	err = engine.Initialize(cfg, nil, nil)
	assert.True(t, errors.Is(err, ErrNullDatabase))

	cfg.WindowLenUS = 0
	err = engine.Initialize(cfg, nil, nil)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

// TestInitializeTwice tests the double-initialization guard
func TestInitializeTwice(t *testing.T) {
	h := newHarness(t, nil)
	err := h.engine.Initialize(h.engine.Config(), h.manager, h.handle)
	assert.True(t, errors.Is(err, ErrAlreadyInitialized))
}

// TestSingleWindowExactJoin runs the canonical single-window scenario:
// S={1,2}, R={1,3} matching only on key 1
func TestSingleWindowExactJoin(t *testing.T) {
	h := newHarness(t, nil)

	h.insert(t, "stream_s", 1, 10, 1000)
	h.insert(t, "stream_s", 2, 20, 1100)
	h.insert(t, "stream_r", 1, 30, 1050)
	h.insert(t, "stream_r", 3, 40, 1200)

	status, err := h.engine.ExecuteWindowJoin(1, record.NewTimeRange(0, 2000))
	require.NoError(t, err)

	assert.True(t, status.Success)
	assert.Equal(t, uint64(1), status.WindowID)
	assert.Equal(t, 1, status.ExactCount, "only key 1 appears on both sides")
	assert.Equal(t, 2, status.InputSCount)
	assert.Equal(t, 2, status.InputRCount)
	assert.InDelta(t, 0.25, status.Selectivity, 1e-9)

	// The result row landed keyed by window id
	results, err := h.manager.GetJoinResultTable("join_results")
	require.NoError(t, err)
	rows := results.QueryByWindow(1)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].JoinCount)
	assert.Equal(t, int64(2000), rows[0].Timestamp)

	// Payload decodes back to the matched pair
	pairs, err := table.DeserializePayload(rows[0].Payload)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "1", pairs[0].S.Tags["key"])
	assert.Equal(t, "1", pairs[0].R.Tags["key"])
}

// TestEmptyWindow tests the zero-input boundary
func TestEmptyWindow(t *testing.T) {
	h := newHarness(t, nil)

	status, err := h.engine.ExecuteWindowJoin(5, record.NewTimeRange(0, 1000))
	require.NoError(t, err)

	assert.True(t, status.Success)
	assert.Equal(t, 0, status.ExactCount)
	assert.Equal(t, 0, status.InputSCount)
	assert.Equal(t, 0, status.InputRCount)
	assert.Equal(t, 0.0, status.Selectivity)
	assert.GreaterOrEqual(t, status.LatencyMS, 0.0)
}

// TestWindowBoundaryInclusion tests the half-open [start, end) rule
func TestWindowBoundaryInclusion(t *testing.T) {
	h := newHarness(t, nil)

	h.insert(t, "stream_s", 1, 1, 1000) // == start: included
	h.insert(t, "stream_s", 2, 2, 2000) // == end: excluded

	status, err := h.engine.ExecuteWindowJoin(1, record.NewTimeRange(1000, 2000))
	require.NoError(t, err)
	assert.Equal(t, 1, status.InputSCount)
}

// TestInvalidRange tests end <= start rejection
func TestInvalidRange(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.ExecuteWindowJoin(1, record.NewTimeRange(1000, 1000))
	assert.True(t, errors.Is(err, ErrInvalidRange))

	_, err = h.engine.ExecuteWindowJoin(1, record.NewTimeRange(1000, 500))
	assert.True(t, errors.Is(err, ErrInvalidRange))
}

// TestRecomputationOverwrites tests one result row per window id
func TestRecomputationOverwrites(t *testing.T) {
	h := newHarness(t, nil)

	h.insert(t, "stream_s", 1, 1, 100)
	h.insert(t, "stream_r", 1, 2, 200)

	_, err := h.engine.ExecuteWindowJoin(3, record.NewTimeRange(0, 1000))
	require.NoError(t, err)

	// New matching data arrives late; the window recomputes
	h.insert(t, "stream_s", 1, 3, 300)
	status, err := h.engine.ExecuteWindowJoin(3, record.NewTimeRange(0, 1000))
	require.NoError(t, err)
	assert.Equal(t, 2, status.ExactCount)

	results, err := h.manager.GetJoinResultTable("join_results")
	require.NoError(t, err)
	rows := results.QueryByWindow(3)
	require.Len(t, rows, 1, "recomputation overwrites, never duplicates")
	assert.Equal(t, 2, rows[0].JoinCount)
}

// TestAQPFallbackOnTimeout tests the timeout -> approximate path with a
// deliberately large window and a 1ms deadline
func TestAQPFallbackOnTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Operator = OpMeanAQP
		cfg.EnableAQP = true
		cfg.TimeoutMS = 1
	})

	const perSide = 20000
	sBatch := make([]*record.Record, perSide)
	rBatch := make([]*record.Record, perSide)
	for i := 0; i < perSide; i++ {
		key := strconv.Itoa(i % 64)
		sBatch[i] = record.NewScalar(int64(i), float64(i)).
			WithTags(map[string]string{"key": key})
		rBatch[i] = record.NewScalar(int64(i), float64(i)).
			WithTags(map[string]string{"key": key})
	}
	require.NoError(t, h.manager.InsertBatch("stream_s", sBatch))
	require.NoError(t, h.manager.InsertBatch("stream_r", rBatch))

	status, err := h.engine.ExecuteWindowJoin(1, record.NewTimeRange(0, perSide))
	require.NoError(t, err)

	assert.True(t, status.Success)
	assert.True(t, status.TimeoutOccurred, "1ms deadline must expire on 40k tuples")
	assert.True(t, status.UsedAQP)
	assert.Greater(t, status.AQPEstimate, 0.0)

	snap := h.engine.GetMetrics()
	assert.GreaterOrEqual(t, snap.AQPInvocations, int64(1))
	assert.GreaterOrEqual(t, snap.WindowsTimeout, int64(1))
}

// TestTimeoutWithoutAQPFails tests the strict-timeout path
func TestTimeoutWithoutAQPFails(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.EnableAQP = false
		cfg.TimeoutMS = 1
	})

	const perSide = 30000
	sBatch := make([]*record.Record, perSide)
	for i := 0; i < perSide; i++ {
		sBatch[i] = record.NewScalar(int64(i), float64(i)).
			WithTags(map[string]string{"key": strconv.Itoa(i % 64)})
	}
	require.NoError(t, h.manager.InsertBatch("stream_s", sBatch))

	_, err := h.engine.ExecuteWindowJoin(1, record.NewTimeRange(0, perSide))
	if err == nil {
		t.Skip("machine too fast to trip a 1ms deadline")
	}
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.GreaterOrEqual(t, h.engine.GetMetrics().WindowsFailed, int64(1))
}

// TestMetricsAccumulation tests window counters and reset
func TestMetricsAccumulation(t *testing.T) {
	h := newHarness(t, nil)

	h.insert(t, "stream_s", 1, 1, 100)
	h.insert(t, "stream_r", 1, 2, 200)

	for i := uint64(1); i <= 3; i++ {
		_, err := h.engine.ExecuteWindowJoin(i, record.NewTimeRange(0, 1000))
		require.NoError(t, err)
	}

	snap := h.engine.GetMetrics()
	assert.Equal(t, int64(3), snap.WindowsCompleted)
	assert.Equal(t, int64(6), snap.TuplesProcessed)
	assert.Greater(t, snap.LatencyMaxMS, 0.0)
	assert.GreaterOrEqual(t, snap.LatencyP99MS, snap.LatencyMinMS)

	h.engine.Reset()
	snap = h.engine.GetMetrics()
	assert.Equal(t, int64(0), snap.WindowsCompleted)

	// Reset touches no table: the result rows are still there
	results, err := h.manager.GetJoinResultTable("join_results")
	require.NoError(t, err)
	assert.Equal(t, 3, results.Len())
}

// TestNormalizationConsistency tests that shifting all inputs by a
// constant offset leaves the join result unchanged
func TestNormalizationConsistency(t *testing.T) {
	counts := make([]int, 0, 2)
	for _, offset := range []int64{0, 5_000_000} {
		h := newHarness(t, nil)
		h.insert(t, "stream_s", 1, 1, offset+100)
		h.insert(t, "stream_s", 2, 2, offset+200)
		h.insert(t, "stream_r", 1, 3, offset+150)

		status, err := h.engine.ExecuteWindowJoin(1,
			record.NewTimeRange(offset, offset+1000))
		require.NoError(t, err)
		counts = append(counts, status.ExactCount)
	}
	assert.Equal(t, counts[0], counts[1], "per-window origin normalization must make the answer offset-independent")
}

// TestNotInitialized tests execution before Initialize
func TestNotInitialized(t *testing.T) {
	engine := NewEngine()
	_, err := engine.ExecuteWindowJoin(1, record.NewTimeRange(0, 1000))
	assert.True(t, errors.Is(err, ErrNotInitialized))
}
