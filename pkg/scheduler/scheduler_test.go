package scheduler

import (
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intellistream/sage-tsdb/pkg/compute"
	"github.com/intellistream/sage-tsdb/pkg/lsm"
	"github.com/intellistream/sage-tsdb/pkg/logging"
	"github.com/intellistream/sage-tsdb/pkg/record"
	"github.com/intellistream/sage-tsdb/pkg/resource"
	"github.com/intellistream/sage-tsdb/pkg/table"
)

type schedHarness struct {
	manager *table.Manager
	engine  *compute.Engine
	handle  *resource.Handle
	sched   *Scheduler
}

func newSchedHarness(t *testing.T, mutate func(*Config)) *schedHarness {
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
	handle, err := resources.AllocateForCompute("sched_test", resource.Request{Threads: 2})
	require.NoError(t, err)

	computeCfg := compute.DefaultConfig("stream_s", "stream_r", "join_results")
	engine := compute.NewEngine()
	require.NoError(t, engine.Initialize(computeCfg, manager, handle))

	cfg := DefaultConfig()
	cfg.TriggerCheckInterval = 5 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	sched := New(cfg, engine, manager, handle)
	require.NoError(t, sched.WatchTable("stream_s", StreamS))
	require.NoError(t, sched.WatchTable("stream_r", StreamR))
	return &schedHarness{manager: manager, engine: engine, handle: handle, sched: sched}
}

func (h *schedHarness) insert(t *testing.T, tableName string, key int64, ts int64) {
	t.Helper()
	rec := record.NewScalar(ts, float64(key)).
		WithTags(map[string]string{"key": strconv.FormatInt(key, 10)})
	require.NoError(t, h.manager.Insert(tableName, rec))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// TestSchedulerStartStop tests lifecycle state
func TestSchedulerStartStop(t *testing.T) {
	h := newSchedHarness(t, nil)

	require.NoError(t, h.sched.Start())
	assert.True(t, h.sched.IsRunning())
	assert.Error(t, h.sched.Start(), "double start must fail")

	h.sched.Stop(true)
	assert.False(t, h.sched.IsRunning())
}

// TestSchedulerWindowCreation tests tumbling-window creation on arrival
func TestSchedulerWindowCreation(t *testing.T) {
	h := newSchedHarness(t, func(cfg *Config) {
		cfg.WindowLenUS = 1000
		cfg.SlideLenUS = 1000
		cfg.Trigger = Manual
	})

	h.insert(t, "stream_s", 1, 100)  // window 1: [0, 1000)
	h.insert(t, "stream_s", 1, 2500) // windows 2 and 3 created

	w, ok := h.sched.GetWindow(1)
	require.True(t, ok)
	assert.Equal(t, record.NewTimeRange(0, 1000), w.Range)
	assert.Equal(t, int64(1), w.StreamSCount)

	w, ok = h.sched.GetWindow(3)
	require.True(t, ok)
	assert.Equal(t, record.NewTimeRange(2000, 3000), w.Range)

	assert.Equal(t, int64(3), h.sched.GetMetrics().WindowsCreated)
}

// TestSchedulerWatermarkAdvance tests monotonic watermark movement
func TestSchedulerWatermarkAdvance(t *testing.T) {
	h := newSchedHarness(t, func(cfg *Config) {
		cfg.WatermarkSlackUS = 100
		cfg.Trigger = Manual
	})

	h.insert(t, "stream_s", 1, 1000)
	assert.Equal(t, int64(900), h.sched.Watermark())

	// Out-of-order arrival never moves the watermark backwards
	h.insert(t, "stream_s", 1, 500)
	assert.Equal(t, int64(900), h.sched.Watermark())

	h.insert(t, "stream_s", 1, 2000)
	assert.Equal(t, int64(1900), h.sched.Watermark())
}

// TestSchedulerHybridTrigger covers the end-to-end hybrid scenario:
// enough arrivals fire the count half of the trigger, the window computes,
// and the completion callback fires exactly once
func TestSchedulerHybridTrigger(t *testing.T) {
	h := newSchedHarness(t, func(cfg *Config) {
		cfg.WindowLenUS = 1_000_000
		cfg.SlideLenUS = 1_000_000
		cfg.Trigger = Hybrid
		cfg.TriggerCountThreshold = 1000
		cfg.WatermarkSlackUS = 50_000
	})

	var completions atomic.Int64
	h.sched.OnComplete(func(w WindowInfo, status compute.Status) {
		if w.ID == 1 {
			completions.Add(1)
		}
	})

	require.NoError(t, h.sched.Start())
	defer h.sched.Stop(true)

	// 1500 records inside the first window, split across both streams
	for i := 0; i < 750; i++ {
		h.insert(t, "stream_s", int64(i%32), int64(i)*1000)
	}
	for i := 0; i < 750; i++ {
		h.insert(t, "stream_r", int64(i%32), int64(i)*1000)
	}

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		return h.sched.GetMetrics().WindowsCompleted >= 1
	}), "first window must complete shortly after the inserts")

	// Callback fired exactly once for window 1
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), completions.Load())

	w, ok := h.sched.GetWindow(1)
	require.True(t, ok)
	assert.True(t, w.Completed)

	// The join result landed in the result table
	results, err := h.manager.GetJoinResultTable("join_results")
	require.NoError(t, err)
	assert.Len(t, results.QueryByWindow(1), 1)
}

// TestSchedulerManualTrigger tests that Manual never auto-fires and the
// explicit trigger works
func TestSchedulerManualTrigger(t *testing.T) {
	h := newSchedHarness(t, func(cfg *Config) {
		cfg.Trigger = Manual
		cfg.WindowLenUS = 1000
		cfg.SlideLenUS = 1000
		cfg.TriggerCountThreshold = 1
	})

	require.NoError(t, h.sched.Start())
	defer h.sched.Stop(true)

	h.insert(t, "stream_s", 1, 100)
	h.insert(t, "stream_r", 1, 200)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), h.sched.GetMetrics().WindowsTriggered,
		"manual policy must never auto-trigger")

	require.NoError(t, h.sched.TriggerWindow(1))
	require.True(t, waitFor(t, 2*time.Second, func() bool {
		return h.sched.GetMetrics().WindowsCompleted == 1
	}))

	assert.Error(t, h.sched.TriggerWindow(99), "unknown window id must fail")
}

// TestSchedulerCountTrigger tests the pure count-based policy
func TestSchedulerCountTrigger(t *testing.T) {
	h := newSchedHarness(t, func(cfg *Config) {
		cfg.Trigger = CountBased
		cfg.TriggerCountThreshold = 10
		cfg.WindowLenUS = 1_000_000
		cfg.SlideLenUS = 1_000_000
	})

	require.NoError(t, h.sched.Start())
	defer h.sched.Stop(true)

	for i := 0; i < 10; i++ {
		h.insert(t, "stream_s", 1, int64(i)*100)
	}

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		return h.sched.GetMetrics().WindowsCompleted >= 1
	}), "reaching the count threshold must trigger the window")
}

// TestSchedulerLateDataRequeue tests the single late requeue
func TestSchedulerLateDataRequeue(t *testing.T) {
	h := newSchedHarness(t, func(cfg *Config) {
		cfg.Trigger = CountBased
		cfg.TriggerCountThreshold = 2
		cfg.WindowLenUS = 1_000_000
		cfg.SlideLenUS = 1_000_000
		cfg.AllowLateData = true
	})

	require.NoError(t, h.sched.Start())
	defer h.sched.Stop(true)

	h.insert(t, "stream_s", 1, 100)
	h.insert(t, "stream_r", 1, 200)

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		return h.sched.GetMetrics().WindowsCompleted >= 1
	}))

	// A late arrival for the completed window requeues it once
	h.insert(t, "stream_s", 1, 300)

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		return h.sched.GetMetrics().WindowsCompleted >= 2
	}), "late data must recompute the window")

	w, ok := h.sched.GetWindow(1)
	require.True(t, ok)
	assert.True(t, w.HasLateData)
	assert.Equal(t, int64(1), h.sched.GetMetrics().LateRequeues)

	// A second late arrival does not requeue again
	h.insert(t, "stream_s", 1, 400)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), h.sched.GetMetrics().LateRequeues)
}

// TestSessionWindows tests gap-based session creation
func TestSessionWindows(t *testing.T) {
	h := newSchedHarness(t, func(cfg *Config) {
		cfg.Window = Session
		cfg.SessionGapUS = 1000
		cfg.Trigger = Manual
	})

	h.insert(t, "stream_s", 1, 100)  // opens session 1
	h.insert(t, "stream_s", 1, 500)  // extends session 1
	h.insert(t, "stream_s", 1, 5000) // past the gap: opens session 2

	w1, ok := h.sched.GetWindow(1)
	require.True(t, ok)
	assert.Equal(t, int64(100), w1.Range.Start)
	assert.Equal(t, int64(1500), w1.Range.End, "session end extends with activity")

	w2, ok := h.sched.GetWindow(2)
	require.True(t, ok)
	assert.Equal(t, int64(5000), w2.Range.Start)
}
