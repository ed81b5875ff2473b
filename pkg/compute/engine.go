package compute

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/intellistream/sage-tsdb/pkg/logging"
	"github.com/intellistream/sage-tsdb/pkg/record"
	"github.com/intellistream/sage-tsdb/pkg/resource"
	"github.com/intellistream/sage-tsdb/pkg/table"
)

// Status is the outcome of one window computation.
type Status struct {
	WindowID        uint64
	Success         bool
	ExactCount      int
	AQPEstimate     float64
	UsedAQP         bool
	TimeoutOccurred bool
	InputSCount     int
	InputRCount     int
	Selectivity     float64
	LatencyMS       float64
	TimeBreakdown   map[string]int64
	ErrorMessage    string
}

// Engine executes windowed joins. It is stateless with respect to data:
// no tuple survives an ExecuteWindowJoin call. Concurrent calls with
// different window ids are safe; each call takes its own operator instance
// from a per-worker pool so no operator is ever shared across windows.
type Engine struct {
	mu          sync.RWMutex
	initialized bool
	cfg         Config
	db          *table.Manager
	handle      *resource.Handle
	logger      logging.Logger

	operators sync.Pool
	metrics   *Metrics
}

// NewEngine creates an uninitialized engine.
func NewEngine() *Engine {
	return &Engine{
		metrics: newMetrics(),
		logger:  logging.With(logging.Component("compute_engine")),
	}
}

// Initialize validates the configuration and records the collaborators.
// The engine takes non-owning references: the table manager and resource
// manager own their resources.
func (e *Engine) Initialize(cfg Config, db *table.Manager, handle *resource.Handle) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if db == nil {
		return ErrNullDatabase
	}
	if handle == nil {
		return ErrNullResourceHandle
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return ErrAlreadyInitialized
	}

	e.cfg = cfg
	e.db = db
	e.handle = handle
	e.operators = sync.Pool{New: func() any { return NewOperator(cfg.Operator) }}
	e.initialized = true
	e.metrics.setActiveThreads(handle.Allocated().Threads)

	e.logger.Info("compute engine initialized",
		logging.Operator(cfg.Operator.String()),
		logging.Table(cfg.ResultTable))
	return nil
}

// Config returns the immutable configuration.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// GetMetrics returns a snapshot of the aggregated metrics.
func (e *Engine) GetMetrics() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// Reset clears metrics and cached counters. No table is touched.
func (e *Engine) Reset() {
	e.metrics.reset()
}

// ExecuteWindowJoin runs the join for one window over [tr.Start, tr.End).
// Synchronous from the caller's view. On success a result row keyed by
// windowID is written to the configured result table.
func (e *Engine) ExecuteWindowJoin(windowID uint64, tr record.TimeRange) (Status, error) {
	e.mu.RLock()
	if !e.initialized {
		e.mu.RUnlock()
		return Status{WindowID: windowID}, ErrNotInitialized
	}
	cfg := e.cfg
	db := e.db
	e.mu.RUnlock()

	status := Status{WindowID: windowID}
	started := time.Now()
	deadline := time.Time{}
	if cfg.TimeoutMS > 0 {
		deadline = started.Add(time.Duration(cfg.TimeoutMS) * time.Millisecond)
	}

	if !tr.IsValid() {
		e.metrics.recordFailure(false)
		status.ErrorMessage = ErrInvalidRange.Error()
		return status, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, tr.Start, tr.End)
	}

	sRecords, err := db.Query(cfg.StreamSTable, tr, nil)
	if err != nil {
		e.metrics.recordFailure(false)
		status.ErrorMessage = err.Error()
		return status, fmt.Errorf("%w: %s: %v", ErrQueryFailed, cfg.StreamSTable, err)
	}
	rRecords, err := db.Query(cfg.StreamRTable, tr, nil)
	if err != nil {
		e.metrics.recordFailure(false)
		status.ErrorMessage = err.Error()
		return status, fmt.Errorf("%w: %s: %v", ErrQueryFailed, cfg.StreamRTable, err)
	}

	status.InputSCount = len(sRecords)
	status.InputRCount = len(rRecords)

	// Per-window origin: the first observed timestamp maps to 0 so every
	// operator variant sees identical normalized times for this window
	base := windowOrigin(sRecords, rRecords)
	sTuples := toTuples(sRecords, base)
	rTuples := toTuples(rRecords, base)

	op := e.operators.Get().(Operator)
	defer e.operators.Put(op)

	if err := op.Configure(cfg); err != nil {
		e.metrics.recordFailure(false)
		status.ErrorMessage = err.Error()
		return status, fmt.Errorf("%w: configure: %v", ErrOperatorFailed, err)
	}
	op.SetWindow(cfg.WindowLenUS, cfg.SlideLenUS)
	op.SyncTime(0)
	if err := op.Start(); err != nil {
		e.metrics.recordFailure(false)
		status.ErrorMessage = err.Error()
		return status, fmt.Errorf("%w: start: %v", ErrOperatorFailed, err)
	}
	defer op.Stop()

	for _, t := range sTuples {
		op.FeedS(t)
	}
	timedOut := exceeded(deadline)
	if timedOut && !cfg.EnableAQP {
		status.TimeoutOccurred = true
		e.metrics.recordFailure(true)
		status.ErrorMessage = ErrTimeout.Error()
		return status, fmt.Errorf("%w: window %d", ErrTimeout, windowID)
	}

	// The AQP estimate needs both sides, so R is fed even on the fallback
	// path
	for _, t := range rTuples {
		op.FeedR(t)
	}
	if !timedOut {
		timedOut = exceeded(deadline)
		if timedOut && !cfg.EnableAQP {
			status.TimeoutOccurred = true
			e.metrics.recordFailure(true)
			status.ErrorMessage = ErrTimeout.Error()
			return status, fmt.Errorf("%w: window %d", ErrTimeout, windowID)
		}
	}

	if timedOut {
		status.TimeoutOccurred = true
		e.metrics.recordTimeoutFallback()
	}

	exact := op.ExactCount()
	status.ExactCount = exact

	status.AQPEstimate = table.AQPNotUsed
	if cfg.EnableAQP {
		if estimate := op.AQPCount(); estimate != AQPUnsupported {
			status.AQPEstimate = estimate
		}
	}
	if timedOut && status.AQPEstimate != table.AQPNotUsed {
		status.UsedAQP = true
	}

	if denom := status.InputSCount * status.InputRCount; denom > 0 {
		status.Selectivity = float64(exact) / float64(denom)
	}
	status.TimeBreakdown = op.TimeBreakdown()

	payload := e.buildPayload(op, sRecords, rRecords)

	elapsed := time.Since(started)
	status.LatencyMS = float64(elapsed.Microseconds()) / 1000.0

	result := &table.JoinResult{
		WindowID:    windowID,
		Timestamp:   tr.End,
		JoinCount:   exact,
		InputSCount: status.InputSCount,
		InputRCount: status.InputRCount,
		AQPEstimate: status.AQPEstimate,
		Selectivity: status.Selectivity,
		Payload:     payload,
		Metrics: table.ResultMetrics{
			ComputeTimeMS: elapsed.Milliseconds(),
			ThreadsUsed:   e.handle.Allocated().Threads,
			UsedAQP:       status.UsedAQP,
			Algorithm:     cfg.Operator.String(),
		},
	}

	resultTable, err := db.GetJoinResultTable(cfg.ResultTable)
	if err != nil {
		e.metrics.recordFailure(false)
		status.ErrorMessage = err.Error()
		return status, fmt.Errorf("%w: result table: %v", ErrQueryFailed, err)
	}
	if err := resultTable.Insert(result); err != nil {
		e.metrics.recordFailure(false)
		status.ErrorMessage = err.Error()
		return status, fmt.Errorf("write result row for window %d: %w", windowID, err)
	}

	tuples := status.InputSCount + status.InputRCount
	throughput := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		throughput = float64(tuples) / secs
	}
	aqpError := -1.0
	if status.UsedAQP && exact > 0 {
		aqpError = math.Abs(status.AQPEstimate-float64(exact)) / float64(exact)
	}
	e.metrics.recordWindow(status.LatencyMS, tuples, status.Selectivity,
		throughput, int64(tuples)*64, status.UsedAQP, aqpError)

	status.Success = true
	return status, nil
}

// buildPayload serializes matched pairs when the operator exposes them.
func (e *Engine) buildPayload(op Operator, sRecords, rRecords []*record.Record) []byte {
	reporter, ok := op.(PairReporter)
	if !ok {
		return nil
	}

	pairs := reporter.MatchedIndexPairs(maxTrackedPairs)
	if len(pairs) == 0 {
		return table.SerializePayload(nil)
	}

	recordPairs := make([]table.RecordPair, 0, len(pairs))
	for _, pair := range pairs {
		sIdx, rIdx := pair[0], pair[1]
		if sIdx >= len(sRecords) || rIdx >= len(rRecords) {
			continue
		}
		recordPairs = append(recordPairs, table.RecordPair{S: sRecords[sIdx], R: rRecords[rIdx]})
	}
	return table.SerializePayload(recordPairs)
}

// windowOrigin returns the smallest timestamp across both inputs, the
// window's normalized time zero.
func windowOrigin(s, r []*record.Record) int64 {
	origin := int64(math.MaxInt64)
	for _, rec := range s {
		if rec.Timestamp < origin {
			origin = rec.Timestamp
		}
	}
	for _, rec := range r {
		if rec.Timestamp < origin {
			origin = rec.Timestamp
		}
	}
	if origin == math.MaxInt64 {
		return 0
	}
	return origin
}

func toTuples(recs []*record.Record, base int64) []Tuple {
	tuples := make([]Tuple, len(recs))
	for i, rec := range recs {
		t := RecordToTuple(rec)
		t.EventTime -= base
		t.ArrivalTime -= base
		tuples[i] = t
	}
	return tuples
}

func exceeded(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}
