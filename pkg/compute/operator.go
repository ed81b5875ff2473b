package compute

import (
	"strconv"

	"github.com/intellistream/sage-tsdb/pkg/record"
)

// Tuple is the operator's input shape. Timestamps are window-relative: the
// engine normalizes them against a per-window origin before feeding, so a
// given window produces the same answer in every configuration mode.
type Tuple struct {
	Key         int64
	Value       float64
	EventTime   int64
	ArrivalTime int64
}

// AQPUnsupported is returned by AQPCount when the variant has no
// approximate path.
const AQPUnsupported = -1.0

// Operator is the narrow capability interface the engine consumes. The ten
// variants differ only in internal algorithm; adding a new variant must
// not require engine changes.
type Operator interface {
	// Configure applies the engine configuration before a window starts
	Configure(cfg Config) error
	// SetWindow sets the window and slide lengths in microseconds
	SetWindow(lenUS, slideUS int64)
	// SyncTime fixes the window's time origin
	SyncTime(base int64)
	// Start prepares the operator for feeding
	Start() error
	// Stop releases per-window state
	Stop()
	// FeedS delivers one S-stream tuple in arrival order
	FeedS(t Tuple)
	// FeedR delivers one R-stream tuple in arrival order
	FeedR(t Tuple)
	// ExactCount returns the exact join count seen so far
	ExactCount() int
	// AQPCount returns the approximate count, or AQPUnsupported
	AQPCount() float64
	// TimeBreakdown reports per-phase time in microseconds
	TimeBreakdown() map[string]int64
}

// PairReporter is an optional capability: operators that track matched
// pairs expose (sIndex, rIndex) positions into their feed order so the
// engine can serialize result payloads.
type PairReporter interface {
	MatchedIndexPairs(limit int) [][2]int
}

// NewOperator constructs the variant for a tag.
func NewOperator(t OperatorType) Operator {
	switch t {
	case OpIAWJ, OpSHJ, OpPRJ:
		return newHashJoinOperator(t)
	case OpIAWJSel, OpLazyIAWJSel:
		op := newHashJoinOperator(t)
		op.selective = true
		op.lazy = t == OpLazyIAWJSel
		return op
	case OpMeanAQP, OpLinearSVI, OpAI:
		return newSampledOperator(t)
	case OpIMA, OpMSWJ:
		return newCompensatingOperator(t)
	default:
		return newHashJoinOperator(OpIAWJ)
	}
}

// RecordToTuple converts a stored record into the operator's shape. The
// join key comes from the "key" tag; a record without one keys on its
// truncated scalar value.
func RecordToTuple(rec *record.Record) Tuple {
	var key int64
	if raw, ok := rec.Tags["key"]; ok {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			key = parsed
		}
	} else {
		key = int64(rec.AsScalar())
	}
	return Tuple{
		Key:         key,
		Value:       rec.AsScalar(),
		EventTime:   rec.Timestamp,
		ArrivalTime: rec.Timestamp,
	}
}
