package record

import "math"

// TimeRange is a half-open interval [Start, End) of timestamps.
type TimeRange struct {
	Start int64
	End   int64
}

// NewTimeRange creates a time range covering [start, end).
func NewTimeRange(start, end int64) TimeRange {
	return TimeRange{Start: start, End: end}
}

// FullRange covers every representable timestamp.
func FullRange() TimeRange {
	return TimeRange{Start: math.MinInt64, End: math.MaxInt64}
}

// IsValid reports whether the range is non-empty.
func (tr TimeRange) IsValid() bool {
	return tr.End > tr.Start
}

// Contains reports whether ts lies inside the half-open interval.
func (tr TimeRange) Contains(ts int64) bool {
	return ts >= tr.Start && ts < tr.End
}

// Overlaps reports whether the two ranges share at least one timestamp.
func (tr TimeRange) Overlaps(other TimeRange) bool {
	return tr.Start < other.End && other.Start < tr.End
}

// Duration returns End-Start.
func (tr TimeRange) Duration() int64 {
	return tr.End - tr.Start
}
