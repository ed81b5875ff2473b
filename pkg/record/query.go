package record

import (
	"math"
	"sort"
)

// Aggregation selects how a query reduces matching records.
type Aggregation int

const (
	AggNone Aggregation = iota
	AggSum
	AggAvg
	AggMin
	AggMax
	AggCount
	AggFirst
	AggLast
	AggStdDev
)

// String returns the aggregation's config-file spelling.
func (a Aggregation) String() string {
	switch a {
	case AggSum:
		return "sum"
	case AggAvg:
		return "avg"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	case AggCount:
		return "count"
	case AggFirst:
		return "first"
	case AggLast:
		return "last"
	case AggStdDev:
		return "stddev"
	default:
		return "none"
	}
}

// ParseAggregation converts a config-file spelling to an Aggregation.
// Unknown spellings map to AggNone.
func ParseAggregation(s string) Aggregation {
	switch s {
	case "sum":
		return AggSum
	case "avg", "mean":
		return AggAvg
	case "min":
		return AggMin
	case "max":
		return AggMax
	case "count":
		return AggCount
	case "first":
		return AggFirst
	case "last":
		return AggLast
	case "stddev":
		return AggStdDev
	default:
		return AggNone
	}
}

// QueryConfig describes an ad-hoc query over a table.
type QueryConfig struct {
	Range       TimeRange
	TagFilter   map[string]string
	Aggregation Aggregation
	WindowMS    int64 // optional bucketing for aggregation, 0 = single bucket
	Limit       int   // 0 = unlimited
}

// Aggregate reduces a sorted slice of records to a single scalar according
// to the aggregation kind. Records are reduced by their scalar projection.
func Aggregate(records []*Record, agg Aggregation) float64 {
	if len(records) == 0 {
		return 0
	}
	switch agg {
	case AggSum:
		var sum float64
		for _, r := range records {
			sum += r.AsScalar()
		}
		return sum
	case AggAvg:
		var sum float64
		for _, r := range records {
			sum += r.AsScalar()
		}
		return sum / float64(len(records))
	case AggMin:
		min := records[0].AsScalar()
		for _, r := range records[1:] {
			if v := r.AsScalar(); v < min {
				min = v
			}
		}
		return min
	case AggMax:
		max := records[0].AsScalar()
		for _, r := range records[1:] {
			if v := r.AsScalar(); v > max {
				max = v
			}
		}
		return max
	case AggCount:
		return float64(len(records))
	case AggFirst:
		return records[0].AsScalar()
	case AggLast:
		return records[len(records)-1].AsScalar()
	case AggStdDev:
		var sum float64
		for _, r := range records {
			sum += r.AsScalar()
		}
		mean := sum / float64(len(records))
		var sq float64
		for _, r := range records {
			d := r.AsScalar() - mean
			sq += d * d
		}
		return math.Sqrt(sq / float64(len(records)))
	default:
		return records[0].AsScalar()
	}
}

// SortByTimestamp sorts records ascending by timestamp in place.
func SortByTimestamp(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp < records[j].Timestamp
	})
}

// DedupeByTimestamp removes duplicate timestamps from a sorted slice,
// keeping the first occurrence. Callers arrange the slice so the first
// occurrence is the newest source.
func DedupeByTimestamp(sorted []*Record) []*Record {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, r := range sorted[1:] {
		if r.Timestamp != out[len(out)-1].Timestamp {
			out = append(out, r)
		}
	}
	return out
}
