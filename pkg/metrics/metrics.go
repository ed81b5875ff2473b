package metrics

import (
	"time"

	"github.com/intellistream/sage-tsdb/pkg/lsm"
)

// RecordStorageOperation records one storage operation's latency.
func (r *Registry) RecordStorageOperation(operation string, duration time.Duration) {
	r.StorageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordEngineStats refreshes the per-table storage gauges from an engine
// snapshot.
func (r *Registry) RecordEngineStats(tableName string, snap lsm.StatsSnapshot) {
	r.StorageMemTableBytes.WithLabelValues(tableName).Set(float64(snap.MemTableSize))
	r.StorageSSTableCount.WithLabelValues(tableName).Set(float64(snap.SSTableCount))
}

// RecordWindowOutcome records one finished window computation.
func (r *Registry) RecordWindowOutcome(operator string, outcome string, duration time.Duration, tuples int, selectivity float64, usedAQP bool) {
	r.ComputeWindowsTotal.WithLabelValues(outcome).Inc()
	r.ComputeWindowDuration.WithLabelValues(operator).Observe(duration.Seconds())
	r.ComputeTuplesTotal.Add(float64(tuples))
	r.ComputeSelectivity.Observe(selectivity)
	if usedAQP {
		r.ComputeAQPInvocations.Inc()
	}
}
