package metrics

import "github.com/prometheus/client_golang/prometheus"

func (r *Registry) initStorageMetrics() {
	r.StoragePutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sagetsdb_storage_puts_total",
		Help: "Total records written per table",
	}, []string{"table"})

	r.StorageGetsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sagetsdb_storage_gets_total",
		Help: "Total point lookups per table",
	}, []string{"table"})

	r.StorageFlushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sagetsdb_storage_flushes_total",
		Help: "Total memtable flushes per table",
	}, []string{"table"})

	r.StorageCompactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sagetsdb_storage_compactions_total",
		Help: "Total compactions per table",
	}, []string{"table"})

	r.StorageBloomRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sagetsdb_storage_bloom_rejections_total",
		Help: "Point lookups rejected by a bloom filter per table",
	}, []string{"table"})

	r.StorageMemTableBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sagetsdb_storage_memtable_bytes",
		Help: "Active memtable size per table",
	}, []string{"table"})

	r.StorageSSTableCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sagetsdb_storage_sstable_count",
		Help: "SSTable count per table",
	}, []string{"table"})

	r.StorageOperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sagetsdb_storage_operation_duration_seconds",
		Help:    "Storage operation latency",
		Buckets: prometheus.ExponentialBuckets(0.000_01, 4, 10),
	}, []string{"operation"})

	r.registry.MustRegister(
		r.StoragePutsTotal,
		r.StorageGetsTotal,
		r.StorageFlushesTotal,
		r.StorageCompactionsTotal,
		r.StorageBloomRejections,
		r.StorageMemTableBytes,
		r.StorageSSTableCount,
		r.StorageOperationDuration,
	)
}
