// Package metrics exposes Prometheus instrumentation for the storage,
// compute, and scheduling subsystems.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the process.
type Registry struct {
	// Storage metrics
	StoragePutsTotal         *prometheus.CounterVec
	StorageGetsTotal         *prometheus.CounterVec
	StorageFlushesTotal      *prometheus.CounterVec
	StorageCompactionsTotal  *prometheus.CounterVec
	StorageBloomRejections   *prometheus.CounterVec
	StorageMemTableBytes     *prometheus.GaugeVec
	StorageSSTableCount      *prometheus.GaugeVec
	StorageOperationDuration *prometheus.HistogramVec

	// Compute metrics
	ComputeWindowsTotal    *prometheus.CounterVec
	ComputeWindowDuration  *prometheus.HistogramVec
	ComputeTuplesTotal     prometheus.Counter
	ComputeAQPInvocations  prometheus.Counter
	ComputeSelectivity     prometheus.Histogram
	ComputeActiveWindows   prometheus.Gauge

	// Scheduler metrics
	SchedulerWindowsCreated  prometheus.Counter
	SchedulerWindowsPending  prometheus.Gauge
	SchedulerWatermark       prometheus.Gauge
	SchedulerLateRequeues    prometheus.Counter

	// System metrics
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with all metrics initialized.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}

	r.initStorageMetrics()
	r.initComputeMetrics()
	r.initSchedulerMetrics()
	r.initSystemMetrics()

	return r
}

// PrometheusRegistry exposes the underlying registry for HTTP handlers.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.registry
}
