package metrics

import "github.com/prometheus/client_golang/prometheus"

func (r *Registry) initComputeMetrics() {
	r.ComputeWindowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sagetsdb_compute_windows_total",
		Help: "Window computations by outcome",
	}, []string{"outcome"})

	r.ComputeWindowDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sagetsdb_compute_window_duration_seconds",
		Help:    "Window computation latency",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 12),
	}, []string{"operator"})

	r.ComputeTuplesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sagetsdb_compute_tuples_total",
		Help: "Tuples fed to join operators",
	})

	r.ComputeAQPInvocations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sagetsdb_compute_aqp_invocations_total",
		Help: "Windows answered by the approximate path",
	})

	r.ComputeSelectivity = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sagetsdb_compute_selectivity",
		Help:    "Join selectivity per window",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	r.ComputeActiveWindows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sagetsdb_compute_active_windows",
		Help: "Windows currently computing",
	})

	r.registry.MustRegister(
		r.ComputeWindowsTotal,
		r.ComputeWindowDuration,
		r.ComputeTuplesTotal,
		r.ComputeAQPInvocations,
		r.ComputeSelectivity,
		r.ComputeActiveWindows,
	)
}
