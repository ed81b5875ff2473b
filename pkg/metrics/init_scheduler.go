package metrics

import "github.com/prometheus/client_golang/prometheus"

func (r *Registry) initSchedulerMetrics() {
	r.SchedulerWindowsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sagetsdb_scheduler_windows_created_total",
		Help: "Windows created by the scheduler",
	})

	r.SchedulerWindowsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sagetsdb_scheduler_windows_pending",
		Help: "Triggered windows waiting for a worker",
	})

	r.SchedulerWatermark = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sagetsdb_scheduler_watermark",
		Help: "Current scheduler watermark",
	})

	r.SchedulerLateRequeues = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sagetsdb_scheduler_late_requeues_total",
		Help: "Completed windows requeued for late data",
	})

	r.registry.MustRegister(
		r.SchedulerWindowsCreated,
		r.SchedulerWindowsPending,
		r.SchedulerWatermark,
		r.SchedulerLateRequeues,
	)
}
