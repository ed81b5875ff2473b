package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (r *Registry) initSystemMetrics() {
	r.UptimeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sagetsdb_uptime_seconds",
		Help: "Process uptime",
	})

	r.GoRoutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sagetsdb_goroutines",
		Help: "Current goroutine count",
	})

	r.MemoryAllocBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sagetsdb_memory_alloc_bytes",
		Help: "Heap bytes currently allocated",
	})

	r.registry.MustRegister(
		r.UptimeSeconds,
		r.GoRoutines,
		r.MemoryAllocBytes,
	)
}

// StartSystemCollector refreshes the system gauges until stop is closed.
func (r *Registry) StartSystemCollector(interval time.Duration, stop <-chan struct{}) {
	start := time.Now()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				var mem runtime.MemStats
				runtime.ReadMemStats(&mem)
				r.UptimeSeconds.Set(time.Since(start).Seconds())
				r.GoRoutines.Set(float64(runtime.NumGoroutine()))
				r.MemoryAllocBytes.Set(float64(mem.Alloc))
			case <-stop:
				return
			}
		}
	}()
}
