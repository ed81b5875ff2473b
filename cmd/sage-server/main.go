// sage-server runs the database as a long-lived process: table manager,
// resource manager, compute engine, and window scheduler, with Prometheus
// metrics and health probes on the HTTP listener.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/intellistream/sage-tsdb/pkg/compute"
	"github.com/intellistream/sage-tsdb/pkg/config"
	"github.com/intellistream/sage-tsdb/pkg/health"
	"github.com/intellistream/sage-tsdb/pkg/logging"
	"github.com/intellistream/sage-tsdb/pkg/lsm"
	"github.com/intellistream/sage-tsdb/pkg/metrics"
	"github.com/intellistream/sage-tsdb/pkg/resource"
	"github.com/intellistream/sage-tsdb/pkg/scheduler"
	"github.com/intellistream/sage-tsdb/pkg/table"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults apply when empty)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Default("./lsm_data")
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger := logging.DefaultLogger()
	if cfg.Server.LogLevel != "" {
		logger.SetLevel(logging.ParseLevel(cfg.Server.LogLevel))
	}

	manager := table.NewManager(table.ManagerOptions{
		DataDir:     cfg.Storage.DataDir,
		MemoryLimit: cfg.Storage.MemoryLimit,
		EngineOpts: func(name string) lsm.Options {
			opts := lsm.DefaultOptions(cfg.Storage.DataDir + "/" + name)
			opts.MemTableSize = cfg.Storage.MemTableBytes
			opts.Level0FileLimit = cfg.Storage.Level0FileLimit
			opts.MaxLevels = cfg.Storage.MaxLevels
			opts.Multiplier = cfg.Storage.Multiplier
			opts.BloomBitsPerKey = cfg.Storage.BloomBitsPerKey
			opts.Compression = cfg.Storage.Compression
			return opts
		},
	})
	defer manager.Close()

	for _, spec := range []struct {
		name string
		kind table.Kind
	}{
		{cfg.Compute.StreamSTable, table.KindStream},
		{cfg.Compute.StreamRTable, table.KindStream},
		{cfg.Compute.ResultTable, table.KindJoinResult},
	} {
		if !manager.HasTable(spec.name) {
			if err := manager.CreateTable(spec.name, spec.kind); err != nil {
				return err
			}
		}
	}

	resources := resource.NewManager()
	defer resources.Close()

	handle, err := resources.AllocateForCompute("join_pipeline", resource.Request{
		Threads: cfg.Compute.MaxThreads,
	})
	if err != nil {
		return err
	}

	computeCfg := compute.DefaultConfig(cfg.Compute.StreamSTable, cfg.Compute.StreamRTable, cfg.Compute.ResultTable)
	computeCfg.WindowLenUS = cfg.Compute.WindowLenUS
	computeCfg.SlideLenUS = cfg.Compute.SlideLenUS
	computeCfg.EnableAQP = cfg.Compute.EnableAQP
	computeCfg.AQPThreshold = cfg.Compute.AQPThreshold
	computeCfg.TimeoutMS = cfg.Compute.TimeoutMS
	computeCfg.MaxThreads = cfg.Compute.MaxThreads
	if op, err := compute.ParseOperatorType(cfg.Compute.Operator); err == nil {
		computeCfg.Operator = op
	} else {
		return err
	}

	engine := compute.NewEngine()
	if err := engine.Initialize(computeCfg, manager, handle); err != nil {
		return err
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.WindowLenUS = cfg.Compute.WindowLenUS
	schedCfg.SlideLenUS = cfg.Compute.SlideLenUS
	schedCfg.TriggerCountThreshold = cfg.Scheduler.TriggerCountThreshold
	schedCfg.TriggerCheckInterval = cfg.Scheduler.TriggerCheckInterval
	schedCfg.WatermarkSlackUS = cfg.Scheduler.WatermarkSlackUS
	schedCfg.AllowLateData = cfg.Scheduler.AllowLateData
	schedCfg.MaxConcurrentWindows = cfg.Scheduler.MaxConcurrentWindows
	switch cfg.Scheduler.WindowType {
	case "sliding":
		schedCfg.Window = scheduler.Sliding
	case "session":
		schedCfg.Window = scheduler.Session
	default:
		schedCfg.Window = scheduler.Tumbling
	}
	switch cfg.Scheduler.TriggerPolicy {
	case "count":
		schedCfg.Trigger = scheduler.CountBased
	case "hybrid":
		schedCfg.Trigger = scheduler.Hybrid
	case "manual":
		schedCfg.Trigger = scheduler.Manual
	default:
		schedCfg.Trigger = scheduler.TimeBased
	}

	sched := scheduler.New(schedCfg, engine, manager, handle)
	if err := sched.WatchTable(cfg.Compute.StreamSTable, scheduler.StreamS); err != nil {
		return err
	}
	if err := sched.WatchTable(cfg.Compute.StreamRTable, scheduler.StreamR); err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop(true)

	registry := metrics.DefaultRegistry()
	stopCollector := make(chan struct{})
	defer close(stopCollector)
	registry.StartSystemCollector(10*time.Second, stopCollector)

	checks := health.NewRegistry()
	checks.Register("scheduler", func() error {
		if !sched.IsRunning() {
			return fmt.Errorf("scheduler stopped")
		}
		return nil
	})
	checks.Register("resources", func() error {
		if resources.IsUnderPressure() {
			return fmt.Errorf("resource pressure")
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry.PrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", checks.Handler())
	mux.HandleFunc("/health/live", checks.LivenessHandler())
	mux.HandleFunc("/health/ready", checks.ReadinessHandler())

	server := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
	errChan := make(chan error, 1)
	go func() {
		logger.Info("http listener started", logging.String("addr", cfg.Server.ListenAddr))
		errChan <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutting down", logging.String("signal", sig.String()))
		_ = server.Close()
		return nil
	case err := <-errChan:
		return err
	}
}
