// sage-bench drives the windowed-join pipeline over CSV event streams and
// reports throughput and latency figures.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/intellistream/sage-tsdb/pkg/compute"
	"github.com/intellistream/sage-tsdb/pkg/logging"
	"github.com/intellistream/sage-tsdb/pkg/record"
	"github.com/intellistream/sage-tsdb/pkg/resource"
	"github.com/intellistream/sage-tsdb/pkg/table"
)

// Exit codes: 0 success, 1 configuration error, 2 I/O error, 3 runtime
// error.
const (
	exitOK = iota
	exitConfig
	exitIO
	exitRuntime
)

type options struct {
	sFile    string
	rFile    string
	events   int
	threads  int
	memoryMB int
	windowUS int64
	slideUS  int64
	operator string
	repeat   int
	output   string
	quiet    bool
}

type report struct {
	Operator        string  `json:"operator"`
	Events          int     `json:"events"`
	Windows         int     `json:"windows"`
	Repeats         int     `json:"repeats"`
	TotalJoins      int64   `json:"total_joins"`
	ElapsedMS       int64   `json:"elapsed_ms"`
	ThroughputEPS   float64 `json:"throughput_events_per_sec"`
	AvgLatencyMS    float64 `json:"avg_latency_ms"`
	P99LatencyMS    float64 `json:"p99_latency_ms"`
	AvgSelectivity  float64 `json:"avg_selectivity"`
	AQPInvocations  int64   `json:"aqp_invocations"`
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := options{}
	flag.StringVar(&opts.sFile, "s-file", "", "CSV file for stream S (ts,key,value)")
	flag.StringVar(&opts.rFile, "r-file", "", "CSV file for stream R (ts,key,value)")
	flag.IntVar(&opts.events, "events", 100_000, "synthetic events per stream when no file is given")
	flag.IntVar(&opts.threads, "threads", 4, "worker threads")
	flag.IntVar(&opts.memoryMB, "memory-mb", 512, "memory budget in MiB")
	flag.Int64Var(&opts.windowUS, "window-us", 1_000_000, "window length in microseconds")
	flag.Int64Var(&opts.slideUS, "slide-us", 1_000_000, "slide length in microseconds")
	flag.StringVar(&opts.operator, "operator", "IAWJ", "join operator tag")
	flag.IntVar(&opts.repeat, "repeat", 1, "benchmark repetitions")
	flag.StringVar(&opts.output, "output", "", "write the JSON report to a file instead of stdout")
	flag.BoolVar(&opts.quiet, "quiet", false, "suppress progress logging")
	flag.Parse()

	if opts.quiet {
		logging.SetDefaultLogger(logging.NewNopLogger())
	}

	if opts.windowUS <= 0 || opts.slideUS <= 0 || opts.repeat < 1 || opts.threads < 1 {
		fmt.Fprintln(os.Stderr, "invalid window/slide/repeat/threads configuration")
		return exitConfig
	}
	opType, err := compute.ParseOperatorType(opts.operator)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	sEvents, err := loadOrGenerate(opts.sFile, opts.events, 1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load S stream: %v\n", err)
		return exitIO
	}
	rEvents, err := loadOrGenerate(opts.rFile, opts.events, 2)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load R stream: %v\n", err)
		return exitIO
	}

	dataDir, err := os.MkdirTemp("", "sage-bench-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "create work directory: %v\n", err)
		return exitIO
	}
	defer os.RemoveAll(dataDir)

	rep, err := runBenchmark(opts, opType, dataDir, sEvents, rEvents)
	if err != nil {
		fmt.Fprintf(os.Stderr, "benchmark failed: %v\n", err)
		return exitRuntime
	}

	encoded, _ := json.MarshalIndent(rep, "", "  ")
	if opts.output != "" {
		if err := os.WriteFile(opts.output, append(encoded, '\n'), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "write report: %v\n", err)
			return exitIO
		}
	} else {
		fmt.Println(string(encoded))
	}
	return exitOK
}

func runBenchmark(opts options, opType compute.OperatorType, dataDir string, sEvents, rEvents []*record.Record) (*report, error) {
	manager := table.NewManager(table.ManagerOptions{DataDir: filepath.Join(dataDir, "tables")})
	defer manager.Close()

	const prefix = "bench_"
	if err := manager.CreatePECJTables(prefix); err != nil {
		return nil, err
	}

	resources := resource.NewManager()
	resources.SetGlobalLimits(opts.threads, int64(opts.memoryMB)*1024*1024)
	defer resources.Close()

	handle, err := resources.AllocateForCompute("bench", resource.Request{
		Threads:     opts.threads,
		MemoryBytes: int64(opts.memoryMB) * 1024 * 1024,
	})
	if err != nil {
		return nil, err
	}

	cfg := compute.DefaultConfig(prefix+"stream_s", prefix+"stream_r", prefix+"join_results")
	cfg.Operator = opType
	cfg.WindowLenUS = opts.windowUS
	cfg.SlideLenUS = opts.slideUS
	cfg.MaxThreads = opts.threads

	engine := compute.NewEngine()
	if err := engine.Initialize(cfg, manager, handle); err != nil {
		return nil, err
	}

	if err := manager.InsertBatch(prefix+"stream_s", sEvents); err != nil {
		return nil, err
	}
	if err := manager.InsertBatch(prefix+"stream_r", rEvents); err != nil {
		return nil, err
	}

	maxTS := int64(0)
	for _, rec := range append(sEvents[:len(sEvents):len(sEvents)], rEvents...) {
		if rec.Timestamp > maxTS {
			maxTS = rec.Timestamp
		}
	}

	started := time.Now()
	windows := 0
	var totalJoins int64
	for rep := 0; rep < opts.repeat; rep++ {
		windowID := uint64(rep) * uint64(maxTS/opts.slideUS+1)
		for start := int64(0); start <= maxTS; start += opts.slideUS {
			windowID++
			status, err := engine.ExecuteWindowJoin(windowID, record.TimeRange{
				Start: start,
				End:   start + opts.windowUS,
			})
			if err != nil {
				return nil, err
			}
			totalJoins += int64(status.ExactCount)
			windows++
		}
	}
	elapsed := time.Since(started)

	snap := engine.GetMetrics()
	events := (len(sEvents) + len(rEvents)) * opts.repeat
	rep := &report{
		Operator:       opType.String(),
		Events:         events,
		Windows:        windows,
		Repeats:        opts.repeat,
		TotalJoins:     totalJoins,
		ElapsedMS:      elapsed.Milliseconds(),
		AvgLatencyMS:   snap.LatencyAvgMS,
		P99LatencyMS:   snap.LatencyP99MS,
		AvgSelectivity: snap.AvgSelectivity,
		AQPInvocations: snap.AQPInvocations,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		rep.ThroughputEPS = float64(events) / secs
	}
	return rep, nil
}

// loadOrGenerate reads "ts,key,value" CSV lines, or synthesizes events
// when no file is given.
func loadOrGenerate(path string, events int, seed int64) ([]*record.Record, error) {
	if path == "" {
		return generate(events, seed), nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []*record.Record
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.Split(text, ",")
		if len(parts) < 3 {
			return nil, fmt.Errorf("%s:%d: expected ts,key,value", path, line)
		}
		ts, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad timestamp: %w", path, line, err)
		}
		key := strings.TrimSpace(parts[1])
		value, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad value: %w", path, line, err)
		}
		records = append(records, record.NewScalar(ts, value).
			WithTags(map[string]string{"key": key}))
	}
	return records, scanner.Err()
}

// generate synthesizes a deterministic event stream.
func generate(events int, seed int64) []*record.Record {
	records := make([]*record.Record, events)
	for i := 0; i < events; i++ {
		key := (int64(i)*2654435761 + seed) % 1024
		records[i] = record.NewScalar(int64(i)*100, float64(i%1000)).
			WithTags(map[string]string{"key": strconv.FormatInt(key, 10)})
	}
	return records
}
