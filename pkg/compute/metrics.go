package compute

import (
	"math"
	"sort"
	"sync"
)

// latencyReservoirSize bounds the recent-sample window used for the
// latency percentile.
const latencyReservoirSize = 1024

// Metrics aggregates engine-level statistics across windows. Most updates
// take the write lock briefly at window completion.
type Metrics struct {
	mu sync.RWMutex

	WindowsCompleted int64
	WindowsFailed    int64
	WindowsTimeout   int64
	TuplesProcessed  int64

	latencySamples []float64 // ring of recent samples, ms
	latencyNext    int
	latencyCount   int64
	latencySum     float64
	latencyMin     float64
	latencyMax     float64

	selectivitySum float64
	aqpErrorSum    float64
	aqpErrorCount  int64
	AQPInvocations int64
	RetryCount     int64

	throughputSum float64 // events/s samples
	peakMemory    int64
	memorySum     float64
	memorySamples int64
	activeThreads int
}

// MetricsSnapshot is a point-in-time copy for callers.
type MetricsSnapshot struct {
	WindowsCompleted int64
	WindowsFailed    int64
	WindowsTimeout   int64
	TuplesProcessed  int64

	ThroughputEventsPerSec float64
	LatencyMinMS           float64
	LatencyMaxMS           float64
	LatencyAvgMS           float64
	LatencyP99MS           float64

	PeakMemoryBytes int64
	AvgMemoryBytes  float64
	ActiveThreads   int

	AvgSelectivity  float64
	AvgAQPErrorRate float64
	AQPInvocations  int64
	RetryCount      int64
}

func newMetrics() *Metrics {
	return &Metrics{
		latencySamples: make([]float64, 0, latencyReservoirSize),
		latencyMin:     math.Inf(1),
	}
}

// recordWindow folds one completed window into the aggregates.
func (m *Metrics) recordWindow(latencyMS float64, tuples int, selectivity float64, throughput float64, memoryBytes int64, usedAQP bool, aqpError float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.WindowsCompleted++
	m.TuplesProcessed += int64(tuples)

	if len(m.latencySamples) < latencyReservoirSize {
		m.latencySamples = append(m.latencySamples, latencyMS)
	} else {
		m.latencySamples[m.latencyNext] = latencyMS
		m.latencyNext = (m.latencyNext + 1) % latencyReservoirSize
	}
	m.latencyCount++
	m.latencySum += latencyMS
	if latencyMS < m.latencyMin {
		m.latencyMin = latencyMS
	}
	if latencyMS > m.latencyMax {
		m.latencyMax = latencyMS
	}

	m.selectivitySum += selectivity
	m.throughputSum += throughput

	if memoryBytes > m.peakMemory {
		m.peakMemory = memoryBytes
	}
	m.memorySum += float64(memoryBytes)
	m.memorySamples++

	if usedAQP {
		m.AQPInvocations++
		if aqpError >= 0 {
			m.aqpErrorSum += aqpError
			m.aqpErrorCount++
		}
	}
}

func (m *Metrics) recordFailure(timeout bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.WindowsFailed++
	if timeout {
		m.WindowsTimeout++
	}
}

func (m *Metrics) recordTimeoutFallback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WindowsTimeout++
}

func (m *Metrics) setActiveThreads(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeThreads = n
}

// Snapshot returns a copy of the aggregates with derived values filled in.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		WindowsCompleted: m.WindowsCompleted,
		WindowsFailed:    m.WindowsFailed,
		WindowsTimeout:   m.WindowsTimeout,
		TuplesProcessed:  m.TuplesProcessed,
		PeakMemoryBytes:  m.peakMemory,
		ActiveThreads:    m.activeThreads,
		AQPInvocations:   m.AQPInvocations,
		RetryCount:       m.RetryCount,
	}

	if m.latencyCount > 0 {
		snap.LatencyMinMS = m.latencyMin
		snap.LatencyMaxMS = m.latencyMax
		snap.LatencyAvgMS = m.latencySum / float64(m.latencyCount)
		snap.LatencyP99MS = percentile(m.latencySamples, 0.99)
	}
	if m.WindowsCompleted > 0 {
		snap.AvgSelectivity = m.selectivitySum / float64(m.WindowsCompleted)
		snap.ThroughputEventsPerSec = m.throughputSum / float64(m.WindowsCompleted)
	}
	if m.aqpErrorCount > 0 {
		snap.AvgAQPErrorRate = m.aqpErrorSum / float64(m.aqpErrorCount)
	}
	if m.memorySamples > 0 {
		snap.AvgMemoryBytes = m.memorySum / float64(m.memorySamples)
	}
	return snap
}

// reset clears every aggregate. Database tables are untouched.
func (m *Metrics) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.WindowsCompleted = 0
	m.WindowsFailed = 0
	m.WindowsTimeout = 0
	m.TuplesProcessed = 0
	m.latencySamples = make([]float64, 0, latencyReservoirSize)
	m.latencyNext = 0
	m.latencyCount = 0
	m.latencySum = 0
	m.latencyMin = math.Inf(1)
	m.latencyMax = 0
	m.selectivitySum = 0
	m.aqpErrorSum = 0
	m.aqpErrorCount = 0
	m.AQPInvocations = 0
	m.RetryCount = 0
	m.throughputSum = 0
	m.peakMemory = 0
	m.memorySum = 0
	m.memorySamples = 0
}

// percentile computes the p-th percentile of the sample window.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
