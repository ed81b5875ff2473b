// Package scheduler drives windowed join computation: it watches stream
// tables, tracks the watermark, creates windows, and dispatches triggered
// windows to the compute engine through a resource handle.
package scheduler

import (
	"time"

	"github.com/intellistream/sage-tsdb/pkg/record"
)

// WindowType selects the windowing discipline.
type WindowType int

const (
	Tumbling WindowType = iota
	Sliding
	Session
)

// TriggerPolicy selects when a window becomes ready.
type TriggerPolicy int

const (
	TimeBased TriggerPolicy = iota
	CountBased
	Hybrid
	Manual
)

// StreamID distinguishes the two joined streams.
type StreamID int

const (
	StreamS StreamID = 0
	StreamR StreamID = 1
)

// Config configures a window scheduler.
type Config struct {
	Window      WindowType
	WindowLenUS int64
	SlideLenUS  int64
	// SessionGapUS is the inactivity gap closing a session window
	SessionGapUS int64

	Trigger               TriggerPolicy
	TriggerCheckInterval  time.Duration
	TriggerCountThreshold int64

	MaxAllowedDelayUS int64
	WatermarkSlackUS  int64
	AllowLateData     bool

	MaxPendingWindows    int
	MaxConcurrentWindows int
	AdaptiveScheduling   bool

	MetricsReportInterval time.Duration
}

// DefaultConfig returns a tumbling, time-triggered configuration.
func DefaultConfig() Config {
	return Config{
		Window:                Tumbling,
		WindowLenUS:           1_000_000,
		SlideLenUS:            1_000_000,
		SessionGapUS:          500_000,
		Trigger:               TimeBased,
		TriggerCheckInterval:  10 * time.Millisecond,
		TriggerCountThreshold: 1000,
		WatermarkSlackUS:      50_000,
		MaxPendingWindows:     1024,
		MaxConcurrentWindows:  4,
		MetricsReportInterval: 10 * time.Second,
	}
}

func (c *Config) normalize() {
	if c.WindowLenUS <= 0 {
		c.WindowLenUS = 1_000_000
	}
	if c.SlideLenUS <= 0 {
		c.SlideLenUS = c.WindowLenUS
	}
	if c.SessionGapUS <= 0 {
		c.SessionGapUS = c.WindowLenUS / 2
	}
	if c.TriggerCheckInterval <= 0 {
		c.TriggerCheckInterval = 10 * time.Millisecond
	}
	if c.MaxPendingWindows <= 0 {
		c.MaxPendingWindows = 1024
	}
	if c.MaxConcurrentWindows <= 0 {
		c.MaxConcurrentWindows = 4
	}
}

// WindowInfo tracks one window's lifecycle.
type WindowInfo struct {
	ID        uint64
	Range     record.TimeRange
	Watermark int64

	Ready       bool
	Computing   bool
	Completed   bool
	HasLateData bool
	requeued    bool // late-data requeue happens at most once

	StreamSCount int64
	StreamRCount int64

	CreatedAt   time.Time
	TriggeredAt time.Time
	CompletedAt time.Time
}

// windowHeap is a min-heap of window ids, draining smallest-id first.
type windowHeap []uint64

func (h windowHeap) Len() int            { return len(h) }
func (h windowHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h windowHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *windowHeap) Push(x any)         { *h = append(*h, x.(uint64)) }
func (h *windowHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Metrics summarizes scheduler activity.
type Metrics struct {
	WindowsCreated   int64
	WindowsTriggered int64
	WindowsCompleted int64
	WindowsFailed    int64
	LateRequeues     int64
	Watermark        int64
	PendingWindows   int
	ActiveWindows    int
}
