// Package resource provides the process-wide thread and memory scheduler.
// Consumers allocate named handles; each handle owns a FIFO task queue
// drained by exactly the granted number of worker goroutines.
package resource

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/intellistream/sage-tsdb/pkg/logging"
)

// Request describes what a consumer asks for.
type Request struct {
	Threads             int   // 0 selects the default
	MemoryBytes         int64 // soft budget
	CriticalMemoryBytes int64 // hard budget
	DeviceIDs           []int
	ModelPath           string
	Priority            int // higher wins under contention
}

// Usage is reported back by consumers.
type Usage struct {
	ThreadsUsed     int
	MemoryUsedBytes int64
	QueueLength     int
	TuplesProcessed int64
	AvgLatencyMS    float64
	ErrorsCount     int64
	LastError       string
}

// Handle is a live allocation. Its worker pool drains tasks FIFO; after
// Release, queued tasks still drain before the workers exit, but new
// submissions are refused.
type Handle struct {
	id        string
	name      string
	allocated Request

	mu        sync.RWMutex // guards taskQueue close and valid flag
	taskQueue chan func()
	valid     bool

	usageMu sync.Mutex
	usage   Usage

	throttleMu sync.RWMutex
	throttle   float64 // 1 = full speed, 0 = stalled

	wg     sync.WaitGroup
	once   sync.Once
	logger logging.Logger
}

func newHandle(name string, granted Request, logger logging.Logger) *Handle {
	h := &Handle{
		id:        uuid.New().String(),
		name:      name,
		allocated: granted,
		taskQueue: make(chan func(), granted.Threads*2),
		valid:     true,
		throttle:  1,
		logger:    logger,
	}
	for i := 0; i < granted.Threads; i++ {
		h.wg.Add(1)
		go h.worker()
	}
	return h
}

// worker drains tasks until the queue closes. Task panics are recovered so
// one bad task cannot kill a worker.
func (h *Handle) worker() {
	defer h.wg.Done()

	for task := range h.taskQueue {
		h.applyThrottle()
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("task panic recovered",
						logging.String("handle", h.name), logging.Any("panic", r))
				}
			}()
			task()
		}()
	}
}

// applyThrottle slows task pickup proportionally to the throttle factor.
func (h *Handle) applyThrottle() {
	h.throttleMu.RLock()
	factor := h.throttle
	h.throttleMu.RUnlock()

	if factor >= 1 {
		return
	}
	if factor <= 0 {
		factor = 0.01
	}
	time.Sleep(time.Duration((1 - factor) / factor * float64(time.Millisecond)))
}

// SubmitTask enqueues a task. Returns false iff the handle has been
// invalidated; a true return guarantees the task will run.
func (h *Handle) SubmitTask(task func()) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.valid {
		return false
	}
	h.taskQueue <- task
	return true
}

// IsValid reports whether the handle is still allocated.
func (h *Handle) IsValid() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.valid
}

// ID returns the handle's unique id.
func (h *Handle) ID() string { return h.id }

// Name returns the allocation name.
func (h *Handle) Name() string { return h.name }

// Allocated returns the actually granted request, which may differ from
// the ask when quota clamped it.
func (h *Handle) Allocated() Request {
	return h.allocated
}

// ReportUsage atomically replaces the current usage metrics.
func (h *Handle) ReportUsage(u Usage) {
	h.usageMu.Lock()
	defer h.usageMu.Unlock()
	h.usage = u
}

// CurrentUsage returns the most recently reported usage.
func (h *Handle) CurrentUsage() Usage {
	h.usageMu.Lock()
	defer h.usageMu.Unlock()
	return h.usage
}

// setThrottle clamps and stores the throttle factor.
func (h *Handle) setThrottle(factor float64) {
	if factor < 0 {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}
	h.throttleMu.Lock()
	h.throttle = factor
	h.throttleMu.Unlock()
}

// invalidate closes the queue and joins the workers. Queued tasks drain
// first; new submissions are refused immediately.
func (h *Handle) invalidate() {
	h.once.Do(func() {
		h.mu.Lock()
		h.valid = false
		close(h.taskQueue)
		h.mu.Unlock()
	})
	h.wg.Wait()
}
