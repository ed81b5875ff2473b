package scheduler

import (
	"container/heap"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/intellistream/sage-tsdb/pkg/compute"
	"github.com/intellistream/sage-tsdb/pkg/logging"
	"github.com/intellistream/sage-tsdb/pkg/record"
	"github.com/intellistream/sage-tsdb/pkg/resource"
	"github.com/intellistream/sage-tsdb/pkg/table"
)

// listenerName identifies the scheduler on stream-table listener buses.
const listenerName = "window_scheduler"

// CompletionCallback fires after a window's computation returns
// successfully.
type CompletionCallback func(w WindowInfo, status compute.Status)

// FailureCallback fires after a window's computation fails.
type FailureCallback func(w WindowInfo, err error)

// Scheduler creates windows from stream arrivals and dispatches triggered
// windows to the compute engine. It holds non-owning references to its
// collaborators; ownership stays with the table and resource managers.
type Scheduler struct {
	cfg     Config
	engine  *compute.Engine
	manager *table.Manager
	handle  *resource.Handle
	logger  logging.Logger

	mu       sync.Mutex
	windows  map[uint64]*WindowInfo
	pending  windowHeap
	watched  map[string]StreamID
	nextSlot uint64 // highest created window slot + 1
	sessions *WindowInfo
	active   int

	watermark atomic.Int64
	running   atomic.Bool
	stopChan  chan struct{}
	notify    chan struct{}
	wg        sync.WaitGroup
	tasks     sync.WaitGroup

	onComplete []CompletionCallback
	onFailure  []FailureCallback

	metrics struct {
		created   atomic.Int64
		triggered atomic.Int64
		completed atomic.Int64
		failed    atomic.Int64
		lateReqs  atomic.Int64
	}
}

// New creates a scheduler wired to its collaborators.
func New(cfg Config, engine *compute.Engine, manager *table.Manager, handle *resource.Handle) *Scheduler {
	cfg.normalize()
	return &Scheduler{
		cfg:      cfg,
		engine:   engine,
		manager:  manager,
		handle:   handle,
		logger:   logging.With(logging.Component("window_scheduler")),
		windows:  make(map[uint64]*WindowInfo),
		watched:  make(map[string]StreamID),
		stopChan: make(chan struct{}),
		notify:   make(chan struct{}, 1),
	}
}

// OnComplete registers a completion callback.
func (s *Scheduler) OnComplete(cb CompletionCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = append(s.onComplete, cb)
}

// OnFailure registers a failure callback.
func (s *Scheduler) OnFailure(cb FailureCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure = append(s.onFailure, cb)
}

// WatchTable registers a stream table as one side of the join and
// subscribes to its insert notifications.
func (s *Scheduler) WatchTable(name string, id StreamID) error {
	st, err := s.manager.GetStreamTable(name)
	if err != nil {
		return fmt.Errorf("watch table %s: %w", name, err)
	}

	s.mu.Lock()
	s.watched[name] = id
	s.mu.Unlock()

	st.RegisterListener(listenerName, s)
	return nil
}

// Start spawns the scheduler thread and returns.
func (s *Scheduler) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already running")
	}

	s.wg.Add(1)
	go s.run()
	s.logger.Info("scheduler started")
	return nil
}

// Stop signals termination. With waitCompletion, outstanding window tasks
// are joined before returning; otherwise in-flight tasks finish on their
// own.
func (s *Scheduler) Stop(waitCompletion bool) {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	close(s.stopChan)
	s.wg.Wait()

	if waitCompletion {
		s.tasks.Wait()
	}
	s.logger.Info("scheduler stopped")
}

// IsRunning reports whether the scheduler thread is live.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Watermark returns the current watermark.
func (s *Scheduler) Watermark() int64 {
	return s.watermark.Load()
}

// OnDataInserted implements table.InsertListener. Insertion threads call
// it concurrently with the scheduler thread.
func (s *Scheduler) OnDataInserted(tableName string, ts int64, count int) {
	// Advance the watermark monotonically
	candidate := ts - s.cfg.WatermarkSlackUS
	for {
		current := s.watermark.Load()
		if candidate <= current || s.watermark.CompareAndSwap(current, candidate) {
			break
		}
	}

	s.mu.Lock()
	streamID, watchedTable := s.watched[tableName]
	if watchedTable {
		s.ensureWindowsLocked(ts)
		s.recordArrivalLocked(streamID, ts, count)
	}
	s.mu.Unlock()

	if watchedTable {
		s.wake()
	}
}

// ensureWindowsLocked creates every window whose range could cover ts.
func (s *Scheduler) ensureWindowsLocked(ts int64) {
	switch s.cfg.Window {
	case Session:
		s.ensureSessionWindowLocked(ts)
	default:
		// Tumbling and sliding windows are slide-spaced; tumbling is the
		// slide == length special case
		if ts < 0 {
			return
		}
		slot := uint64(ts / s.cfg.SlideLenUS)
		for next := s.nextSlot; next <= slot; next++ {
			s.createWindowLocked(next+1, record.TimeRange{
				Start: int64(next) * s.cfg.SlideLenUS,
				End:   int64(next)*s.cfg.SlideLenUS + s.cfg.WindowLenUS,
			})
		}
		if slot >= s.nextSlot {
			s.nextSlot = slot + 1
		}
	}
}

// ensureSessionWindowLocked opens a new session when the arrival falls
// past the current session's end plus the inactivity gap, and otherwise
// extends the open session.
func (s *Scheduler) ensureSessionWindowLocked(ts int64) {
	open := s.sessions
	if open != nil && !open.Completed && ts < open.Range.End+s.cfg.SessionGapUS {
		if ts+s.cfg.SessionGapUS > open.Range.End {
			open.Range.End = ts + s.cfg.SessionGapUS
		}
		return
	}

	id := s.nextSlot + 1
	s.nextSlot++
	w := s.createWindowLocked(id, record.TimeRange{Start: ts, End: ts + s.cfg.SessionGapUS})
	s.sessions = w
}

func (s *Scheduler) createWindowLocked(id uint64, tr record.TimeRange) *WindowInfo {
	if _, exists := s.windows[id]; exists {
		return s.windows[id]
	}
	if len(s.windows) >= s.cfg.MaxPendingWindows {
		return nil
	}

	w := &WindowInfo{
		ID:        id,
		Range:     tr,
		CreatedAt: time.Now(),
	}
	s.windows[id] = w
	s.metrics.created.Add(1)

	// Stream tables resolve query_window(id) through this registration
	for name := range s.watched {
		if st, err := s.manager.GetStreamTable(name); err == nil {
			st.RegisterWindow(id, tr)
		}
	}
	return w
}

// recordArrivalLocked updates arrival counters for every window covering
// ts, and requeues a completed window once when late data is allowed.
func (s *Scheduler) recordArrivalLocked(id StreamID, ts int64, count int) {
	for _, w := range s.windows {
		if !w.Range.Contains(ts) {
			continue
		}
		if id == StreamS {
			w.StreamSCount += int64(count)
		} else {
			w.StreamRCount += int64(count)
		}

		if w.Completed && s.cfg.AllowLateData && !w.requeued {
			w.Completed = false
			w.Ready = true
			w.HasLateData = true
			w.requeued = true
			heap.Push(&s.pending, w.ID)
			s.metrics.lateReqs.Add(1)
		}
	}
}

// wake nudges the scheduler thread without blocking.
func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// run is the scheduler thread: it promotes ready windows into the pending
// heap, dispatches up to the concurrency cap, and cleans up stale windows.
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TriggerCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
		case <-s.notify:
		}

		s.mu.Lock()
		s.promoteLocked()
		s.dispatchLocked()
		s.cleanupLocked()
		s.mu.Unlock()
	}
}

// shouldTrigger evaluates the trigger policy for a window.
func (s *Scheduler) shouldTrigger(w *WindowInfo) bool {
	timeReady := s.watermark.Load() >= w.Range.End+s.cfg.WatermarkSlackUS
	countReady := w.StreamSCount+w.StreamRCount >= s.cfg.TriggerCountThreshold

	switch s.cfg.Trigger {
	case TimeBased:
		return timeReady
	case CountBased:
		return countReady
	case Hybrid:
		return timeReady || countReady
	default: // Manual never auto-triggers
		return false
	}
}

func (s *Scheduler) promoteLocked() {
	for _, w := range s.windows {
		if w.Ready || w.Computing || w.Completed {
			continue
		}
		if !s.shouldTrigger(w) {
			continue
		}
		w.Ready = true
		w.Watermark = s.watermark.Load()
		heap.Push(&s.pending, w.ID)
	}
}

// dispatchLocked drains the pending heap up to the concurrency cap,
// submitting each window through the resource handle.
func (s *Scheduler) dispatchLocked() {
	for s.active < s.cfg.MaxConcurrentWindows && s.pending.Len() > 0 {
		id := heap.Pop(&s.pending).(uint64)
		w, ok := s.windows[id]
		if !ok || w.Computing || w.Completed {
			continue
		}

		w.Computing = true
		w.Ready = false
		w.TriggeredAt = time.Now()
		s.active++
		s.metrics.triggered.Add(1)
		s.tasks.Add(1)

		windowID, tr := w.ID, w.Range
		submitted := s.handle.SubmitTask(func() {
			defer s.tasks.Done()
			s.execute(windowID, tr)
		})
		if !submitted {
			// Handle released under us: put the window back
			s.tasks.Done()
			w.Computing = false
			w.Ready = true
			s.active--
			heap.Push(&s.pending, id)
			return
		}
	}
}

// execute runs one window on a resource-handle worker and records the
// outcome.
func (s *Scheduler) execute(windowID uint64, tr record.TimeRange) {
	status, err := s.engine.ExecuteWindowJoin(windowID, tr)

	s.mu.Lock()
	w := s.windows[windowID]
	var snapshot WindowInfo
	if w != nil {
		w.Computing = false
		w.Completed = true
		w.CompletedAt = time.Now()
		snapshot = *w
	}
	s.active--
	completeCbs := append([]CompletionCallback(nil), s.onComplete...)
	failureCbs := append([]FailureCallback(nil), s.onFailure...)
	s.mu.Unlock()

	if err != nil {
		s.metrics.failed.Add(1)
		s.logger.Warn("window computation failed",
			logging.WindowID(windowID), logging.Error(err))
		for _, cb := range failureCbs {
			cb(snapshot, err)
		}
		return
	}

	s.metrics.completed.Add(1)
	for _, cb := range completeCbs {
		cb(snapshot, status)
	}
	s.wake()
}

// cleanupLocked drops completed windows older than ten window lengths
// behind the watermark.
func (s *Scheduler) cleanupLocked() {
	horizon := s.watermark.Load() - s.cfg.WindowLenUS*10
	for id, w := range s.windows {
		if w.Completed && w.Range.End < horizon {
			delete(s.windows, id)
		}
	}
}

// TriggerWindow manually queues a window, the only path under the Manual
// policy.
func (s *Scheduler) TriggerWindow(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[id]
	if !ok {
		return fmt.Errorf("unknown window %d", id)
	}
	if w.Computing || w.Completed {
		return fmt.Errorf("window %d already %s", id, windowStateName(w))
	}
	w.Ready = true
	heap.Push(&s.pending, id)
	s.wake()
	return nil
}

func windowStateName(w *WindowInfo) string {
	switch {
	case w.Computing:
		return "computing"
	case w.Completed:
		return "completed"
	default:
		return "pending"
	}
}

// GetWindow returns a copy of a window's state.
func (s *Scheduler) GetWindow(id uint64) (WindowInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[id]
	if !ok {
		return WindowInfo{}, false
	}
	return *w, true
}

// GetMetrics returns a snapshot of scheduler counters.
func (s *Scheduler) GetMetrics() Metrics {
	s.mu.Lock()
	pending := s.pending.Len()
	active := s.active
	s.mu.Unlock()

	return Metrics{
		WindowsCreated:   s.metrics.created.Load(),
		WindowsTriggered: s.metrics.triggered.Load(),
		WindowsCompleted: s.metrics.completed.Load(),
		WindowsFailed:    s.metrics.failed.Load(),
		LateRequeues:     s.metrics.lateReqs.Load(),
		Watermark:        s.watermark.Load(),
		PendingWindows:   pending,
		ActiveWindows:    active,
	}
}
