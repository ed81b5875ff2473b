package resource

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/intellistream/sage-tsdb/pkg/logging"
)

// Defaults per spec: the global quota tracks the hardware, a single
// allocation gets a modest slice of it.
const (
	DefaultAllocThreads     = 4
	DefaultAllocMemoryBytes = 512 * 1024 * 1024
	DefaultGlobalMemory     = 4 * 1024 * 1024 * 1024

	pressureFraction = 0.9
)

var (
	// ErrQuotaExceeded indicates the ask cannot fit even after clamping
	ErrQuotaExceeded = fmt.Errorf("resource quota exceeded")
	// ErrUnknownAllocation indicates an operation on an unallocated name
	ErrUnknownAllocation = fmt.Errorf("unknown allocation")
)

// Manager is the process-wide scheduler for threads and memory. One
// instance is created at startup and shared; allocations are by name and
// idempotent. Compute engines get a parallel allocation namespace with its
// own accounting and a throttle knob.
type Manager struct {
	mu sync.Mutex

	globalThreads int
	globalMemory  int64

	handles        map[string]*Handle
	computeHandles map[string]*Handle

	logger logging.Logger
}

// NewManager creates a manager with quota threads = hardware concurrency
// and memory = 4 GiB.
func NewManager() *Manager {
	return &Manager{
		globalThreads:  runtime.NumCPU(),
		globalMemory:   DefaultGlobalMemory,
		handles:        make(map[string]*Handle),
		computeHandles: make(map[string]*Handle),
		logger:         logging.With(logging.Component("resource_manager")),
	}
}

// SetGlobalLimits replaces the process-wide quotas. Existing allocations
// are unaffected.
func (m *Manager) SetGlobalLimits(threads int, memoryBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if threads > 0 {
		m.globalThreads = threads
	}
	if memoryBytes > 0 {
		m.globalMemory = memoryBytes
	}
}

// Allocate grants a handle for name. A second allocate with the same name
// returns the existing handle. A nil handle plus error means the quota is
// exhausted; callers decide whether to fail or degrade.
func (m *Manager) Allocate(name string, req Request) (*Handle, error) {
	return m.allocate(m.handles, name, req)
}

// AllocateForCompute is Allocate in the compute namespace.
func (m *Manager) AllocateForCompute(name string, req Request) (*Handle, error) {
	return m.allocate(m.computeHandles, name, req)
}

func (m *Manager) allocate(pool map[string]*Handle, name string, req Request) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := pool[name]; ok {
		return existing, nil
	}

	if req.Threads <= 0 {
		req.Threads = DefaultAllocThreads
	}
	if req.MemoryBytes <= 0 {
		req.MemoryBytes = DefaultAllocMemoryBytes
	}

	usedThreads, usedMemory := m.totalsLocked()
	availThreads := m.globalThreads - usedThreads
	availMemory := m.globalMemory - usedMemory

	if availThreads <= 0 || availMemory <= 0 {
		return nil, fmt.Errorf("%w: %s asked %d threads / %d bytes",
			ErrQuotaExceeded, name, req.Threads, req.MemoryBytes)
	}

	// Clamp the grant to what remains rather than refusing outright
	granted := req
	if granted.Threads > availThreads {
		granted.Threads = availThreads
	}
	if granted.MemoryBytes > availMemory {
		granted.MemoryBytes = availMemory
	}

	h := newHandle(name, granted, m.logger)
	pool[name] = h

	m.logger.Info("allocated resources",
		logging.String("name", name),
		logging.Int("threads", granted.Threads),
		logging.Int64("memory_bytes", granted.MemoryBytes))
	return h, nil
}

// Release invalidates the named handle and joins its workers. In-flight
// and queued tasks finish first.
func (m *Manager) Release(name string) error {
	return m.release(m.handles, name)
}

// ReleaseForCompute is Release in the compute namespace.
func (m *Manager) ReleaseForCompute(name string) error {
	return m.release(m.computeHandles, name)
}

func (m *Manager) release(pool map[string]*Handle, name string) error {
	m.mu.Lock()
	h, ok := pool[name]
	if ok {
		delete(pool, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAllocation, name)
	}

	h.invalidate()
	m.logger.Info("released resources", logging.String("name", name))
	return nil
}

// AdjustQuota re-allocates a name with a new request. The old handle is
// drained and invalidated; the returned handle replaces it.
func (m *Manager) AdjustQuota(name string, req Request) (*Handle, error) {
	// Release is a no-op error when the name was never allocated
	_ = m.release(m.handles, name)
	return m.Allocate(name, req)
}

// ThrottleCompute scales a compute allocation's task pickup by factor in
// [0, 1]; 1 restores full speed.
func (m *Manager) ThrottleCompute(name string, factor float64) error {
	m.mu.Lock()
	h, ok := m.computeHandles[name]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAllocation, name)
	}
	h.setThrottle(factor)
	return nil
}

// QueryUsage returns the usage last reported on the named handle.
func (m *Manager) QueryUsage(name string) (Usage, error) {
	m.mu.Lock()
	h, ok := m.handles[name]
	if !ok {
		h, ok = m.computeHandles[name]
	}
	m.mu.Unlock()

	if !ok {
		return Usage{}, fmt.Errorf("%w: %s", ErrUnknownAllocation, name)
	}
	return h.CurrentUsage(), nil
}

// GetTotalUsage sums reported usage across every allocation.
func (m *Manager) GetTotalUsage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total Usage
	for _, pool := range []map[string]*Handle{m.handles, m.computeHandles} {
		for _, h := range pool {
			u := h.CurrentUsage()
			total.ThreadsUsed += u.ThreadsUsed
			total.MemoryUsedBytes += u.MemoryUsedBytes
			total.QueueLength += u.QueueLength
			total.TuplesProcessed += u.TuplesProcessed
			total.ErrorsCount += u.ErrorsCount
			if u.LastError != "" {
				total.LastError = u.LastError
			}
		}
	}
	return total
}

// IsUnderPressure reports whether allocated threads or memory sit at 90%
// of the global limits or above.
func (m *Manager) IsUnderPressure() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	usedThreads, usedMemory := m.totalsLocked()
	return float64(usedThreads) >= pressureFraction*float64(m.globalThreads) ||
		float64(usedMemory) >= pressureFraction*float64(m.globalMemory)
}

// totalsLocked sums granted resources across both namespaces.
func (m *Manager) totalsLocked() (threads int, memory int64) {
	for _, pool := range []map[string]*Handle{m.handles, m.computeHandles} {
		for _, h := range pool {
			threads += h.allocated.Threads
			memory += h.allocated.MemoryBytes
		}
	}
	return threads, memory
}

// Close releases every allocation.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Handle, 0, len(m.handles)+len(m.computeHandles))
	for name, h := range m.handles {
		all = append(all, h)
		delete(m.handles, name)
	}
	for name, h := range m.computeHandles {
		all = append(all, h)
		delete(m.computeHandles, name)
	}
	m.mu.Unlock()

	for _, h := range all {
		h.invalidate()
	}
}
