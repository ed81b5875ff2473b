package table

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/intellistream/sage-tsdb/pkg/index"
	"github.com/intellistream/sage-tsdb/pkg/logging"
	"github.com/intellistream/sage-tsdb/pkg/lsm"
	"github.com/intellistream/sage-tsdb/pkg/record"
)

// Kind selects a table's storage shape.
type Kind int

const (
	KindTimeSeries Kind = iota
	KindStream
	KindJoinResult
	KindComputeState
)

// String returns the kind's config spelling.
func (k Kind) String() string {
	switch k {
	case KindTimeSeries:
		return "timeseries"
	case KindStream:
		return "stream"
	case KindJoinResult:
		return "join_result"
	case KindComputeState:
		return "compute_state"
	default:
		return "unknown"
	}
}

var (
	// ErrTableExists indicates a duplicate create
	ErrTableExists = fmt.Errorf("table already exists")
	// ErrTableNotFound indicates an unknown table name
	ErrTableNotFound = fmt.Errorf("table not found")
	// ErrWrongKind indicates a typed getter against a different kind
	ErrWrongKind = fmt.Errorf("table has a different kind")
)

// managedTable holds the storage for one named table. Exactly one of the
// backing fields is set, matching the kind.
type managedTable struct {
	kind   Kind
	stream *StreamTable
	join   *JoinResultTable
	series *index.TimeSeriesIndex
	state  *lsm.Engine
}

// ManagerOptions configures a table manager.
type ManagerOptions struct {
	DataDir     string
	MemoryLimit int64 // cumulative memtable bytes before round-robin flushing, 0 = unlimited
	EngineOpts  func(name string) lsm.Options
}

// Manager is a namespace of named tables of distinct kinds. It is the
// ownership root for every table it creates.
type Manager struct {
	mu     sync.RWMutex
	tables map[string]*managedTable
	opts   ManagerOptions
	logger logging.Logger

	flushCursor int // round-robin position for memory-limit flushing
}

// NewManager creates a table manager rooted at opts.DataDir.
func NewManager(opts ManagerOptions) *Manager {
	if opts.EngineOpts == nil {
		dataDir := opts.DataDir
		opts.EngineOpts = func(name string) lsm.Options {
			return lsm.DefaultOptions(filepath.Join(dataDir, name))
		}
	}
	return &Manager{
		tables: make(map[string]*managedTable),
		opts:   opts,
		logger: logging.With(logging.Component("table_manager")),
	}
}

// CreateTable creates a named table of the given kind. Fails when the name
// is taken.
func (m *Manager) CreateTable(name string, kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tables[name]; exists {
		return fmt.Errorf("%w: %s", ErrTableExists, name)
	}

	entry := &managedTable{kind: kind}
	switch kind {
	case KindStream:
		st, err := NewStreamTable(name, StreamTableOptions{Engine: m.opts.EngineOpts(name)})
		if err != nil {
			return err
		}
		entry.stream = st
	case KindJoinResult:
		jt, err := NewJoinResultTable(name, m.opts.EngineOpts(name))
		if err != nil {
			return err
		}
		entry.join = jt
	case KindTimeSeries:
		entry.series = index.NewTimeSeriesIndex()
	case KindComputeState:
		engine, err := lsm.NewEngine(m.opts.EngineOpts(name))
		if err != nil {
			return err
		}
		entry.state = engine
	default:
		return fmt.Errorf("unknown table kind %d", kind)
	}

	m.tables[name] = entry
	m.logger.Info("created table", logging.Table(name), logging.String("kind", kind.String()))
	return nil
}

// DropTable closes and removes a named table.
func (m *Manager) DropTable(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.tables[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	delete(m.tables, name)

	switch entry.kind {
	case KindStream:
		return entry.stream.Close()
	case KindJoinResult:
		return entry.join.Close()
	case KindComputeState:
		return entry.state.Close()
	}
	return nil
}

// HasTable reports whether a name is taken.
func (m *Manager) HasTable(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.tables[name]
	return exists
}

// ListTables returns all table names, sorted.
func (m *Manager) ListTables() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TableKind returns the kind of a named table.
func (m *Manager) TableKind(name string) (Kind, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.tables[name]
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return entry.kind, nil
}

// GetStreamTable returns the named stream table.
func (m *Manager) GetStreamTable(name string) (*StreamTable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.tables[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	if entry.kind != KindStream {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongKind, name, entry.kind)
	}
	return entry.stream, nil
}

// GetJoinResultTable returns the named join-result table.
func (m *Manager) GetJoinResultTable(name string) (*JoinResultTable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.tables[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	if entry.kind != KindJoinResult {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongKind, name, entry.kind)
	}
	return entry.join, nil
}

// GetStateEngine returns the engine behind a compute-state table.
func (m *Manager) GetStateEngine(name string) (*lsm.Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.tables[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	if entry.kind != KindComputeState {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongKind, name, entry.kind)
	}
	return entry.state, nil
}

// Insert routes one record into a named table.
func (m *Manager) Insert(name string, rec *record.Record) error {
	m.mu.RLock()
	entry, exists := m.tables[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}

	var err error
	switch entry.kind {
	case KindStream:
		err = entry.stream.Insert(rec)
	case KindTimeSeries:
		entry.series.Add(rec)
	case KindComputeState:
		err = entry.state.Put(rec)
	default:
		err = fmt.Errorf("table %s does not accept raw records", name)
	}
	if err != nil {
		return err
	}

	m.enforceMemoryLimit()
	return nil
}

// InsertBatch routes a batch into a named table.
func (m *Manager) InsertBatch(name string, recs []*record.Record) error {
	m.mu.RLock()
	entry, exists := m.tables[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}

	var err error
	switch entry.kind {
	case KindStream:
		err = entry.stream.InsertBatch(recs)
	case KindTimeSeries:
		entry.series.AddBatch(recs)
	case KindComputeState:
		err = entry.state.PutBatch(recs)
	default:
		err = fmt.Errorf("table %s does not accept raw records", name)
	}
	if err != nil {
		return err
	}

	m.enforceMemoryLimit()
	return nil
}

// Query returns records from a named table in the half-open range carrying
// every filter tag.
func (m *Manager) Query(name string, tr record.TimeRange, tags map[string]string) ([]*record.Record, error) {
	m.mu.RLock()
	entry, exists := m.tables[name]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}

	switch entry.kind {
	case KindStream:
		return entry.stream.Query(tr, tags)
	case KindTimeSeries:
		if len(tags) > 0 {
			return entry.series.QueryByTags(tr.Start, tr.End-1, tags), nil
		}
		return entry.series.RangeQuery(tr.Start, tr.End-1), nil
	case KindComputeState:
		return entry.state.RangeQuery(tr.Start, tr.End-1)
	default:
		return nil, fmt.Errorf("table %s does not serve record queries", name)
	}
}

// QueryWithConfig runs a configured query: range + tag filter + limit.
// With an aggregation configured the result is one synthetic record per
// window bucket (or a single record over the whole range when no window
// size is set), each carrying the aggregate value at its bucket start.
func (m *Manager) QueryWithConfig(name string, cfg record.QueryConfig) ([]*record.Record, error) {
	recs, err := m.Query(name, cfg.Range, cfg.TagFilter)
	if err != nil {
		return nil, err
	}
	if cfg.Limit > 0 && len(recs) > cfg.Limit {
		recs = recs[:cfg.Limit]
	}
	if cfg.Aggregation == record.AggNone {
		return recs, nil
	}
	if cfg.WindowMS <= 0 {
		return []*record.Record{
			record.NewScalar(cfg.Range.Start, record.Aggregate(recs, cfg.Aggregation)),
		}, nil
	}

	// Bucket by window, preserving the input's ascending order
	var out []*record.Record
	for start := 0; start < len(recs); {
		bucketStart := cfg.Range.Start +
			((recs[start].Timestamp-cfg.Range.Start)/cfg.WindowMS)*cfg.WindowMS
		end := start
		for end < len(recs) && recs[end].Timestamp < bucketStart+cfg.WindowMS {
			end++
		}
		out = append(out, record.NewScalar(bucketStart,
			record.Aggregate(recs[start:end], cfg.Aggregation)))
		start = end
	}
	return out, nil
}

// InsertMulti routes batches into several tables at once. The returned map
// holds, per table, the indices of the records accepted from its batch.
func (m *Manager) InsertMulti(batches map[string][]*record.Record) (map[string][]int, error) {
	results := make(map[string][]int, len(batches))
	for name, batch := range batches {
		if err := m.InsertBatch(name, batch); err != nil {
			return results, fmt.Errorf("insert into %s: %w", name, err)
		}
		indices := make([]int, len(batch))
		for i := range indices {
			indices[i] = i
		}
		results[name] = indices
	}
	return results, nil
}

// QueryMulti queries several tables at once.
func (m *Manager) QueryMulti(ranges map[string]record.TimeRange) (map[string][]*record.Record, error) {
	results := make(map[string][]*record.Record, len(ranges))
	for name, tr := range ranges {
		recs, err := m.Query(name, tr, nil)
		if err != nil {
			return results, fmt.Errorf("query %s: %w", name, err)
		}
		results[name] = recs
	}
	return results, nil
}

// CreatePECJTables creates the conventional trio for a join pipeline:
// {prefix}stream_s, {prefix}stream_r, {prefix}join_results.
func (m *Manager) CreatePECJTables(prefix string) error {
	if err := m.CreateTable(prefix+"stream_s", KindStream); err != nil {
		return err
	}
	if err := m.CreateTable(prefix+"stream_r", KindStream); err != nil {
		return err
	}
	return m.CreateTable(prefix+"join_results", KindJoinResult)
}

// enforceMemoryLimit schedules round-robin flushes while cumulative
// memtable usage exceeds the configured limit. Flushes are asynchronous;
// usage subsides as the background workers drain.
func (m *Manager) enforceMemoryLimit() {
	if m.opts.MemoryLimit <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	flushable := make([]*lsm.Engine, 0, len(m.tables))
	var total int64
	for _, name := range m.sortedNamesLocked() {
		entry := m.tables[name]
		var engine *lsm.Engine
		switch entry.kind {
		case KindStream:
			engine = entry.stream.Engine()
		case KindJoinResult:
			engine = entry.join.Engine()
		case KindComputeState:
			engine = entry.state
		default:
			continue
		}
		size, _ := engine.MemTableUsage()
		total += int64(size)
		flushable = append(flushable, engine)
	}

	if total <= m.opts.MemoryLimit || len(flushable) == 0 {
		return
	}

	// Round-robin so no single table absorbs every flush
	for range flushable {
		engine := flushable[m.flushCursor%len(flushable)]
		m.flushCursor++
		size, _ := engine.MemTableUsage()
		if size == 0 {
			continue
		}
		engine.ScheduleFlush()
		total -= int64(size)
		if total <= m.opts.MemoryLimit {
			break
		}
	}
}

func (m *Manager) sortedNamesLocked() []string {
	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MemoryUsage returns the cumulative memtable bytes across tables.
func (m *Manager) MemoryUsage() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, entry := range m.tables {
		switch entry.kind {
		case KindStream:
			size, _ := entry.stream.Engine().MemTableUsage()
			total += int64(size)
		case KindJoinResult:
			size, _ := entry.join.Engine().MemTableUsage()
			total += int64(size)
		case KindComputeState:
			size, _ := entry.state.MemTableUsage()
			total += int64(size)
		}
	}
	return total
}

// Close closes every table.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, entry := range m.tables {
		var err error
		switch entry.kind {
		case KindStream:
			err = entry.stream.Close()
		case KindJoinResult:
			err = entry.join.Close()
		case KindComputeState:
			err = entry.state.Close()
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close table %s: %w", name, err)
		}
		delete(m.tables, name)
	}
	return firstErr
}
