package table

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/intellistream/sage-tsdb/pkg/lsm"
	"github.com/intellistream/sage-tsdb/pkg/record"
)

// AQPNotUsed is the sentinel estimate for results computed exactly.
const AQPNotUsed = -1.0

// RecordPair is one joined (S, R) pair inside a result payload.
type RecordPair struct {
	S *record.Record
	R *record.Record
}

// ResultMetrics captures the cost of one window computation.
type ResultMetrics struct {
	ComputeTimeMS int64
	MemoryBytes   int64
	ThreadsUsed   int
	CPUPercent    float64
	UsedAQP       bool
	Algorithm     string
}

// JoinResult is one window's join outcome.
type JoinResult struct {
	WindowID     uint64
	Timestamp    int64 // window end
	JoinCount    int
	InputSCount  int
	InputRCount  int
	AQPEstimate  float64 // AQPNotUsed when exact
	Selectivity  float64
	Payload      []byte // serialized record pairs
	Metrics      ResultMetrics
	Tags         map[string]string
	ErrorMessage string
}

// AggregateStats summarizes a result table.
type AggregateStats struct {
	TotalWindows  int
	TotalJoins    int64
	AvgJoinCount  float64
	AvgComputeMS  float64
	AvgSelectivity float64
	AQPUsageCount int
	ErrorCount    int
}

// JoinResultTable stores one result row per window id. Rows live in memory
// (window-id lookups use a hash index once CreateWindowIndex has built it,
// and scan the rows before that) and are persisted through an LSM engine
// keyed by window id, so a re-computation overwrites its predecessor in
// both places.
type JoinResultTable struct {
	name   string
	engine *lsm.Engine

	mu          sync.RWMutex
	rows        []*JoinResult
	windowIndex map[uint64][]int // built by CreateWindowIndex

	statsValid bool
	stats      AggregateStats
}

// NewJoinResultTable opens a result table backed by its own LSM engine.
func NewJoinResultTable(name string, engineOpts lsm.Options) (*JoinResultTable, error) {
	if name == "" {
		return nil, fmt.Errorf("join result table name must not be empty")
	}

	engine, err := lsm.NewEngine(engineOpts)
	if err != nil {
		return nil, fmt.Errorf("open engine for result table %s: %w", name, err)
	}

	t := &JoinResultTable{
		name:   name,
		engine: engine,
	}
	if err := t.reload(); err != nil {
		engine.Close()
		return nil, err
	}
	return t, nil
}

// reload rebuilds the in-memory rows from the persisted engine state.
func (t *JoinResultTable) reload() error {
	full := record.FullRange()
	recs, err := t.engine.RangeQuery(full.Start, full.End-1)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		encoded, ok := rec.Fields["result"]
		if !ok {
			continue
		}
		result, err := DecodeJoinResult([]byte(encoded))
		if err != nil {
			continue
		}
		t.rows = append(t.rows, result)
	}
	return nil
}

// Name returns the table name.
func (t *JoinResultTable) Name() string { return t.name }

// Insert stores one result row, replacing any prior row for the same
// window id.
func (t *JoinResultTable) Insert(result *JoinResult) error {
	// Keyed by window id so last-write-wins gives one row per window
	rec := &record.Record{
		Timestamp: int64(result.WindowID),
		Kind:      record.ScalarValue,
		Scalar:    float64(result.JoinCount),
		Tags:      result.Tags,
		Fields:    map[string]string{"result": string(EncodeJoinResult(result))},
	}
	if err := t.engine.Put(rec); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	replaced := false
	for i, row := range t.rows {
		if row.WindowID == result.WindowID {
			t.rows[i] = result
			replaced = true
			break
		}
	}
	if !replaced {
		t.rows = append(t.rows, result)
	}
	if t.windowIndex != nil {
		t.rebuildWindowIndexLocked()
	}
	t.statsValid = false
	return nil
}

// InsertBatch stores a batch of result rows.
func (t *JoinResultTable) InsertBatch(results []*JoinResult) error {
	for _, result := range results {
		if err := t.Insert(result); err != nil {
			return err
		}
	}
	return nil
}

// CreateWindowIndex builds the window-id hash index over current rows.
func (t *JoinResultTable) CreateWindowIndex() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rebuildWindowIndexLocked()
}

func (t *JoinResultTable) rebuildWindowIndexLocked() {
	idx := make(map[uint64][]int, len(t.rows))
	for i, row := range t.rows {
		idx[row.WindowID] = append(idx[row.WindowID], i)
	}
	t.windowIndex = idx
}

// QueryByWindow returns the result rows for a window id.
func (t *JoinResultTable) QueryByWindow(windowID uint64) []*JoinResult {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.windowIndex != nil {
		positions := t.windowIndex[windowID]
		out := make([]*JoinResult, 0, len(positions))
		for _, pos := range positions {
			out = append(out, t.rows[pos])
		}
		return out
	}

	var out []*JoinResult
	for _, row := range t.rows {
		if row.WindowID == windowID {
			out = append(out, row)
		}
	}
	return out
}

// QueryByTimeRange returns rows whose window end lies in [start, end),
// ascending by window end.
func (t *JoinResultTable) QueryByTimeRange(tr record.TimeRange) []*JoinResult {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*JoinResult
	for _, row := range t.rows {
		if tr.Contains(row.Timestamp) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// QueryByTags returns rows carrying every filter tag.
func (t *JoinResultTable) QueryByTags(filter map[string]string) []*JoinResult {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*JoinResult
	for _, row := range t.rows {
		matched := true
		for k, want := range filter {
			if got, ok := row.Tags[k]; !ok || got != want {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, row)
		}
	}
	return out
}

// QueryLatest returns the n most recent rows by window end, descending.
func (t *JoinResultTable) QueryLatest(n int) []*JoinResult {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*JoinResult, len(t.rows))
	copy(out, t.rows)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// QueryAggregateStats returns summary statistics over rows in the range.
func (t *JoinResultTable) QueryAggregateStats(tr record.TimeRange) AggregateStats {
	rows := t.QueryByTimeRange(tr)
	return computeStats(rows)
}

// Stats returns the cached whole-table statistics, recomputing when stale.
// RefreshStats forces the recomputation for callers needing determinism.
func (t *JoinResultTable) Stats() AggregateStats {
	t.mu.RLock()
	if t.statsValid {
		stats := t.stats
		t.mu.RUnlock()
		return stats
	}
	t.mu.RUnlock()

	return t.RefreshStats()
}

// RefreshStats recomputes and caches the whole-table statistics.
func (t *JoinResultTable) RefreshStats() AggregateStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats = computeStats(t.rows)
	t.statsValid = true
	return t.stats
}

func computeStats(rows []*JoinResult) AggregateStats {
	stats := AggregateStats{TotalWindows: len(rows)}
	if len(rows) == 0 {
		return stats
	}

	var sumCompute float64
	var sumSelectivity float64
	for _, row := range rows {
		stats.TotalJoins += int64(row.JoinCount)
		sumCompute += float64(row.Metrics.ComputeTimeMS)
		sumSelectivity += row.Selectivity
		if row.Metrics.UsedAQP {
			stats.AQPUsageCount++
		}
		if row.ErrorMessage != "" {
			stats.ErrorCount++
		}
	}
	n := float64(len(rows))
	stats.AvgJoinCount = float64(stats.TotalJoins) / n
	stats.AvgComputeMS = sumCompute / n
	stats.AvgSelectivity = sumSelectivity / n
	return stats
}

// DeleteOldResults removes rows whose window end precedes beforeTS and
// returns the deletion count.
func (t *JoinResultTable) DeleteOldResults(beforeTS int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.rows[:0]
	deleted := 0
	for _, row := range t.rows {
		if row.Timestamp < beforeTS {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	t.rows = kept
	if t.windowIndex != nil {
		t.rebuildWindowIndexLocked()
	}
	t.statsValid = false
	return deleted
}

// Clear drops every row.
func (t *JoinResultTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rows = nil
	t.windowIndex = nil
	t.statsValid = false
}

// Len returns the number of rows.
func (t *JoinResultTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Flush forces the backing engine to flush.
func (t *JoinResultTable) Flush() error {
	return t.engine.Flush()
}

// Engine exposes the backing LSM engine.
func (t *JoinResultTable) Engine() *lsm.Engine { return t.engine }

// Close flushes and closes the backing engine.
func (t *JoinResultTable) Close() error {
	return t.engine.Close()
}

// SerializePayload encodes joined pairs as (count u32, S record, R record)*.
func SerializePayload(pairs []RecordPair) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pairs)))
	for _, pair := range pairs {
		_ = record.Write(&buf, pair.S)
		_ = record.Write(&buf, pair.R)
	}
	return buf.Bytes()
}

// DeserializePayload is the inverse of SerializePayload. A decode failure
// reports the byte offset it occurred at.
func DeserializePayload(payload []byte) ([]RecordPair, error) {
	rd := bytes.NewReader(payload)

	var count uint32
	if err := binary.Read(rd, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("payload header at offset 0: %w", err)
	}

	pairs := make([]RecordPair, 0, count)
	for i := uint32(0); i < count; i++ {
		offset := int64(len(payload)) - int64(rd.Len())
		s, err := record.Read(rd)
		if err != nil {
			return nil, fmt.Errorf("payload pair %d (S) at offset %d: %w", i, offset, err)
		}
		offset = int64(len(payload)) - int64(rd.Len())
		r, err := record.Read(rd)
		if err != nil {
			return nil, fmt.Errorf("payload pair %d (R) at offset %d: %w", i, offset, err)
		}
		pairs = append(pairs, RecordPair{S: s, R: r})
	}
	return pairs, nil
}

// EncodeJoinResult serializes a result row for persistence.
func EncodeJoinResult(r *JoinResult) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, r.WindowID)
	_ = binary.Write(&buf, binary.LittleEndian, r.Timestamp)
	_ = binary.Write(&buf, binary.LittleEndian, int64(r.JoinCount))
	_ = binary.Write(&buf, binary.LittleEndian, int64(r.InputSCount))
	_ = binary.Write(&buf, binary.LittleEndian, int64(r.InputRCount))
	_ = binary.Write(&buf, binary.LittleEndian, r.AQPEstimate)
	_ = binary.Write(&buf, binary.LittleEndian, r.Selectivity)
	writeBytes(&buf, r.Payload)
	_ = binary.Write(&buf, binary.LittleEndian, r.Metrics.ComputeTimeMS)
	_ = binary.Write(&buf, binary.LittleEndian, r.Metrics.MemoryBytes)
	_ = binary.Write(&buf, binary.LittleEndian, int64(r.Metrics.ThreadsUsed))
	_ = binary.Write(&buf, binary.LittleEndian, r.Metrics.CPUPercent)
	writeBool(&buf, r.Metrics.UsedAQP)
	writeLenString(&buf, r.Metrics.Algorithm)
	writeStringMap(&buf, r.Tags)
	writeLenString(&buf, r.ErrorMessage)
	return buf.Bytes()
}

// DecodeJoinResult is the inverse of EncodeJoinResult.
func DecodeJoinResult(data []byte) (*JoinResult, error) {
	rd := bytes.NewReader(data)
	r := &JoinResult{}

	var joinCount, inputS, inputR, threads int64
	if err := binary.Read(rd, binary.LittleEndian, &r.WindowID); err != nil {
		return nil, err
	}
	if err := binary.Read(rd, binary.LittleEndian, &r.Timestamp); err != nil {
		return nil, err
	}
	if err := binary.Read(rd, binary.LittleEndian, &joinCount); err != nil {
		return nil, err
	}
	if err := binary.Read(rd, binary.LittleEndian, &inputS); err != nil {
		return nil, err
	}
	if err := binary.Read(rd, binary.LittleEndian, &inputR); err != nil {
		return nil, err
	}
	if err := binary.Read(rd, binary.LittleEndian, &r.AQPEstimate); err != nil {
		return nil, err
	}
	if err := binary.Read(rd, binary.LittleEndian, &r.Selectivity); err != nil {
		return nil, err
	}
	payload, err := readBytes(rd)
	if err != nil {
		return nil, err
	}
	if err := binary.Read(rd, binary.LittleEndian, &r.Metrics.ComputeTimeMS); err != nil {
		return nil, err
	}
	if err := binary.Read(rd, binary.LittleEndian, &r.Metrics.MemoryBytes); err != nil {
		return nil, err
	}
	if err := binary.Read(rd, binary.LittleEndian, &threads); err != nil {
		return nil, err
	}
	if err := binary.Read(rd, binary.LittleEndian, &r.Metrics.CPUPercent); err != nil {
		return nil, err
	}
	usedAQP, err := readBool(rd)
	if err != nil {
		return nil, err
	}
	algorithm, err := readLenString(rd)
	if err != nil {
		return nil, err
	}
	tags, err := readStringMap(rd)
	if err != nil {
		return nil, err
	}
	errMsg, err := readLenString(rd)
	if err != nil {
		return nil, err
	}

	r.JoinCount = int(joinCount)
	r.InputSCount = int(inputS)
	r.InputRCount = int(inputR)
	r.Payload = payload
	r.Metrics.ThreadsUsed = int(threads)
	r.Metrics.UsedAQP = usedAQP
	r.Metrics.Algorithm = algorithm
	r.Tags = tags
	r.ErrorMessage = errMsg
	return r, nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(b)))
	buf.Write(b)
}

func readBytes(rd *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(rd, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := rd.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(rd *bytes.Reader) (bool, error) {
	b, err := rd.ReadByte()
	return b == 1, err
}

func writeLenString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

func readLenString(rd *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(rd, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := rd.Read(b); err != nil {
			return "", err
		}
	}
	return string(b), nil
}

func writeStringMap(buf *bytes.Buffer, m map[string]string) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(m)))
	for k, v := range m {
		writeLenString(buf, k)
		writeLenString(buf, v)
	}
}

func readStringMap(rd *bytes.Reader) (map[string]string, error) {
	var n uint32
	if err := binary.Read(rd, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	m := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := readLenString(rd)
		if err != nil {
			return nil, err
		}
		v, err := readLenString(rd)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}
