package lsm

import (
	"sync"
	"testing"
	"time"

	"github.com/intellistream/sage-tsdb/pkg/logging"
	"github.com/intellistream/sage-tsdb/pkg/record"
)

func newTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	opts := DefaultOptions(dir)
	opts.AutoCompaction = false
	opts.Logger = logging.NewNopLogger()
	e, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e
}

// TestEngineBasicWriteReadRange covers the basic write/read/range scenario:
// out-of-order puts come back sorted with the right values
func TestEngineBasicWriteReadRange(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	defer e.Close()

	for _, p := range []struct {
		ts int64
		v  float64
	}{{100, 1.0}, {200, 2.0}, {150, 1.5}} {
		if err := e.Put(record.NewScalar(p.ts, p.v)); err != nil {
			t.Fatalf("Put(%d) failed: %v", p.ts, err)
		}
	}

	rec, found := e.Get(150)
	if !found || rec.AsScalar() != 1.5 {
		t.Fatalf("Get(150) = %v, %v; want 1.5", rec, found)
	}

	recs, err := e.RangeQuery(100, 200)
	if err != nil {
		t.Fatalf("RangeQuery failed: %v", err)
	}
	wantValues := []float64{1.0, 1.5, 2.0}
	if len(recs) != len(wantValues) {
		t.Fatalf("range returned %d records, want %d", len(recs), len(wantValues))
	}
	for i, want := range wantValues {
		if recs[i].AsScalar() != want {
			t.Errorf("recs[%d] = %v, want %v", i, recs[i].AsScalar(), want)
		}
	}
}

// TestEngineLastWriteWins tests overwrite visibility before any flush
func TestEngineLastWriteWins(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	defer e.Close()

	if err := e.Put(record.NewScalar(1, 10)); err != nil {
		t.Fatal(err)
	}
	if err := e.Put(record.NewScalar(1, 20)); err != nil {
		t.Fatal(err)
	}

	rec, found := e.Get(1)
	if !found || rec.AsScalar() != 20 {
		t.Fatalf("Get(1) = %v, want the later write 20", rec.AsScalar())
	}
}

// TestEngineWALRecovery simulates a crash before any flush: a second
// engine on the same directory must recover every record from the WAL
func TestEngineWALRecovery(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)

	const n = 1000
	for i := int64(0); i < n; i++ {
		if err := e.Put(record.NewScalar(i, float64(i)*2)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	// No Close: the process "dies" with everything still in the memtable

	recovered := newTestEngine(t, dir)
	defer recovered.Close()

	recs, err := recovered.RangeQuery(0, n-1)
	if err != nil {
		t.Fatalf("RangeQuery after recovery failed: %v", err)
	}
	if len(recs) != n {
		t.Fatalf("recovered %d records, want %d", len(recs), n)
	}
	for i, rec := range recs {
		if rec.AsScalar() != float64(i)*2 {
			t.Errorf("recovered value for ts %d = %v, want %v", i, rec.AsScalar(), float64(i)*2)
		}
	}
}

// TestEngineFlushAndRead tests that records survive an explicit flush and
// stay visible through SSTable reads
func TestEngineFlushAndRead(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	defer e.Close()

	for i := int64(0); i < 100; i++ {
		if err := e.Put(record.NewScalar(i, float64(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	counts := e.LevelCount()
	if len(counts) == 0 || counts[0] != 1 {
		t.Fatalf("expected one L0 table after flush, got %v", counts)
	}

	rec, found := e.Get(50)
	if !found || rec.AsScalar() != 50 {
		t.Fatalf("Get(50) after flush = %v, %v", rec, found)
	}

	recs, err := e.RangeQuery(0, 99)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 100 {
		t.Fatalf("range after flush returned %d records, want 100", len(recs))
	}
}

// TestEngineCompaction tests the L0 -> L1 merge: after enough flushes the
// L0 file count drops and the record set round-trips
func TestEngineCompaction(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.AutoCompaction = false
	opts.Logger = logging.NewNopLogger()
	e, err := NewEngine(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	// Four flushes with disjoint timestamp blocks fill L0 to the trigger
	const perFlush = 50
	for block := int64(0); block < 4; block++ {
		for i := int64(0); i < perFlush; i++ {
			ts := block*perFlush + i
			if err := e.Put(record.NewScalar(ts, float64(ts))); err != nil {
				t.Fatal(err)
			}
		}
		if err := e.Flush(); err != nil {
			t.Fatal(err)
		}
	}

	counts := e.LevelCount()
	if counts[0] != 4 {
		t.Fatalf("expected 4 L0 tables before compaction, got %v", counts)
	}

	if err := e.Compact(); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	counts = e.LevelCount()
	if counts[0] != 0 {
		t.Errorf("L0 count after compaction = %d, want 0", counts[0])
	}
	if len(counts) < 2 || counts[1] < 1 {
		t.Errorf("expected at least one L1 table, got %v", counts)
	}

	// The full record set survives the merge
	recs, err := e.RangeQuery(0, 4*perFlush-1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 4*perFlush {
		t.Fatalf("post-compaction range returned %d records, want %d", len(recs), 4*perFlush)
	}
	for i, rec := range recs {
		if rec.Timestamp != int64(i) {
			t.Fatalf("record %d has ts %d after compaction", i, rec.Timestamp)
		}
	}

	if e.GetStats().Compactions != 1 {
		t.Errorf("Compactions counter = %d, want 1", e.GetStats().Compactions)
	}
}

// TestEngineMemTableSwap tests that filling the memtable swaps atomically
// without dropping records
func TestEngineMemTableSwap(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.MemTableSize = 2048 // tiny budget forces swaps
	opts.AutoCompaction = false
	opts.Logger = logging.NewNopLogger()
	e, err := NewEngine(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	const n = 500
	for i := int64(0); i < n; i++ {
		if err := e.Put(record.NewScalar(i, float64(i))); err != nil {
			t.Fatal(err)
		}
	}

	// Give the flush worker a moment to drain pending swaps
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := e.RangeQuery(0, n-1)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	recs, _ := e.RangeQuery(0, n-1)
	t.Fatalf("only %d of %d records visible after swaps", len(recs), n)
}

// TestEngineConcurrentReadWrite exercises the shared-lock read path
// against a writer
func TestEngineConcurrentReadWrite(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	defer e.Close()

	const n = 200
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := int64(0); i < n; i++ {
			if err := e.Put(record.NewScalar(i, float64(i))); err != nil {
				t.Errorf("Put failed: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if _, err := e.RangeQuery(0, n); err != nil {
				t.Errorf("RangeQuery failed: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	recs, err := e.RangeQuery(0, n-1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != n {
		t.Fatalf("final range returned %d records, want %d", len(recs), n)
	}
}

// TestEngineStats tests the monotonic counters
func TestEngineStats(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	defer e.Close()

	for i := int64(0); i < 10; i++ {
		if err := e.Put(record.NewScalar(i, 0)); err != nil {
			t.Fatal(err)
		}
	}
	e.Get(5)
	e.Get(999)

	stats := e.GetStats()
	if stats.Puts != 10 {
		t.Errorf("Puts = %d, want 10", stats.Puts)
	}
	if stats.Gets != 2 {
		t.Errorf("Gets = %d, want 2", stats.Gets)
	}
	if stats.MemTableHits != 1 {
		t.Errorf("MemTableHits = %d, want 1", stats.MemTableHits)
	}
}

// TestEnginePutBatch tests the batched write path
func TestEnginePutBatch(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	defer e.Close()

	batch := make([]*record.Record, 100)
	for i := range batch {
		batch[i] = record.NewScalar(int64(i), float64(i))
	}
	if err := e.PutBatch(batch); err != nil {
		t.Fatalf("PutBatch failed: %v", err)
	}

	recs, err := e.RangeQuery(0, 99)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 100 {
		t.Fatalf("range returned %d records, want 100", len(recs))
	}
}

// TestEngineClosedPut tests writes against a closed engine
func TestEngineClosedPut(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.Put(record.NewScalar(1, 1)); err != ErrClosed {
		t.Errorf("Put on closed engine returned %v, want ErrClosed", err)
	}
}
