package table

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intellistream/sage-tsdb/pkg/lsm"
	"github.com/intellistream/sage-tsdb/pkg/logging"
	"github.com/intellistream/sage-tsdb/pkg/record"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dataDir := t.TempDir()
	return NewManager(ManagerOptions{
		DataDir: dataDir,
		EngineOpts: func(name string) lsm.Options {
			opts := lsm.DefaultOptions(filepath.Join(dataDir, name))
			opts.AutoCompaction = false
			opts.Logger = logging.NewNopLogger()
			return opts
		},
	})
}

// TestManagerCreateDuplicate tests that a second create with the same
// name fails
func TestManagerCreateDuplicate(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	require.NoError(t, m.CreateTable("events", KindStream))
	err := m.CreateTable("events", KindJoinResult)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTableExists))
}

// TestManagerLifecycle tests create/has/list/drop
func TestManagerLifecycle(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	require.NoError(t, m.CreateTable("a_stream", KindStream))
	require.NoError(t, m.CreateTable("b_results", KindJoinResult))
	require.NoError(t, m.CreateTable("c_series", KindTimeSeries))

	assert.True(t, m.HasTable("a_stream"))
	assert.False(t, m.HasTable("missing"))
	assert.Equal(t, []string{"a_stream", "b_results", "c_series"}, m.ListTables())

	require.NoError(t, m.DropTable("b_results"))
	assert.False(t, m.HasTable("b_results"))

	err := m.DropTable("b_results")
	assert.True(t, errors.Is(err, ErrTableNotFound))
}

// TestManagerTypedGetters tests kind checking on the typed accessors
func TestManagerTypedGetters(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	require.NoError(t, m.CreateTable("s", KindStream))
	require.NoError(t, m.CreateTable("j", KindJoinResult))

	st, err := m.GetStreamTable("s")
	require.NoError(t, err)
	assert.Equal(t, "s", st.Name())

	_, err = m.GetStreamTable("j")
	assert.True(t, errors.Is(err, ErrWrongKind))

	_, err = m.GetJoinResultTable("missing")
	assert.True(t, errors.Is(err, ErrTableNotFound))
}

// TestManagerInsertAndQuery tests routed inserts and queries per kind
func TestManagerInsertAndQuery(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	require.NoError(t, m.CreateTable("s", KindStream))
	require.NoError(t, m.CreateTable("ts", KindTimeSeries))

	require.NoError(t, m.Insert("s", record.NewScalar(100, 1)))
	require.NoError(t, m.Insert("ts", record.NewScalar(100, 2)))

	recs, err := m.Query("s", record.NewTimeRange(0, 1000), nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	recs, err = m.Query("ts", record.NewTimeRange(0, 1000), nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2.0, recs[0].AsScalar())

	err = m.Insert("missing", record.NewScalar(1, 1))
	assert.True(t, errors.Is(err, ErrTableNotFound))
}

// TestManagerQueryWithConfig tests limit and aggregation handling
func TestManagerQueryWithConfig(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	require.NoError(t, m.CreateTable("s", KindStream))
	for i := int64(0); i < 10; i++ {
		require.NoError(t, m.Insert("s", record.NewScalar(i, float64(i))))
	}

	recs, err := m.QueryWithConfig("s", record.QueryConfig{
		Range: record.NewTimeRange(0, 100),
		Limit: 3,
	})
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	recs, err = m.QueryWithConfig("s", record.QueryConfig{
		Range:       record.NewTimeRange(0, 100),
		Aggregation: record.AggSum,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 45.0, recs[0].AsScalar())

	// Windowed aggregation buckets by WindowMS
	recs, err = m.QueryWithConfig("s", record.QueryConfig{
		Range:       record.NewTimeRange(0, 100),
		Aggregation: record.AggCount,
		WindowMS:    5,
	})
	require.NoError(t, err)
	require.Len(t, recs, 2, "ten records across two 5ms buckets")
	assert.Equal(t, 5.0, recs[0].AsScalar())
	assert.Equal(t, int64(0), recs[0].Timestamp)
	assert.Equal(t, int64(5), recs[1].Timestamp)
}

// TestManagerMultiTableOps tests batched multi-table insert and query
func TestManagerMultiTableOps(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	require.NoError(t, m.CreateTable("s1", KindStream))
	require.NoError(t, m.CreateTable("s2", KindStream))

	indices, err := m.InsertMulti(map[string][]*record.Record{
		"s1": {record.NewScalar(1, 1), record.NewScalar(2, 2)},
		"s2": {record.NewScalar(3, 3)},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, indices["s1"])
	assert.Equal(t, []int{0}, indices["s2"])

	results, err := m.QueryMulti(map[string]record.TimeRange{
		"s1": record.NewTimeRange(0, 10),
		"s2": record.NewTimeRange(0, 10),
	})
	require.NoError(t, err)
	assert.Len(t, results["s1"], 2)
	assert.Len(t, results["s2"], 1)
}

// TestManagerCreatePECJTables tests the convenience trio constructor
func TestManagerCreatePECJTables(t *testing.T) {
	m := newTestManager(t)
	defer m.Close()

	require.NoError(t, m.CreatePECJTables("pecj_"))

	assert.True(t, m.HasTable("pecj_stream_s"))
	assert.True(t, m.HasTable("pecj_stream_r"))
	assert.True(t, m.HasTable("pecj_join_results"))

	kind, err := m.TableKind("pecj_join_results")
	require.NoError(t, err)
	assert.Equal(t, KindJoinResult, kind)
}
