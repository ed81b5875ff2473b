package state

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intellistream/sage-tsdb/pkg/lsm"
	"github.com/intellistream/sage-tsdb/pkg/logging"
	"github.com/intellistream/sage-tsdb/pkg/table"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dataDir := t.TempDir()
	manager := table.NewManager(table.ManagerOptions{
		DataDir: dataDir,
		EngineOpts: func(name string) lsm.Options {
			opts := lsm.DefaultOptions(filepath.Join(dataDir, name))
			opts.AutoCompaction = false
			opts.Logger = logging.NewNopLogger()
			return opts
		},
	})
	t.Cleanup(func() { manager.Close() })

	store, err := NewStore(manager)
	require.NoError(t, err)
	return store
}

func testState(name string) *ComputeState {
	return &ComputeState{
		ComputeName:     name,
		SnapshotTS:      123456,
		Watermark:       99000,
		CurrentWindowID: 42,
		ProcessedEvents: 10_000,
		OperatorState:   []byte{0xDE, 0xAD, 0xBE, 0xEF},
		Metadata:        map[string]string{"operator": "IAWJ", "version": "1"},
	}
}

// TestStateCodecRoundTrip tests Encode/Decode equivalence
func TestStateCodecRoundTrip(t *testing.T) {
	original := testState("pipeline_a")

	decoded, err := Decode(original.Encode())
	require.NoError(t, err)
	assert.Equal(t, original.ComputeName, decoded.ComputeName)
	assert.Equal(t, original.SnapshotTS, decoded.SnapshotTS)
	assert.Equal(t, original.Watermark, decoded.Watermark)
	assert.Equal(t, original.CurrentWindowID, decoded.CurrentWindowID)
	assert.Equal(t, original.ProcessedEvents, decoded.ProcessedEvents)
	assert.Equal(t, original.OperatorState, decoded.OperatorState)
	assert.Equal(t, original.Metadata, decoded.Metadata)
}

// TestStateCodecDeterministic tests that encoding is stable across calls
func TestStateCodecDeterministic(t *testing.T) {
	s := testState("pipeline_a")
	assert.Equal(t, s.Encode(), s.Encode())
}

// TestStoreSaveLoad tests the latest-snapshot path
func TestStoreSaveLoad(t *testing.T) {
	store := newTestStore(t)

	original := testState("pipeline_a")
	require.NoError(t, store.SaveState(original))

	loaded, err := store.LoadState("pipeline_a")
	require.NoError(t, err)
	assert.Equal(t, original.Watermark, loaded.Watermark)
	assert.Equal(t, original.OperatorState, loaded.OperatorState)

	// A second save replaces the snapshot
	updated := testState("pipeline_a")
	updated.Watermark = 200_000
	require.NoError(t, store.SaveState(updated))

	loaded, err = store.LoadState("pipeline_a")
	require.NoError(t, err)
	assert.Equal(t, int64(200_000), loaded.Watermark)

	_, err = store.LoadState("missing")
	assert.True(t, errors.Is(err, ErrStateNotFound))
}

// TestStorePersist tests forcing the snapshot to disk
func TestStorePersist(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveState(testState("pipeline_a")))
	require.NoError(t, store.PersistState())

	loaded, err := store.LoadState("pipeline_a")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), loaded.CurrentWindowID)
}

// TestStoreCheckpointRoundTrip tests restore(create(state)) = state
func TestStoreCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t)

	original := testState("pipeline_a")
	require.NoError(t, store.SaveState(original))
	require.NoError(t, store.CreateCheckpoint("pipeline_a", 1))

	// Mutating the live state must not affect the checkpoint
	updated := testState("pipeline_a")
	updated.Watermark = 500_000
	require.NoError(t, store.SaveState(updated))

	restored, err := store.RestoreCheckpoint("pipeline_a", 1)
	require.NoError(t, err)
	assert.Equal(t, original.Watermark, restored.Watermark)
	assert.Equal(t, original.ProcessedEvents, restored.ProcessedEvents)

	_, err = store.RestoreCheckpoint("pipeline_a", 99)
	assert.True(t, errors.Is(err, ErrCheckpointNotFound))

	err = store.CreateCheckpoint("missing", 1)
	assert.True(t, errors.Is(err, ErrStateNotFound))
}
