package state

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/intellistream/sage-tsdb/pkg/record"
	"github.com/intellistream/sage-tsdb/pkg/table"
)

// Internal table names. The leading underscore keeps them out of user
// namespaces by convention.
const (
	StateTableName      = "_compute_state"
	CheckpointTableName = "_compute_checkpoint"
)

var (
	// ErrStateNotFound indicates no snapshot exists for the compute name
	ErrStateNotFound = fmt.Errorf("compute state not found")
	// ErrCheckpointNotFound indicates an unknown (name, checkpoint) pair
	ErrCheckpointNotFound = fmt.Errorf("checkpoint not found")
)

// Store persists compute state through the table manager. The latest
// snapshot per compute name lives in _compute_state; checkpoints are
// immutable rows in _compute_checkpoint keyed by (name, checkpoint id).
type Store struct {
	mu      sync.Mutex
	manager *table.Manager
}

// NewStore opens the store, creating the internal tables on first use.
func NewStore(manager *table.Manager) (*Store, error) {
	for _, name := range []string{StateTableName, CheckpointTableName} {
		if manager.HasTable(name) {
			continue
		}
		if err := manager.CreateTable(name, table.KindComputeState); err != nil {
			return nil, fmt.Errorf("create %s: %w", name, err)
		}
	}
	return &Store{manager: manager}, nil
}

// SaveState writes the current snapshot for its compute name, replacing
// any prior snapshot. The write lands in the memtable; use PersistState to
// force it to disk.
func (s *Store) SaveState(st *ComputeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	engine, err := s.manager.GetStateEngine(StateTableName)
	if err != nil {
		return err
	}
	return engine.Put(stateRecord(stateKey(st.ComputeName), st))
}

// LoadState returns the latest snapshot for a compute name.
func (s *Store) LoadState(computeName string) (*ComputeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	engine, err := s.manager.GetStateEngine(StateTableName)
	if err != nil {
		return nil, err
	}

	rec, found := engine.Get(stateKey(computeName))
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrStateNotFound, computeName)
	}
	return decodeRecord(rec)
}

// PersistState forces the state table's memtable to disk.
func (s *Store) PersistState() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	engine, err := s.manager.GetStateEngine(StateTableName)
	if err != nil {
		return err
	}
	return engine.Flush()
}

// CreateCheckpoint copies the current snapshot of computeName into an
// immutable checkpoint row.
func (s *Store) CreateCheckpoint(computeName string, checkpointID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stateEngine, err := s.manager.GetStateEngine(StateTableName)
	if err != nil {
		return err
	}
	rec, found := stateEngine.Get(stateKey(computeName))
	if !found {
		return fmt.Errorf("%w: %s", ErrStateNotFound, computeName)
	}
	current, err := decodeRecord(rec)
	if err != nil {
		return err
	}

	checkpointEngine, err := s.manager.GetStateEngine(CheckpointTableName)
	if err != nil {
		return err
	}
	return checkpointEngine.Put(stateRecord(checkpointKey(computeName, checkpointID), current))
}

// RestoreCheckpoint reads a checkpoint back.
func (s *Store) RestoreCheckpoint(computeName string, checkpointID uint64) (*ComputeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	engine, err := s.manager.GetStateEngine(CheckpointTableName)
	if err != nil {
		return nil, err
	}

	rec, found := engine.Get(checkpointKey(computeName, checkpointID))
	if !found {
		return nil, fmt.Errorf("%w: %s/%d", ErrCheckpointNotFound, computeName, checkpointID)
	}
	return decodeRecord(rec)
}

// stateKey derives the stable row key for a compute name.
func stateKey(computeName string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(computeName))
	return int64(h.Sum64() &^ (1 << 63)) // keep positive
}

// checkpointKey derives the stable row key for (name, checkpoint id).
func checkpointKey(computeName string, checkpointID uint64) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(computeName))
	_, _ = h.Write([]byte{
		byte(checkpointID), byte(checkpointID >> 8), byte(checkpointID >> 16), byte(checkpointID >> 24),
		byte(checkpointID >> 32), byte(checkpointID >> 40), byte(checkpointID >> 48), byte(checkpointID >> 56),
	})
	return int64(h.Sum64() &^ (1 << 63))
}

func stateRecord(key int64, st *ComputeState) *record.Record {
	return &record.Record{
		Timestamp: key,
		Kind:      record.ScalarValue,
		Scalar:    float64(st.ProcessedEvents),
		Fields:    map[string]string{"state": string(st.Encode())},
	}
}

func decodeRecord(rec *record.Record) (*ComputeState, error) {
	encoded, ok := rec.Fields["state"]
	if !ok {
		return nil, fmt.Errorf("state row missing payload")
	}
	return Decode([]byte(encoded))
}
