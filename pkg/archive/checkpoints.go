package archive

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/intellistream/sage-tsdb/pkg/record"
)

// DefaultDataDir is where checkpoint files live by default.
const DefaultDataDir = "./sage_tsdb_data"

const metaFileName = "checkpoints.meta"

// CheckpointStore manages numbered .tsdb snapshots in a directory:
// checkpoint_{id}.tsdb plus a checkpoints.meta listing the known ids.
type CheckpointStore struct {
	mu  sync.Mutex
	dir string
}

// NewCheckpointStore opens (or creates) a checkpoint directory.
func NewCheckpointStore(dir string) (*CheckpointStore, error) {
	if dir == "" {
		dir = DefaultDataDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &CheckpointStore{dir: dir}, nil
}

// Save writes a checkpoint and records its id in the meta file.
func (cs *CheckpointStore) Save(id uint64, records []*record.Record) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if err := Save(cs.path(id), id, records); err != nil {
		return err
	}

	ids, err := cs.listLocked()
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	return cs.writeMetaLocked(append(ids, id))
}

// Load reads a checkpoint back by id.
func (cs *CheckpointStore) Load(id uint64) ([]*record.Record, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	records, storedID, err := Load(cs.path(id))
	if err != nil {
		return nil, err
	}
	if storedID != id {
		return nil, fmt.Errorf("checkpoint id mismatch: file carries %d, asked %d", storedID, id)
	}
	return records, nil
}

// List returns the known checkpoint ids, ascending.
func (cs *CheckpointStore) List() ([]uint64, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.listLocked()
}

// Delete removes a checkpoint file and its meta entry.
func (cs *CheckpointStore) Delete(id uint64) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if err := os.Remove(cs.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}

	ids, err := cs.listLocked()
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	return cs.writeMetaLocked(kept)
}

func (cs *CheckpointStore) path(id uint64) string {
	return filepath.Join(cs.dir, fmt.Sprintf("checkpoint_%d.tsdb", id))
}

func (cs *CheckpointStore) listLocked() ([]uint64, error) {
	file, err := os.Open(filepath.Join(cs.dir, metaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var ids []uint64
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, scanner.Err()
}

func (cs *CheckpointStore) writeMetaLocked(ids []uint64) error {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(strconv.FormatUint(id, 10))
		sb.WriteByte('\n')
	}
	return os.WriteFile(filepath.Join(cs.dir, metaFileName), []byte(sb.String()), 0644)
}
