package lsm

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// SSTable is an immutable on-disk sorted table of records.
// File layout, in order: metadata block, bloom filter block, index block,
// data block. The index is sorted ascending by timestamp and every indexed
// timestamp is present in the bloom filter.
type SSTable struct {
	path     string
	meta     sstableMetadata
	index    []IndexEntry
	bloom    *BloomFilter
	fileSize int64
}

// OpenSSTable opens an existing SSTable and loads its metadata, bloom
// filter, and index into memory. The data block stays on disk.
func OpenSSTable(path string) (*SSTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var meta sstableMetadata
	if err := binary.Read(file, binary.LittleEndian, &meta); err != nil {
		return nil, fmt.Errorf("%w: short metadata in %s", ErrCorruptFile, path)
	}
	if meta.Magic != SSTableMagic {
		return nil, fmt.Errorf("%w: invalid magic %#x in %s", ErrCorruptFile, meta.Magic, path)
	}
	if meta.Version != SSTableVersion {
		return nil, fmt.Errorf("%w: unsupported version %d in %s", ErrCorruptFile, meta.Version, path)
	}

	if _, err := file.Seek(int64(meta.BloomOffset), 0); err != nil {
		return nil, err
	}
	bloom, err := ReadBloomFilter(file)
	if err != nil {
		return nil, fmt.Errorf("%w: bloom block in %s: %v", ErrCorruptFile, path, err)
	}

	if _, err := file.Seek(int64(meta.IndexOffset), 0); err != nil {
		return nil, err
	}
	index := make([]IndexEntry, meta.EntryCount)
	for i := range index {
		if err := binary.Read(file, binary.LittleEndian, &index[i].Timestamp); err != nil {
			return nil, fmt.Errorf("%w: index block in %s: %v", ErrCorruptFile, path, err)
		}
		if err := binary.Read(file, binary.LittleEndian, &index[i].DataOffset); err != nil {
			return nil, fmt.Errorf("%w: index block in %s: %v", ErrCorruptFile, path, err)
		}
		if err := binary.Read(file, binary.LittleEndian, &index[i].DataSize); err != nil {
			return nil, fmt.Errorf("%w: index block in %s: %v", ErrCorruptFile, path, err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	return &SSTable{
		path:     path,
		meta:     meta,
		index:    index,
		bloom:    bloom,
		fileSize: info.Size(),
	}, nil
}

// MightContain combines the bloom filter with the table's timestamp bounds.
func (sst *SSTable) MightContain(ts int64) bool {
	if ts < sst.meta.MinTS || ts > sst.meta.MaxTS {
		return false
	}
	return sst.bloom.MightContain(ts)
}

// MinTimestamp returns the smallest indexed timestamp.
func (sst *SSTable) MinTimestamp() int64 { return sst.meta.MinTS }

// MaxTimestamp returns the largest indexed timestamp.
func (sst *SSTable) MaxTimestamp() int64 { return sst.meta.MaxTS }

// Level returns the level the table was written at.
func (sst *SSTable) Level() int { return int(sst.meta.Level) }

// Sequence returns the table's monotonic sequence number.
func (sst *SSTable) Sequence() uint64 { return sst.meta.Sequence }

// EntryCount returns the number of records in the table.
func (sst *SSTable) EntryCount() int { return int(sst.meta.EntryCount) }

// FileSize returns the on-disk size in bytes.
func (sst *SSTable) FileSize() int64 { return sst.fileSize }

// Path returns the file path.
func (sst *SSTable) Path() string { return sst.path }

// Overlaps reports whether [lo, hi] intersects the table's bounds.
func (sst *SSTable) Overlaps(lo, hi int64) bool {
	return lo <= sst.meta.MaxTS && hi >= sst.meta.MinTS
}

// Remove deletes the SSTable file. Readers holding their own file handles
// finish safely; the level vectors must have been swapped first.
func (sst *SSTable) Remove() error {
	return os.Remove(sst.path)
}

// SSTablePath builds the canonical file name for (level, sequence).
func SSTablePath(dir string, level int, sequence uint64) string {
	return filepath.Join(dir, fmt.Sprintf("L%d_%d.sst", level, sequence))
}

// ParseSSTablePath extracts (level, sequence) from a canonical file name.
func ParseSSTablePath(path string) (level int, sequence uint64, err error) {
	_, err = fmt.Sscanf(filepath.Base(path), "L%d_%d.sst", &level, &sequence)
	return level, sequence, err
}
