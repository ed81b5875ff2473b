package lsm

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/intellistream/sage-tsdb/pkg/record"
)

// Get is a point lookup by timestamp. The bloom filter rejects most absent
// keys without touching the index; a bloom pass with no index entry is a
// plain miss. The returned bool distinguishes the two for the engine's
// statistics: bloomRejected is true when the filter answered definitively.
func (sst *SSTable) Get(ts int64) (rec *record.Record, found bool, bloomRejected bool) {
	if !sst.bloom.MightContain(ts) {
		return nil, false, true
	}

	idx := sort.Search(len(sst.index), func(i int) bool {
		return sst.index[i].Timestamp >= ts
	})
	if idx >= len(sst.index) || sst.index[idx].Timestamp != ts {
		return nil, false, false
	}

	rec, err := sst.readAt(sst.index[idx])
	if err != nil {
		return nil, false, false
	}
	return rec, true, false
}

// RangeQuery returns records with timestamps in [lo, hi] ascending.
func (sst *SSTable) RangeQuery(lo, hi int64) ([]*record.Record, error) {
	start := sort.Search(len(sst.index), func(i int) bool {
		return sst.index[i].Timestamp >= lo
	})
	if start >= len(sst.index) {
		return nil, nil
	}

	// A fresh handle per query keeps concurrent readers independent and
	// makes deferred file deletion safe for in-flight traversals.
	file, err := os.Open(sst.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	results := make([]*record.Record, 0)
	for _, entry := range sst.index[start:] {
		if entry.Timestamp > hi {
			break
		}
		rec, err := readPayload(file, entry)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, nil
}

// All returns every record in the table in ascending timestamp order.
// Used by compaction merges.
func (sst *SSTable) All() ([]*record.Record, error) {
	file, err := os.Open(sst.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	entries := make([]*record.Record, 0, len(sst.index))
	for _, entry := range sst.index {
		rec, err := readPayload(file, entry)
		if err != nil {
			return nil, err
		}
		entries = append(entries, rec)
	}
	return entries, nil
}

// readAt materializes one record through a fresh file handle.
func (sst *SSTable) readAt(entry IndexEntry) (*record.Record, error) {
	file, err := os.Open(sst.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readPayload(file, entry)
}

func readPayload(file *os.File, entry IndexEntry) (*record.Record, error) {
	payload := make([]byte, entry.DataSize)
	if _, err := file.ReadAt(payload, int64(entry.DataOffset)); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: short data block read", ErrCorruptFile)
		}
		return nil, err
	}
	return record.Unmarshal(payload)
}
