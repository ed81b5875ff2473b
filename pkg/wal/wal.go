package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/intellistream/sage-tsdb/pkg/record"
)

// DefaultFileName is the log file created inside an engine's data directory.
const DefaultFileName = "wal.log"

// WAL is a write-ahead log of records. Frames are length-prefixed:
//
//	[len:4][payload:len]
//
// where payload is the binary record encoding (timestamp first). A short
// read at the tail is treated as end-of-log: a crash mid-append loses only
// the frame that was never acknowledged to the caller.
type WAL struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	path    string
	entries uint64
}

// New opens (or creates) the WAL file inside dataDir.
func New(dataDir string) (*WAL, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	walPath := filepath.Join(dataDir, DefaultFileName)

	file, err := os.OpenFile(walPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &WAL{
		file:   file,
		writer: bufio.NewWriter(file),
		path:   walPath,
	}, nil
}

// Append appends one record. The frame is flushed to the OS before Append
// returns, so an acknowledged write survives a process crash.
func (w *WAL) Append(rec *record.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload := record.Marshal(rec)

	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(payload))); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}

	w.entries++
	return nil
}

// Sync additionally forces a disk sync of the file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Recover scans from the start and returns the latest record seen for each
// timestamp. Later appends for the same timestamp overwrite earlier ones.
func (w *WAL) Recover() (map[int64]*record.Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return nil, err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(w.file)
	records := make(map[int64]*record.Record)

	for {
		rec, err := readFrame(reader)
		if err != nil {
			// Partial or corrupt tail frame: the corresponding append was
			// never acknowledged, so stop here.
			break
		}
		records[rec.Timestamp] = rec
	}

	// Seek back to end for appending
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}

	return records, nil
}

// readFrame reads one length-prefixed frame and decodes the record.
func readFrame(reader *bufio.Reader) (*record.Record, error) {
	var frameLen uint32
	if err := binary.Read(reader, binary.LittleEndian, &frameLen); err != nil {
		return nil, err
	}

	payload := make([]byte, frameLen)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, err
	}

	return record.Unmarshal(payload)
}

// Clear truncates the log. Called after a successful memtable flush.
func (w *WAL) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return err
	}

	if err := os.Truncate(w.path, 0); err != nil {
		return err
	}

	file, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	w.file = file
	w.writer = bufio.NewWriter(file)
	w.entries = 0

	return nil
}

// EntryCount returns the number of frames appended since open or Clear.
func (w *WAL) EntryCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entries
}

// Path returns the log file path.
func (w *WAL) Path() string {
	return w.path
}

// Close flushes and closes the log.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}
