package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"

	"github.com/intellistream/sage-tsdb/pkg/record"
)

// CompressedFileName is the file used when compression is enabled.
const CompressedFileName = "wal_compressed.log"

// CompressedWAL is a write-ahead log with snappy-compressed payloads.
// Frames are [len:4][compressed payload:len][crc:4] where the checksum
// covers the compressed bytes. A checksum mismatch is treated the same as
// a short frame: end-of-log.
type CompressedWAL struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string

	// Statistics
	totalWrites       uint64
	bytesUncompressed uint64
	bytesCompressed   uint64
}

// NewCompressed opens (or creates) a compressed WAL inside dataDir.
func NewCompressed(dataDir string) (*CompressedWAL, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	walPath := filepath.Join(dataDir, CompressedFileName)

	file, err := os.OpenFile(walPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &CompressedWAL{
		file:   file,
		writer: bufio.NewWriter(file),
		path:   walPath,
	}, nil
}

// Append appends one record with its payload snappy-compressed.
func (w *CompressedWAL) Append(rec *record.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload := record.Marshal(rec)
	compressed := snappy.Encode(nil, payload)

	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(compressed))); err != nil {
		return err
	}
	if _, err := w.writer.Write(compressed); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.LittleEndian, crc32.ChecksumIEEE(compressed)); err != nil {
		return err
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}

	w.totalWrites++
	w.bytesUncompressed += uint64(len(payload))
	w.bytesCompressed += uint64(len(compressed))

	return nil
}

// Sync forces a disk sync of the file.
func (w *CompressedWAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Recover scans from the start and returns the latest record per timestamp.
func (w *CompressedWAL) Recover() (map[int64]*record.Record, error) {
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
		rec, err := readCompressedFrame(reader)
		if err != nil {
			break
		}
		records[rec.Timestamp] = rec
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}

	return records, nil
}

func readCompressedFrame(reader *bufio.Reader) (*record.Record, error) {
	var frameLen uint32
	if err := binary.Read(reader, binary.LittleEndian, &frameLen); err != nil {
		return nil, err
	}

	compressed := make([]byte, frameLen)
	if _, err := io.ReadFull(reader, compressed); err != nil {
		return nil, err
	}

	var checksum uint32
	if err := binary.Read(reader, binary.LittleEndian, &checksum); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(compressed) != checksum {
		return nil, fmt.Errorf("WAL frame checksum mismatch")
	}

	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, err
	}

	return record.Unmarshal(payload)
}

// Clear truncates the log.
func (w *CompressedWAL) Clear() error {
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

	return nil
}

// CompressionRatio returns compressed/uncompressed bytes so far.
func (w *CompressedWAL) CompressionRatio() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.bytesUncompressed == 0 {
		return 0
	}
	return float64(w.bytesCompressed) / float64(w.bytesUncompressed)
}

// Path returns the log file path.
func (w *CompressedWAL) Path() string {
	return w.path
}

// Close flushes and closes the log.
func (w *CompressedWAL) Close() error {
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
