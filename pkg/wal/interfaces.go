package wal

import (
	"github.com/intellistream/sage-tsdb/pkg/record"
)

// Log is the interface shared by the plain and compressed write-ahead logs.
// A log is single-writer and process-local; Append must return only after
// the frame has been handed to the OS.
type Log interface {
	// Append durably appends one record keyed by its timestamp
	Append(rec *record.Record) error
	// Sync forces an fsync of the underlying file
	Sync() error
	// Recover scans the log from the start and returns the latest record
	// seen for each timestamp. A trailing partial frame is dropped silently.
	Recover() (map[int64]*record.Record, error)
	// Clear truncates the log after a successful memtable flush
	Clear() error
	// Close flushes and closes the log file
	Close() error
	// Path returns the log file path
	Path() string
}
