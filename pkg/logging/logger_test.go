package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

// TestLevelFiltering tests that messages below the level are dropped
func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, WarnLevel)

	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("kept")
	logger.Error("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("emitted %d lines, want 2", len(lines))
	}
}

// TestJSONShape tests the entry structure and field propagation
func TestJSONShape(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	logger.Info("flush finished", Table("stream_s"), Count(42))

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry.Level != "INFO" {
		t.Errorf("level = %q, want INFO", entry.Level)
	}
	if entry.Message != "flush finished" {
		t.Errorf("msg = %q", entry.Message)
	}
	if entry.Fields["table"] != "stream_s" {
		t.Errorf("table field = %v", entry.Fields["table"])
	}
	if entry.Fields["count"] != float64(42) {
		t.Errorf("count field = %v", entry.Fields["count"])
	}
}

// TestWithFields tests child loggers carrying pre-set fields
func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	child := logger.With(Component("lsm"))
	child.Info("compaction done", LevelNum(1))

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry.Fields["component"] != "lsm" {
		t.Errorf("pre-set component field missing: %v", entry.Fields)
	}
	if entry.Fields["level"] != float64(1) {
		t.Errorf("call-site field missing: %v", entry.Fields)
	}
}

// TestParseLevel tests the level spellings
func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"bogus":   InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// TestNopLogger tests that the nop logger stays silent
func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Info("nothing happens")
	logger.Error("still nothing")
	if logger.GetLevel() != InfoLevel {
		t.Error("nop logger level changed")
	}
}
