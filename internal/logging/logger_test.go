// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

// TestInit_idempotent verifies Init only configures the global logger once.
func TestInit_idempotent(t *testing.T) {
	global = nil
	once = sync.Once{}

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()

	Init(&buf2, LevelDebug)
	if Get() != first {
		t.Fatal("second Init() should be ignored")
	}
	if first.Std().Out != &buf1 {
		t.Error("Init() did not set output writer correctly")
	}
	if level := first.Std().GetLevel(); level != logrus.InfoLevel {
		t.Errorf("level = %v, want info", level)
	}
}

// TestLogger_Info verifies the JSON field layout.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Info("cache updated", map[string]interface{}{"key": "GET /rest/v1/clients"})

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	entry := lines[0]
	if entry["message"] != "cache updated" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
	if entry["key"] != "GET /rest/v1/clients" {
		t.Errorf("context field missing: %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("timestamp field missing")
	}
}

// TestLogger_minLevel verifies filtering below the configured level.
func TestLogger_minLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected only the warning, got %d lines", len(lines))
	}
	if lines[0]["level"] != "warning" {
		t.Errorf("level = %v, want warning", lines[0]["level"])
	}
}

// TestLogger_ErrorWithCode verifies error and code fields.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	ctx := map[string]interface{}{"change_id": "c1"}
	logger.ErrorWithCode("replay failed", "SYNC_FAILED", io.ErrUnexpectedEOF, ctx)

	entry := decodeLines(t, &buf)[0]
	if entry["error"] != io.ErrUnexpectedEOF.Error() {
		t.Errorf("error = %v", entry["error"])
	}
	if entry["error_code"] != "SYNC_FAILED" {
		t.Errorf("error_code = %v", entry["error_code"])
	}
	if entry["change_id"] != "c1" {
		t.Errorf("change_id = %v", entry["change_id"])
	}
	if _, ok := ctx["error_code"]; ok {
		t.Error("ErrorWithCode() must not mutate the caller's context map")
	}
}

// TestLogger_mergedContext verifies multiple context maps are merged.
func TestLogger_mergedContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Info("merged", map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2})

	entry := decodeLines(t, &buf)[0]
	if entry["a"] != float64(1) || entry["b"] != float64(2) {
		t.Errorf("merged context missing fields: %v", entry)
	}
}

// TestParseLevel verifies config string parsing.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
