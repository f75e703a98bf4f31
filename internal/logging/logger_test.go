// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

// =====================================================
// Logger Creation and Initialization Tests
// =====================================================

// TestInit_idempotent verifies Init ignores later calls.
func TestInit_idempotent(t *testing.T) {
	global = nil
	once = sync.Once{}

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()
	Init(&buf2, LevelDebug)

	if Get() != first {
		t.Error("second Init() should be ignored")
	}
	if first.out != &buf1 {
		t.Error("Init() did not set output writer")
	}
}

// TestParseLevel verifies config strings map to levels.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"WARNING": LevelWarn,
		"warn":    LevelWarn,
		" error ": LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// =====================================================
// Output Format Tests
// =====================================================

// TestLogger_jsonFormat verifies the JSON shape of an entry.
func TestLogger_jsonFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Info("pipeline completed", map[string]interface{}{"stored": 4, "provider": "gmail"})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e["message"] != "pipeline completed" {
		t.Errorf("message = %v", e["message"])
	}
	if e["level"] != "info" {
		t.Errorf("level = %v, want info", e["level"])
	}
	if e["provider"] != "gmail" {
		t.Errorf("provider = %v", e["provider"])
	}
	if e["stored"] != float64(4) {
		t.Errorf("stored = %v", e["stored"])
	}
	if _, ok := e["timestamp"]; !ok {
		t.Error("timestamp missing")
	}
}

// TestLogger_ErrorWithCode verifies error and code fields.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("fetch failed", "ADAPTER_NETWORK", errors.New("connection reset"), map[string]interface{}{"attempt": 2})

	e := decodeLines(t, &buf)[0]
	if e["code"] != "ADAPTER_NETWORK" {
		t.Errorf("code = %v", e["code"])
	}
	if e["error"] != "connection reset" {
		t.Errorf("error = %v", e["error"])
	}
	if e["level"] != "error" {
		t.Errorf("level = %v", e["level"])
	}
}

// TestLogger_filtering verifies entries below the minimum level are dropped.
func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error", nil)

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0]["message"] != "warn" || entries[1]["message"] != "error" {
		t.Errorf("unexpected entries: %v", entries)
	}
}

// TestLogger_getContext_multiple verifies context maps are merged.
func TestLogger_getContext_multiple(t *testing.T) {
	logger := New(&bytes.Buffer{}, LevelInfo)

	merged := logger.getContext(
		map[string]interface{}{"a": 1, "b": 2},
		map[string]interface{}{"b": 3, "c": 4},
	)
	if merged["a"] != 1 || merged["b"] != 3 || merged["c"] != 4 {
		t.Errorf("getContext() = %v", merged)
	}
	if logger.getContext() != nil {
		t.Error("getContext() with no maps should be nil")
	}
}

// TestLogger_concurrentLogging verifies concurrent writers produce whole lines.
func TestLogger_concurrentLogging(t *testing.T) {
	var mu sync.Mutex
	var buf bytes.Buffer
	logger := New(&lockedWriter{mu: &mu, w: &buf}, LevelInfo)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Info("tick", map[string]interface{}{"i": i})
		}(i)
	}
	wg.Wait()

	if got := len(decodeLines(t, &buf)); got != 20 {
		t.Errorf("got %d lines, want 20", got)
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// TestGlobalFunctions verifies package-level helpers use the global logger.
func TestGlobalFunctions(t *testing.T) {
	var buf bytes.Buffer
	global = New(&buf, LevelDebug)
	defer func() { global = nil; once = sync.Once{} }()

	Debug("d")
	Info("i")
	Warn("w")
	Error("e", errors.New("boom"))
	ErrorWithCode("c", "LOCK_CONFLICT", nil)

	entries := decodeLines(t, &buf)
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}
	if entries[4]["code"] != "LOCK_CONFLICT" {
		t.Errorf("code = %v", entries[4]["code"])
	}
}
