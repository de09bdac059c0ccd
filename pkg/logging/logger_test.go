// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := tt.level.String()
			if got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo}, // Unknown defaults to Info
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			got := tt.level.toSlogLevel()
			if got != tt.want {
				t.Errorf("Level.toSlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNew_DefaultConfig(t *testing.T) {
	logger := New(Config{})
	if logger == nil {
		t.Fatal("New returned nil")
	}
	defer logger.Close()

	if logger.slog == nil {
		t.Error("underlying slog logger is nil")
	}
}

func TestNew_QuietMode(t *testing.T) {
	// Quiet with no file and no exporter still builds a usable logger
	// (fallback handler) rather than panicking on first log call.
	logger := New(Config{Quiet: true})
	defer logger.Close()

	logger.Info("should not panic")
}

func TestNew_WithLogDir(t *testing.T) {
	tmpDir := t.TempDir()

	logger := New(Config{
		Level:   LevelDebug,
		LogDir:  tmpDir,
		Service: "datasite",
	})
	logger.Info("file log line", "job_id", "j-1")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// File named {service}_{date}.log, JSON content
	pattern := filepath.Join(tmpDir, "datasite_*.log")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("want 1 log file, got %d", len(matches))
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"file log line"`) {
		t.Errorf("log file missing message, got %q", string(data))
	}
	if !strings.Contains(string(data), `"service":"datasite"`) {
		t.Errorf("log file missing service attribute, got %q", string(data))
	}
}

func TestNew_WithLogDir_NoService(t *testing.T) {
	tmpDir := t.TempDir()

	logger := New(Config{LogDir: tmpDir, Quiet: true})
	logger.Info("hello")
	logger.Close()

	// Falls back to the "datasite" file prefix
	matches, _ := filepath.Glob(filepath.Join(tmpDir, "datasite_*.log"))
	if len(matches) != 1 {
		t.Errorf("want 1 default-named log file, got %d", len(matches))
	}
}

func TestDefault(t *testing.T) {
	logger := Default()
	defer logger.Close()

	if logger.config.Level != LevelInfo {
		t.Errorf("Default level = %v, want LevelInfo", logger.config.Level)
	}
	if logger.config.Service != "datasite" {
		t.Errorf("Default service = %q, want %q", logger.config.Service, "datasite")
	}
}

// =============================================================================
// Logging Method Tests
// =============================================================================

func TestLogger_AllLevelsExported(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelDebug,
		Quiet:    true,
		Service:  "datasite",
		Exporter: exporter,
	})
	defer logger.Close()

	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")

	waitForEntries(t, exporter, 4)

	wantLevels := []Level{LevelDebug, LevelInfo, LevelWarn, LevelError}
	seen := map[Level]bool{}
	for _, e := range exporter.Entries() {
		seen[e.Level] = true
		if e.Service != "datasite" {
			t.Errorf("entry service = %q, want %q", e.Service, "datasite")
		}
	}
	for _, lvl := range wantLevels {
		if !seen[lvl] {
			t.Errorf("no exported entry at level %v", lvl)
		}
	}
}

func TestLogger_ExportLevelFiltering(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelWarn,
		Quiet:    true,
		Exporter: exporter,
	})
	defer logger.Close()

	logger.Debug("filtered")
	logger.Info("filtered")
	logger.Warn("kept")
	logger.Error("kept")

	waitForEntries(t, exporter, 2)

	for _, e := range exporter.Entries() {
		if e.Level < LevelWarn {
			t.Errorf("entry below minimum level exported: %v", e.Level)
		}
	}
}

func TestLogger_ExportAttrs(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter})
	defer logger.Close()

	logger.Info("job started", "job_id", "j-42", "slot", 1)

	waitForEntries(t, exporter, 1)

	entries := exporter.Entries()
	if entries[0].Message != "job started" {
		t.Errorf("Message = %q, want %q", entries[0].Message, "job started")
	}
	if entries[0].Attrs["job_id"] != "j-42" {
		t.Errorf("Attrs[job_id] = %v, want j-42", entries[0].Attrs["job_id"])
	}
}

func TestLogger_With(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{LogDir: tmpDir, Quiet: true, Service: "datasite"})

	child := logger.With("request_id", "r-7")
	child.Info("transition")
	logger.Close()

	matches, _ := filepath.Glob(filepath.Join(tmpDir, "*.log"))
	if len(matches) != 1 {
		t.Fatalf("want 1 log file, got %d", len(matches))
	}
	data, _ := os.ReadFile(matches[0])
	if !strings.Contains(string(data), `"request_id":"r-7"`) {
		t.Errorf("child attribute missing from output: %q", string(data))
	}
}

func TestLogger_With_SharesResources(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter})
	defer logger.Close()

	child := logger.With("k", "v")
	if child.exporter != logger.exporter {
		t.Error("child logger does not share the exporter")
	}
	if child.file != logger.file {
		t.Error("child logger does not share the file handle")
	}
}

func TestLogger_Slog(t *testing.T) {
	logger := Default()
	defer logger.Close()

	if logger.Slog() == nil {
		t.Error("Slog() returned nil")
	}
}

// =============================================================================
// Close Tests
// =============================================================================

func TestLogger_Close_NoResources(t *testing.T) {
	logger := New(Config{Quiet: true})
	if err := logger.Close(); err != nil {
		t.Errorf("Close with no resources: %v", err)
	}
}

func TestLogger_Close_ExporterError(t *testing.T) {
	logger := New(Config{Quiet: true, Exporter: &failingExporter{}})
	err := logger.Close()
	if err == nil {
		t.Fatal("Close should surface exporter flush error")
	}
	if !strings.Contains(err.Error(), "flush exporter") {
		t.Errorf("error = %v, want flush exporter wrap", err)
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter})
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				logger.Info("concurrent", "goroutine", n, "iter", j)
			}
		}(i)
	}
	wg.Wait()

	waitForEntries(t, exporter, 200)
}

// =============================================================================
// multiHandler Tests
// =============================================================================

func TestMultiHandler_Handle(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&buf1, nil),
		slog.NewJSONHandler(&buf2, nil),
	}}
	logger := slog.New(h)

	logger.Info("fan out")

	if !strings.Contains(buf1.String(), "fan out") {
		t.Error("text handler did not receive record")
	}
	if !strings.Contains(buf2.String(), "fan out") {
		t.Error("json handler did not receive record")
	}
}

func TestMultiHandler_Enabled(t *testing.T) {
	debugOpts := &slog.HandlerOptions{Level: slog.LevelDebug}
	errorOpts := &slog.HandlerOptions{Level: slog.LevelError}

	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(os.Stderr, errorOpts),
		slog.NewTextHandler(os.Stderr, debugOpts),
	}}

	// Enabled if ANY handler accepts the level
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("multiHandler should be enabled at debug (one handler accepts)")
	}
}

func TestMultiHandler_Empty(t *testing.T) {
	mh := &multiHandler{handlers: []slog.Handler{}}

	if mh.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("empty multiHandler should not be enabled")
	}

	if err := mh.Handle(context.Background(), slog.Record{}); err != nil {
		t.Errorf("Handle() returned error: %v", err)
	}
}

func TestMultiHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&buf, nil),
	}}
	withAttrs := h.WithAttrs([]slog.Attr{slog.String("node", "site-a")})

	slog.New(withAttrs).Info("m")

	if !strings.Contains(buf.String(), `"node":"site-a"`) {
		t.Errorf("attribute not propagated: %q", buf.String())
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~/.datasite/logs", filepath.Join(home, ".datasite/logs")},
		{"/var/log/datasite", "/var/log/datasite"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := expandPath(tt.in); got != tt.want {
				t.Errorf("expandPath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestArgsToMap(t *testing.T) {
	t.Run("pairs", func(t *testing.T) {
		m := argsToMap([]any{"a", 1, "b", "two"})
		if m["a"] != 1 || m["b"] != "two" {
			t.Errorf("argsToMap = %v", m)
		}
	})

	t.Run("odd trailing value dropped", func(t *testing.T) {
		m := argsToMap([]any{"a", 1, "dangling"})
		if len(m) != 1 {
			t.Errorf("argsToMap len = %d, want 1", len(m))
		}
	})

	t.Run("non-string key skipped", func(t *testing.T) {
		m := argsToMap([]any{42, "v", "k", "w"})
		if _, ok := m["k"]; !ok {
			t.Error("string-keyed pair missing")
		}
		if len(m) != 1 {
			t.Errorf("argsToMap len = %d, want 1", len(m))
		}
	})
}

// =============================================================================
// Exporter Tests
// =============================================================================

func TestNopExporter(t *testing.T) {
	e := &NopExporter{}
	ctx := context.Background()
	if err := e.Export(ctx, LogEntry{}); err != nil {
		t.Errorf("Export: %v", err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Errorf("Flush: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestBufferedExporter_EntriesCopy(t *testing.T) {
	e := NewBufferedExporter()
	_ = e.Export(context.Background(), LogEntry{Message: "one"})

	entries := e.Entries()
	entries[0].Message = "mutated"

	if e.Entries()[0].Message != "one" {
		t.Error("Entries() did not return a copy")
	}
}

func TestWriterExporter(t *testing.T) {
	var buf bytes.Buffer
	e := NewWriterExporter(&buf)

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     LevelInfo,
		Message:   "released result",
		Attrs:     map[string]any{"request_id": "r-1"},
	}
	if err := e.Export(context.Background(), entry); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !strings.Contains(buf.String(), "released result") {
		t.Errorf("output = %q", buf.String())
	}
}

// =============================================================================
// Test Helpers
// =============================================================================

// failingExporter always errors on Flush, for Close propagation tests.
type failingExporter struct{}

func (e *failingExporter) Export(ctx context.Context, entry LogEntry) error { return nil }
func (e *failingExporter) Flush(ctx context.Context) error {
	return errors.New("flush failed")
}
func (e *failingExporter) Close() error { return nil }

// waitForEntries polls the buffered exporter until n entries arrive.
// Export runs on a goroutine per call, so tests must wait.
func waitForEntries(t *testing.T, e *BufferedExporter, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(e.Entries()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d exported entries, have %d", n, len(e.Entries()))
}
