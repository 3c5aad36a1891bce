package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func captureLogger(level Level, jsonFormat bool) (*Logger, *bytes.Buffer) {
	l := NewLogger(level, jsonFormat)
	var buf bytes.Buffer
	l.SetOutput(&buf)
	return l, &buf
}

func TestLevelFiltering(t *testing.T) {
	l, buf := captureLogger(WARN, false)

	l.Debug("debug line")
	l.Info("info line")
	l.Warn("warn line")
	l.Error("error line")

	out := buf.String()
	if strings.Contains(out, "debug line") || strings.Contains(out, "info line") {
		t.Errorf("Lines below the threshold were emitted:\n%s", out)
	}
	if !strings.Contains(out, "warn line") || !strings.Contains(out, "error line") {
		t.Errorf("Lines at or above the threshold missing:\n%s", out)
	}
}

func TestJSONFormatCarriesFields(t *testing.T) {
	l, buf := captureLogger(INFO, true)

	l.Info("encode started", map[string]interface{}{"pid": 42})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Output is not JSON: %v\n%s", err, buf.String())
	}
	if entry.Level != "INFO" || entry.Message != "encode started" {
		t.Errorf("Unexpected entry: %+v", entry)
	}
	if v, ok := entry.Fields["pid"]; !ok || v != float64(42) {
		t.Errorf("Field not carried: %v", entry.Fields)
	}
}

func TestWithJobScopesEveryLine(t *testing.T) {
	l, buf := captureLogger(INFO, true)
	jl := l.WithJob("job-7")

	jl.Info("first")
	jl.Info("second", map[string]interface{}{"stage": "analysis"})

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Bad line %q: %v", line, err)
		}
		if entry.Fields["job_id"] != "job-7" {
			t.Errorf("job_id missing from %q", line)
		}
	}

	// The parent logger must stay unscoped
	buf.Reset()
	l.Info("parent")
	if strings.Contains(buf.String(), "job-7") {
		t.Error("WithJob leaked fields into the parent logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"error", ERROR},
		{"FATAL", FATAL},
		{"nonsense", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRotateIfNeeded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stitchd.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("Failed to open log file: %v", err)
	}
	if _, err := f.Write(bytes.Repeat([]byte("x"), 2048)); err != nil {
		t.Fatalf("Failed to fill log file: %v", err)
	}

	l := &Logger{
		level:   ERROR,
		output:  io.MultiWriter(f, io.Discard),
		fields:  make(map[string]interface{}),
		logFile: f,
	}
	defer l.Close()

	// Under the threshold nothing moves
	if err := l.RotateIfNeeded(1 << 20); err != nil {
		t.Fatalf("RotateIfNeeded failed: %v", err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 1 {
		t.Fatalf("Rotation happened below the threshold: %v", entries)
	}

	if err := l.RotateIfNeeded(1024); err != nil {
		t.Fatalf("RotateIfNeeded failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected rotated backup plus fresh file, got %v", entries)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Fresh log file missing: %v", err)
	}
	if info.Size() >= 2048 {
		t.Errorf("Log file was not truncated by rotation: %d bytes", info.Size())
	}

	// The logger keeps writing into the fresh file
	l.Error("after rotation")
	info, _ = os.Stat(path)
	if info.Size() == 0 {
		t.Error("No writes landed in the rotated-in file")
	}
}
