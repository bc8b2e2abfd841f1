package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewFiltersByLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger, closer, err := New("warn", &buf, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer.Close()

	logger.Info("task completed", "task_id", 1)
	logger.Warn("process census failed", "pattern", "trackersched")
	out := buf.String()
	if strings.Contains(out, "task completed") {
		t.Fatalf("info record written at warn level:\n%s", out)
	}
	if !strings.Contains(out, "process census failed") || !strings.Contains(out, "pattern=trackersched") {
		t.Fatalf("warn record missing:\n%s", out)
	}
}

func TestNewWritesJSONFile(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "trackersched.log")
	logger, closer, err := New("debug", &buf, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.With("run_id", "abc").Error("task failed", "task_id", 3)
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	if rec["msg"] != "task failed" || rec["run_id"] != "abc" || rec["task_id"] != float64(3) {
		t.Fatalf("record = %v", rec)
	}
	if !strings.Contains(buf.String(), "task failed") {
		t.Fatalf("text handler missed the record:\n%s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"debug":   "DEBUG",
		"WARNING": "WARN",
		" error ": "ERROR",
		"":        "INFO",
		"verbose": "INFO",
	}
	for in, want := range tests {
		if got := parseLevel(in).Level().String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
