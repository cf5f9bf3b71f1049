package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	return string(data)
}

func TestNew_WritesHostTaggedUTCLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobnfs.log")
	logger := New(Options{File: path})

	logger.Info("resolved endpoint")
	logger.Sync()

	if logger.Path != path {
		t.Fatalf("expected logger to write to %q, got %q", path, logger.Path)
	}

	content := strings.TrimSpace(readLog(t, path))
	lines := strings.Split(content, "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), content)
	}

	fields := strings.Split(lines[0], "\t")
	if len(fields) < 4 {
		t.Fatalf("expected at least 4 tab separated fields, got %q", lines[0])
	}

	ts, err := time.Parse("2006-01-02T15:04:05.000Z0700", fields[0])
	if err != nil {
		t.Fatalf("failed to parse timestamp %q: %v", fields[0], err)
	}
	if _, offset := ts.Zone(); offset != 0 {
		t.Errorf("expected UTC timestamp, got offset %d", offset)
	}
	if !strings.Contains(fields[1], "INFO") || !strings.Contains(fields[1], "\x1b[") {
		t.Errorf("expected colored INFO level, got %q", fields[1])
	}
	if fields[2] != hostname() {
		t.Errorf("expected hostname %q, got %q", hostname(), fields[2])
	}
	if fields[3] != "resolved endpoint" {
		t.Errorf("unexpected message %q", fields[3])
	}
}

func TestNew_DebugGatedByVerbose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobnfs.log")
	logger := New(Options{File: path})

	logger.Debug("hidden")
	logger.SetVerbose(true)
	logger.Debug("visible")
	logger.Sync()

	content := readLog(t, path)
	if strings.Contains(content, "hidden") {
		t.Error("expected debug line to be dropped when not verbose")
	}
	if !strings.Contains(content, "visible") {
		t.Error("expected debug line to be written when verbose")
	}
}

func TestNew_VerboseOption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobnfs.log")
	logger := New(Options{File: path, Verbose: true})

	logger.Debug("detail")
	logger.Sync()

	if !strings.Contains(readLog(t, path), "detail") {
		t.Error("expected debug line with Verbose option")
	}
}

func TestNew_AppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobnfs.log")
	if err := os.WriteFile(path, []byte("previous line\n"), 0644); err != nil {
		t.Fatalf("failed to seed log file: %v", err)
	}

	logger := New(Options{File: path})
	logger.Warn("next line")
	logger.Sync()

	content := readLog(t, path)
	if !strings.HasPrefix(content, "previous line\n") {
		t.Error("expected existing content to be preserved")
	}
	if !strings.Contains(content, "next line") {
		t.Error("expected new line to be appended")
	}
}

func TestNew_FallsBackToTempDir(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	logger := New(Options{File: filepath.Join(tmp, "missing", "dir", "blobnfs.log")})
	logger.Error("still logged")
	logger.Sync()

	want := filepath.Join(tmp, FallbackFileName)
	if logger.Path != want {
		t.Fatalf("expected fallback path %q, got %q", want, logger.Path)
	}

	content := readLog(t, want)
	if !strings.Contains(content, "log file unavailable") {
		t.Error("expected fallback notice in fallback log")
	}
	if !strings.Contains(content, "still logged") {
		t.Error("expected record in fallback log")
	}
}

func TestNew_RotatingSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobnfs.log")
	logger := New(Options{File: path, MaxSizeMB: 1, MaxBackups: 2})

	logger.Info("rotating sink")
	logger.Sync()

	if !strings.Contains(readLog(t, path), "rotating sink") {
		t.Error("expected record written through rotating sink")
	}
}

func TestSuccess_AddsMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobnfs.log")
	logger := New(Options{File: path})

	Success(logger.Logger, "rule installed")
	logger.Sync()

	content := readLog(t, path)
	if !strings.Contains(content, "rule installed") || !strings.Contains(content, "SUCCESS") {
		t.Errorf("expected success marker in %q", content)
	}
}

func TestPinVerbose_SurvivesSetVerbose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobnfs.log")
	logger := New(Options{File: path})

	logger.PinVerbose()
	logger.SetVerbose(false)
	logger.Debug("still visible")
	logger.Sync()

	if !strings.Contains(readLog(t, path), "still visible") {
		t.Error("expected pinned logger to keep debug records")
	}
	if !logger.Level.Enabled(zap.DebugLevel) {
		t.Error("expected debug level after SetVerbose(false) on pinned logger")
	}
}
