package logging_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ferry/internal/logging"
)

func TestNewWritesConsoleFormat(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "ferry.log")

	logger, err := logging.New(logging.Options{
		Level:       "debug",
		Format:      "console",
		OutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger = logging.NewComponentLogger(logger, "relay")
	logger.Info("progress applied", logging.Int("percent", 42), logging.String("path", "a b.mp4"))

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, "INFO relay: progress applied") {
		t.Fatalf("unexpected log line: %q", line)
	}
	if !strings.Contains(line, "percent=42") {
		t.Fatalf("expected percent attr, got %q", line)
	}
	if !strings.Contains(line, `path="a b.mp4"`) {
		t.Fatalf("expected quoted path attr, got %q", line)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "ferry.log")

	logger, err := logging.New(logging.Options{
		Level:       "warn",
		Format:      "console",
		OutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Info("dropped")
	logger.Warn("kept")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "dropped") {
		t.Fatalf("info line should be filtered, got %q", string(data))
	}
	if !strings.Contains(string(data), "kept") {
		t.Fatalf("warn line missing, got %q", string(data))
	}
}
