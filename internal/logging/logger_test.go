package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNew_FileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "trailsync.log")

	var console bytes.Buffer
	cfg := DefaultConfig()
	cfg.File = logFile
	cfg.Console = &console

	logger, closer, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("sync complete", "inserted", 3)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	for _, out := range []string{string(content), console.String()} {
		if !strings.Contains(out, `"msg":"sync complete"`) || !strings.Contains(out, `"inserted":3`) {
			t.Errorf("log line missing fields: %s", out)
		}
	}
}

func TestNew_Level(t *testing.T) {
	var console bytes.Buffer
	cfg := DefaultConfig()
	cfg.Level = "warn"
	cfg.Console = &console

	logger, _, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := console.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("messages below WARN were logged: %s", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("WARN and above missing: %s", out)
	}
}

func TestNew_TextFormat(t *testing.T) {
	var console bytes.Buffer
	cfg := DefaultConfig()
	cfg.JSON = false
	cfg.Console = &console

	logger, _, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("test message", "key", "value")

	out := console.String()
	if strings.Contains(out, `{"`) {
		t.Errorf("expected text format, got JSON-like output: %s", out)
	}
	if !strings.Contains(out, "key=value") {
		t.Errorf("log line missing key=value: %s", out)
	}
}

func TestNew_BadLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "loud"
	if _, _, err := New(cfg); err == nil {
		t.Fatal("expected error")
	}
}
