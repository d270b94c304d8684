package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{"WARN", slog.LevelWarn},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Expected default level %s, got %s", LevelInfo, cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("Expected default output 'stderr', got '%s'", cfg.Output)
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("stderr json logger", func(t *testing.T) {
		logger, err := New(Config{Level: LevelError, Format: FormatJSON, Output: "stderr"})
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}
		if logger.closer != nil {
			t.Error("console logger should not hold a file")
		}
	})

	t.Run("rotating file logger", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "nested", "gapscan.log")

		logger, err := New(Config{Level: LevelDebug, Format: FormatJSON, Output: logFile, MaxSizeMB: 1})
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}
		logger.WithComponent("probe").InfoScan("probe finished", "10.0.0.1", "open", 3)
		if err := logger.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}

		data, err := os.ReadFile(logFile)
		if err != nil {
			t.Fatalf("read log file: %v", err)
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
			t.Fatalf("log line is not JSON: %v", err)
		}
		if entry["component"] != "probe" || entry["target"] != "10.0.0.1" {
			t.Errorf("unexpected fields: %v", entry)
		}
	})
}

func TestSetDefault(t *testing.T) {
	original := Default()
	defer SetDefault(original)

	d := Discard()
	SetDefault(d)
	if Default() != d {
		t.Error("SetDefault did not replace the default logger")
	}
	Info("dropped")
	ErrorScan("dropped", "t", nil)
}
