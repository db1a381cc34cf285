package harcap

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, %v", tt.in, got, err)
			}
		})
	}
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "harcap.log")
	logger, closer, err := NewLogger(LoggingConfig{
		Level:     "warn",
		Format:    "json",
		Output:    path,
		MaxSizeMB: 1,
	})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("capture started", "port", 8080)
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") {
		t.Error("info line written at warn level")
	}
	if !strings.Contains(out, `"msg":"capture started"`) || !strings.Contains(out, `"port":8080`) {
		t.Errorf("log file = %s", out)
	}
}

func TestNewLogger_Errors(t *testing.T) {
	if _, _, err := NewLogger(LoggingConfig{Level: "loud"}); err == nil {
		t.Error("expected error for bad level")
	}
	if _, _, err := NewLogger(LoggingConfig{Format: "xml"}); err == nil {
		t.Error("expected error for bad format")
	}
}

func TestNewLogger_Stderr(t *testing.T) {
	logger, closer, err := NewLogger(DefaultConfig().Logging)
	if err != nil {
		t.Fatal(err)
	}
	if logger == nil || closer.Close() != nil {
		t.Error("stderr logger not usable")
	}
}
