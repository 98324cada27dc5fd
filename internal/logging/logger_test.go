package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level   string
		wantLvl zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"unknown", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.wantLvl {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.wantLvl)
			}
			l, err := New(tt.level)
			if err != nil {
				t.Fatalf("New(%q) returned error: %v", tt.level, err)
			}
			if l == nil {
				t.Fatalf("New(%q) returned nil logger", tt.level)
			}
		})
	}
}

func TestNewWithOptions_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appmetric.log")

	l, err := NewWithOptions(Options{Level: "warn", Output: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("NewWithOptions returned error: %v", err)
	}
	l.Info("dropped by level")
	l.Warn("sink write failed", zap.String("sink", "file"))
	l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "dropped by level") {
		t.Errorf("info entry should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"sink write failed"`) || !strings.Contains(out, `"sink":"file"`) {
		t.Errorf("expected warn entry in file, got %s", out)
	}
}

func TestGlobalSetGlobal(t *testing.T) {
	original := Global()
	if original == nil {
		t.Fatal("Global() returned nil before SetGlobal")
	}

	core, obs := observer.New(zapcore.InfoLevel)
	SetGlobal(zap.New(core))
	defer SetGlobal(original)

	Info("test message", zap.String("key", "value"))

	entries := obs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Message != "test message" {
		t.Errorf("expected message %q, got %q", "test message", entries[0].Message)
	}
}

func TestOrGlobal(t *testing.T) {
	if OrGlobal(nil) != Global() {
		t.Error("expected global logger for nil")
	}
	l := zap.NewNop()
	if OrGlobal(l) != l {
		t.Error("expected injected logger to be returned")
	}
}

func TestLevelFiltering(t *testing.T) {
	original := Global()
	core, obs := observer.New(zapcore.WarnLevel)
	SetGlobal(zap.New(core))
	defer SetGlobal(original)

	Debug("should not appear")
	Info("should not appear")
	Warn("should appear")
	Error("should appear")

	entries := obs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries at warn level, got %d", len(entries))
	}
}

func TestWith(t *testing.T) {
	original := Global()
	core, obs := observer.New(zapcore.InfoLevel)
	SetGlobal(zap.New(core))
	defer SetGlobal(original)

	child := With(zap.String("component", "sampler"))
	child.Info("child message")

	entries := obs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["component"]; got != "sampler" {
		t.Errorf("expected component=sampler in context, got %v", got)
	}
}
