package telemetry

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
		raw  string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"  ERROR ", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.raw); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Info("hello", "api_key", "sk-supersecretvalue12345", "task_id", "t-1")
	if err := closer.Close(); err != nil {
		t.Fatalf("close log file: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "agentd.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := strings.TrimSpace(string(data))
	if line == "" {
		t.Fatal("expected a log line")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.Split(line, "\n")[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["timestamp"] == nil {
		t.Error("expected timestamp key")
	}
	if entry["component"] != "agentd" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["api_key"] != "[REDACTED]" {
		t.Errorf("api_key = %v, want redacted", entry["api_key"])
	}
	if entry["task_id"] != "t-1" {
		t.Errorf("task_id = %v", entry["task_id"])
	}
	if strings.Contains(line, "sk-supersecretvalue12345") {
		t.Error("secret value leaked into the log file")
	}
}
