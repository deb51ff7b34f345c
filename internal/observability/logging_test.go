package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLogger_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info(context.Background(), "provider call failed",
		"error", "401 unauthorized: api_key=sk-abcdefghijklmnopqrstuvwxyz0123456789abcd was rejected")

	out := buf.String()
	if strings.Contains(out, "sk-abcdefghijklmnop") {
		t.Errorf("api key leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker in output: %s", out)
	}
}

func TestLogger_ContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	ctx := WithSessionID(context.Background(), "sess-1")
	ctx = WithTaskID(ctx, "task-9")
	logger.Info(ctx, "turn appended")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["session_id"] != "sess-1" {
		t.Errorf("session_id missing from record: %v", record)
	}
	if record["task_id"] != "task-9" {
		t.Errorf("task_id missing from record: %v", record)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug(context.Background(), "should not appear")
	logger.Info(context.Background(), "should not appear either")
	logger.Warn(context.Background(), "visible warning")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("below-threshold record leaked: %s", out)
	}
	if !strings.Contains(out, "visible warning") {
		t.Errorf("warn record missing: %s", out)
	}
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LevelFromString(tt.in); got != tt.want {
			t.Errorf("LevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
