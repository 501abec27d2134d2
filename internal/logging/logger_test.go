package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestNewLogger verifies basic logger creation
func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		format string
		level  string
	}{
		{"JSON Info", "json", "info"},
		{"JSON Debug", "json", "debug"},
		{"JSON Error", "json", "error"},
		{"Console Info", "console", "info"},
		{"Text Debug", "text", "debug"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := NewLogger(Config{
				Format: tt.format,
				Level:  tt.level,
				Output: &buf,
			})
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			logger.Error().Msg("heartbeat")
			if !strings.Contains(buf.String(), "heartbeat") {
				t.Errorf("expected heartbeat in output, got %q", buf.String())
			}
		})
	}
}

// TestNewLogger_InvalidLevel verifies error handling for invalid log level
func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger(Config{
		Format: "json",
		Level:  "invalid",
	})
	if err == nil {
		t.Error("Expected error for invalid log level")
	}
}

// TestLogLevelFiltering verifies that log levels are properly filtered
func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Format: "json", Level: "warn", Output: &buf})

	logger.Debug().Msg("debug message")
	logger.Info().Msg("info message")
	logger.Warn().Msg("warn message")
	logger.Error().Msg("error message")

	output := buf.String()
	if strings.Contains(output, "debug message") {
		t.Error("Debug message should be filtered at Warn level")
	}
	if strings.Contains(output, "info message") {
		t.Error("Info message should be filtered at Warn level")
	}
	if !strings.Contains(output, "warn message") {
		t.Error("Warn message should be present")
	}
	if !strings.Contains(output, "error message") {
		t.Error("Error message should be present")
	}
}

// TestJSONOutput verifies JSON format output
func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Format: "json", Level: "info", Output: &buf})

	logger.Info().Str("host", "10.0.0.1").Int("rank", 0).Msg("coordinator elected")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON output: %v, output: %s", err, buf.String())
	}

	if entry["message"] != "coordinator elected" {
		t.Errorf("Expected message='coordinator elected', got %v", entry["message"])
	}
	if entry["host"] != "10.0.0.1" {
		t.Errorf("Expected host='10.0.0.1', got %v", entry["host"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("Expected timestamp field")
	}
}

// TestLoggingMetrics verifies the level counters move when entries are written
func TestLoggingMetrics(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Format: "json", Level: "debug", Output: &buf})

	warnBefore := testutil.ToFloat64(LogEntriesTotal.WithLabelValues("warn"))
	errorsBefore := testutil.ToFloat64(LogErrorsTotal)

	logger.Warn().Msg("w")
	logger.Error().Msg("e")

	if got := testutil.ToFloat64(LogEntriesTotal.WithLabelValues("warn")) - warnBefore; got != 1 {
		t.Errorf("warn entries delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(LogErrorsTotal) - errorsBefore; got != 1 {
		t.Errorf("error entries delta = %v, want 1", got)
	}
}

// TestDiscardLogger verifies the discard logger for tests
func TestDiscardLogger(t *testing.T) {
	logger := DiscardLogger()
	logger.Info().Msg("this should be discarded")
	logger.Error().Msg("this too")
}

// TestDefaultConfig verifies default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Format != "json" {
		t.Errorf("Expected default format='json', got %s", cfg.Format)
	}
	if cfg.Level != "info" {
		t.Errorf("Expected default level='info', got %s", cfg.Level)
	}
}
