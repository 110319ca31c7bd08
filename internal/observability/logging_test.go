package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger("test-component", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	// Verify it can log without panicking
	logger.Info("test message", "key", "value")
}

func TestNewLogger_DebugLevel(t *testing.T) {
	logger := NewLogger("debug-component", slog.LevelDebug)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	logger.Debug("debug message")
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.expected {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		name      string
		flagLevel string
		envLevel  string
		expected  slog.Level
	}{
		{"flag takes precedence", "debug", "error", slog.LevelDebug},
		{"env used when flag empty", "", "warn", slog.LevelWarn},
		{"default when both empty", "", "", slog.LevelInfo},
		{"flag overrides env", "error", "debug", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("INGEST_LOG_LEVEL", tt.envLevel)
			got := GetLogLevel(tt.flagLevel)
			if got != tt.expected {
				t.Errorf("GetLogLevel(%q) = %v, want %v (env=%q)", tt.flagLevel, got, tt.expected, tt.envLevel)
			}
		})
	}
}

func TestJobLogLevel(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		envLevel   string
		expected   slog.Level
	}{
		{"definition level", "debug", "", slog.LevelDebug},
		{"env overrides definition", "debug", "error", slog.LevelError},
		{"default when unset", "", "", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("INGEST_LOG_LEVEL", tt.envLevel)
			if got := JobLogLevel(tt.configured); got != tt.expected {
				t.Errorf("JobLogLevel(%q) = %v, want %v (env=%q)", tt.configured, got, tt.expected, tt.envLevel)
			}
		})
	}
}

func TestValidLogLevel(t *testing.T) {
	for _, s := range []string{"", "debug", "INFO", "warning", " error "} {
		if !ValidLogLevel(s) {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if ValidLogLevel("verbose") {
		t.Error("expected verbose to be rejected")
	}
}

func TestJobLogger_LevelVarFollowsReload(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	logger := JobLogger(NewLoggerTo(&buf, "ingest-job", level), "driver-stats", "ingest_job_driver-stats")

	logger.Debug("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be filtered at info, got %q", buf.String())
	}

	level.Set(slog.LevelDebug)
	logger.Debug("batch routed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if line["job"] != "driver-stats" || line["group"] != "ingest_job_driver-stats" {
		t.Errorf("expected job and group attributes, got %v", line)
	}
}

func TestNewLoggerTo_JSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "ingest-job", slog.LevelInfo)
	logger.Debug("dropped")
	logger.Warn("decode failure", "stage", "wire-decode")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "ingest-job" {
		t.Errorf("expected component ingest-job, got %v", line["component"])
	}
	if line["stage"] != "wire-decode" {
		t.Errorf("expected stage attribute, got %v", line["stage"])
	}
}

func TestTraceLogger_AddsSpanIDs(t *testing.T) {
	var buf bytes.Buffer
	tl := NewTraceLogger(NewLoggerTo(&buf, "test", slog.LevelInfo)).With("job", "orders")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))
	tl.Info(ctx, "batch routed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["trace_id"] != traceID.String() || line["span_id"] != spanID.String() {
		t.Errorf("expected trace ids in log line, got %v", line)
	}
	if line["job"] != "orders" {
		t.Errorf("expected job attribute, got %v", line["job"])
	}

	buf.Reset()
	tl.Info(context.Background(), "untraced")
	if bytes.Contains(buf.Bytes(), []byte("trace_id")) {
		t.Error("untraced context should not add trace_id")
	}
}
