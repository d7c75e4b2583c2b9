package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func decodeLastLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	lines := strings.Split(buf.String(), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &payload); err != nil {
			t.Fatalf("failed to decode log line: %v", err)
		}
		return payload
	}

	t.Fatal("no log lines found")
	return nil
}

func TestWithContextInjectsFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("bridge", &buf)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))
	ctx = ContextWithRequestID(ctx, "req-1")

	log.WithContext(ctx).Info("gateway ready")

	payload := decodeLastLogLine(t, &buf)

	if payload["service"] != "bridge" {
		t.Fatalf("expected service to be injected, got %v", payload["service"])
	}
	if payload["trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("expected trace_id to be injected, got %v", payload["trace_id"])
	}
	if payload["span_id"] != "00f067aa0ba902b7" {
		t.Fatalf("expected span_id to be injected, got %v", payload["span_id"])
	}
	if payload["request_id"] != "req-1" {
		t.Fatalf("expected request_id to be injected, got %v", payload["request_id"])
	}
	if payload["timestamp"] == nil {
		t.Fatalf("expected timestamp to be injected")
	}
	if payload["message"] != "gateway ready" {
		t.Fatalf("expected message to match, got %v", payload["message"])
	}
}

func TestInfofWritesFieldsAndComponent(t *testing.T) {
	var buf bytes.Buffer
	log := New("bridge", &buf).Component("supervisor")

	log.Infof("gateway output", Fields{"stream": "stdout", "pid": 42})

	payload := decodeLastLogLine(t, &buf)
	if payload["component"] != "supervisor" {
		t.Fatalf("component = %v, want supervisor", payload["component"])
	}
	if payload["stream"] != "stdout" {
		t.Fatalf("stream = %v, want stdout", payload["stream"])
	}
	if payload["pid"] != float64(42) {
		t.Fatalf("pid = %v, want 42", payload["pid"])
	}
}

func TestWithLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New("bridge", &buf).WithLevel("info")

	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug line to be filtered, got %q", buf.String())
	}

	log.WithError(errors.New("boom")).Warn("visible")
	payload := decodeLastLogLine(t, &buf)
	if payload["level"] != "warn" {
		t.Fatalf("level = %v, want warn", payload["level"])
	}
	if payload["error"] != "boom" {
		t.Fatalf("error = %v, want boom", payload["error"])
	}
}

func TestWithLevelIgnoresUnknown(t *testing.T) {
	var buf bytes.Buffer
	log := New("bridge", &buf).WithLevel("loud")

	log.Debug("kept")
	payload := decodeLastLogLine(t, &buf)
	if payload["level"] != "debug" {
		t.Fatalf("level = %v, want debug", payload["level"])
	}
}

func TestWithContextOmitsMissingIDs(t *testing.T) {
	var buf bytes.Buffer
	New("bridge", &buf).WithContext(context.Background()).Info("no ids")

	payload := decodeLastLogLine(t, &buf)
	for _, key := range []string{"trace_id", "span_id", "request_id"} {
		if _, ok := payload[key]; ok {
			t.Fatalf("%s should be omitted, got %v", key, payload[key])
		}
	}
}
