package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("Expected a log line, got nothing")
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("Expected JSON log line, got %q: %v", line, err)
	}
	return entry
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{" error ", ERROR},
		{"fatal", FATAL},
		{"nonsense", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q): expected %s, got %s", tt.in, tt.want, got)
		}
	}
}

func TestLoggerKeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, &Config{Level: "DEBUG", Component: "engine", JSONFormat: true})

	l.Info("order placed", "order_id", "abc", "amount", 10.5, "err", errors.New("boom"))

	entry := decodeLine(t, &buf)
	if entry["message"] != "order placed" {
		t.Errorf("Expected message 'order placed', got %v", entry["message"])
	}
	if entry["component"] != "engine" {
		t.Errorf("Expected component engine, got %v", entry["component"])
	}
	if entry["order_id"] != "abc" {
		t.Errorf("Expected order_id abc, got %v", entry["order_id"])
	}
	if entry["amount"] != 10.5 {
		t.Errorf("Expected amount 10.5, got %v", entry["amount"])
	}
	if entry["err"] != "boom" {
		t.Errorf("Expected err boom, got %v", entry["err"])
	}
}

func TestLoggerPrintfStyle(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, &Config{Level: "INFO", JSONFormat: true})

	l.Warn("balance %.2f below %d", 949.99, 950)

	entry := decodeLine(t, &buf)
	if entry["message"] != "balance 949.99 below 950" {
		t.Errorf("Expected formatted message, got %v", entry["message"])
	}
	if entry["level"] != "warn" {
		t.Errorf("Expected level warn, got %v", entry["level"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, &Config{Level: "WARN", JSONFormat: true})

	l.Debug("hidden")
	l.Info("hidden too")
	if buf.Len() != 0 {
		t.Fatalf("Expected no output below WARN, got %q", buf.String())
	}

	l.Error("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("Expected error entry to be written, got %q", buf.String())
	}
}

func TestLoggerDerivedFieldsDoNotLeak(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&buf, &Config{Level: "INFO", JSONFormat: true})

	child := base.WithComponent("cascade").WithField("root_id", "r1").WithError(errors.New("late"))
	child.Info("child")
	childEntry := decodeLine(t, &buf)
	if childEntry["component"] != "cascade" || childEntry["root_id"] != "r1" || childEntry["error"] != "late" {
		t.Errorf("Expected derived fields on child entry, got %v", childEntry)
	}

	buf.Reset()
	base.Info("parent")
	parentEntry := decodeLine(t, &buf)
	if _, ok := parentEntry["root_id"]; ok {
		t.Errorf("Expected parent logger to be unaffected by child fields, got %v", parentEntry)
	}
	if base.WithError(nil) != base {
		t.Error("Expected WithError(nil) to return the same logger")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx, l := WithTraceContext(context.Background(), "trace-1")
	if TraceIDFromContext(ctx) != "trace-1" {
		t.Errorf("Expected trace-1, got %q", TraceIDFromContext(ctx))
	}
	if FromContext(ctx) != l {
		t.Error("Expected FromContext to return the stored logger")
	}
	if FromContext(context.Background()) != Default() {
		t.Error("Expected FromContext to fall back to the default logger")
	}

	_, generated := WithTraceContext(context.Background(), "")
	if generated == nil {
		t.Fatal("Expected a logger for a generated trace ID")
	}
}

func TestDerivedContextLoggers(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&buf, &Config{Level: "DEBUG", JSONFormat: true})

	SessionContext(base, "u1", "PRACTICE").Info("session")
	entry := decodeLine(t, &buf)
	if entry["user_id"] != "u1" || entry["account_type"] != "PRACTICE" || entry["component"] != "session" {
		t.Errorf("Expected session fields, got %v", entry)
	}

	buf.Reset()
	OrderContext(base, "o1", "EURUSD", "CALL", 2).Warn("order")
	entry = decodeLine(t, &buf)
	if entry["order_id"] != "o1" || entry["martingale_level"] != float64(2) {
		t.Errorf("Expected order fields, got %v", entry)
	}

	buf.Reset()
	SignalContext(base, "GBPJPY", "PUT", "14:30").Debug("signal")
	entry = decodeLine(t, &buf)
	if entry["asset"] != "GBPJPY" || entry["time"] != "14:30" {
		t.Errorf("Expected signal fields, got %v", entry)
	}

	buf.Reset()
	ctx, _ := WithTraceContext(NewContext(context.Background(), base), "req-9")
	APIContext(FromContext(ctx), "GET", "/api/engine/status", 200).Info("served")
	entry = decodeLine(t, &buf)
	if entry["trace_id"] != "req-9" || entry["status_code"] != float64(200) || entry["component"] != "api" {
		t.Errorf("Expected request fields with trace id, got %v", entry)
	}

	if SessionContext(nil, "u1", "REAL") == nil {
		t.Error("Expected a nil base to fall back to the default logger")
	}
}
