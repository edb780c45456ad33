package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestJSONLoggerEmitsEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)
	logger.now = func() time.Time { return time.Unix(100, 0).UTC() }

	event := Event{
		Level:   LevelInfo,
		Node:    "100.64.0.1",
		Event:   "check_completed",
		Message: "check finished",
		Fields: map[string]interface{}{
			"trigger":  "scheduled",
			"notified": false,
		},
	}

	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("log event: %v", err)
	}

	var payload Event
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	if payload.Timestamp.Unix() != 100 {
		t.Fatalf("expected timestamp to be set, got %v", payload.Timestamp)
	}
	if payload.Level != LevelInfo {
		t.Fatalf("unexpected level: %s", payload.Level)
	}
	if payload.Event != event.Event {
		t.Fatalf("unexpected event name: %s", payload.Event)
	}
	if payload.Fields["trigger"] != "scheduled" {
		t.Fatalf("expected trigger field preserved, got %v", payload.Fields)
	}
}

func TestJSONLoggerRequiresWriter(t *testing.T) {
	logger := NewJSONLogger(nil)
	if err := logger.Log(context.Background(), Event{Event: "test"}); err == nil {
		t.Fatal("expected error when writer is nil")
	}
}

func TestJSONLoggerDropsEventsBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)
	logger.SetLevel(LevelWarn)

	if err := logger.Log(context.Background(), Event{Level: LevelInfo, Event: "check_completed"}); err != nil {
		t.Fatalf("log event: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected info event to be dropped, got %q", buf.String())
	}
	if err := logger.Log(context.Background(), Event{Level: LevelError, Event: "check_panicked"}); err != nil {
		t.Fatalf("log event: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected error event to be written")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"": LevelInfo, "DEBUG": LevelDebug, "warning": LevelWarn, "error": LevelError}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %s, got %s", raw, want, got)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestStructuredReporterTagsComponent(t *testing.T) {
	var got []Event
	var metrics []Metric
	reporter := NewStructuredReporter("scheduler", LoggerFunc(func(_ context.Context, e Event) error {
		got = append(got, e)
		return nil
	}), MetricsCollectorFunc(func(m Metric) { metrics = append(metrics, m) }))

	reporter.RecordEvent(context.Background(), Event{Event: "loop_started"})
	reporter.WithComponent("notify").RecordEvent(context.Background(), Event{Event: "sent"})
	reporter.RecordMetric(Metric{Name: "x", Type: MetricCounter, Value: 1})

	if len(got) != 2 || got[0].Component != "scheduler" || got[1].Component != "notify" {
		t.Fatalf("unexpected events: %+v", got)
	}
	if len(metrics) != 1 {
		t.Fatalf("expected metric forwarded, got %d", len(metrics))
	}
}
