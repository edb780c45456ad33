package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dragon-db/tailscale-monitor/internal/testutil"
	"github.com/dragon-db/tailscale-monitor/pkg/cooldown"
	"github.com/dragon-db/tailscale-monitor/pkg/observability"
	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

type capturedTelemetry struct {
	mu      sync.Mutex
	events  []observability.Event
	metrics []observability.Metric
}

func (c *capturedTelemetry) reporter() observability.Reporter {
	return observability.ReporterFuncs{
		OnEvent: func(_ context.Context, e observability.Event) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.events = append(c.events, e)
		},
		OnMetric: func(m observability.Metric) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.metrics = append(c.metrics, m)
		},
	}
}

func (c *capturedTelemetry) hasEvent(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Event == name {
			return true
		}
	}
	return false
}

func (c *capturedTelemetry) counter(name string, labels map[string]string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0.0
	for _, m := range c.metrics {
		if m.Name != name {
			continue
		}
		match := true
		for k, v := range labels {
			if m.Labels[k] != v {
				match = false
			}
		}
		if match {
			total += m.Value
		}
	}
	return total
}

func newTestService(t *testing.T, src *scriptedSources, mock *clock.Mock, store *memoryStore, notifier Notifier, telemetry *capturedTelemetry, runtimes map[string]*state.NodeRuntimeState) *Service {
	t.Helper()
	tracker, err := NewTracker(cooldown.NewPolicy(0), notifier, store, WithTrackerReporter(telemetry.reporter()))
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	service, err := NewService(newTestPipeline(t, src, mock), tracker, store, []state.NodeConfig{node}, runtimes, WithServiceReporter(telemetry.reporter()))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return service
}

func TestServiceOfflineToDirectEndToEnd(t *testing.T) {
	mock := clock.NewMock()
	src := &scriptedSources{
		statuses: [][]byte{
			testutil.StatusJSON(testutil.Peer{IP: peerIP, Online: testutil.Bool(false)}),
			testutil.StatusJSON(testutil.Peer{IP: peerIP, Online: testutil.Bool(true), Active: true, CurAddr: "203.0.113.7:41641"}),
		},
		metrics: metricsPayload(100, 0),
	}
	store := &memoryStore{}
	notifier := &recordingNotifier{channels: []string{"discord"}}
	telemetry := &capturedTelemetry{}
	service := newTestService(t, src, mock, store, notifier, telemetry, nil)
	ctx := context.Background()

	first, err := service.RunCheck(ctx, peerIP, state.TriggerStartup)
	if err != nil {
		t.Fatalf("first check: %v", err)
	}
	if first.State != state.Offline || first.Confidence != state.ConfidenceHigh {
		t.Fatalf("expected OFFLINE/high, got %s/%s", first.State, first.Confidence)
	}
	if _, touched := store.touched[peerIP]; touched {
		t.Fatal("offline checks must not refresh last seen")
	}

	mock.Add(5 * time.Minute)
	second, err := service.RunCheck(ctx, peerIP, state.TriggerScheduled)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if second.State != state.Direct || second.Confidence != state.ConfidenceHigh {
		t.Fatalf("expected DIRECT/high, got %s/%s", second.State, second.Confidence)
	}

	if len(store.checks) != 2 {
		t.Fatalf("expected both checks persisted, got %d", len(store.checks))
	}
	if len(store.transitions) != 1 {
		t.Fatalf("expected one transition, got %d", len(store.transitions))
	}
	event := store.transitions[0]
	if event.Reason != "OFFLINE -> DIRECT (scheduled check)" || !event.Notifiable || !event.Notified {
		t.Fatalf("unexpected transition %+v", event)
	}
	if event.DurationPreviousSeconds == nil || *event.DurationPreviousSeconds != 300 {
		t.Fatalf("expected 300s offline, got %v", event.DurationPreviousSeconds)
	}
	if seen := store.touched[peerIP]; !seen.Equal(second.CheckedAt) {
		t.Fatalf("expected last seen refreshed to %s, got %s", second.CheckedAt, seen)
	}

	if got := telemetry.counter("checks_total", map[string]string{"state": "DIRECT"}); got != 1 {
		t.Fatalf("expected one DIRECT check counted, got %v", got)
	}
	if got := telemetry.counter("node_state", map[string]string{"state": "DIRECT"}); got != 1 {
		t.Fatalf("expected DIRECT gauge set, got %v", got)
	}
	if !telemetry.hasEvent("transition_detected") {
		t.Fatal("expected transition event logged")
	}
}

func TestServiceCarriesMetricsCountersBetweenChecks(t *testing.T) {
	mock := clock.NewMock()
	src := &scriptedSources{
		statuses: [][]byte{testutil.StatusJSON(testutil.Peer{IP: peerIP, Online: testutil.Bool(true), Active: true, CurAddr: "203.0.113.7:41641"})},
		metrics:  metricsPayload(1000, 0),
	}
	store := &memoryStore{}
	service := newTestService(t, src, mock, store, &recordingNotifier{}, &capturedTelemetry{}, nil)
	ctx := context.Background()

	first, _ := service.RunCheck(ctx, peerIP, state.TriggerStartup)
	if first.Delta != (state.MetricsDelta{}) {
		t.Fatalf("expected zero delta without previous counters, got %+v", first.Delta)
	}

	src.mu.Lock()
	src.metrics = metricsPayload(1500, 0)
	src.mu.Unlock()
	second, _ := service.RunCheck(ctx, peerIP, state.TriggerScheduled)
	if second.Delta.Direct != 500 {
		t.Fatalf("expected 500 byte delta, got %+v", second.Delta)
	}

	src.mu.Lock()
	src.metrics = metricsPayload(200, 0)
	src.mu.Unlock()
	third, _ := service.RunCheck(ctx, peerIP, state.TriggerScheduled)
	if third.Delta.Direct != 200 {
		t.Fatalf("expected counter reset to yield new value, got %+v", third.Delta)
	}
}

func TestServiceSeededRuntimeEmitsOnFirstCheck(t *testing.T) {
	mock := clock.NewMock()
	src := &scriptedSources{
		statuses: [][]byte{testutil.StatusJSON(testutil.Peer{IP: peerIP, Online: testutil.Bool(false)})},
	}
	store := &memoryStore{}
	runtimes := map[string]*state.NodeRuntimeState{
		peerIP: {LastState: state.Direct, LastStateSince: mock.Now().Add(-time.Hour)},
	}
	service := newTestService(t, src, mock, store, &recordingNotifier{channels: []string{"ntfy"}}, &capturedTelemetry{}, runtimes)

	if _, err := service.RunCheck(context.Background(), peerIP, state.TriggerStartup); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(store.transitions) != 1 || store.transitions[0].Reason != "DIRECT -> OFFLINE (startup check)" {
		t.Fatalf("expected recovered state to produce a transition, got %+v", store.transitions)
	}
}

func TestServicePersistenceFailureIsLogged(t *testing.T) {
	mock := clock.NewMock()
	src := &scriptedSources{
		statuses: [][]byte{testutil.StatusJSON(testutil.Peer{IP: peerIP, Online: testutil.Bool(true), Active: true, CurAddr: "203.0.113.7:41641"})},
	}
	store := &memoryStore{err: errStoreDown}
	telemetry := &capturedTelemetry{}
	service := newTestService(t, src, mock, store, &recordingNotifier{}, telemetry, nil)

	result, err := service.RunCheck(context.Background(), peerIP, state.TriggerStartup)
	if err != nil || result == nil {
		t.Fatalf("expected check to succeed despite storage failure, got %v", err)
	}
	if !telemetry.hasEvent("check_persist_failed") {
		t.Fatal("expected persistence failure logged")
	}
	if telemetry.counter("detector_errors_total", map[string]string{"detector": "metrics"}) != 1 {
		t.Fatal("expected metrics detector failure counted")
	}
}

func TestServiceUnknownNode(t *testing.T) {
	service := newTestService(t, &scriptedSources{}, clock.NewMock(), &memoryStore{}, &recordingNotifier{}, &capturedTelemetry{}, nil)
	if _, err := service.RunCheck(context.Background(), "100.64.9.9", state.TriggerManual); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
	if _, ok := service.Node(peerIP); !ok {
		t.Fatal("expected configured node to be found")
	}
}

func TestServiceDiscardsCheckCancelledMidDetection(t *testing.T) {
	mock := clock.NewMock()
	src := &scriptedSources{
		statuses: [][]byte{testutil.StatusJSON(testutil.Peer{IP: peerIP, Online: testutil.Bool(true), Active: true, CurAddr: "203.0.113.7:41641"})},
		hold:     make(chan struct{}),
		entered:  make(chan struct{}),
	}
	store := &memoryStore{}
	notifier := &recordingNotifier{channels: []string{"discord"}}
	since := mock.Now().Add(-time.Hour)
	runtimes := map[string]*state.NodeRuntimeState{
		peerIP: {LastState: state.Offline, LastStateSince: since},
	}
	service := newTestService(t, src, mock, store, notifier, &capturedTelemetry{}, runtimes)

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		result *state.CheckResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := service.RunCheck(ctx, peerIP, state.TriggerScheduled)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-src.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("status call never started")
	}
	cancel()
	close(src.hold)

	var got outcome
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("check did not return after the status call finished")
	}
	if !errors.Is(got.err, context.Canceled) || got.result != nil {
		t.Fatalf("expected context.Canceled and no result, got %v %+v", got.err, got.result)
	}
	if len(store.checks) != 0 || len(store.transitions) != 0 {
		t.Fatalf("cancelled check must not be persisted, got %d checks %d transitions", len(store.checks), len(store.transitions))
	}
	if notifier.count() != 0 {
		t.Fatalf("cancelled check must not notify, got %d", notifier.count())
	}
	if src.wasInterrupted() {
		t.Fatal("in-flight status call must not be interrupted by cancellation")
	}
	runtime := service.runtimes[peerIP]
	if runtime.LastState != state.Offline || !runtime.LastStateSince.Equal(since) {
		t.Fatalf("runtime state must be untouched, got %s since %s", runtime.LastState, runtime.LastStateSince)
	}
}
