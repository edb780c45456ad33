package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dragon-db/tailscale-monitor/pkg/detector"
	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

var errStoreDown = errors.New("store unavailable")

type memoryStore struct {
	mu          sync.Mutex
	checks      []state.CheckResult
	transitions []state.TransitionEvent
	touched     map[string]time.Time
	err         error
}

func (m *memoryStore) AppendCheck(_ context.Context, check *state.CheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.checks = append(m.checks, *check)
	return nil
}

func (m *memoryStore) TouchNode(_ context.Context, ip string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.touched == nil {
		m.touched = make(map[string]time.Time)
	}
	m.touched[ip] = seenAt
	return nil
}

func (m *memoryStore) AppendTransition(_ context.Context, event *state.TransitionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.transitions = append(m.transitions, *event)
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	channels []string
	events   []state.TransitionEvent
}

func (r *recordingNotifier) Notify(_ context.Context, _ state.NodeConfig, event *state.TransitionEvent, _ *state.CheckResult) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return append([]string(nil), r.channels...)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// scriptedSources serves one status payload per call, repeating the last.
type scriptedSources struct {
	mu        sync.Mutex
	statuses  [][]byte
	statusErr error
	metrics   string
	ping      string
	pingErr   error
	pings     int

	// hold, when set, parks StatusJSON until it is closed. entered is
	// signalled once the call is parked.
	hold        chan struct{}
	entered     chan struct{}
	interrupted bool
}

func (s *scriptedSources) StatusJSON(ctx context.Context) ([]byte, error) {
	if s.hold != nil {
		s.entered <- struct{}{}
		<-s.hold
		if err := ctx.Err(); err != nil {
			s.mu.Lock()
			s.interrupted = true
			s.mu.Unlock()
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	if len(s.statuses) == 0 {
		return nil, errors.New("no status scripted")
	}
	payload := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	return payload, nil
}

func (s *scriptedSources) Metrics(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics == "" {
		return nil, errors.New("metrics endpoint unreachable")
	}
	return []byte(s.metrics), nil
}

func (s *scriptedSources) Ping(_ context.Context, _ string, _ int, _ time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return s.ping, s.pingErr
}

func (s *scriptedSources) wasInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

func (s *scriptedSources) pingCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func newTestPipeline(t *testing.T, src *scriptedSources, mock *clock.Mock, opts ...PipelineOption) *Pipeline {
	t.Helper()
	status, err := detector.NewStatusDetector(src, 5*time.Minute, mock.Now)
	if err != nil {
		t.Fatalf("status detector: %v", err)
	}
	metrics, err := detector.NewMetricsDetector(src)
	if err != nil {
		t.Fatalf("metrics detector: %v", err)
	}
	probe, err := detector.NewProbeDetector(src, 3, 15*time.Second)
	if err != nil {
		t.Fatalf("probe detector: %v", err)
	}
	seq := 0
	opts = append([]PipelineOption{
		WithPipelineClock(mock),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("check-%d", seq)
		}),
	}, opts...)
	pipeline, err := NewPipeline(status, metrics, probe, opts...)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	return pipeline
}

func metricsPayload(direct, derp int64) string {
	return fmt.Sprintf(`# TYPE tailscaled_outbound_bytes_total counter
tailscaled_outbound_bytes_total{path="direct_ipv4"} %d
tailscaled_outbound_bytes_total{path="derp"} %d
`, direct, derp)
}
