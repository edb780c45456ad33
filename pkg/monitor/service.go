package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dragon-db/tailscale-monitor/pkg/observability"
	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

// ErrUnknownNode is returned for addresses that are not configured peers.
var ErrUnknownNode = errors.New("unknown node")

// CheckStore persists checks and refreshes the node registry.
type CheckStore interface {
	AppendCheck(ctx context.Context, check *state.CheckResult) error
	TouchNode(ctx context.Context, ip string, seenAt time.Time) error
}

// Service owns the runtime state of every configured peer and runs checks
// against it. Each peer's runtime record is only touched by RunCheck for that
// peer; callers must not run two checks of the same peer concurrently.
type Service struct {
	checker  Checker
	tracker  *Tracker
	store    CheckStore
	reporter observability.Reporter

	nodes    []state.NodeConfig
	byIP     map[string]state.NodeConfig
	runtimes map[string]*state.NodeRuntimeState
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithServiceReporter attaches an observability reporter.
func WithServiceReporter(r observability.Reporter) ServiceOption {
	return func(s *Service) {
		if r != nil {
			s.reporter = r
		}
	}
}

// NewService builds a Service. runtimes holds state recovered from storage
// and may miss peers; missing peers start unseeded.
func NewService(checker Checker, tracker *Tracker, store CheckStore, nodes []state.NodeConfig, runtimes map[string]*state.NodeRuntimeState, opts ...ServiceOption) (*Service, error) {
	if checker == nil {
		return nil, errors.New("checker must not be nil")
	}
	if tracker == nil {
		return nil, errors.New("tracker must not be nil")
	}
	if store == nil {
		return nil, errors.New("store must not be nil")
	}

	s := &Service{
		checker:  checker,
		tracker:  tracker,
		store:    store,
		reporter: observability.NoopReporter{},
		nodes:    append([]state.NodeConfig(nil), nodes...),
		byIP:     make(map[string]state.NodeConfig, len(nodes)),
		runtimes: make(map[string]*state.NodeRuntimeState, len(nodes)),
	}
	for _, n := range nodes {
		if _, dup := s.byIP[n.IP]; dup {
			return nil, fmt.Errorf("duplicate node %s", n.IP)
		}
		s.byIP[n.IP] = n
		runtime := runtimes[n.IP]
		if runtime == nil {
			runtime = &state.NodeRuntimeState{}
		}
		if runtime.LastNotifiedAt == nil {
			runtime.LastNotifiedAt = make(map[state.CooldownKey]time.Time)
		}
		s.runtimes[n.IP] = runtime
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Nodes returns the configured peers in configuration order.
func (s *Service) Nodes() []state.NodeConfig {
	return append([]state.NodeConfig(nil), s.nodes...)
}

// Node looks up a configured peer.
func (s *Service) Node(ip string) (state.NodeConfig, bool) {
	n, ok := s.byIP[ip]
	return n, ok
}

// RunCheck runs one full check of ip. Detector calls are bounded by their own
// timeouts and are not interrupted by ctx. When ctx ends while they run the
// result is discarded and ctx.Err() is returned; nothing is persisted,
// tracked or notified. Persistence failures are logged, not returned.
func (s *Service) RunCheck(ctx context.Context, ip string, trigger state.Trigger) (*state.CheckResult, error) {
	node, ok := s.byIP[ip]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, ip)
	}
	runtime := s.runtimes[ip]

	obs := s.checker.Check(context.WithoutCancel(ctx), node, runtime.PreviousMetrics, trigger)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := obs.Result
	if result == nil {
		return nil, fmt.Errorf("check of %s produced no result", ip)
	}
	if obs.Counters != nil {
		counters := *obs.Counters
		runtime.PreviousMetrics = &counters
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := s.store.AppendCheck(persistCtx, result); err != nil {
		s.reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelError,
			Node:    ip,
			Event:   "check_persist_failed",
			Message: err.Error(),
		})
	}
	if result.State != state.Offline {
		if err := s.store.TouchNode(persistCtx, ip, result.CheckedAt); err != nil {
			s.reporter.RecordEvent(ctx, observability.Event{
				Level:   observability.LevelWarn,
				Node:    ip,
				Event:   "node_touch_failed",
				Message: err.Error(),
			})
		}
	}

	s.tracker.Observe(persistCtx, node, runtime, result)
	s.record(ctx, obs)
	return result, nil
}

func (s *Service) record(ctx context.Context, obs Observation) {
	result := obs.Result
	fields := map[string]interface{}{
		"trigger":      string(result.Trigger),
		"state":        string(result.State),
		"confidence":   string(result.Confidence),
		"status_state": string(result.StatusState),
		"duration_ms":  obs.Duration.Milliseconds(),
	}
	if result.Region != "" {
		fields["region"] = result.Region
	}
	if result.Note != state.NoteNone {
		fields["note"] = string(result.Note)
	}
	if result.PingState != "" {
		fields["ping_state"] = string(result.PingState)
	}
	s.reporter.RecordEvent(ctx, observability.Event{
		Level:  observability.LevelDebug,
		Node:   result.NodeIP,
		Event:  "check_completed",
		Fields: fields,
	})

	s.reporter.RecordMetric(observability.Metric{
		Name:  "checks_total",
		Type:  observability.MetricCounter,
		Value: 1,
		Labels: map[string]string{
			"state":      string(result.State),
			"confidence": string(result.Confidence),
			"trigger":    string(result.Trigger),
		},
		Description: "Completed peer checks by resolved state.",
	})
	s.reporter.RecordMetric(observability.Metric{
		Name:        "check_duration_seconds",
		Type:        observability.MetricHistogram,
		Value:       obs.Duration.Seconds(),
		Labels:      map[string]string{"trigger": string(result.Trigger)},
		Description: "Duration of a peer check including probes.",
	})
	for _, st := range state.AllStates {
		value := 0.0
		if st == result.State {
			value = 1
		}
		s.reporter.RecordMetric(observability.Metric{
			Name:        "node_state",
			Type:        observability.MetricGauge,
			Value:       value,
			Labels:      map[string]string{"node": result.NodeIP, "state": string(st)},
			Description: "Current resolved state of a peer (1 for the active state).",
		})
	}

	if obs.Status.Note == state.NoteTransport {
		s.detectorError(ctx, result.NodeIP, "status", obs.Status.Error)
	}
	if obs.MetricsErr != nil {
		s.detectorError(ctx, result.NodeIP, "metrics", obs.MetricsErr.Error())
	}
	if obs.Probe != nil && obs.Probe.Error != "" {
		s.detectorError(ctx, result.NodeIP, "probe", obs.Probe.Error)
	}
}

func (s *Service) detectorError(ctx context.Context, ip, name, message string) {
	s.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelWarn,
		Node:    ip,
		Event:   "detector_failed",
		Message: message,
		Fields:  map[string]interface{}{"detector": name},
	})
	s.reporter.RecordMetric(observability.Metric{
		Name:        "detector_errors_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"detector": name},
		Description: "Detector failures folded into check evidence.",
	})
}
