// Package monitor runs one check of a peer end to end: detection, state
// resolution, persistence, transition tracking and notification.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dragon-db/tailscale-monitor/pkg/detector"
	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

// Observation is the outcome of one pipeline pass.
type Observation struct {
	Result   *state.CheckResult
	Status   state.StatusDetection
	Probe    *state.PingResult
	Counters *state.MetricsCounters
	// MetricsErr is set when the counter fetch failed.
	MetricsErr error
	Duration   time.Duration
}

// Checker runs detection for one peer.
type Checker interface {
	Check(ctx context.Context, node state.NodeConfig, previous *state.MetricsCounters, trigger state.Trigger) Observation
}

// Pipeline reads the status snapshot and the traffic counters concurrently,
// probes the peer when the snapshot only hints at a relay, and fuses the
// evidence through a Resolver.
type Pipeline struct {
	status         *detector.StatusDetector
	metrics        *detector.MetricsDetector
	probe          *detector.ProbeDetector
	resolver       detector.Resolver
	clock          clock.Clock
	probeOnSuspect bool
	newID          func() string
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*Pipeline)

// WithResolver replaces the default fusion rules.
func WithResolver(r detector.Resolver) PipelineOption {
	return func(p *Pipeline) {
		if r != nil {
			p.resolver = r
		}
	}
}

// WithPipelineClock injects the clock used to timestamp checks.
func WithPipelineClock(c clock.Clock) PipelineOption {
	return func(p *Pipeline) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithProbeOnSuspect toggles probing when the status snapshot suspects a relay.
func WithProbeOnSuspect(enabled bool) PipelineOption {
	return func(p *Pipeline) {
		p.probeOnSuspect = enabled
	}
}

// WithIDGenerator overrides how check IDs are generated.
func WithIDGenerator(fn func() string) PipelineOption {
	return func(p *Pipeline) {
		if fn != nil {
			p.newID = fn
		}
	}
}

// NewPipeline wires the detectors. The metrics detector is optional.
func NewPipeline(status *detector.StatusDetector, metrics *detector.MetricsDetector, probe *detector.ProbeDetector, opts ...PipelineOption) (*Pipeline, error) {
	if status == nil {
		return nil, errors.New("status detector must not be nil")
	}
	if probe == nil {
		return nil, errors.New("probe detector must not be nil")
	}
	p := &Pipeline{
		status:         status,
		metrics:        metrics,
		probe:          probe,
		resolver:       detector.DefaultResolver,
		clock:          clock.New(),
		probeOnSuspect: true,
		newID:          func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Check implements Checker. It never fails: every detector failure is
// folded into the evidence.
func (p *Pipeline) Check(ctx context.Context, node state.NodeConfig, previous *state.MetricsCounters, trigger state.Trigger) Observation {
	started := p.clock.Now()

	var (
		status  state.StatusDetection
		reading detector.MetricsReading
	)
	var g errgroup.Group
	g.Go(func() error {
		status = p.status.Detect(ctx, node.IP)
		return nil
	})
	if p.metrics != nil {
		g.Go(func() error {
			reading = p.metrics.Detect(ctx)
			return nil
		})
	} else {
		reading.Err = errors.New("metrics detector disabled")
	}
	_ = g.Wait()

	obs := Observation{Status: status, Counters: reading.Counters, MetricsErr: reading.Err}

	var delta state.MetricsDelta
	metricsState := state.Unknown
	if reading.Counters != nil {
		delta = detector.ComputeDelta(previous, *reading.Counters)
		metricsState = detector.DominantState(delta)
	}

	if p.probeOnSuspect && status.RelaySuspected() {
		probe := p.probe.Probe(ctx, node.IP)
		obs.Probe = &probe
	}

	verdict := p.resolver.Resolve(detector.Evidence{Status: status, MetricsState: metricsState, Probe: obs.Probe})

	result := &state.CheckResult{
		ID:                p.newID(),
		NodeIP:            node.IP,
		NodeLabel:         node.Label,
		Tags:              append([]string(nil), node.Tags...),
		CheckedAt:         p.clock.Now().UTC(),
		Trigger:           trigger,
		State:             verdict.State,
		Confidence:        verdict.Confidence,
		MetricsState:      metricsState,
		StatusState:       status.State,
		Region:            verdict.Region,
		DirectEndpoint:    status.DirectEndpoint,
		PeerRelayEndpoint: status.PeerRelayEndpoint,
		Note:              status.Note,
		Delta:             delta,
		RawStatus:         string(status.RawStatus),
	}
	if obs.Probe != nil {
		result.PingState = obs.Probe.State
		result.PingMinMs = obs.Probe.MinMs
		result.PingAvgMs = obs.Probe.AvgMs
		result.PingMaxMs = obs.Probe.MaxMs
		result.PingPacketLossPct = obs.Probe.PacketLossPct
	}

	obs.Result = result
	obs.Duration = p.clock.Since(started)
	return obs
}

var _ Checker = (*Pipeline)(nil)
