package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

const (
	outboundBytesMetric = "tailscaled_outbound_bytes_total"
	pathLabel           = "path"
)

// MetricsReading is the outcome of one counter fetch.
type MetricsReading struct {
	Counters *state.MetricsCounters
	Err      error
}

// MetricsDetector reads cumulative outbound byte counters by path class.
type MetricsDetector struct {
	source MetricsSource
}

// NewMetricsDetector builds a detector over source.
func NewMetricsDetector(source MetricsSource) (*MetricsDetector, error) {
	if source == nil {
		return nil, errors.New("metrics source must not be nil")
	}
	return &MetricsDetector{source: source}, nil
}

// Detect fetches and parses the counters.
func (d *MetricsDetector) Detect(ctx context.Context) MetricsReading {
	payload, err := d.source.Metrics(ctx)
	if err != nil {
		return MetricsReading{Err: err}
	}
	counters, err := ParseCounters(payload)
	if err != nil {
		return MetricsReading{Err: err}
	}
	return MetricsReading{Counters: &counters}
}

// ParseCounters sums every path variant of the outbound bytes counter into
// the three path buckets.
func ParseCounters(payload []byte) (state.MetricsCounters, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(bytes.NewReader(payload))
	if err != nil {
		return state.MetricsCounters{}, fmt.Errorf("parse metrics exposition: %w", err)
	}

	var counters state.MetricsCounters
	family, ok := families[outboundBytesMetric]
	if !ok {
		return counters, nil
	}
	for _, m := range family.GetMetric() {
		value := int64(sampleValue(m))
		switch labelValue(m, pathLabel) {
		case "direct_ipv4", "direct_ipv6":
			counters.Direct += value
		case "peer_relay_ipv4", "peer_relay_ipv6":
			counters.PeerRelay += value
		case "derp":
			counters.DERP += value
		}
	}
	return counters, nil
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	default:
		return 0
	}
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// ComputeDelta returns the per-bucket difference between two snapshots. A
// missing previous snapshot yields a zero delta; a counter that went
// backwards is treated as a fresh baseline and contributes its new value.
func ComputeDelta(previous *state.MetricsCounters, current state.MetricsCounters) state.MetricsDelta {
	if previous == nil {
		return state.MetricsDelta{}
	}
	return state.MetricsDelta{
		Direct:    counterDelta(current.Direct, previous.Direct),
		PeerRelay: counterDelta(current.PeerRelay, previous.PeerRelay),
		DERP:      counterDelta(current.DERP, previous.DERP),
	}
}

func counterDelta(current, previous int64) int64 {
	if current < previous {
		return current
	}
	return current - previous
}

// DominantState returns the path with the largest positive delta, or UNKNOWN
// when no bucket moved. Ties go to the earlier path in state.AllStates.
func DominantState(delta state.MetricsDelta) state.NodeState {
	best := state.Unknown
	var bestValue int64
	for _, candidate := range []struct {
		state state.NodeState
		value int64
	}{
		{state.Direct, delta.Direct},
		{state.PeerRelay, delta.PeerRelay},
		{state.DERP, delta.DERP},
	} {
		if candidate.value > bestValue {
			best = candidate.state
			bestValue = candidate.value
		}
	}
	return best
}
