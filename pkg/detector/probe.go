package detector

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

var (
	pongPattern   = regexp.MustCompile(`(?i)via (?P<via>.+?) in (?P<latency>[0-9.]+)ms`)
	regionPattern = regexp.MustCompile(`(?i)DERP\(([^)]+)\)`)
)

// ErrNoReplies is reported when a probe transcript holds no parseable reply.
var ErrNoReplies = errors.New("no confirmable replies")

// ProbeDetector confirms the path of a peer with an active ping.
type ProbeDetector struct {
	pinger  Pinger
	count   int
	timeout time.Duration
}

// NewProbeDetector builds a detector sending count pings bounded by timeout.
func NewProbeDetector(pinger Pinger, count int, timeout time.Duration) (*ProbeDetector, error) {
	if pinger == nil {
		return nil, errors.New("pinger must not be nil")
	}
	if count < 1 {
		count = 1
	}
	if timeout <= 0 {
		return nil, errors.New("probe timeout must be positive")
	}
	return &ProbeDetector{pinger: pinger, count: count, timeout: timeout}, nil
}

// Probe pings ip with the configured count.
func (d *ProbeDetector) Probe(ctx context.Context, ip string) state.PingResult {
	return d.ProbeN(ctx, ip, d.count)
}

// ProbeN pings ip count times.
func (d *ProbeDetector) ProbeN(ctx context.Context, ip string, count int) state.PingResult {
	if count < 1 {
		count = 1
	}
	output, err := d.pinger.Ping(ctx, ip, count, d.timeout)
	return ParsePingOutput(output, count, err)
}

// ParsePingOutput summarises a ping transcript. Each reply line is
// classified by its path descriptor; the summary state is the majority vote
// with ties broken by state.AllStates order.
func ParsePingOutput(output string, requested int, runErr error) state.PingResult {
	result := state.PingResult{RawOutput: output}

	var latencies []float64
	votes := make(map[state.NodeState]int)
	var regions []string

	for _, line := range strings.Split(output, "\n") {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "pong") || !strings.Contains(lower, "via") {
			continue
		}
		match := pongPattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		latency, err := strconv.ParseFloat(match[pongPattern.SubexpIndex("latency")], 64)
		if err != nil {
			continue
		}
		path, region := classifyVia(match[pongPattern.SubexpIndex("via")])
		latencies = append(latencies, latency)
		votes[path]++
		if region != "" {
			regions = append(regions, region)
		}
	}

	received := len(latencies)
	result.Replies = received
	if received == 0 {
		result.PacketLossPct = floatPtr(100)
		result.Error = ErrNoReplies.Error()
		if runErr != nil {
			result.Error = runErr.Error()
		}
		return result
	}

	sent := requested
	if received > sent {
		sent = received
	}
	loss := float64(sent-received) / float64(sent) * 100
	if loss < 0 {
		loss = 0
	}
	result.PacketLossPct = floatPtr(loss)

	lo, hi, sum := latencies[0], latencies[0], 0.0
	for _, l := range latencies {
		if l < lo {
			lo = l
		}
		if l > hi {
			hi = l
		}
		sum += l
	}
	result.MinMs = floatPtr(lo)
	result.MaxMs = floatPtr(hi)
	result.AvgMs = floatPtr(sum / float64(received))

	best := 0
	for _, s := range state.AllStates {
		if votes[s] > best {
			result.State = s
			best = votes[s]
		}
	}
	if result.State == state.DERP {
		result.Region = majority(regions)
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	return result
}

func classifyVia(via string) (state.NodeState, string) {
	if m := regionPattern.FindStringSubmatch(via); m != nil {
		return state.DERP, m[1]
	}
	lower := strings.ToLower(via)
	if strings.Contains(lower, "peer_relay") || strings.Contains(lower, "peer relay") {
		return state.PeerRelay, ""
	}
	return state.Direct, ""
}

// majority returns the most frequent value. Ties go to the value that
// appeared first in values.
func majority(values []string) string {
	counts := make(map[string]int, len(values))
	order := make([]string, 0, len(values))
	for _, v := range values {
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}
	var best string
	for _, v := range order {
		if best == "" || counts[v] > counts[best] {
			best = v
		}
	}
	return best
}

func floatPtr(v float64) *float64 { return &v }
