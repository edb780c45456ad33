package notify

import (
	"fmt"
	"strings"

	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

const footerText = "tailscale-monitor"

var colorByState = map[state.NodeState]int{
	state.Offline:   16711680,
	state.Direct:    51411,
	state.PeerRelay: 16766464,
	state.DERP:      16740608,
	state.Inactive:  5793266,
	state.Unknown:   8421504,
}

func stateColor(s state.NodeState) int {
	if c, ok := colorByState[s]; ok {
		return c
	}
	return colorByState[state.Unknown]
}

// Title names the kind of edge a transition represents.
func Title(label string, previous, current state.NodeState) string {
	switch {
	case current == state.Offline:
		return "Node Offline: " + label
	case previous == state.Offline:
		return "Node Back Online: " + label
	case current == state.Inactive && previous != state.Inactive:
		return "Node Inactive: " + label
	case current == state.DERP && previous != state.DERP:
		return "DERP Relay Fallback: " + label
	default:
		return "Connection Changed: " + label
	}
}

// Priority maps a transition onto an ntfy priority.
func Priority(previous, current state.NodeState) string {
	switch {
	case current == state.Offline:
		return "urgent"
	case current == state.DERP:
		return "high"
	case current == state.Inactive:
		return "low"
	case previous == state.Offline && current == state.Direct:
		return "low"
	default:
		return "default"
	}
}

// FormatDuration renders a duration in seconds as "45s", "3m 5s" or "2h 10m".
func FormatDuration(seconds *int64) string {
	if seconds == nil {
		return "unknown"
	}
	s := *seconds
	if s < 60 {
		return fmt.Sprintf("%ds", s)
	}
	minutes, sec := s/60, s%60
	hours, minutes := minutes/60, minutes%60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm %ds", minutes, sec)
}

func previousLine(event *state.TransitionEvent) string {
	return fmt.Sprintf("%s for %s", event.PreviousState.Label(), FormatDuration(event.DurationPreviousSeconds))
}

func detectionSummary(check *state.CheckResult, statusName, separator, noPing string) string {
	status := "UNKNOWN"
	if check.StatusState != "" {
		status = check.StatusState.Label()
	}
	ping := noPing
	if check.PingState != "" {
		ping = check.PingState.Label()
	}
	return strings.Join([]string{
		statusName + ": " + status,
		"Metrics: " + metricsLabel(check.MetricsState),
		"Ping: " + ping,
	}, separator)
}

func metricsLabel(s state.NodeState) string {
	if s == "" || s == state.Unknown {
		return "no signal"
	}
	return s.Label()
}

func latencyLine(check *state.CheckResult) (string, bool) {
	if check.PingAvgMs == nil || check.PingMinMs == nil || check.PingMaxMs == nil {
		return "", false
	}
	return fmt.Sprintf("Min %.2fms / Avg %.2fms / Max %.2fms", *check.PingMinMs, *check.PingAvgMs, *check.PingMaxMs), true
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
