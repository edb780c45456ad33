package detector

import "github.com/dragon-db/tailscale-monitor/pkg/state"

// Evidence is everything known about one peer at one check. Probe is nil
// when no probe ran.
type Evidence struct {
	Status       state.StatusDetection
	MetricsState state.NodeState
	Probe        *state.PingResult
}

// Verdict is the fused outcome of a check.
type Verdict struct {
	State      state.NodeState
	Confidence state.Confidence
	Region     string
}

// Resolver fuses detector evidence into a verdict. Implementations must be
// pure: the same Evidence always yields the same Verdict.
type Resolver interface {
	Resolve(Evidence) Verdict
}

// ResolverFunc adapts a function into a Resolver.
type ResolverFunc func(Evidence) Verdict

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(e Evidence) Verdict { return f(e) }

// DefaultResolver trusts the status snapshot except when it only hints at a
// relay, in which case the probe decides. Metrics never change the verdict.
var DefaultResolver Resolver = ResolverFunc(Resolve)

// Resolve applies the default fusion rules.
func Resolve(e Evidence) Verdict {
	status := e.Status

	if status.HardOffline() {
		return Verdict{State: state.Offline, Confidence: state.ConfidenceHigh}
	}

	final := status.State
	if status.RelaySuspected() && e.Probe != nil {
		if e.Probe.State.IsPath() {
			final = e.Probe.State
		} else {
			final = state.Unknown
		}
	}

	verdict := Verdict{State: final, Confidence: confidence(final, e)}
	if final == state.DERP {
		verdict.Region = status.Region
		if e.Probe != nil && e.Probe.State == state.DERP && e.Probe.Region != "" {
			verdict.Region = e.Probe.Region
		}
	}
	return verdict
}

func confidence(final state.NodeState, e Evidence) state.Confidence {
	status := e.Status
	probe := e.Probe

	switch {
	case status.Note == state.NoteTransport && final == state.Unknown:
		return state.ConfidenceLow
	case final == state.Unknown:
		return state.ConfidenceLow
	case status.RelaySuspected() && probe == nil:
		return state.ConfidenceLow
	case status.Note == state.NoteStaleInactive:
		return state.ConfidenceLow
	case final == state.Offline:
		return state.ConfidenceHigh
	case final == state.Direct, final == state.PeerRelay:
		return state.ConfidenceHigh
	case final == state.DERP && probe != nil && probe.State == state.DERP:
		return state.ConfidenceHigh
	case final == state.DERP && probe != nil && probe.Error != "":
		return state.ConfidenceMedium
	case final == state.DERP && probe != nil && probe.State != state.DERP:
		return state.ConfidenceMedium
	default:
		return state.ConfidenceMedium
	}
}
