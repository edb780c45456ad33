package detector

import (
	"testing"
	"time"

	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

func TestResolveLadder(t *testing.T) {
	derpProbe := &state.PingResult{State: state.DERP, Region: "fra"}
	directProbe := &state.PingResult{State: state.Direct}
	failedProbe := &state.PingResult{Error: "no confirmable replies"}
	suspected := state.StatusDetection{State: state.DERP, Online: true, Region: "nyc", Note: state.NoteRelaySuspected}

	cases := []struct {
		name       string
		evidence   Evidence
		state      state.NodeState
		confidence state.Confidence
		region     string
	}{
		{
			name:       "hard offline",
			evidence:   Evidence{Status: state.StatusDetection{State: state.Offline}},
			state:      state.Offline,
			confidence: state.ConfidenceHigh,
		},
		{
			name:       "stale offline is low confidence",
			evidence:   Evidence{Status: state.StatusDetection{State: state.Offline, Note: state.NoteStaleInactive}},
			state:      state.Offline,
			confidence: state.ConfidenceLow,
		},
		{
			name:       "transport failure",
			evidence:   Evidence{Status: state.StatusDetection{State: state.Unknown, Note: state.NoteTransport}},
			state:      state.Unknown,
			confidence: state.ConfidenceLow,
		},
		{
			name:       "direct",
			evidence:   Evidence{Status: state.StatusDetection{State: state.Direct, Online: true}, MetricsState: state.DERP},
			state:      state.Direct,
			confidence: state.ConfidenceHigh,
		},
		{
			name:       "inactive",
			evidence:   Evidence{Status: state.StatusDetection{State: state.Inactive, Online: true}},
			state:      state.Inactive,
			confidence: state.ConfidenceMedium,
		},
		{
			name:       "suspected without probe",
			evidence:   Evidence{Status: suspected},
			state:      state.DERP,
			confidence: state.ConfidenceLow,
			region:     "nyc",
		},
		{
			name:       "suspected confirmed by probe",
			evidence:   Evidence{Status: suspected, Probe: derpProbe},
			state:      state.DERP,
			confidence: state.ConfidenceHigh,
			region:     "fra",
		},
		{
			name:       "suspected but probe finds direct",
			evidence:   Evidence{Status: suspected, Probe: directProbe},
			state:      state.Direct,
			confidence: state.ConfidenceHigh,
		},
		{
			name:       "suspected and probe failed",
			evidence:   Evidence{Status: suspected, Probe: failedProbe},
			state:      state.Unknown,
			confidence: state.ConfidenceLow,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := DefaultResolver.Resolve(tc.evidence)
			if v.State != tc.state || v.Confidence != tc.confidence || v.Region != tc.region {
				t.Fatalf("expected %s/%s region %q, got %+v", tc.state, tc.confidence, tc.region, v)
			}
		})
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	e := Evidence{
		Status:       state.StatusDetection{State: state.DERP, Online: true, Note: state.NoteRelaySuspected},
		MetricsState: state.Direct,
		Probe:        &state.PingResult{State: state.DERP, Region: "sin"},
	}
	first := Resolve(e)
	for i := 0; i < 10; i++ {
		if got := Resolve(e); got != first {
			t.Fatalf("expected identical verdicts, got %+v and %+v", first, got)
		}
	}
}

func TestResolveOfflineThenDirectScenario(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	down := ClassifyStatus(statusPayload(`{"TailscaleIPs":["100.64.0.2"],"Online":false}`), "100.64.0.2", 5*time.Minute, now)
	if v := Resolve(Evidence{Status: down}); v.State != state.Offline || v.Confidence != state.ConfidenceHigh {
		t.Fatalf("expected OFFLINE/high, got %+v", v)
	}

	up := ClassifyStatus(statusPayload(`{"TailscaleIPs":["100.64.0.2"],"Online":true,"Active":true,"CurAddr":"198.51.100.7:41641"}`), "100.64.0.2", 5*time.Minute, now)
	if v := Resolve(Evidence{Status: up}); v.State != state.Direct || v.Confidence != state.ConfidenceHigh {
		t.Fatalf("expected DIRECT/high, got %+v", v)
	}
}

func TestResolveRelayHintConfirmedScenario(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	status := ClassifyStatus(statusPayload(`{"TailscaleIPs":["100.64.0.2"],"Online":true,"Active":true,"Relay":"ams"}`), "100.64.0.2", 5*time.Minute, now)
	if !status.RelaySuspected() {
		t.Fatalf("expected relay suspected, got %+v", status)
	}

	probe := ParsePingOutput(`pong from nas (100.64.0.2) via DERP(fra) in 30ms
pong from nas (100.64.0.2) via DERP(fra) in 31ms
pong from nas (100.64.0.2) via DERP(fra) in 29ms`, 3, nil)

	v := Resolve(Evidence{Status: status, Probe: &probe})
	if v.State != state.DERP || v.Confidence != state.ConfidenceHigh || v.Region != "fra" {
		t.Fatalf("expected DERP/high in fra, got %+v", v)
	}
}
