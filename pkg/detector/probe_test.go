package detector

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

func TestParsePingOutputDERPMajority(t *testing.T) {
	output := `pong from nas (100.64.0.2) via DERP(fra) in 41ms
pong from nas (100.64.0.2) via DERP(fra) in 39ms
pong from nas (100.64.0.2) via 203.0.113.5:41641 in 12ms`

	result := ParsePingOutput(output, 3, nil)
	if result.State != state.DERP {
		t.Fatalf("expected DERP majority, got %s", result.State)
	}
	if result.Region != "fra" {
		t.Fatalf("expected region fra, got %q", result.Region)
	}
	if *result.MinMs != 12 || *result.MaxMs != 41 {
		t.Fatalf("unexpected latency bounds %v..%v", *result.MinMs, *result.MaxMs)
	}
	if math.Abs(*result.AvgMs-30.666) > 0.01 {
		t.Fatalf("unexpected average %v", *result.AvgMs)
	}
	if *result.PacketLossPct != 0 {
		t.Fatalf("expected no loss, got %v", *result.PacketLossPct)
	}
}

func TestParsePingOutputRegionTieKeepsFirstSeen(t *testing.T) {
	output := `pong from nas (100.64.0.2) via DERP(fra) in 41ms
pong from nas (100.64.0.2) via DERP(nyc) in 80ms
pong from nas (100.64.0.2) via DERP(nyc) in 82ms
pong from nas (100.64.0.2) via DERP(fra) in 40ms`

	result := ParsePingOutput(output, 4, nil)
	if result.State != state.DERP || result.Region != "fra" {
		t.Fatalf("expected DERP via first-seen region fra, got %s %q", result.State, result.Region)
	}
}

func TestMajority(t *testing.T) {
	cases := []struct {
		values []string
		want   string
	}{
		{nil, ""},
		{[]string{"sea"}, "sea"},
		{[]string{"fra", "nyc", "nyc", "fra"}, "fra"},
		{[]string{"fra", "nyc", "nyc"}, "nyc"},
		{[]string{"ams", "fra", "nyc"}, "ams"},
	}
	for _, tc := range cases {
		if got := majority(tc.values); got != tc.want {
			t.Fatalf("majority(%v) = %q, want %q", tc.values, got, tc.want)
		}
	}
}

func TestParsePingOutputPartialLoss(t *testing.T) {
	output := `pong from nas (100.64.0.2) via 203.0.113.5:41641 in 10ms
timeout waiting for pong
pong from nas (100.64.0.2) via 203.0.113.5:41641 in 11ms`

	result := ParsePingOutput(output, 3, nil)
	if result.Replies != 2 {
		t.Fatalf("expected 2 replies, got %d", result.Replies)
	}
	if math.Abs(*result.PacketLossPct-33.333) > 0.01 {
		t.Fatalf("expected ~33.33%% loss, got %v", *result.PacketLossPct)
	}
	if result.State != state.Direct {
		t.Fatalf("expected DIRECT, got %s", result.State)
	}
}

func TestParsePingOutputPeerRelayAndTies(t *testing.T) {
	output := `pong from nas (100.64.0.2) via peer-relay(100.64.0.9:7777:vni:3) peer_relay in 20ms
pong from nas (100.64.0.2) via DERP(nyc) in 80ms`

	result := ParsePingOutput(output, 2, nil)
	if result.State != state.PeerRelay {
		t.Fatalf("expected tie broken towards PEER_RELAY, got %s", result.State)
	}
	if result.Region != "" {
		t.Fatalf("region only attaches to DERP majority, got %q", result.Region)
	}
}

func TestParsePingOutputNoReplies(t *testing.T) {
	result := ParsePingOutput("timeout waiting for pong\n", 3, nil)
	if result.State != "" {
		t.Fatalf("expected no state, got %s", result.State)
	}
	if *result.PacketLossPct != 100 {
		t.Fatalf("expected 100%% loss, got %v", *result.PacketLossPct)
	}
	if result.Error != ErrNoReplies.Error() {
		t.Fatalf("unexpected error %q", result.Error)
	}

	result = ParsePingOutput("", 3, errors.New("timed out after 15s"))
	if result.Error != "timed out after 15s" {
		t.Fatalf("expected run error to be reported, got %q", result.Error)
	}
}

func TestProbeDetectorPassesCountAndTimeout(t *testing.T) {
	var gotCount int
	var gotTimeout time.Duration
	pinger := PingerFunc(func(_ context.Context, ip string, count int, timeout time.Duration) (string, error) {
		gotCount = count
		gotTimeout = timeout
		return "pong from x (" + ip + ") via DERP(ams) in 50ms\n", nil
	})
	detector, err := NewProbeDetector(pinger, 4, 15*time.Second)
	if err != nil {
		t.Fatalf("failed to create detector: %v", err)
	}
	result := detector.Probe(context.Background(), "100.64.0.2")
	if gotCount != 4 || gotTimeout != 15*time.Second {
		t.Fatalf("unexpected ping parameters count=%d timeout=%s", gotCount, gotTimeout)
	}
	if result.State != state.DERP || result.Region != "ams" {
		t.Fatalf("unexpected result %+v", result)
	}
	if *result.PacketLossPct != 75 {
		t.Fatalf("expected 75%% loss, got %v", *result.PacketLossPct)
	}
}

func TestNewProbeDetectorValidation(t *testing.T) {
	if _, err := NewProbeDetector(nil, 3, time.Second); err == nil {
		t.Fatal("expected error for nil pinger")
	}
	pinger := PingerFunc(func(context.Context, string, int, time.Duration) (string, error) { return "", nil })
	if _, err := NewProbeDetector(pinger, 3, 0); err == nil {
		t.Fatal("expected error for zero timeout")
	}
}
