package detector

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

var statusNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func statusPayload(peer string) []byte {
	return []byte(`{"Peer":{"nodekey:x":` + peer + `}}`)
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		name   string
		peer   string
		state  state.NodeState
		online bool
		note   state.StatusNote
	}{
		{
			name:  "explicit offline",
			peer:  `{"TailscaleIPs":["100.64.0.2"],"Online":false,"CurAddr":"1.2.3.4:41641"}`,
			state: state.Offline,
		},
		{
			name:   "online without active connection",
			peer:   `{"TailscaleIPs":["100.64.0.2"],"Online":true,"Active":false,"CurAddr":"1.2.3.4:41641"}`,
			state:  state.Inactive,
			online: true,
		},
		{
			name:   "direct",
			peer:   `{"TailscaleIPs":["100.64.0.2/32"],"Online":true,"Active":true,"CurAddr":"1.2.3.4:41641","Relay":"fra"}`,
			state:  state.Direct,
			online: true,
		},
		{
			name:   "peer relay",
			peer:   `{"TailscaleIPs":["100.64.0.2"],"Online":true,"Active":true,"PeerRelay":"100.64.0.9:7777","Relay":"fra"}`,
			state:  state.PeerRelay,
			online: true,
		},
		{
			name:   "relay hint only",
			peer:   `{"TailscaleIPs":["100.64.0.2"],"Online":true,"Active":true,"Relay":"fra"}`,
			state:  state.DERP,
			online: true,
			note:   state.NoteRelaySuspected,
		},
		{
			name:   "no evidence",
			peer:   `{"TailscaleIPs":["100.64.0.2"],"Online":true,"Active":true}`,
			state:  state.Unknown,
			online: true,
			note:   state.NoteNoPath,
		},
		{
			name:  "stale and inactive without online flag",
			peer:  `{"TailscaleIPs":["100.64.0.2"],"Active":false,"LastSeen":"2024-05-01T11:00:00Z","Relay":"fra"}`,
			state: state.Offline,
			note:  state.NoteStaleInactive,
		},
		{
			name:   "stale but active is not offline",
			peer:   `{"TailscaleIPs":["100.64.0.2"],"Active":true,"LastSeen":"2024-05-01T11:00:00Z","CurAddr":"1.2.3.4:41641"}`,
			state:  state.Direct,
			online: true,
		},
		{
			name:   "recently seen and inactive falls through to path",
			peer:   `{"TailscaleIPs":["100.64.0.2"],"Active":false,"LastSeen":"2024-05-01T11:55:00Z","Relay":"fra"}`,
			state:  state.DERP,
			online: true,
			note:   state.NoteRelaySuspected,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			det := ClassifyStatus(statusPayload(tc.peer), "100.64.0.2", 5*time.Minute, statusNow)
			if det.State != tc.state {
				t.Fatalf("expected state %s, got %s (%+v)", tc.state, det.State, det)
			}
			if det.Online != tc.online {
				t.Fatalf("expected online=%v, got %v", tc.online, det.Online)
			}
			if det.Note != tc.note {
				t.Fatalf("expected note %q, got %q", tc.note, det.Note)
			}
		})
	}
}

func TestClassifyStatusThresholdFloor(t *testing.T) {
	// Seen 8 minutes ago: beyond the configured 5 but inside the 10 minute floor.
	peer := `{"TailscaleIPs":["100.64.0.2"],"Active":false,"LastSeen":"2024-05-01T11:52:00Z","CurAddr":"1.2.3.4:41641"}`
	det := ClassifyStatus(statusPayload(peer), "100.64.0.2", 5*time.Minute, statusNow)
	if det.State != state.Direct {
		t.Fatalf("expected floor to prevent stale offline, got %s", det.State)
	}

	det = ClassifyStatus(statusPayload(peer), "100.64.0.2", 5*time.Minute, statusNow.Add(10*time.Minute))
	if det.State != state.Offline || det.Error == "" {
		t.Fatalf("expected stale offline with explanation, got %+v", det)
	}
	if det.HardOffline() {
		t.Fatal("stale offline must not count as hard offline")
	}
}

func TestClassifyStatusMissingPeer(t *testing.T) {
	det := ClassifyStatus(statusPayload(`{"TailscaleIPs":["100.64.0.3"]}`), "100.64.0.2", 0, statusNow)
	if det.State != state.Offline || det.Online {
		t.Fatalf("expected offline, got %+v", det)
	}
	if det.Error != "peer not present" {
		t.Fatalf("unexpected error %q", det.Error)
	}
	if len(det.RawStatus) == 0 {
		t.Fatal("expected raw status to be kept")
	}
}

func TestClassifyStatusParseFailure(t *testing.T) {
	det := ClassifyStatus([]byte("{"), "100.64.0.2", 0, statusNow)
	if det.State != state.Unknown || det.Online || det.Note != state.NoteTransport {
		t.Fatalf("expected transport failure reading, got %+v", det)
	}
}

func TestStatusDetectorTransportFailure(t *testing.T) {
	source := StatusSourceFunc(func(context.Context) ([]byte, error) {
		return nil, errors.New("tailscaled not running")
	})
	detector, err := NewStatusDetector(source, time.Minute, func() time.Time { return statusNow })
	if err != nil {
		t.Fatalf("failed to create detector: %v", err)
	}
	det := detector.Detect(context.Background(), "100.64.0.2")
	if det.State != state.Unknown || det.Online {
		t.Fatalf("expected unknown offline reading, got %+v", det)
	}
	if !strings.Contains(det.Error, "tailscaled not running") {
		t.Fatalf("expected underlying error, got %q", det.Error)
	}
}

func TestNewStatusDetectorRequiresSource(t *testing.T) {
	if _, err := NewStatusDetector(nil, time.Minute, nil); err == nil {
		t.Fatal("expected error for nil source")
	}
}
