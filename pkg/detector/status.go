package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dragon-db/tailscale-monitor/pkg/state"
	"github.com/dragon-db/tailscale-monitor/pkg/tailscale"
)

// MinStaleThreshold is the floor applied to the configured offline threshold.
const MinStaleThreshold = 10 * time.Minute

// StatusDetector classifies a peer from the status snapshot.
type StatusDetector struct {
	source    StatusSource
	threshold time.Duration
	now       func() time.Time
}

// NewStatusDetector builds a detector. threshold is raised to MinStaleThreshold.
func NewStatusDetector(source StatusSource, threshold time.Duration, now func() time.Time) (*StatusDetector, error) {
	if source == nil {
		return nil, errors.New("status source must not be nil")
	}
	if now == nil {
		now = time.Now
	}
	return &StatusDetector{source: source, threshold: threshold, now: now}, nil
}

// Detect fetches a snapshot and classifies ip. It never returns an error:
// transport and parse failures become an UNKNOWN reading.
func (d *StatusDetector) Detect(ctx context.Context, ip string) state.StatusDetection {
	payload, err := d.source.StatusJSON(ctx)
	if err != nil {
		return state.StatusDetection{
			State: state.Unknown,
			Note:  state.NoteTransport,
			Error: err.Error(),
		}
	}
	return ClassifyStatus(payload, ip, d.threshold, d.now())
}

// ClassifyStatus is the pure classification of one peer in a status payload.
//
// Precedence: missing peer, explicit Online=false, Online=true without an
// active connection, stale and inactive, then path evidence (CurAddr,
// PeerRelay, Relay hint).
func ClassifyStatus(payload []byte, ip string, threshold time.Duration, now time.Time) state.StatusDetection {
	status, err := tailscale.ParseStatus(payload)
	if err != nil {
		return state.StatusDetection{
			State: state.Unknown,
			Note:  state.NoteTransport,
			Error: err.Error(),
		}
	}

	peer := status.FindPeer(ip)
	if peer == nil {
		return state.StatusDetection{
			State:     state.Offline,
			RawStatus: payload,
			Note:      state.NotePeerMissing,
			Error:     "peer not present",
		}
	}

	det := state.StatusDetection{
		RawPeer:   peer.Raw(),
		RawStatus: payload,
	}

	explicitOnline := peer.Online != nil && *peer.Online
	if peer.Online != nil && !*peer.Online {
		det.State = state.Offline
		return det
	}
	if explicitOnline && !peer.Active {
		det.State = state.Inactive
		det.Online = true
		return det
	}

	if threshold < MinStaleThreshold {
		threshold = MinStaleThreshold
	}
	if seen := peer.LastSeenTime(); !seen.IsZero() && !peer.Active && !explicitOnline {
		if age := now.Sub(seen); age > threshold {
			det.State = state.Offline
			det.Note = state.NoteStaleInactive
			det.Error = fmt.Sprintf("last seen %s ago and no active connection", age.Truncate(time.Second))
			return det
		}
	}

	det.Online = true
	switch {
	case peer.CurAddr != "":
		det.State = state.Direct
		det.DirectEndpoint = peer.CurAddr
	case peer.PeerRelay != "":
		det.State = state.PeerRelay
		det.PeerRelayEndpoint = peer.PeerRelay
	case peer.Relay != "":
		det.State = state.DERP
		det.Region = peer.Relay
		det.Note = state.NoteRelaySuspected
	default:
		det.State = state.Unknown
		det.Note = state.NoteNoPath
		det.Error = "could not determine path from peer data"
	}
	return det
}
