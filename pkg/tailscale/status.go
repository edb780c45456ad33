package tailscale

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the subset of `tailscale status --json` read by the monitor.
type Status struct {
	BackendState string                 `json:"BackendState"`
	Peer         map[string]*PeerStatus `json:"Peer"`
}

// PeerStatus is a single entry of the Peer map.
type PeerStatus struct {
	HostName     string   `json:"HostName"`
	DNSName      string   `json:"DNSName"`
	TailscaleIPs []string `json:"TailscaleIPs"`
	// Online is a pointer so an absent field can be told apart from false.
	Online    *bool  `json:"Online"`
	Active    bool   `json:"Active"`
	LastSeen  string `json:"LastSeen"`
	CurAddr   string `json:"CurAddr"`
	PeerRelay string `json:"PeerRelay"`
	Relay     string `json:"Relay"`

	raw json.RawMessage
}

// Raw returns the peer's JSON as received.
func (p *PeerStatus) Raw() []byte {
	if p == nil {
		return nil
	}
	return p.raw
}

// UnmarshalJSON keeps the raw peer payload as evidence.
func (p *PeerStatus) UnmarshalJSON(data []byte) error {
	type plain PeerStatus
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*p = PeerStatus(decoded)
	p.raw = append(json.RawMessage(nil), data...)
	return nil
}

// LastSeenTime parses LastSeen. The zero time is returned when the field is
// absent or malformed.
func (p *PeerStatus) LastSeenTime() time.Time {
	if p == nil {
		return time.Time{}
	}
	value := strings.TrimSpace(p.LastSeen)
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// ParseStatus decodes a status payload.
func ParseStatus(payload []byte) (*Status, error) {
	var status Status
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, fmt.Errorf("parse status json: %w", err)
	}
	return &status, nil
}

// FindPeer returns the peer owning ip, ignoring any prefix length suffix on
// the advertised addresses.
func (s *Status) FindPeer(ip string) *PeerStatus {
	if s == nil {
		return nil
	}
	target := strings.TrimSpace(ip)
	for _, peer := range s.Peer {
		if peer == nil {
			continue
		}
		for _, candidate := range peer.TailscaleIPs {
			addr, _, _ := strings.Cut(candidate, "/")
			if addr == target {
				return peer
			}
		}
	}
	return nil
}
