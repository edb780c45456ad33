package testutil

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Peer describes one entry of a fabricated `tailscale status --json` payload.
type Peer struct {
	IP        string
	Online    *bool
	Active    bool
	LastSeen  time.Time
	CurAddr   string
	PeerRelay string
	Relay     string
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// StatusJSON renders peers into a status payload keyed by fake node keys.
func StatusJSON(peers ...Peer) []byte {
	entries := make(map[string]map[string]interface{}, len(peers))
	for i, p := range peers {
		entry := map[string]interface{}{
			"HostName":     fmt.Sprintf("peer-%d", i),
			"TailscaleIPs": []string{p.IP + "/32"},
			"Active":       p.Active,
		}
		if p.Online != nil {
			entry["Online"] = *p.Online
		}
		if !p.LastSeen.IsZero() {
			entry["LastSeen"] = p.LastSeen.UTC().Format(time.RFC3339)
		}
		if p.CurAddr != "" {
			entry["CurAddr"] = p.CurAddr
		}
		if p.PeerRelay != "" {
			entry["PeerRelay"] = p.PeerRelay
		}
		if p.Relay != "" {
			entry["Relay"] = p.Relay
		}
		entries[fmt.Sprintf("nodekey:%04d", i)] = entry
	}
	payload, err := json.Marshal(map[string]interface{}{
		"BackendState": "Running",
		"Peer":         entries,
	})
	if err != nil {
		panic(err)
	}
	return payload
}

// PingTranscript renders one reply line per latency, all via the same path.
func PingTranscript(ip, via string, latencies ...float64) string {
	var b strings.Builder
	for _, l := range latencies {
		fmt.Fprintf(&b, "pong from peer (%s) via %s in %gms\n", ip, via, l)
	}
	return b.String()
}
