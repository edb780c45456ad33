package state

import "time"

// NodeConfig is the immutable identity of a monitored peer.
type NodeConfig struct {
	IP    string
	Label string
	Tags  []string
	// CheckIntervalSec overrides the global poll interval when positive.
	CheckIntervalSec int
}

// CheckInterval returns the effective poll interval for the peer.
func (n NodeConfig) CheckInterval(fallback time.Duration) time.Duration {
	if n.CheckIntervalSec > 0 {
		return time.Duration(n.CheckIntervalSec) * time.Second
	}
	return fallback
}

// MetricsCounters holds cumulative outbound byte counters per path class.
type MetricsCounters struct {
	Direct    int64 `json:"direct"`
	PeerRelay int64 `json:"peer_relay"`
	DERP      int64 `json:"derp"`
}

// MetricsDelta is the non-negative per-class difference between two
// consecutive counter snapshots.
type MetricsDelta struct {
	Direct    int64 `json:"direct"`
	PeerRelay int64 `json:"peer_relay"`
	DERP      int64 `json:"derp"`
}

// StatusNote qualifies a StatusDetection that is not a plain reading.
type StatusNote string

const (
	NoteNone           StatusNote = ""
	NotePeerMissing    StatusNote = "peer_missing"
	NoteRelaySuspected StatusNote = "relay_suspected"
	NoteStaleInactive  StatusNote = "stale_inactive"
	NoteNoPath         StatusNote = "no_path"
	NoteTransport      StatusNote = "transport_error"
)

// StatusDetection is one status-snapshot reading for a peer.
type StatusDetection struct {
	State             NodeState
	Online            bool
	Region            string
	DirectEndpoint    string
	PeerRelayEndpoint string
	RawPeer           []byte
	RawStatus         []byte
	Note              StatusNote
	Error             string
}

// RelaySuspected reports whether the reading needs probe confirmation.
func (d StatusDetection) RelaySuspected() bool {
	return d.Note == NoteRelaySuspected
}

// HardOffline reports whether the snapshot affirmatively says the peer is
// down, as opposed to inferring it from staleness.
func (d StatusDetection) HardOffline() bool {
	return d.State == Offline && d.Note != NoteStaleInactive
}

// PingResult is one probe reading.
type PingResult struct {
	// State is empty when no reply could be parsed.
	State         NodeState
	MinMs         *float64
	AvgMs         *float64
	MaxMs         *float64
	PacketLossPct *float64
	Region        string
	Replies       int
	RawOutput     string
	Error         string
}

// CheckResult is one fused observation of a peer. It is not modified after
// the pipeline returns it.
type CheckResult struct {
	ID                string       `json:"id"`
	NodeIP            string       `json:"node_ip"`
	NodeLabel         string       `json:"node_label"`
	Tags              []string     `json:"tags,omitempty"`
	CheckedAt         time.Time    `json:"checked_at"`
	Trigger           Trigger      `json:"trigger"`
	State             NodeState    `json:"state"`
	Confidence        Confidence   `json:"confidence"`
	MetricsState      NodeState    `json:"metrics_state,omitempty"`
	StatusState       NodeState    `json:"status_state,omitempty"`
	PingState         NodeState    `json:"ping_state,omitempty"`
	PingMinMs         *float64     `json:"ping_min_ms,omitempty"`
	PingAvgMs         *float64     `json:"ping_avg_ms,omitempty"`
	PingMaxMs         *float64     `json:"ping_max_ms,omitempty"`
	PingPacketLossPct *float64     `json:"ping_packet_loss_pct,omitempty"`
	Region            string       `json:"derp_region,omitempty"`
	DirectEndpoint    string       `json:"cur_addr_endpoint,omitempty"`
	PeerRelayEndpoint string       `json:"peer_relay_endpoint,omitempty"`
	Note              StatusNote   `json:"note,omitempty"`
	Delta             MetricsDelta `json:"bytes_delta"`
	RawStatus         string       `json:"raw_status_json,omitempty"`
}

// TransitionEvent is a detected change in a peer's state or relay region.
type TransitionEvent struct {
	ID                      string    `json:"id"`
	NodeIP                  string    `json:"node_ip"`
	TransitionedAt          time.Time `json:"transitioned_at"`
	PreviousState           NodeState `json:"previous_state"`
	CurrentState            NodeState `json:"current_state"`
	DurationPreviousSeconds *int64    `json:"duration_previous_seconds,omitempty"`
	RegionChange            bool      `json:"region_change,omitempty"`
	Notifiable              bool      `json:"notifiable"`
	Suppressed              bool      `json:"suppressed,omitempty"`
	Notified                bool      `json:"notified"`
	NotificationChannels    []string  `json:"notification_channels"`
	Reason                  string    `json:"transition_reason"`
}

// NodeRuntimeState is the in-memory record of what was last observed for a
// single peer. Only the tracker of the owning peer mutates it.
type NodeRuntimeState struct {
	LastState       NodeState
	LastStateSince  time.Time
	LastRegion      string
	LastNotifiedAt  map[CooldownKey]time.Time
	PreviousMetrics *MetricsCounters
}

// CooldownKey identifies the kind of transition a notification was sent
// for. Region changes share one key regardless of the regions involved.
type CooldownKey struct {
	From   NodeState
	To     NodeState
	Region bool
}

// RegionChangeKey is the key for DERP region changes.
var RegionChangeKey = CooldownKey{From: DERP, To: DERP, Region: true}

// TransitionKey returns the key for a state change from one state to another.
func TransitionKey(from, to NodeState) CooldownKey {
	return CooldownKey{From: from, To: to}
}

func (k CooldownKey) String() string {
	if k.Region {
		return "DERP_REGION_CHANGE"
	}
	return string(k.From) + "->" + string(k.To)
}

// Seeded reports whether a previous observation exists.
func (r *NodeRuntimeState) Seeded() bool {
	return r != nil && r.LastState != ""
}
