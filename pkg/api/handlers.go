package api

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dragon-db/tailscale-monitor/pkg/scheduler"
	"github.com/dragon-db/tailscale-monitor/pkg/state"
	"github.com/dragon-db/tailscale-monitor/pkg/storage"
)

const (
	defaultHistoryLimit     = 100
	defaultTransitionsLimit = 50
	uptimeWindow            = 7 * 24 * time.Hour
)

// NodeView is the current state of one configured peer.
type NodeView struct {
	IP                string          `json:"ip"`
	Label             string          `json:"label"`
	Tags              []string        `json:"tags"`
	CurrentState      state.NodeState `json:"current_state"`
	Confidence        string          `json:"confidence"`
	LastChecked       *time.Time      `json:"last_checked"`
	Region            string          `json:"derp_region,omitempty"`
	DirectEndpoint    string          `json:"cur_addr_endpoint,omitempty"`
	PeerRelayEndpoint string          `json:"peer_relay_endpoint,omitempty"`
	PingAvgMs         *float64        `json:"ping_avg_ms"`
	Uptime7dPct       *float64        `json:"uptime_7d_pct"`
}

// TransitionView is a transition annotated with the peer label.
type TransitionView struct {
	state.TransitionEvent
	Label string `json:"label"`
}

// StatsView summarises the fleet.
type StatsView struct {
	TotalNodes    int        `json:"total_nodes"`
	NodesOnline   int        `json:"nodes_online"`
	NodesOffline  int        `json:"nodes_offline"`
	NodesOnDERP   int        `json:"nodes_on_derp"`
	NodesOnDirect int        `json:"nodes_on_direct"`
	NodesInactive int        `json:"nodes_inactive"`
	LastCheckTime *time.Time `json:"last_check_time"`
}

// TriggerView answers a single-peer trigger.
type TriggerView struct {
	Accepted bool                    `json:"accepted"`
	Status   scheduler.TriggerStatus `json:"status"`
	Message  string                  `json:"message"`
}

// PingView is the outcome of an on-demand probe.
type PingView struct {
	NodeIP        string          `json:"node_ip"`
	State         state.NodeState `json:"state,omitempty"`
	MinMs         *float64        `json:"min_ms"`
	AvgMs         *float64        `json:"avg_ms"`
	MaxMs         *float64        `json:"max_ms"`
	PacketLossPct *float64        `json:"packet_loss_pct"`
	Region        string          `json:"derp_region,omitempty"`
	Replies       int             `json:"replies"`
	Error         string          `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) nodeViews(r *http.Request) ([]NodeView, error) {
	since := s.clock.Now().Add(-uptimeWindow)
	views := make([]NodeView, 0, len(s.nodes))
	for _, n := range s.nodes {
		view := NodeView{
			IP:           n.IP,
			Label:        n.Label,
			Tags:         append([]string{}, n.Tags...),
			CurrentState: state.Unknown,
			Confidence:   string(state.ConfidenceLow),
		}
		latest, err := s.store.LatestCheck(r.Context(), n.IP)
		if err != nil {
			return nil, fmt.Errorf("latest check for %s: %w", n.IP, err)
		}
		if latest != nil {
			checked := latest.CheckedAt
			view.CurrentState = latest.State
			view.Confidence = string(latest.Confidence)
			view.LastChecked = &checked
			view.Region = latest.Region
			view.DirectEndpoint = latest.DirectEndpoint
			view.PeerRelayEndpoint = latest.PeerRelayEndpoint
			view.PingAvgMs = latest.PingAvgMs
		}
		uptime, err := s.store.Uptime(r.Context(), n.IP, since)
		if err != nil {
			return nil, fmt.Errorf("uptime for %s: %w", n.IP, err)
		}
		view.Uptime7dPct = uptime.UptimePct
		views = append(views, view)
	}
	sort.SliceStable(views, func(i, j int) bool {
		return strings.ToLower(views[i].Label) < strings.ToLower(views[j].Label)
	})
	return views, nil
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	views, err := s.nodeViews(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if _, ok := s.byIP[ip]; !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("node %s is not configured", ip))
		return
	}
	limit, err := queryLimit(r, defaultHistoryLimit, storage.MaxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	query := storage.HistoryQuery{Limit: limit}
	if raw := r.URL.Query().Get("before"); raw != "" {
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		query.Before = before
	}

	checks, err := s.store.NodeHistory(r.Context(), ip, query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, checks)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultTransitionsLimit, storage.MaxTransitionsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.store.RecentTransitions(r.Context(), s.configuredIPs(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]TransitionView, 0, len(events))
	for _, e := range events {
		views = append(views, TransitionView{TransitionEvent: e, Label: s.byIP[e.NodeIP].Label})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	views, err := s.nodeViews(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats := StatsView{TotalNodes: len(views)}
	for _, v := range views {
		if v.LastChecked != nil && (stats.LastCheckTime == nil || v.LastChecked.After(*stats.LastCheckTime)) {
			stats.LastCheckTime = v.LastChecked
		}
		switch v.CurrentState {
		case state.Offline:
			stats.NodesOffline++
		case state.DERP:
			stats.NodesOnDERP++
		case state.Direct:
			stats.NodesOnDirect++
		case state.Inactive:
			stats.NodesInactive++
		}
		if v.LastChecked != nil && v.CurrentState.IsOnline() {
			stats.NodesOnline++
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCheckAll(w http.ResponseWriter, _ *http.Request) {
	result := s.triggers.TriggerAll()
	writeJSON(w, http.StatusAccepted, struct {
		Accepted bool `json:"accepted"`
		scheduler.TriggerAllResult
	}{Accepted: true, TriggerAllResult: result})
}

func (s *Server) handleCheckNode(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if !s.triggers.HasNode(ip) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("node %s is not configured", ip))
		return
	}
	status := s.triggers.Trigger(ip)
	writeJSON(w, http.StatusAccepted, TriggerView{
		Accepted: status.Accepted(),
		Status:   status,
		Message:  triggerMessage(ip, status),
	})
}

func triggerMessage(ip string, status scheduler.TriggerStatus) string {
	switch status {
	case scheduler.TriggerQueued:
		return "check queued for " + ip
	case scheduler.TriggerAlreadyQueued:
		return "check for " + ip + " is already queued"
	case scheduler.TriggerIgnoredInProgress:
		return "check for " + ip + " is in progress and another is queued; duplicate trigger skipped"
	default:
		return "node " + ip + " is not configured"
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if _, ok := s.byIP[ip]; !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("node %s is not configured", ip))
		return
	}
	if s.prober == nil {
		writeError(w, http.StatusServiceUnavailable, "probing is not available")
		return
	}
	result := s.prober.ProbeN(r.Context(), ip, s.probeCount)
	writeJSON(w, http.StatusOK, PingView{
		NodeIP:        ip,
		State:         result.State,
		MinMs:         result.MinMs,
		AvgMs:         result.AvgMs,
		MaxMs:         result.MaxMs,
		PacketLossPct: result.PacketLossPct,
		Region:        result.Region,
		Replies:       result.Replies,
		Error:         result.Error,
	})
}

func (s *Server) handleTestNotify(w http.ResponseWriter, r *http.Request) {
	if s.notifier == nil || len(s.notifier.Channels()) == 0 {
		writeError(w, http.StatusBadRequest, "no notification channels are configured")
		return
	}
	results := s.notifier.SendTest(r.Context())
	status := http.StatusOK
	for _, res := range results {
		if !res.OK {
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, struct {
		OK      bool        `json:"ok"`
		Results interface{} `json:"results"`
	}{OK: status == http.StatusOK, Results: results})
}

func queryLimit(r *http.Request, fallback, ceiling int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > ceiling {
		return 0, fmt.Errorf("limit must be an integer between 1 and %d", ceiling)
	}
	return limit, nil
}
