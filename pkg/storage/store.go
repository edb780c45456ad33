// Package storage persists checks, transitions and the node registry, and
// answers the history and uptime queries served by the API.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

const (
	nodesPrefix       = "nodes/"
	checksPrefix      = "checks/"
	transitionsPrefix = "transitions/"

	// MaxHistoryLimit caps one history page.
	MaxHistoryLimit = 1000
	// MaxTransitionsLimit caps one transitions listing.
	MaxTransitionsLimit = 500

	cooldownSeedWindow = 200
)

// NodeRecord is the registry entry of a configured peer.
type NodeRecord struct {
	IP         string     `json:"ip"`
	Label      string     `json:"label"`
	Tags       []string   `json:"tags"`
	AddedAt    time.Time  `json:"added_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// HistoryQuery selects a page of a peer's checks, newest first.
type HistoryQuery struct {
	Limit int
	// Before, when non-zero, returns only checks strictly older than it.
	Before time.Time
}

// UptimeStats summarises a peer's checks over a window.
type UptimeStats struct {
	NodeIP       string                      `json:"node_ip"`
	Since        time.Time                   `json:"since"`
	TotalChecks  int                         `json:"total_checks"`
	OnlineChecks int                         `json:"online_checks"`
	UptimePct    *float64                    `json:"uptime_pct"`
	StatePct     map[state.NodeState]float64 `json:"state_pct"`
}

// Store is the persistence collaborator used by the monitor and the API.
type Store interface {
	UpsertNodes(ctx context.Context, nodes []state.NodeConfig, now time.Time) error
	TouchNode(ctx context.Context, ip string, seenAt time.Time) error
	Nodes(ctx context.Context) ([]NodeRecord, error)
	AppendCheck(ctx context.Context, check *state.CheckResult) error
	AppendTransition(ctx context.Context, event *state.TransitionEvent) error
	LoadRuntimeStates(ctx context.Context, nodes []state.NodeConfig) (map[string]*state.NodeRuntimeState, error)
	LatestCheck(ctx context.Context, ip string) (*state.CheckResult, error)
	NodeHistory(ctx context.Context, ip string, q HistoryQuery) ([]state.CheckResult, error)
	RecentTransitions(ctx context.Context, ips []string, limit int) ([]state.TransitionEvent, error)
	Uptime(ctx context.Context, ip string, since time.Time) (UptimeStats, error)
	PruneChecks(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}

// KVStore implements Store over an ordered Engine. Writes are serialised so
// concurrent peer loops never interleave a read-modify-write.
type KVStore struct {
	engine  Engine
	writeMu sync.Mutex
	newID   func() string
}

// NewKVStore wraps engine.
func NewKVStore(engine Engine) (*KVStore, error) {
	if engine == nil {
		return nil, errors.New("storage engine must not be nil")
	}
	return &KVStore{engine: engine, newID: func() string { return uuid.NewString() }}, nil
}

func timeKey(t time.Time) string {
	return fmt.Sprintf("%020d", t.UTC().UnixNano())
}

func nodeKey(ip string) string { return nodesPrefix + ip }

func checkPrefix(ip string) string { return checksPrefix + ip + "/" }

func eventPrefix(ip string) string { return transitionsPrefix + ip + "/" }

func checkKey(c *state.CheckResult) string {
	return checkPrefix(c.NodeIP) + timeKey(c.CheckedAt) + "-" + c.ID
}

func eventKey(e *state.TransitionEvent) string {
	return eventPrefix(e.NodeIP) + timeKey(e.TransitionedAt) + "-" + e.ID
}

func (s *KVStore) putJSON(ctx context.Context, key string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.engine.Put(ctx, key, payload)
}

// UpsertNodes registers the configured peers, keeping AddedAt and LastSeenAt
// of peers already known.
func (s *KVStore) UpsertNodes(ctx context.Context, nodes []state.NodeConfig, now time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, n := range nodes {
		record, err := s.node(ctx, n.IP)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if record == nil {
			record = &NodeRecord{IP: n.IP, AddedAt: now.UTC()}
		}
		record.Label = n.Label
		record.Tags = append([]string(nil), n.Tags...)
		if err := s.putJSON(ctx, nodeKey(n.IP), record); err != nil {
			return fmt.Errorf("upsert node %s: %w", n.IP, err)
		}
	}
	return nil
}

// TouchNode refreshes the last-seen time of a registered peer.
func (s *KVStore) TouchNode(ctx context.Context, ip string, seenAt time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	record, err := s.node(ctx, ip)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			record = &NodeRecord{IP: ip, Label: ip, AddedAt: seenAt.UTC()}
		} else {
			return err
		}
	}
	seen := seenAt.UTC()
	record.LastSeenAt = &seen
	return s.putJSON(ctx, nodeKey(ip), record)
}

func (s *KVStore) node(ctx context.Context, ip string) (*NodeRecord, error) {
	raw, err := s.engine.Get(ctx, nodeKey(ip))
	if err != nil {
		return nil, err
	}
	var record NodeRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode node %s: %w", ip, err)
	}
	return &record, nil
}

// Nodes lists every registered peer ordered by key.
func (s *KVStore) Nodes(ctx context.Context) ([]NodeRecord, error) {
	var records []NodeRecord
	err := s.engine.Scan(ctx, ScanOptions{Start: nodesPrefix, End: prefixEnd(nodesPrefix)}, func(key string, value []byte) error {
		var record NodeRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		records = append(records, record)
		return nil
	})
	return records, err
}

// AppendCheck persists a check. An empty ID is filled in.
func (s *KVStore) AppendCheck(ctx context.Context, check *state.CheckResult) error {
	if check == nil {
		return errors.New("check must not be nil")
	}
	if check.ID == "" {
		check.ID = s.newID()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.putJSON(ctx, checkKey(check), check); err != nil {
		return fmt.Errorf("append check for %s: %w", check.NodeIP, err)
	}
	return nil
}

// AppendTransition persists a transition event. An empty ID is filled in.
func (s *KVStore) AppendTransition(ctx context.Context, event *state.TransitionEvent) error {
	if event == nil {
		return errors.New("transition must not be nil")
	}
	if event.ID == "" {
		event.ID = s.newID()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.putJSON(ctx, eventKey(event), event); err != nil {
		return fmt.Errorf("append transition for %s: %w", event.NodeIP, err)
	}
	return nil
}

// LatestCheck returns the newest check of ip, or nil when there is none.
func (s *KVStore) LatestCheck(ctx context.Context, ip string) (*state.CheckResult, error) {
	checks, err := s.NodeHistory(ctx, ip, HistoryQuery{Limit: 1})
	if err != nil || len(checks) == 0 {
		return nil, err
	}
	return &checks[0], nil
}

func (s *KVStore) latestTransitions(ctx context.Context, ip string, limit int) ([]state.TransitionEvent, error) {
	prefix := eventPrefix(ip)
	var events []state.TransitionEvent
	err := s.engine.Scan(ctx, ScanOptions{Start: prefix, End: prefixEnd(prefix), Reverse: true, Limit: limit}, func(key string, value []byte) error {
		var event state.TransitionEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		events = append(events, event)
		return nil
	})
	return events, err
}

// LoadRuntimeStates rebuilds the in-memory state of each configured peer.
// The last state comes from the newest transition, falling back to the newest
// check; the region always comes from the newest check. Cooldown timestamps
// are recovered from recently notified transitions.
func (s *KVStore) LoadRuntimeStates(ctx context.Context, nodes []state.NodeConfig) (map[string]*state.NodeRuntimeState, error) {
	states := make(map[string]*state.NodeRuntimeState, len(nodes))
	for _, n := range nodes {
		runtime := &state.NodeRuntimeState{LastNotifiedAt: make(map[state.CooldownKey]time.Time)}
		states[n.IP] = runtime

		latest, err := s.LatestCheck(ctx, n.IP)
		if err != nil {
			return nil, fmt.Errorf("load latest check for %s: %w", n.IP, err)
		}
		events, err := s.latestTransitions(ctx, n.IP, cooldownSeedWindow)
		if err != nil {
			return nil, fmt.Errorf("load transitions for %s: %w", n.IP, err)
		}

		switch {
		case len(events) > 0:
			runtime.LastState = events[0].CurrentState
			runtime.LastStateSince = events[0].TransitionedAt
		case latest != nil:
			runtime.LastState = latest.State
			runtime.LastStateSince = latest.CheckedAt
		}
		if latest != nil {
			runtime.LastRegion = latest.Region
		}

		for _, event := range events {
			if !event.Notified {
				continue
			}
			key := state.TransitionKey(event.PreviousState, event.CurrentState)
			if event.RegionChange {
				key = state.RegionChangeKey
			}
			if _, ok := runtime.LastNotifiedAt[key]; !ok {
				runtime.LastNotifiedAt[key] = event.TransitionedAt
			}
		}
	}
	return states, nil
}

// NodeHistory returns a page of checks for ip, newest first.
func (s *KVStore) NodeHistory(ctx context.Context, ip string, q HistoryQuery) ([]state.CheckResult, error) {
	limit := clampLimit(q.Limit, 100, MaxHistoryLimit)
	prefix := checkPrefix(ip)
	end := prefixEnd(prefix)
	if !q.Before.IsZero() {
		end = prefix + timeKey(q.Before)
	}

	checks := make([]state.CheckResult, 0, limit)
	err := s.engine.Scan(ctx, ScanOptions{Start: prefix, End: end, Reverse: true, Limit: limit}, func(key string, value []byte) error {
		var check state.CheckResult
		if err := json.Unmarshal(value, &check); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		checks = append(checks, check)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return checks, nil
}

// RecentTransitions returns the newest transitions across ips, newest first.
func (s *KVStore) RecentTransitions(ctx context.Context, ips []string, limit int) ([]state.TransitionEvent, error) {
	limit = clampLimit(limit, 100, MaxTransitionsLimit)
	var all []state.TransitionEvent
	for _, ip := range ips {
		events, err := s.latestTransitions(ctx, ip, limit)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].TransitionedAt.After(all[j].TransitionedAt)
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Uptime counts the checks of ip since the given time. A check counts as
// online when its state is a live path or INACTIVE.
func (s *KVStore) Uptime(ctx context.Context, ip string, since time.Time) (UptimeStats, error) {
	prefix := checkPrefix(ip)
	stats := UptimeStats{NodeIP: ip, Since: since.UTC(), StatePct: make(map[state.NodeState]float64)}
	counts := make(map[state.NodeState]int)

	err := s.engine.Scan(ctx, ScanOptions{Start: prefix + timeKey(since), End: prefixEnd(prefix)}, func(key string, value []byte) error {
		var check struct {
			State state.NodeState `json:"state"`
		}
		if err := json.Unmarshal(value, &check); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		stats.TotalChecks++
		counts[check.State]++
		if check.State.IsOnline() {
			stats.OnlineChecks++
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	if stats.TotalChecks > 0 {
		pct := round2(float64(stats.OnlineChecks) / float64(stats.TotalChecks) * 100)
		stats.UptimePct = &pct
		for st, n := range counts {
			stats.StatePct[st] = round2(float64(n) / float64(stats.TotalChecks) * 100)
		}
	}
	return stats, nil
}

// PruneChecks deletes checks older than the cutoff for every registered peer.
func (s *KVStore) PruneChecks(ctx context.Context, olderThan time.Time) (int64, error) {
	nodes, err := s.Nodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list nodes: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var total int64
	for _, n := range nodes {
		prefix := checkPrefix(n.IP)
		deleted, err := s.engine.DeleteRange(ctx, prefix, prefix+timeKey(olderThan))
		total += deleted
		if err != nil {
			return total, fmt.Errorf("prune checks for %s: %w", n.IP, err)
		}
	}
	return total, nil
}

// Close closes the underlying engine.
func (s *KVStore) Close() error {
	return s.engine.Close()
}

func clampLimit(limit, fallback, ceiling int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

var _ Store = (*KVStore)(nil)
