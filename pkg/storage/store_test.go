package storage

import (
	"context"
	"testing"
	"time"

	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

func newMemoryStore(t *testing.T) *KVStore {
	t.Helper()
	engine, err := OpenBadger(BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("failed to open badger: %v", err)
	}
	store, err := NewKVStore(engine)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func appendChecks(t *testing.T, store Store, ip string, states ...state.NodeState) {
	t.Helper()
	for i, st := range states {
		check := &state.CheckResult{
			NodeIP:     ip,
			CheckedAt:  base.Add(time.Duration(i) * time.Minute),
			State:      st,
			Confidence: state.ConfidenceHigh,
			Region:     "fra",
		}
		if err := store.AppendCheck(context.Background(), check); err != nil {
			t.Fatalf("append check: %v", err)
		}
		if check.ID == "" {
			t.Fatal("expected ID to be assigned")
		}
	}
}

func TestHistoryPaginatesNewestFirst(t *testing.T) {
	runStoreSuite(t, newMemoryStore(t))
}

func runStoreSuite(t *testing.T, store Store) {
	ctx := context.Background()
	appendChecks(t, store, "100.64.0.2", state.Direct, state.DERP, state.DERP, state.Offline, state.Direct)
	appendChecks(t, store, "100.64.0.20", state.Unknown)

	page, err := store.NodeHistory(ctx, "100.64.0.2", HistoryQuery{Limit: 2})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page) != 2 || page[0].State != state.Direct || page[1].State != state.Offline {
		t.Fatalf("unexpected first page %+v", page)
	}

	older, err := store.NodeHistory(ctx, "100.64.0.2", HistoryQuery{Limit: 10, Before: page[1].CheckedAt})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(older) != 3 || older[0].State != state.DERP || older[2].State != state.Direct {
		t.Fatalf("unexpected older page %+v", older)
	}

	latest, err := store.LatestCheck(ctx, "100.64.0.20")
	if err != nil || latest == nil || latest.State != state.Unknown {
		t.Fatalf("expected prefix isolation between peers, got %+v (%v)", latest, err)
	}

	uptime, err := store.Uptime(ctx, "100.64.0.2", base)
	if err != nil {
		t.Fatalf("uptime: %v", err)
	}
	if uptime.TotalChecks != 5 || uptime.OnlineChecks != 4 {
		t.Fatalf("unexpected uptime counts %+v", uptime)
	}
	if uptime.UptimePct == nil || *uptime.UptimePct != 80 {
		t.Fatalf("expected 80%% uptime, got %v", uptime.UptimePct)
	}
	if uptime.StatePct[state.DERP] != 40 {
		t.Fatalf("expected 40%% DERP, got %v", uptime.StatePct)
	}

	empty, err := store.Uptime(ctx, "100.64.0.99", base)
	if err != nil {
		t.Fatalf("uptime: %v", err)
	}
	if empty.UptimePct != nil {
		t.Fatalf("expected nil uptime without checks")
	}
}

func TestTransitionsAndRuntimeSeeding(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	nodes := []state.NodeConfig{{IP: "100.64.0.2", Label: "nas"}, {IP: "100.64.0.3", Label: "pi"}, {IP: "100.64.0.4"}}

	appendChecks(t, store, "100.64.0.2", state.Direct, state.DERP)
	appendChecks(t, store, "100.64.0.3", state.Inactive)

	events := []*state.TransitionEvent{
		{NodeIP: "100.64.0.2", TransitionedAt: base.Add(time.Minute), PreviousState: state.Direct, CurrentState: state.DERP, Notified: true},
		{NodeIP: "100.64.0.2", TransitionedAt: base.Add(2 * time.Minute), PreviousState: state.DERP, CurrentState: state.DERP, RegionChange: true},
		{NodeIP: "100.64.0.3", TransitionedAt: base.Add(30 * time.Second), PreviousState: state.Direct, CurrentState: state.Inactive},
	}
	for _, e := range events {
		if err := store.AppendTransition(ctx, e); err != nil {
			t.Fatalf("append transition: %v", err)
		}
	}

	recent, err := store.RecentTransitions(ctx, []string{"100.64.0.2", "100.64.0.3"}, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || !recent[0].RegionChange || recent[1].CurrentState != state.DERP {
		t.Fatalf("unexpected recent transitions %+v", recent)
	}

	runtime, err := store.LoadRuntimeStates(ctx, nodes)
	if err != nil {
		t.Fatalf("load runtime: %v", err)
	}
	nas := runtime["100.64.0.2"]
	if nas.LastState != state.DERP || !nas.LastStateSince.Equal(base.Add(2*time.Minute)) || nas.LastRegion != "fra" {
		t.Fatalf("unexpected nas runtime %+v", nas)
	}
	if at, ok := nas.LastNotifiedAt[state.TransitionKey(state.Direct, state.DERP)]; !ok || !at.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected cooldown seeded from notified transition, got %v", nas.LastNotifiedAt)
	}
	if _, ok := nas.LastNotifiedAt[state.RegionChangeKey]; ok {
		t.Fatal("unnotified transitions must not seed cooldown")
	}
	if runtime["100.64.0.3"].LastState != state.Inactive {
		t.Fatalf("unexpected pi runtime %+v", runtime["100.64.0.3"])
	}
	if runtime["100.64.0.4"].Seeded() {
		t.Fatal("peer without history must start unseeded")
	}
}

func TestNodeRegistry(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)

	if err := store.UpsertNodes(ctx, []state.NodeConfig{{IP: "100.64.0.2", Label: "nas", Tags: []string{"home"}}}, base); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.TouchNode(ctx, "100.64.0.2", base.Add(time.Hour)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := store.UpsertNodes(ctx, []state.NodeConfig{{IP: "100.64.0.2", Label: "storage"}}, base.Add(2*time.Hour)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	nodes, err := store.Nodes(ctx)
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected one node, got %d", len(nodes))
	}
	n := nodes[0]
	if n.Label != "storage" || !n.AddedAt.Equal(base) {
		t.Fatalf("expected label update with original added_at, got %+v", n)
	}
	if n.LastSeenAt == nil || !n.LastSeenAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("expected last seen to survive upsert, got %v", n.LastSeenAt)
	}
}

func TestPruneChecks(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	if err := store.UpsertNodes(ctx, []state.NodeConfig{{IP: "100.64.0.2"}}, base); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	appendChecks(t, store, "100.64.0.2", state.Direct, state.Direct, state.Direct, state.DERP)

	deleted, err := store.PruneChecks(ctx, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}
	remaining, err := store.NodeHistory(ctx, "100.64.0.2", HistoryQuery{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(remaining))
	}
}

func TestClampLimit(t *testing.T) {
	if clampLimit(0, 100, 1000) != 100 || clampLimit(5000, 100, 1000) != 1000 || clampLimit(7, 100, 1000) != 7 {
		t.Fatal("unexpected clamp results")
	}
}
