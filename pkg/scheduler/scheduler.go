// Package scheduler runs one check loop per configured peer and coalesces
// manual check requests into those loops.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dragon-db/tailscale-monitor/pkg/observability"
	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

// CheckRunner runs one check of a peer.
type CheckRunner interface {
	RunCheck(ctx context.Context, ip string, trigger state.Trigger) (*state.CheckResult, error)
}

// TriggerStatus is the outcome of a manual trigger request.
type TriggerStatus string

const (
	// TriggerQueued means the peer's loop will run a manual check as soon as
	// it is idle.
	TriggerQueued TriggerStatus = "queued"
	// TriggerAlreadyQueued means a manual check was already pending.
	TriggerAlreadyQueued TriggerStatus = "already_queued"
	// TriggerIgnoredInProgress means a check is running and another one is
	// already pending behind it.
	TriggerIgnoredInProgress TriggerStatus = "ignored_in_progress"
	// TriggerUnknownNode means the address is not a configured peer.
	TriggerUnknownNode TriggerStatus = "unknown_node"
)

// Accepted reports whether the request addressed a configured peer.
func (s TriggerStatus) Accepted() bool {
	return s != TriggerUnknownNode
}

// TriggerAllResult aggregates a trigger request for every peer.
type TriggerAllResult struct {
	QueuedNodes  []string `json:"queued_nodes"`
	QueuedCount  int      `json:"queued_count"`
	IgnoredCount int      `json:"ignored_count"`
	TotalNodes   int      `json:"total_nodes"`
}

type peerLoop struct {
	node     state.NodeConfig
	interval time.Duration
	trigger  chan struct{}
	// checkMu guarantees at most one check of the peer at a time.
	checkMu sync.Mutex
	running atomic.Bool
}

// Scheduler owns the per-peer loops.
type Scheduler struct {
	runner   CheckRunner
	clock    clock.Clock
	reporter observability.Reporter

	order []string
	peers map[string]*peerLoop

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock injects the clock driving the interval timers.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithReporter attaches an observability reporter.
func WithReporter(r observability.Reporter) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.reporter = r
		}
	}
}

// New builds a Scheduler for nodes. A node's own interval wins over
// defaultInterval when positive.
func New(runner CheckRunner, nodes []state.NodeConfig, defaultInterval time.Duration, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("check runner must not be nil")
	}
	if defaultInterval <= 0 {
		return nil, errors.New("check interval must be greater than zero")
	}
	s := &Scheduler{
		runner:   runner,
		clock:    clock.New(),
		reporter: observability.NoopReporter{},
		peers:    make(map[string]*peerLoop, len(nodes)),
	}
	for _, n := range nodes {
		if _, dup := s.peers[n.IP]; dup {
			return nil, fmt.Errorf("duplicate node %s", n.IP)
		}
		s.order = append(s.order, n.IP)
		s.peers[n.IP] = &peerLoop{
			node:     n,
			interval: n.CheckInterval(defaultInterval),
			trigger:  make(chan struct{}, 1),
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches one loop per peer. Loops stop when ctx is cancelled or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	for _, ip := range s.order {
		peer := s.peers[ip]
		s.wg.Add(1)
		go s.runLoop(loopCtx, peer)
	}
	s.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Event:   "scheduler_started",
		Message: fmt.Sprintf("started %d node loop(s)", len(s.order)),
	})
	return nil
}

// Stop cancels every loop and waits for them to return. In-flight checks are
// allowed to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.reporter.RecordEvent(context.Background(), observability.Event{
		Level: observability.LevelInfo,
		Event: "scheduler_stopped",
	})
}

// HasNode reports whether ip is a configured peer.
func (s *Scheduler) HasNode(ip string) bool {
	_, ok := s.peers[ip]
	return ok
}

// Trigger requests an immediate check of ip. At most one request is kept
// pending per peer.
func (s *Scheduler) Trigger(ip string) TriggerStatus {
	peer, ok := s.peers[ip]
	if !ok {
		s.recordTrigger(TriggerUnknownNode)
		return TriggerUnknownNode
	}

	status := TriggerQueued
	select {
	case peer.trigger <- struct{}{}:
	default:
		if peer.running.Load() {
			status = TriggerIgnoredInProgress
		} else {
			status = TriggerAlreadyQueued
		}
	}
	s.recordTrigger(status)
	return status
}

// TriggerAll triggers every configured peer.
func (s *Scheduler) TriggerAll() TriggerAllResult {
	result := TriggerAllResult{QueuedNodes: []string{}, TotalNodes: len(s.order)}
	for _, ip := range s.order {
		switch s.Trigger(ip) {
		case TriggerQueued:
			result.QueuedNodes = append(result.QueuedNodes, ip)
		case TriggerAlreadyQueued, TriggerIgnoredInProgress:
			result.IgnoredCount++
		}
	}
	result.QueuedCount = len(result.QueuedNodes)
	return result
}

func (s *Scheduler) recordTrigger(status TriggerStatus) {
	s.reporter.RecordMetric(observability.Metric{
		Name:        "manual_triggers_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": string(status)},
		Description: "Manual check requests by outcome.",
	})
}

func (s *Scheduler) runLoop(ctx context.Context, peer *peerLoop) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.reporter.RecordEvent(context.Background(), observability.Event{
				Level:   observability.LevelError,
				Node:    peer.node.IP,
				Event:   "loop_crashed",
				Message: fmt.Sprint(r),
			})
		}
	}()

	timer := s.clock.Timer(peer.interval)
	defer timer.Stop()

	s.runCheck(ctx, peer, state.TriggerStartup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runCheck(ctx, peer, state.TriggerScheduled)
			timer.Reset(peer.interval)
		case <-peer.trigger:
			s.runCheck(ctx, peer, state.TriggerManual)
		}
	}
}

// runCheck runs one check under the peer lock. Errors and panics are logged
// and never end the loop.
func (s *Scheduler) runCheck(ctx context.Context, peer *peerLoop, trigger state.Trigger) {
	if ctx.Err() != nil {
		return
	}
	peer.checkMu.Lock()
	peer.running.Store(true)
	defer func() {
		peer.running.Store(false)
		peer.checkMu.Unlock()
		if r := recover(); r != nil {
			s.reporter.RecordEvent(ctx, observability.Event{
				Level:   observability.LevelError,
				Node:    peer.node.IP,
				Event:   "check_panicked",
				Message: fmt.Sprint(r),
				Fields:  map[string]interface{}{"trigger": string(trigger)},
			})
		}
	}()

	if _, err := s.runner.RunCheck(ctx, peer.node.IP, trigger); err != nil {
		level := observability.LevelError
		if errors.Is(err, context.Canceled) {
			level = observability.LevelDebug
		}
		s.reporter.RecordEvent(ctx, observability.Event{
			Level:   level,
			Node:    peer.node.IP,
			Event:   "check_failed",
			Message: err.Error(),
			Fields:  map[string]interface{}{"trigger": string(trigger)},
		})
	}
}
