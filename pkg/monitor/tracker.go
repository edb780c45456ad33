package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dragon-db/tailscale-monitor/pkg/cooldown"
	"github.com/dragon-db/tailscale-monitor/pkg/observability"
	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

// Notifier delivers a transition to the configured channels and returns the
// names of the channels that accepted it.
type Notifier interface {
	Notify(ctx context.Context, node state.NodeConfig, event *state.TransitionEvent, check *state.CheckResult) []string
}

// NotifierFunc adapts a function into a Notifier.
type NotifierFunc func(ctx context.Context, node state.NodeConfig, event *state.TransitionEvent, check *state.CheckResult) []string

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, node state.NodeConfig, event *state.TransitionEvent, check *state.CheckResult) []string {
	return f(ctx, node, event, check)
}

// TransitionStore persists transition events.
type TransitionStore interface {
	AppendTransition(ctx context.Context, event *state.TransitionEvent) error
}

// Tracker turns consecutive checks of a peer into transition events.
type Tracker struct {
	policy   cooldown.Policy
	notifier Notifier
	store    TransitionStore
	reporter observability.Reporter
	newID    func() string
}

// TrackerOption customises a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerReporter attaches an observability reporter.
func WithTrackerReporter(r observability.Reporter) TrackerOption {
	return func(t *Tracker) {
		if r != nil {
			t.reporter = r
		}
	}
}

// WithTrackerIDGenerator overrides how event IDs are generated.
func WithTrackerIDGenerator(fn func() string) TrackerOption {
	return func(t *Tracker) {
		if fn != nil {
			t.newID = fn
		}
	}
}

// NewTracker builds a Tracker.
func NewTracker(policy cooldown.Policy, notifier Notifier, store TransitionStore, opts ...TrackerOption) (*Tracker, error) {
	if notifier == nil {
		return nil, errors.New("notifier must not be nil")
	}
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	t := &Tracker{
		policy:   policy,
		notifier: notifier,
		store:    store,
		reporter: observability.NoopReporter{},
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Observe feeds one check into the peer's runtime state. It returns the
// transition it emitted, or nil when the check seeded the state or confirmed
// it. runtime must not be shared with another goroutine during the call.
func (t *Tracker) Observe(ctx context.Context, node state.NodeConfig, runtime *state.NodeRuntimeState, check *state.CheckResult) *state.TransitionEvent {
	if runtime == nil || check == nil {
		return nil
	}
	now := check.CheckedAt

	if !runtime.Seeded() {
		runtime.LastState = check.State
		runtime.LastStateSince = now
		runtime.LastRegion = check.Region
		return nil
	}

	previous := runtime.LastState
	regionChange := previous == state.DERP && check.State == state.DERP &&
		runtime.LastRegion != "" && check.Region != "" && runtime.LastRegion != check.Region
	stateChange := previous != check.State

	if !regionChange && !stateChange {
		runtime.LastRegion = check.Region
		return nil
	}

	event := &state.TransitionEvent{
		ID:                   t.newID(),
		NodeIP:               node.IP,
		TransitionedAt:       now,
		PreviousState:        previous,
		CurrentState:         check.State,
		RegionChange:         regionChange,
		Notifiable:           Notifiable(previous, check.State, regionChange),
		NotificationChannels: []string{},
		Reason:               transitionReason(previous, check.State, runtime.LastRegion, check.Region, regionChange, check.Trigger),
	}
	if !runtime.LastStateSince.IsZero() {
		seconds := int64(now.Sub(runtime.LastStateSince).Seconds())
		if seconds < 0 {
			seconds = 0
		}
		event.DurationPreviousSeconds = &seconds
	}

	key := state.TransitionKey(previous, check.State)
	if regionChange {
		key = state.RegionChangeKey
	}

	if event.Notifiable {
		status := t.policy.Status(runtime.LastNotifiedAt, key, now)
		if status.Active {
			event.Suppressed = true
			t.reporter.RecordEvent(ctx, observability.Event{
				Level:   observability.LevelInfo,
				Node:    node.IP,
				Event:   "notification_suppressed",
				Message: "transition within cooldown window",
				Fields: map[string]interface{}{
					"key":               key.String(),
					"remaining_seconds": int64(status.Remaining.Seconds()),
				},
			})
		} else {
			channels := t.notifier.Notify(ctx, node, event, check)
			if len(channels) > 0 {
				event.NotificationChannels = append(event.NotificationChannels, channels...)
				event.Notified = true
				runtime.LastNotifiedAt = t.policy.Start(runtime.LastNotifiedAt, key, now)
			}
		}
	}

	if err := t.store.AppendTransition(ctx, event); err != nil {
		t.reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelError,
			Node:    node.IP,
			Event:   "transition_persist_failed",
			Message: err.Error(),
		})
	}

	t.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Node:    node.IP,
		Event:   "transition_detected",
		Message: event.Reason,
		Fields: map[string]interface{}{
			"previous_state": string(previous),
			"current_state":  string(check.State),
			"region_change":  regionChange,
			"notifiable":     event.Notifiable,
			"suppressed":     event.Suppressed,
			"notified":       event.Notified,
			"channels":       event.NotificationChannels,
		},
	})
	t.reporter.RecordMetric(observability.Metric{
		Name:        "transitions_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"notified": fmt.Sprintf("%t", event.Notified)},
		Description: "Detected state or DERP region transitions.",
	})

	if stateChange {
		runtime.LastState = check.State
		runtime.LastStateSince = now
	}
	runtime.LastRegion = check.Region
	return event
}

// Notifiable reports whether a transition warrants an alert: any DERP region
// change, any edge into or out of OFFLINE, or a switch between two live paths.
func Notifiable(previous, current state.NodeState, regionChange bool) bool {
	if regionChange {
		return true
	}
	if previous == current {
		return false
	}
	if previous == state.Offline || current == state.Offline {
		return true
	}
	return previous.IsPath() && current.IsPath()
}

func transitionReason(previous, current state.NodeState, oldRegion, newRegion string, regionChange bool, trigger state.Trigger) string {
	if regionChange {
		return fmt.Sprintf("DERP region changed: %s -> %s (%s check)", oldRegion, newRegion, trigger)
	}
	return fmt.Sprintf("%s -> %s (%s check)", previous, current, trigger)
}
