// Package cooldown decides whether a notification for a transition kind must
// be held back because the same kind was notified recently.
package cooldown

import (
	"time"

	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

// Status describes the cooldown window for one transition kind.
type Status struct {
	Active    bool
	Key       state.CooldownKey
	StartedAt time.Time
	ExpiresAt time.Time
	Remaining time.Duration
}

// Policy evaluates cooldown windows against the per-peer notification
// history kept in state.NodeRuntimeState. A zero window disables cooldown.
type Policy struct {
	window time.Duration
}

// NewPolicy builds a Policy. Negative windows are treated as zero.
func NewPolicy(window time.Duration) Policy {
	if window < 0 {
		window = 0
	}
	return Policy{window: window}
}

// Window returns the configured cooldown duration.
func (p Policy) Window() time.Duration {
	return p.window
}

// Status reports whether a notification for key is suppressed at now.
func (p Policy) Status(history map[state.CooldownKey]time.Time, key state.CooldownKey, now time.Time) Status {
	status := Status{Key: key}
	if p.window <= 0 {
		return status
	}
	last, ok := history[key]
	if !ok || last.IsZero() {
		return status
	}
	status.StartedAt = last
	status.ExpiresAt = last.Add(p.window)
	if elapsed := now.Sub(last); elapsed < p.window {
		status.Active = true
		status.Remaining = p.window - elapsed
	}
	return status
}

// Start records that a notification for key went out at now. The returned map
// is history itself, allocated when nil.
func (p Policy) Start(history map[state.CooldownKey]time.Time, key state.CooldownKey, now time.Time) map[state.CooldownKey]time.Time {
	if history == nil {
		history = make(map[state.CooldownKey]time.Time)
	}
	history[key] = now
	return history
}
