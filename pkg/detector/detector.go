// Package detector turns control-plane evidence into per-check readings and
// fuses them into a single state with a confidence label.
package detector

import (
	"context"
	"time"
)

// StatusSource returns a raw `tailscale status --json` payload.
type StatusSource interface {
	StatusJSON(ctx context.Context) ([]byte, error)
}

// MetricsSource returns the Prometheus text exposition of tailscaled.
type MetricsSource interface {
	Metrics(ctx context.Context) ([]byte, error)
}

// Pinger runs an active probe and returns its raw transcript. Output is
// returned alongside a non-nil error when the probe partially succeeded.
type Pinger interface {
	Ping(ctx context.Context, ip string, count int, timeout time.Duration) (string, error)
}

// StatusSourceFunc adapts a function into a StatusSource.
type StatusSourceFunc func(ctx context.Context) ([]byte, error)

// StatusJSON implements StatusSource.
func (f StatusSourceFunc) StatusJSON(ctx context.Context) ([]byte, error) { return f(ctx) }

// MetricsSourceFunc adapts a function into a MetricsSource.
type MetricsSourceFunc func(ctx context.Context) ([]byte, error)

// Metrics implements MetricsSource.
func (f MetricsSourceFunc) Metrics(ctx context.Context) ([]byte, error) { return f(ctx) }

// PingerFunc adapts a function into a Pinger.
type PingerFunc func(ctx context.Context, ip string, count int, timeout time.Duration) (string, error)

// Ping implements Pinger.
func (f PingerFunc) Ping(ctx context.Context, ip string, count int, timeout time.Duration) (string, error) {
	return f(ctx, ip, count, timeout)
}
