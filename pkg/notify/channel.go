// Package notify delivers transition alerts to Discord and ntfy.
package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 8 * time.Second

// Message is everything a channel needs to render an alert.
type Message struct {
	Node  state.NodeConfig
	Event *state.TransitionEvent
	Check *state.CheckResult
}

// Channel is one delivery target.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
	SendTest(ctx context.Context) error
}

func defaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}
