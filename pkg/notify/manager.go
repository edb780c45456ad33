package notify

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dragon-db/tailscale-monitor/pkg/monitor"
	"github.com/dragon-db/tailscale-monitor/pkg/observability"
	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

// ErrRateLimited is reported when a channel's send budget is exhausted
// within the delivery timeout.
var ErrRateLimited = errors.New("notification rate limit exceeded")

type limitedChannel struct {
	Channel
	limiter *rate.Limiter
}

// Manager fans a transition out to every channel concurrently.
type Manager struct {
	channels []limitedChannel
	timeout  time.Duration
	reporter observability.Reporter
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithReporter attaches an observability reporter.
func WithReporter(r observability.Reporter) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.reporter = r
		}
	}
}

// WithTimeout bounds each channel delivery, including rate-limit waits.
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewManager builds a Manager. perMinute caps sends per channel; zero
// disables the cap.
func NewManager(channels []Channel, perMinute int, opts ...ManagerOption) *Manager {
	m := &Manager{timeout: DefaultTimeout, reporter: observability.NoopReporter{}}
	for _, ch := range channels {
		if ch == nil {
			continue
		}
		limit := rate.Inf
		burst := 1
		if perMinute > 0 {
			limit = rate.Every(time.Minute / time.Duration(perMinute))
			burst = perMinute
		}
		m.channels = append(m.channels, limitedChannel{Channel: ch, limiter: rate.NewLimiter(limit, burst)})
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Channels returns the configured channel names.
func (m *Manager) Channels() []string {
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Notify implements monitor.Notifier. The returned names keep channel order.
func (m *Manager) Notify(ctx context.Context, node state.NodeConfig, event *state.TransitionEvent, check *state.CheckResult) []string {
	msg := Message{Node: node, Event: event, Check: check}
	errs := m.deliver(ctx, func(ctx context.Context, ch Channel) error {
		return ch.Send(ctx, msg)
	})

	sent := []string{}
	for i, ch := range m.channels {
		name := ch.Name()
		result := "success"
		if err := errs[i]; err != nil {
			result = "failure"
			m.reporter.RecordEvent(ctx, observability.Event{
				Level:   observability.LevelError,
				Node:    node.IP,
				Event:   "notification_failed",
				Message: err.Error(),
				Fields:  map[string]interface{}{"channel": name},
			})
		} else {
			sent = append(sent, name)
			m.reporter.RecordEvent(ctx, observability.Event{
				Level:  observability.LevelInfo,
				Node:   node.IP,
				Event:  "notification_sent",
				Fields: map[string]interface{}{"channel": name},
			})
		}
		m.reporter.RecordMetric(observability.Metric{
			Name:        "notifications_total",
			Type:        observability.MetricCounter,
			Value:       1,
			Labels:      map[string]string{"channel": name, "result": result},
			Description: "Notification deliveries by channel and outcome.",
		})
	}
	return sent
}

// TestResult is the outcome of a test message on one channel.
type TestResult struct {
	Channel string `json:"channel"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// SendTest sends a test message to every channel.
func (m *Manager) SendTest(ctx context.Context) []TestResult {
	errs := m.deliver(ctx, func(ctx context.Context, ch Channel) error {
		return ch.SendTest(ctx)
	})
	results := make([]TestResult, len(m.channels))
	for i, ch := range m.channels {
		results[i] = TestResult{Channel: ch.Name(), OK: errs[i] == nil}
		if errs[i] != nil {
			results[i].Error = errs[i].Error()
		}
	}
	return results
}

func (m *Manager) deliver(ctx context.Context, send func(context.Context, Channel) error) []error {
	errs := make([]error, len(m.channels))
	var g errgroup.Group
	for i := range m.channels {
		i, ch := i, m.channels[i]
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			if err := ch.limiter.Wait(sendCtx); err != nil {
				errs[i] = ErrRateLimited
				return nil
			}
			errs[i] = send(sendCtx, ch.Channel)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

var _ monitor.Notifier = (*Manager)(nil)
