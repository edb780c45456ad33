package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// NtfyChannel publishes plain-text messages to an ntfy topic.
type NtfyChannel struct {
	endpoint string
	token    string
	client   *http.Client
}

// NtfyOption customises an NtfyChannel.
type NtfyOption func(*NtfyChannel)

// WithNtfyHTTPClient overrides the HTTP client.
func WithNtfyHTTPClient(c *http.Client) NtfyOption {
	return func(n *NtfyChannel) {
		if c != nil {
			n.client = c
		}
	}
}

// NewNtfyChannel builds a channel publishing to baseURL/topic. token is
// optional.
func NewNtfyChannel(baseURL, topic, token string, timeout time.Duration, opts ...NtfyOption) (*NtfyChannel, error) {
	if baseURL == "" || topic == "" {
		return nil, errors.New("ntfy url and topic must not be empty")
	}
	n := &NtfyChannel{
		endpoint: strings.TrimRight(baseURL, "/") + "/" + topic,
		token:    token,
		client:   defaultHTTPClient(timeout),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Name implements Channel.
func (n *NtfyChannel) Name() string { return "ntfy" }

// Send implements Channel.
func (n *NtfyChannel) Send(ctx context.Context, msg Message) error {
	node, event, check := msg.Node, msg.Event, msg.Check

	title := fmt.Sprintf("TS: %s -> %s", node.Label, check.State.Label())
	tags := []string{"tailscale", strings.ToLower(string(check.State)), strings.ToLower(strings.ReplaceAll(node.Label, " ", "-"))}

	lines := []string{
		event.Reason,
		"",
		fmt.Sprintf("Node: %s (%s)", node.Label, node.IP),
		"Previous: " + previousLine(event),
		fmt.Sprintf("Current: %s (%s)", event.CurrentState.Label(), check.Confidence),
		"",
		"Detection:",
		"- " + detectionSummary(check, "Status", "\n- ", "Not run"),
	}
	if latency, ok := latencyLine(check); ok {
		lines = append(lines, "", "Latency: "+latency)
	}
	if check.PingPacketLossPct != nil {
		lines = append(lines, fmt.Sprintf("Packet loss: %.2f%%", *check.PingPacketLossPct))
	}
	if check.Region != "" {
		lines = append(lines, "DERP region: "+check.Region)
	}

	return n.publish(ctx, title, Priority(event.PreviousState, event.CurrentState), tags, strings.Join(lines, "\n"))
}

// SendTest implements Channel.
func (n *NtfyChannel) SendTest(ctx context.Context) error {
	return n.publish(ctx, "TS: test notification", "default", []string{"tailscale", "test"},
		"If you can read this, ntfy delivery is working.")
}

func (n *NtfyChannel) publish(ctx context.Context, title, priority string, tags []string, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", strings.Join(tags, ","))
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("ntfy publish: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return fmt.Errorf("ntfy publish failed with HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var _ Channel = (*NtfyChannel)(nil)
