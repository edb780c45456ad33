package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dragon-db/tailscale-monitor/pkg/state"
)

const (
	discordMaxAttempts   = 3
	discordContentLimit  = 1900
	discordMinRetryAfter = 500 * time.Millisecond
	discordMaxRetryAfter = 10 * time.Second
)

// DiscordChannel posts embeds to a Discord webhook.
type DiscordChannel struct {
	webhookURL string
	client     *http.Client
	wait       func(context.Context, time.Duration) error
	now        func() time.Time
}

// DiscordOption customises a DiscordChannel.
type DiscordOption func(*DiscordChannel)

// WithDiscordHTTPClient overrides the HTTP client.
func WithDiscordHTTPClient(c *http.Client) DiscordOption {
	return func(d *DiscordChannel) {
		if c != nil {
			d.client = c
		}
	}
}

// WithRetryWait overrides how the channel waits between attempts.
func WithRetryWait(fn func(context.Context, time.Duration) error) DiscordOption {
	return func(d *DiscordChannel) {
		if fn != nil {
			d.wait = fn
		}
	}
}

// NewDiscordChannel builds a channel for webhookURL.
func NewDiscordChannel(webhookURL string, timeout time.Duration, opts ...DiscordOption) (*DiscordChannel, error) {
	if webhookURL == "" {
		return nil, errors.New("discord webhook url must not be empty")
	}
	d := &DiscordChannel{
		webhookURL: webhookURL,
		client:     defaultHTTPClient(timeout),
		wait:       sleepWithContext,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Name implements Channel.
func (d *DiscordChannel) Name() string { return "discord" }

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
	Timestamp string `json:"timestamp"`
}

type discordPayload struct {
	Content         string         `json:"content"`
	Embeds          []discordEmbed `json:"embeds"`
	AllowedMentions struct {
		Parse []string `json:"parse"`
	} `json:"allowed_mentions"`
}

func (d *DiscordChannel) newPayload(content string, embed discordEmbed) discordPayload {
	embed.Footer.Text = footerText
	embed.Timestamp = d.now().UTC().Format(time.RFC3339)
	payload := discordPayload{Content: truncate(content, discordContentLimit), Embeds: []discordEmbed{embed}}
	payload.AllowedMentions.Parse = []string{}
	return payload
}

// Send implements Channel.
func (d *DiscordChannel) Send(ctx context.Context, msg Message) error {
	node, event, check := msg.Node, msg.Event, msg.Check
	title := Title(node.Label, event.PreviousState, event.CurrentState)

	embed := discordEmbed{
		Title:       title,
		Description: event.Reason,
		Color:       stateColor(check.State),
		Fields: []discordField{
			{Name: "Node", Value: fmt.Sprintf("%s (%s)", node.Label, node.IP)},
			{Name: "Previous State", Value: previousLine(event), Inline: true},
			{Name: "Current State", Value: fmt.Sprintf("%s (%s confidence)", event.CurrentState.Label(), check.Confidence), Inline: true},
			{Name: "Detection", Value: detectionSummary(check, "Status JSON", " | ", "N/A")},
		},
	}
	if latency, ok := latencyLine(check); ok {
		embed.Fields = append(embed.Fields, discordField{Name: "Latency", Value: latency})
	}
	if check.PingPacketLossPct != nil {
		embed.Fields = append(embed.Fields, discordField{Name: "Packet Loss", Value: fmt.Sprintf("%.2f%%", *check.PingPacketLossPct), Inline: true})
	}
	if check.Region != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "DERP Region", Value: check.Region, Inline: true})
	}

	return d.post(ctx, d.newPayload(title+" | "+event.Reason, embed))
}

// SendTest implements Channel.
func (d *DiscordChannel) SendTest(ctx context.Context) error {
	embed := discordEmbed{
		Title:       "Discord Test",
		Description: "If you can read this, Discord webhook delivery is working.",
		Color:       stateColor(state.Direct),
	}
	return d.post(ctx, d.newPayload("tailscale-monitor Discord test notification", embed))
}

func (d *DiscordChannel) post(ctx context.Context, payload discordPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode discord payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= discordMaxAttempts; attempt++ {
		retryDelay, err := d.attempt(ctx, body, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if retryDelay <= 0 || attempt == discordMaxAttempts {
			break
		}
		if werr := d.wait(ctx, retryDelay); werr != nil {
			return werr
		}
	}
	return lastErr
}

// attempt performs one POST. A positive delay means the failure is retryable.
func (d *DiscordChannel) attempt(ctx context.Context, body []byte, attempt int) (time.Duration, error) {
	backoff := time.Duration(attempt) * 500 * time.Millisecond

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, err
		}
		return backoff, fmt.Errorf("discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 400 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
	failure := fmt.Errorf("discord webhook failed with HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return retryAfter(resp.Header.Get("Retry-After")), failure
	case resp.StatusCode >= 500:
		return backoff, failure
	default:
		return 0, failure
	}
}

func retryAfter(header string) time.Duration {
	delay := time.Second
	if header != "" {
		if secs, err := strconv.ParseFloat(header, 64); err == nil {
			delay = time.Duration(secs * float64(time.Second))
		}
	}
	if delay < discordMinRetryAfter {
		delay = discordMinRetryAfter
	}
	if delay > discordMaxRetryAfter {
		delay = discordMaxRetryAfter
	}
	return delay
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Channel = (*DiscordChannel)(nil)
