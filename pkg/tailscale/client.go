// Package tailscale wraps the control-plane calls made by the monitor: the
// status snapshot, the active ping and the local metrics endpoint.
package tailscale

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBinary is looked up on PATH.
	DefaultBinary = "tailscale"
	// DefaultSocket is the tailscaled socket on Linux hosts.
	DefaultSocket = "/var/run/tailscale/tailscaled.sock"
	// DefaultStatusTimeout bounds `tailscale status --json`.
	DefaultStatusTimeout = 10 * time.Second
)

// Client runs the tailscale CLI against a tailscaled socket.
type Client struct {
	binary        string
	socket        string
	runner        Runner
	statusTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(c *Client) {
		if r != nil {
			c.runner = r
		}
	}
}

// WithStatusTimeout overrides the status call timeout.
func WithStatusTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.statusTimeout = d
		}
	}
}

// NewClient builds a client for binary talking to socket.
func NewClient(binary, socket string, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = DefaultBinary
	}
	socket = strings.TrimSpace(socket)
	if socket == "" {
		return nil, errors.New("tailscale socket must not be empty")
	}
	c := &Client{
		binary:        binary,
		socket:        socket,
		runner:        ExecRunner{},
		statusTimeout: DefaultStatusTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) args(extra ...string) []string {
	return append([]string{"--socket", c.socket}, extra...)
}

// StatusJSON returns the raw output of `tailscale status --json`.
func (c *Client) StatusJSON(ctx context.Context) ([]byte, error) {
	args := c.args("status", "--json")
	out, err := c.runner.Run(ctx, c.statusTimeout, c.binary, args...)
	if err != nil {
		return nil, &CommandError{Args: append([]string{c.binary}, args...), ExitCode: -1, Stderr: out.Stderr, Err: err}
	}
	if out.ExitCode != 0 {
		return nil, &CommandError{Args: append([]string{c.binary}, args...), ExitCode: out.ExitCode, Stderr: out.Stderr}
	}
	return []byte(out.Stdout), nil
}

// Ping runs `tailscale ping -c count ip`. The combined output is returned
// even when the command fails so partial replies can still be parsed.
func (c *Client) Ping(ctx context.Context, ip string, count int, timeout time.Duration) (string, error) {
	if count < 1 {
		count = 1
	}
	args := c.args("ping", "-c", strconv.Itoa(count), ip)
	out, err := c.runner.Run(ctx, timeout, c.binary, args...)
	combined := out.Combined()
	if err != nil {
		return combined, &CommandError{Args: append([]string{c.binary}, args...), ExitCode: -1, Stderr: out.Stderr, Err: err}
	}
	if out.ExitCode != 0 {
		return combined, &CommandError{Args: append([]string{c.binary}, args...), ExitCode: out.ExitCode, Stderr: out.Stderr}
	}
	return combined, nil
}
