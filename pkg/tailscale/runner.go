package tailscale

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandOutput captures the outcome of executing an external command.
type CommandOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Combined returns stdout and stderr joined by a newline, skipping empty parts.
func (o CommandOutput) Combined() string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(o.Stdout); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(o.Stderr); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n")
}

// CommandError is returned when a control-plane command cannot be started,
// times out or exits non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		return msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("%s failed with exit code %d", strings.Join(e.Args, " "), e.ExitCode)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Runner executes a command and returns its output. A non-zero exit is
// reported through ExitCode, not as an error.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (CommandOutput, error)
}

// ExecRunner executes commands on the host via os/exec.
type ExecRunner struct{}

// Run implements Runner. A timeout of zero leaves the context deadline as is.
func (ExecRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (CommandOutput, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := CommandOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if execCtx.Err() != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("timed out after %s: %w", timeout, execCtx.Err())
		}
		return result, execCtx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("execute %s: %w", name, err)
	}

	return result, nil
}

var _ Runner = ExecRunner{}
