package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Logger emits structured events to an underlying sink.
type Logger interface {
	Log(context.Context, Event) error
}

// LoggerFunc adapts a function into a Logger.
type LoggerFunc func(context.Context, Event) error

// Log implements Logger.
func (f LoggerFunc) Log(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// JSONLogger writes each event as a single JSON object on its own line.
// Events below the configured minimum level are dropped.
type JSONLogger struct {
	mu  sync.Mutex
	w   io.Writer
	min Level
	now func() time.Time
}

// NewJSONLogger builds a JSONLogger writing to the provided io.Writer.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{w: w, min: LevelInfo, now: time.Now}
}

// SetLevel changes the minimum level written by the logger.
func (l *JSONLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.min = level
}

// Log implements Logger by emitting a JSON representation of the event.
func (l *JSONLogger) Log(_ context.Context, event Event) error {
	if l == nil || l.w == nil {
		return fmt.Errorf("json logger is not configured")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Level == "" {
		event.Level = LevelInfo
	}
	if !event.Level.Enabled(l.min) {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := l.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	return nil
}
