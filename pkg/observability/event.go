package observability

import (
	"fmt"
	"strings"
	"time"
)

// Level represents the severity of an emitted event.
type Level string

const (
	// LevelDebug carries per-check detail that is noisy at steady state.
	LevelDebug Level = "debug"
	// LevelInfo represents informational events that describe normal behaviour.
	LevelInfo Level = "info"
	// LevelWarn represents conditions that may require operator attention.
	LevelWarn Level = "warn"
	// LevelError captures failures that prevent progress.
	LevelError Level = "error"
)

// ParseLevel accepts the level names used in configuration files.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", raw)
	}
}

func (l Level) rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// Enabled reports whether an event at level l passes a minimum of min.
func (l Level) Enabled(min Level) bool {
	return l.rank() >= min.rank()
}

// Event models a structured log entry emitted by the monitor components.
type Event struct {
	Timestamp time.Time              `json:"ts"`
	Level     Level                  `json:"level"`
	Node      string                 `json:"node,omitempty"`
	Component string                 `json:"component,omitempty"`
	Event     string                 `json:"event"`
	Message   string                 `json:"message,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Clone returns a shallow copy of the event and its fields map to avoid data races
// when observers mutate their view of the metadata.
func (e Event) Clone() Event {
	clone := e
	if len(e.Fields) > 0 {
		copied := make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			copied[k] = v
		}
		clone.Fields = copied
	}
	return clone
}
