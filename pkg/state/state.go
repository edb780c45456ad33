// Package state holds the data model shared by the detectors, the transition
// tracker, storage and the notification channels.
package state

import (
	"fmt"
	"strings"
)

// NodeState is the resolved connectivity path of a peer.
type NodeState string

const (
	Direct    NodeState = "DIRECT"
	PeerRelay NodeState = "PEER_RELAY"
	DERP      NodeState = "DERP"
	Inactive  NodeState = "INACTIVE"
	Offline   NodeState = "OFFLINE"
	Unknown   NodeState = "UNKNOWN"
)

// AllStates lists every NodeState in declaration order. The order is used
// to break ties deterministically.
var AllStates = []NodeState{Direct, PeerRelay, DERP, Inactive, Offline, Unknown}

// ParseNodeState converts a stored or user supplied string into a NodeState.
func ParseNodeState(raw string) (NodeState, error) {
	candidate := NodeState(strings.ToUpper(strings.TrimSpace(raw)))
	for _, s := range AllStates {
		if s == candidate {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown node state %q", raw)
}

// IsPath reports whether the state is one of the three live paths.
func (s NodeState) IsPath() bool {
	switch s {
	case Direct, PeerRelay, DERP:
		return true
	default:
		return false
	}
}

// IsOnline reports whether a check in this state counts towards uptime.
func (s NodeState) IsOnline() bool {
	return s.IsPath() || s == Inactive
}

// Label returns the operator-facing name used in notifications.
func (s NodeState) Label() string {
	switch s {
	case PeerRelay:
		return "SPEED RELAY"
	case DERP:
		return "RELAY (DERP)"
	case "":
		return "N/A"
	default:
		return string(s)
	}
}

func (s NodeState) String() string { return string(s) }

// Confidence is a categorical trust label attached to a single check.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ParseConfidence converts a stored string into a Confidence.
func ParseConfidence(raw string) (Confidence, error) {
	switch c := Confidence(strings.ToLower(strings.TrimSpace(raw))); c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return c, nil
	default:
		return "", fmt.Errorf("unknown confidence %q", raw)
	}
}

// Trigger names why a check ran.
type Trigger string

const (
	TriggerStartup   Trigger = "startup"
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)
