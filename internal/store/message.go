package store

import (
	"github.com/courierkit/courier/pkg/id"
)

// State is the delivery lifecycle state of a message.
type State string

const (
	// StatePending is the initial state: eligible for a delivery attempt.
	StatePending State = "pending"
	// StateInFlight marks an active, unresolved delivery attempt.
	StateInFlight State = "inflight"
	// StateDelivered is terminal.
	StateDelivered State = "delivered"
	// StateFailedRetryable marks a failed attempt that may be retried.
	StateFailedRetryable State = "failed_retryable"
	// StateFailedTerminal is terminal: retry ceiling reached or the carrier
	// reported a non-retryable error.
	StateFailedTerminal State = "failed_terminal"
)

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailedTerminal
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateInFlight, StateDelivered, StateFailedRetryable, StateFailedTerminal:
		return true
	}
	return false
}

// canTransition encodes the state machine: monotonic except the single
// retry back-edge out of failed_retryable.
func canTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateInFlight
	case StateInFlight:
		return to == StateDelivered || to == StateFailedRetryable || to == StateFailedTerminal
	case StateFailedRetryable:
		return to == StateInFlight || to == StatePending || to == StateFailedTerminal
	default:
		return false
	}
}

// Transition is one entry of a message's state history, newest last.
type Transition struct {
	State State  `json:"state"`
	AtMs  int64  `json:"atMs"`
	Error string `json:"error,omitempty"`
}

// Message is the authoritative record for one submitted message. Owned
// exclusively by the store; other components reference it by ID.
type Message struct {
	ID            id.ID        `json:"id"`
	Originator    string       `json:"originator"`
	Recipient     string       `json:"recipient"`
	Payload       []byte       `json:"payload"`
	CreatedMs     int64        `json:"createdMs"`
	State         State        `json:"state"`
	Attempts      int          `json:"attempts"`
	LastAttemptMs int64        `json:"lastAttemptMs,omitempty"`
	LastError     string       `json:"lastError,omitempty"`
	// NotBeforeMs is the earliest eligible time for the next delivery attempt.
	NotBeforeMs int64        `json:"notBeforeMs"`
	History     []Transition `json:"history,omitempty"`
}

// dueIndexed reports whether a message in this state carries a due index entry.
func dueIndexed(s State) bool {
	return s == StatePending || s == StateFailedRetryable
}
