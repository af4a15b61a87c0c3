package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// Carrier is the external delivery mechanism. Send returns nil for a
// delivered message, a RetryableError when another attempt may succeed, and
// a TerminalError when retrying is pointless. Any other error is treated as
// an infrastructure failure and handled as retryable.
type Carrier interface {
	Send(ctx context.Context, recipient string, payload []byte) error
}

// RetryableError marks a delivery failure that may succeed on retry.
type RetryableError struct {
	Reason string
}

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable: %s", e.Reason) }

// TerminalError marks a delivery failure that must not be retried.
type TerminalError struct {
	Reason string
}

func (e *TerminalError) Error() string { return fmt.Sprintf("terminal: %s", e.Reason) }

// Retryable wraps a reason as a retryable delivery failure.
func Retryable(reason string) error { return &RetryableError{Reason: reason} }

// Terminal wraps a reason as a non-retryable delivery failure.
func Terminal(reason string) error { return &TerminalError{Reason: reason} }

// IsTerminal reports whether err is classified non-retryable. Everything
// else, including unclassified infrastructure errors, counts as retryable.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// CarrierFunc adapts a function to the Carrier interface.
type CarrierFunc func(ctx context.Context, recipient string, payload []byte) error

// Send implements Carrier.
func (f CarrierFunc) Send(ctx context.Context, recipient string, payload []byte) error {
	return f(ctx, recipient, payload)
}
