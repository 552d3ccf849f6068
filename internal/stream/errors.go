package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrPushTimeout is returned under the block overflow policy when no
	// slot frees within the configured timeout.
	ErrPushTimeout = errors.New("streamflow: push timed out waiting for buffer space")

	// ErrBackpressure tells the producer to pause and retry; it is never a
	// data-loss condition.
	ErrBackpressure = errors.New("streamflow: backpressure threshold exceeded")

	// ErrRecoveryExhausted terminates a session after max recovery attempts.
	ErrRecoveryExhausted = errors.New("streamflow: recovery attempts exhausted")

	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("streamflow: session not found")

	// ErrSessionTerminal is returned when an operation requires a live
	// session but the session already reached a terminal state.
	ErrSessionTerminal = errors.New("streamflow: session already terminal")
)

// InterruptionError marks a mid-stream producer failure. It wraps the
// underlying network error and records how much content had been delivered
// when the stream broke, so callers never lose track of partial output.
type InterruptionError struct {
	Cause          error
	ChunksReceived uint64
	PartialBytes   int
}

func (e *InterruptionError) Error() string {
	return fmt.Sprintf("streamflow: stream interrupted after %d chunks (%d bytes): %v",
		e.ChunksReceived, e.PartialBytes, e.Cause)
}

func (e *InterruptionError) Unwrap() error { return e.Cause }
