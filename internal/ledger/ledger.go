// Package ledger persists terminal stream outcomes: one append-only row
// per session with its delivery counters and final state. Conversation
// content is never stored here.
package ledger

import (
	"context"
	"time"
)

// Outcome is one terminal stream session.
type Outcome struct {
	ID                 int64     `json:"id"`
	SessionID          string    `json:"session_id"`
	ModelFamily        string    `json:"model_family"`
	Model              string    `json:"model"`
	State              string    `json:"state"`
	Chunks             int64     `json:"chunks"`
	Bytes              int64     `json:"bytes"`
	BackpressureEvents int64     `json:"backpressure_events"`
	RecoveryAttempts   int       `json:"recovery_attempts"`
	DurationMS         int64     `json:"duration_ms"`
	CreatedAt          time.Time `json:"created_at"`
}

// Summary aggregates outcomes, optionally per model family.
type Summary struct {
	Sessions  int64 `json:"sessions"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Chunks    int64 `json:"chunks"`
	Bytes     int64 `json:"bytes"`
}

// Store defines persistence behaviour for stream outcomes.
type Store interface {
	Record(ctx context.Context, o Outcome) error
	Summary(ctx context.Context, modelFamily string) (Summary, error)
	ListRecent(ctx context.Context, limit int) ([]Outcome, error)
	Close() error
}
