// Package postgres implements ledger.Store backed by PostgreSQL via the
// pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// register pgx stdlib driver
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tokligence/streamflow/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New connects using a pgx DSN (postgres://...).
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS stream_outcomes (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	model_family TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	chunks BIGINT NOT NULL DEFAULT 0,
	bytes BIGINT NOT NULL DEFAULT 0,
	backpressure_events BIGINT NOT NULL DEFAULT 0,
	recovery_attempts INT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_stream_outcomes_family_created ON stream_outcomes(model_family, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Record inserts a new outcome row.
func (s *Store) Record(ctx context.Context, o ledger.Outcome) error {
	if o.SessionID == "" {
		return errors.New("ledger record requires session id")
	}
	created := o.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO stream_outcomes (session_id, model_family, model, state, chunks, bytes, backpressure_events, recovery_attempts, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.SessionID, o.ModelFamily, o.Model, o.State, o.Chunks, o.Bytes,
		o.BackpressureEvents, o.RecoveryAttempts, o.DurationMS, created)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// Summary aggregates outcomes for a model family; empty family means all.
func (s *Store) Summary(ctx context.Context, modelFamily string) (ledger.Summary, error) {
	const q = `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN state = 'completed' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN state = 'cancelled' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(chunks), 0),
	COALESCE(SUM(bytes), 0)
FROM stream_outcomes
WHERE ($1 = '' OR model_family = $1)`
	var sum ledger.Summary
	err := s.db.QueryRowContext(ctx, q, modelFamily).Scan(
		&sum.Sessions, &sum.Completed, &sum.Failed, &sum.Cancelled, &sum.Chunks, &sum.Bytes)
	if err != nil {
		return ledger.Summary{}, fmt.Errorf("summarize outcomes: %w", err)
	}
	return sum, nil
}

// ListRecent returns the most recent outcomes, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]ledger.Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, model_family, model, state, chunks, bytes, backpressure_events, recovery_attempts, duration_ms, created_at
FROM stream_outcomes
ORDER BY created_at DESC, id DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []ledger.Outcome
	for rows.Next() {
		var o ledger.Outcome
		if err := rows.Scan(&o.ID, &o.SessionID, &o.ModelFamily, &o.Model, &o.State,
			&o.Chunks, &o.Bytes, &o.BackpressureEvents, &o.RecoveryAttempts, &o.DurationMS, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
