// Package coordinator wires parsing, validation, transformation, flow
// control, batching, metrics and recovery into one pipeline per stream
// session, and tracks every live session by ID.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/streamflow/internal/batch"
	"github.com/tokligence/streamflow/internal/buffer"
	"github.com/tokligence/streamflow/internal/flow"
	"github.com/tokligence/streamflow/internal/ledger"
	"github.com/tokligence/streamflow/internal/metrics"
	"github.com/tokligence/streamflow/internal/ratelimit"
	"github.com/tokligence/streamflow/internal/stream"
)

// Config configures a Coordinator.
type Config struct {
	// Collector aggregates engine-wide metrics; nil disables aggregation.
	Collector *metrics.Collector
	// Ledger records terminal stream outcomes; nil disables recording.
	Ledger ledger.Store
	// Logger receives coordinator and session logs.
	Logger *log.Logger
	// IntakeBurst and IntakeRate bound backpressure retries per session.
	IntakeBurst float64
	IntakeRate  float64
}

// Coordinator owns the session registry. Sessions are independently
// scheduled and failure-isolated; the registry itself is the only shared
// structure and is guarded by one RWMutex.
type Coordinator struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session

	logger *log.Logger
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[coordinator] ", log.LstdFlags|log.Lmicroseconds)
	}
	if cfg.IntakeBurst <= 0 {
		cfg.IntakeBurst = 8
	}
	if cfg.IntakeRate <= 0 {
		cfg.IntakeRate = 50
	}
	return &Coordinator{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// StartStream validates the config, creates the session and starts its
// ingest/delivery pair. The returned handle is live immediately.
func (c *Coordinator) StartStream(ctx context.Context, cfg StreamConfig) (*Session, error) {
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:     "ss-" + uuid.NewString(),
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateStarting,
		pacer: ratelimit.NewPacer(cfg.PushRetryDelay, cfg.PushRetryMax,
			ratelimit.NewIntakeBudget(c.cfg.IntakeBurst, c.cfg.IntakeRate)),
		onEnd: c.sessionEnded,
	}
	if s.logger == nil {
		s.logger = c.logger
	}
	s.startedAt = time.Now()

	fc, err := flow.New(s.deliver, flow.Config{
		Buffer: buffer.Config{
			Capacity:    cfg.BufferCapacity,
			Overflow:    cfg.OverflowPolicy,
			Trigger:     cfg.FlushTrigger,
			PushTimeout: cfg.PushTimeout,
		},
		BackpressureThreshold: cfg.BackpressureThreshold,
		Logger:                s.logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.flowc = fc

	if cfg.BufferChunks > 1 {
		s.batcher = batch.New(batch.Config{
			BatchSize:    cfg.BufferChunks,
			BatchTimeout: cfg.BatchTimeout,
		}, cfg.BatchCallback)
	}

	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()
	if c.cfg.Collector != nil {
		c.cfg.Collector.RecordSessionStart()
	}
	c.logger.Printf("start session=%s model=%s recovery=%v batch=%d",
		s.ID, cfg.Request.Model, cfg.StreamRecovery, cfg.BufferChunks)

	go s.run()
	return s, nil
}

// StreamStatus returns the state of a session by ID.
func (c *Coordinator) StreamStatus(id string) (State, error) {
	s, err := c.Session(id)
	if err != nil {
		return "", err
	}
	return s.State(), nil
}

// Session returns the handle for a session ID.
func (c *Coordinator) Session(id string) (*Session, error) {
	c.mu.RLock()
	s, ok := c.sessions[id]
	c.mu.RUnlock()
	if !ok {
		return nil, stream.ErrSessionNotFound
	}
	return s, nil
}

// CancelStream stops a session cooperatively: the producer connection is
// closed, the buffer is released, and no callback fires after this returns.
func (c *Coordinator) CancelStream(id string) error {
	s, err := c.Session(id)
	if err != nil {
		return err
	}
	if s.State().Terminal() {
		return nil
	}
	s.cancelled.Store(true)
	s.cancel()
	<-s.done
	return nil
}

// Sessions returns a snapshot of all known session IDs and states.
func (c *Coordinator) Sessions() map[string]State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]State, len(c.sessions))
	for id, s := range c.sessions {
		out[id] = s.State()
	}
	return out
}

// Forget drops a terminal session from the registry so it can be collected.
func (c *Coordinator) Forget(id string) error {
	s, err := c.Session(id)
	if err != nil {
		return err
	}
	if !s.State().Terminal() {
		return fmt.Errorf("streamflow: session %s still active", id)
	}
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
	return nil
}

// Close cancels every live session and waits for each to settle.
func (c *Coordinator) Close() {
	c.mu.RLock()
	live := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	c.mu.RUnlock()
	for _, s := range live {
		if !s.State().Terminal() {
			s.cancelled.Store(true)
			s.cancel()
			<-s.done
		}
	}
}

// sessionEnded folds terminal sessions into engine-wide accounting.
func (c *Coordinator) sessionEnded(s *Session) {
	m := s.Metrics()
	if c.cfg.Collector != nil {
		c.cfg.Collector.RecordSessionEnd(s.cfg.ModelFamily, string(s.State()), m, s.RecoveryAttempts())
	}
	if c.cfg.Ledger != nil {
		entry := ledger.Outcome{
			SessionID:          s.ID,
			ModelFamily:        s.cfg.ModelFamily,
			Model:              s.cfg.Request.Model,
			State:              string(s.State()),
			Chunks:             int64(m.ChunksReceived),
			Bytes:              int64(m.BytesReceived),
			BackpressureEvents: int64(m.BackpressureEvents),
			RecoveryAttempts:   s.RecoveryAttempts(),
			DurationMS:         m.Duration.Milliseconds(),
			CreatedAt:          time.Now().UTC(),
		}
		if err := c.cfg.Ledger.Record(context.Background(), entry); err != nil {
			c.logger.Printf("ledger record failed session=%s: %v", s.ID, err)
		}
	}
}
