package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tokligence/streamflow/internal/batch"
	"github.com/tokligence/streamflow/internal/flow"
	"github.com/tokligence/streamflow/internal/metrics"
	"github.com/tokligence/streamflow/internal/provider"
	"github.com/tokligence/streamflow/internal/ratelimit"
	"github.com/tokligence/streamflow/internal/recovery"
	"github.com/tokligence/streamflow/internal/stream"
)

// State is the session lifecycle state.
type State string

const (
	StateStarting    State = "starting"
	StateStreaming   State = "streaming"
	StateInterrupted State = "interrupted"
	StateRecovering  State = "recovering"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Session tracks one logical streamed request from start to terminal
// outcome. It is the unit of isolation: two goroutines (ingest, delivery)
// cooperate through the flow controller's buffer and nothing is shared
// across sessions.
type Session struct {
	ID string

	cfg     StreamConfig
	flowc   *flow.Controller
	batcher *batch.Batcher
	pacer   *ratelimit.Pacer
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	seq       atomic.Uint64
	sawFinish atomic.Bool
	cancelled atomic.Bool

	mu               sync.Mutex
	state            State
	accumulated      string
	chunksReceived   uint64
	bytesReceived    uint64
	startedAt        time.Time
	lastChunkAt      time.Time
	recoveryAttempts int
	finalErr         error
	finalMetrics     *metrics.StreamMetrics

	// onEnd folds the terminal session into coordinator-wide accounting.
	onEnd func(*Session)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AccumulatedContent returns everything delivered so far (post any recovery
// truncation). Terminal outcomes always expose it, success or not.
func (s *Session) AccumulatedContent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accumulated
}

// RecoveryAttempts returns how many recoveries were attempted.
func (s *Session) RecoveryAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoveryAttempts
}

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// LastChunkAt returns when the most recent chunk was delivered; zero if
// nothing has been delivered yet.
func (s *Session) LastChunkAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChunkAt
}

// Err returns the terminal error, if the session failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalErr
}

// Metrics returns the live snapshot, or the frozen final snapshot once the
// session is terminal.
func (s *Session) Metrics() metrics.StreamMetrics {
	s.mu.Lock()
	if s.finalMetrics != nil {
		m := *s.finalMetrics
		s.mu.Unlock()
		return m
	}
	s.mu.Unlock()
	return s.flowc.Metrics()
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session is terminal or ctx expires, returning the
// terminal error if any.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("session=%s "+format, append([]any{s.ID}, args...)...)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	if !prev.Terminal() {
		s.state = st
	}
	s.mu.Unlock()
	if prev != st {
		s.logf("state %s -> %s", prev, st)
	}
}

// deliver is the flow controller's consumer: the single writer of the
// session counters and accumulated content. It runs on the delivery loop.
func (s *Session) deliver(ch stream.Chunk) error {
	s.mu.Lock()
	s.accumulated += ch.Content
	s.chunksReceived++
	s.bytesReceived += uint64(len(ch.Content))
	s.lastChunkAt = time.Now()
	s.mu.Unlock()

	if s.batcher != nil {
		s.batcher.Add(ch)
	} else {
		s.cfg.Callback(ch)
	}
	return nil
}

// onEvent is the per-event pipeline: parse, validate, transform, push.
// Backpressure retries here propagate upstream by stalling the network
// read loop.
func (s *Session) onEvent(raw []byte) error {
	if s.cancelled.Load() {
		return context.Canceled
	}

	ch, err := s.cfg.Parse(raw)
	if err != nil {
		s.flowc.Tracker().RecordParseError()
		if s.cfg.OnParseError != nil {
			s.cfg.OnParseError(err)
		}
		return nil
	}
	if ch.Content == "" && !ch.Terminal() {
		// Keep-alive or role-only frame.
		return nil
	}
	ch.Sequence = s.seq.Add(1)

	if s.cfg.Validate != nil {
		if verr := s.cfg.Validate(ch); verr != nil {
			s.flowc.Tracker().RecordValidationReject()
			return nil
		}
	}
	if s.cfg.Transform != nil {
		out, terr := s.cfg.Transform(ch)
		if terr != nil {
			s.flowc.Tracker().RecordValidationReject()
			return nil
		}
		out.Sequence = ch.Sequence
		ch = out
	}
	if ch.Terminal() {
		s.sawFinish.Store(true)
		if ch.Content == "" {
			// A bare finish frame carries no deliverable content; Complete
			// drains the buffer once the producer returns.
			return nil
		}
	}

	for {
		err := s.flowc.PushChunk(s.ctx, ch)
		if err == nil {
			s.pacer.Reset()
			return nil
		}
		if errors.Is(err, stream.ErrBackpressure) {
			if werr := s.pacer.Wait(s.ctx); werr != nil {
				return werr
			}
			continue
		}
		return err
	}
}

// run drives the session to a terminal state. The metrics reporter and the
// ingest loop are paired in one errgroup so either's exit stops both.
func (s *Session) run() {
	defer close(s.done)
	s.setState(StateStreaming)

	g, gctx := errgroup.WithContext(s.ctx)
	if s.cfg.TrackMetrics && s.cfg.OnMetrics != nil {
		g.Go(func() error { return s.metricsLoop(gctx) })
	}
	var ingestErr error
	g.Go(func() error {
		ingestErr = s.ingest(gctx)
		// Stop the metrics loop; its exit is not an error.
		return context.Canceled
	})
	_ = g.Wait()
	s.finalize(ingestErr)
}

func (s *Session) metricsLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.State().Terminal() {
				s.cfg.OnMetrics(s.Metrics())
			}
		}
	}
}

// ingest runs the producer, recovering interrupted streams until the
// producer completes, the caller cancels, or attempts are exhausted.
func (s *Session) ingest(ctx context.Context) error {
	opts := s.cfg.recoveryOptions()
	req := s.cfg.Request

	for {
		err := s.cfg.Producer(ctx, req, s.onEvent)

		if s.cancelled.Load() || ctx.Err() != nil {
			return context.Canceled
		}
		if err == nil || s.sawFinish.Load() {
			if cerr := s.flowc.Complete(ctx); cerr != nil {
				return cerr
			}
			s.closeBatcher(true)
			return nil
		}

		s.logf("stream interrupted: %v", err)
		s.setState(StateInterrupted)

		attempts := s.RecoveryAttempts()
		if !s.cfg.StreamRecovery || attempts >= opts.MaxAttempts {
			// Drain what was buffered so nothing delivered is lost, then
			// surface the terminal outcome with partial content intact.
			_ = s.flowc.Complete(ctx)
			s.closeBatcher(true)
			ierr := &stream.InterruptionError{
				Cause:          err,
				ChunksReceived: s.flowc.Tracker().ChunksReceived(),
				PartialBytes:   len(s.AccumulatedContent()),
			}
			if !s.cfg.StreamRecovery {
				return ierr
			}
			return fmt.Errorf("%w after %d attempts: %v", stream.ErrRecoveryExhausted, attempts, err)
		}

		s.setState(StateRecovering)
		if werr := s.flowc.WaitEmpty(ctx); werr != nil {
			return context.Canceled
		}
		if n := s.flowc.DiscardPending(); n > 0 {
			s.logf("discarded %d undelivered chunks at checkpoint", n)
		}

		s.mu.Lock()
		s.recoveryAttempts++
		attempt := s.recoveryAttempts
		content := s.accumulated
		s.mu.Unlock()

		cp := recovery.Capture(content, attempt, opts)
		if opts.Strategy != recovery.StrategySummarize {
			// The summarize boundary is a synthesized continuation aid, not a
			// prefix of what was delivered; accumulated content stays verbatim.
			s.truncateAccumulated(cp.BoundaryText)
		}
		remaining := opts.BudgetAdjust(s.cfg.Request.MaxTokens, cp.TokensReceived)
		req = s.continuation()(s.cfg.Request, cp.BoundaryText, remaining)

		delay := recovery.Backoff(attempt, opts)
		s.logf("recovery attempt %d/%d in %v (boundary=%dB, remaining_budget=%d)",
			attempt, opts.MaxAttempts, delay, len(cp.BoundaryText), remaining)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return context.Canceled
		}
		s.setState(StateStreaming)
	}
}

func (s *Session) continuation() provider.ContinuationFormatter {
	if s.cfg.Continuation != nil {
		return s.cfg.Continuation
	}
	return provider.OpenAIStrategy().Continuation
}

func (s *Session) truncateAccumulated(boundary string) {
	s.mu.Lock()
	s.accumulated = boundary
	s.mu.Unlock()
}

func (s *Session) closeBatcher(flush bool) {
	if s.batcher == nil {
		return
	}
	if flush {
		s.batcher.Close()
	} else {
		s.batcher.Abort()
	}
}

func (s *Session) finalize(err error) {
	cancelled := s.cancelled.Load() || errors.Is(err, context.Canceled)
	if cancelled {
		// Release the buffer and stop the delivery loop without draining;
		// nothing may reach the callback after cancellation.
		s.flowc.Cancel()
		s.closeBatcher(false)
	}
	s.flowc.Tracker().Finish()
	m := s.flowc.Metrics()

	s.mu.Lock()
	s.finalMetrics = &m
	if err != nil && !cancelled && !errors.Is(err, context.Canceled) {
		s.finalErr = err
	}
	s.mu.Unlock()

	switch {
	case cancelled:
		s.setState(StateCancelled)
	case err == nil:
		s.setState(StateCompleted)
	default:
		s.setState(StateFailed)
	}

	if s.cfg.TrackMetrics && s.cfg.OnMetrics != nil && !cancelled {
		s.cfg.OnMetrics(m)
	}
	s.logf("terminal state=%s chunks=%d bytes=%d backpressure=%d recoveries=%d",
		s.State(), m.ChunksReceived, m.BytesReceived, m.BackpressureEvents, s.RecoveryAttempts())
	if s.onEnd != nil {
		s.onEnd(s)
	}
}
