package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tokligence/streamflow/internal/ledger"
	"github.com/tokligence/streamflow/internal/metrics"
	"github.com/tokligence/streamflow/internal/provider"
	"github.com/tokligence/streamflow/internal/recovery"
	"github.com/tokligence/streamflow/internal/stream"
)

// passthroughParse treats each raw frame as plain content; "EOT" is the
// finish frame.
func passthroughParse(raw []byte) (stream.Chunk, error) {
	s := string(raw)
	if s == "EOT" {
		return stream.Chunk{FinishReason: stream.FinishStop}, nil
	}
	if strings.HasPrefix(s, "BAD") {
		return stream.Chunk{}, errors.New("malformed frame")
	}
	return stream.Chunk{Content: s}, nil
}

// frameProducer emits the given frames and returns nil.
func frameProducer(frames ...string) ProducerFunc {
	return func(ctx context.Context, req provider.ChatRequest, onEvent func([]byte) error) error {
		for _, f := range frames {
			if err := onEvent([]byte(f)); err != nil {
				return err
			}
		}
		return nil
	}
}

type chunkSink struct {
	mu       sync.Mutex
	contents []string
}

func (c *chunkSink) callback(ch stream.Chunk) {
	c.mu.Lock()
	c.contents = append(c.contents, ch.Content)
	c.mu.Unlock()
}

func (c *chunkSink) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.contents, "")
}

func (c *chunkSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.contents)
}

func startAndWait(t *testing.T, c *Coordinator, cfg StreamConfig) *Session {
	t.Helper()
	s, err := c.StartStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	select {
	case <-s.Done():
	case <-ctx.Done():
		t.Fatal("session never reached a terminal state")
	}
	return s
}

func TestStreamCompletes(t *testing.T) {
	c := New(Config{})
	snk := &chunkSink{}
	s := startAndWait(t, c, StreamConfig{
		Request:  provider.ChatRequest{Model: "gpt-4o"},
		Producer: frameProducer("Hello", ", ", "world", "EOT"),
		Parse:    passthroughParse,
		Callback: snk.callback,
	})

	if s.State() != StateCompleted {
		t.Fatalf("expected completed, got %s (err=%v)", s.State(), s.Err())
	}
	if got := snk.joined(); got != "Hello, world" {
		t.Fatalf("delivered %q", got)
	}
	if got := s.AccumulatedContent(); got != "Hello, world" {
		t.Fatalf("accumulated %q", got)
	}
	if s.Err() != nil {
		t.Fatalf("unexpected terminal error %v", s.Err())
	}
	m := s.Metrics()
	if m.ChunksReceived != 3 {
		t.Fatalf("expected 3 content chunks in metrics, got %d", m.ChunksReceived)
	}
}

func TestStartStreamValidation(t *testing.T) {
	c := New(Config{})
	cases := []struct {
		name string
		cfg  StreamConfig
	}{
		{"missing producer", StreamConfig{Parse: passthroughParse, Callback: func(stream.Chunk) {}}},
		{"missing parse", StreamConfig{Producer: frameProducer(), Callback: func(stream.Chunk) {}}},
		{"missing callback", StreamConfig{Producer: frameProducer(), Parse: passthroughParse}},
		{"missing batch callback", StreamConfig{
			Producer: frameProducer(), Parse: passthroughParse, BufferChunks: 5,
		}},
		{"bad threshold", StreamConfig{
			Producer: frameProducer(), Parse: passthroughParse,
			Callback: func(stream.Chunk) {}, BackpressureThreshold: 1.5,
		}},
		{"bad strategy", StreamConfig{
			Producer: frameProducer(), Parse: passthroughParse,
			Callback: func(stream.Chunk) {}, StreamRecovery: true,
			RecoveryStrategy: "word",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.StartStream(context.Background(), tc.cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidationFiltersChunks(t *testing.T) {
	c := New(Config{})
	snk := &chunkSink{}
	s := startAndWait(t, c, StreamConfig{
		Producer: frameProducer("ok", "bad thing", "fine", "EOT"),
		Parse:    passthroughParse,
		Callback: snk.callback,
		Validate: func(ch stream.Chunk) error {
			if strings.Contains(ch.Content, "bad") {
				return errors.New("rejected")
			}
			return nil
		},
	})

	if got := snk.joined(); got != "okfine" {
		t.Fatalf("filtered stream delivered %q", got)
	}
	if m := s.Metrics(); m.ValidationRejects != 1 {
		t.Fatalf("expected 1 validation reject, got %d", m.ValidationRejects)
	}
}

func TestTransformRewritesChunks(t *testing.T) {
	c := New(Config{})
	snk := &chunkSink{}
	startAndWait(t, c, StreamConfig{
		Producer: frameProducer("a", "b", "EOT"),
		Parse:    passthroughParse,
		Callback: snk.callback,
		Transform: func(ch stream.Chunk) (stream.Chunk, error) {
			ch.Content = strings.ToUpper(ch.Content)
			return ch, nil
		},
	})
	if got := snk.joined(); got != "AB" {
		t.Fatalf("transformed stream delivered %q", got)
	}
}

func TestParseErrorsSkippedAndCounted(t *testing.T) {
	c := New(Config{})
	snk := &chunkSink{}
	var parseErrs int
	var mu sync.Mutex
	s := startAndWait(t, c, StreamConfig{
		Producer: frameProducer("a", "BAD1", "b", "BAD2", "EOT"),
		Parse:    passthroughParse,
		Callback: snk.callback,
		OnParseError: func(error) {
			mu.Lock()
			parseErrs++
			mu.Unlock()
		},
	})

	if got := snk.joined(); got != "ab" {
		t.Fatalf("delivered %q", got)
	}
	if m := s.Metrics(); m.ParseErrors != 2 {
		t.Fatalf("expected 2 parse errors, got %d", m.ParseErrors)
	}
	mu.Lock()
	defer mu.Unlock()
	if parseErrs != 2 {
		t.Fatalf("OnParseError called %d times", parseErrs)
	}
}

func TestBatchedDelivery(t *testing.T) {
	c := New(Config{})
	var mu sync.Mutex
	var batches [][]string
	s := startAndWait(t, c, StreamConfig{
		Producer:     frameProducer("a", "b", "c", "d", "e", "EOT"),
		Parse:        passthroughParse,
		BufferChunks: 3,
		BatchTimeout: time.Minute,
		BatchCallback: func(chunks []stream.Chunk) {
			out := make([]string, len(chunks))
			for i, ch := range chunks {
				out[i] = ch.Content
			}
			mu.Lock()
			batches = append(batches, out)
			mu.Unlock()
		},
	})
	if s.State() != StateCompleted {
		t.Fatalf("expected completed, got %s", s.State())
	}

	mu.Lock()
	defer mu.Unlock()
	var flat []string
	for _, b := range batches {
		flat = append(flat, b...)
	}
	if strings.Join(flat, "") != "abcde" {
		t.Fatalf("batched delivery lost content: %v", batches)
	}
	if len(batches[0]) != 3 {
		t.Fatalf("first batch should hold 3 chunks, got %v", batches[0])
	}
}

func TestCancelStreamStopsCallbacks(t *testing.T) {
	c := New(Config{})
	snk := &chunkSink{}
	started := make(chan struct{})

	s, err := c.StartStream(context.Background(), StreamConfig{
		Producer: func(ctx context.Context, req provider.ChatRequest, onEvent func([]byte) error) error {
			close(started)
			for i := 0; ; i++ {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Millisecond):
				}
				if err := onEvent([]byte(fmt.Sprintf("chunk-%d ", i))); err != nil {
					return err
				}
			}
		},
		Parse:    passthroughParse,
		Callback: snk.callback,
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	<-started
	time.Sleep(20 * time.Millisecond)
	if err := c.CancelStream(s.ID); err != nil {
		t.Fatalf("CancelStream: %v", err)
	}
	if s.State() != StateCancelled {
		t.Fatalf("expected cancelled, got %s", s.State())
	}
	if s.Err() != nil {
		t.Fatalf("cancellation is not an error outcome, got %v", s.Err())
	}

	after := snk.count()
	time.Sleep(50 * time.Millisecond)
	if snk.count() != after {
		t.Fatal("callback fired after CancelStream returned")
	}

	// Cancelling a terminal session is a no-op.
	if err := c.CancelStream(s.ID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestRecoveryResumesAndPreservesContinuity(t *testing.T) {
	// The producer dies mid-stream once, then serves the remainder from the
	// continuation request's boundary text.
	const full = "One two three. Four five six. Seven eight nine. The end."
	var calls int
	var gotBoundary string
	var mu sync.Mutex

	producer := func(ctx context.Context, req provider.ChatRequest, onEvent func([]byte) error) error {
		mu.Lock()
		calls++
		call := calls
		mu.Unlock()

		if call == 1 {
			// Two complete sentences, then a partial that will be truncated.
			for _, f := range []string{"One two three. ", "Four five six. ", "Seven ei"} {
				if err := onEvent([]byte(f)); err != nil {
					return err
				}
			}
			return errors.New("connection reset")
		}

		// Resume request carries the boundary as an assistant turn.
		if len(req.Messages) < 2 {
			return errors.New("no continuation context")
		}
		boundary := req.Messages[len(req.Messages)-2].Content
		mu.Lock()
		gotBoundary = boundary
		mu.Unlock()
		rest := strings.TrimPrefix(full, boundary)
		for _, f := range []string{rest, "EOT"} {
			if err := onEvent([]byte(f)); err != nil {
				return err
			}
		}
		return nil
	}

	c := New(Config{})
	snk := &chunkSink{}
	s := startAndWait(t, c, StreamConfig{
		Request:             provider.ChatRequest{Model: "gpt-4o", MaxTokens: 1000},
		Producer:            producer,
		Parse:               passthroughParse,
		Callback:            snk.callback,
		StreamRecovery:      true,
		RecoveryStrategy:    recovery.StrategySentence,
		MaxRecoveryAttempts: 3,
		RecoveryBaseBackoff: 5 * time.Millisecond,
	})

	if s.State() != StateCompleted {
		t.Fatalf("expected completed, got %s (err=%v)", s.State(), s.Err())
	}
	if s.RecoveryAttempts() != 1 {
		t.Fatalf("expected 1 recovery attempt, got %d", s.RecoveryAttempts())
	}
	if got := s.AccumulatedContent(); got != full {
		t.Fatalf("continuity broken:\n got %q\nwant %q", got, full)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotBoundary != "One two three. Four five six. " {
		t.Fatalf("unexpected boundary %q", gotBoundary)
	}
}

func TestRecoveryCheckpointWaitsForSlowConsumer(t *testing.T) {
	// A consumer slower than the producer leaves deliveries in flight at the
	// moment of interruption; the checkpoint must see all of them, or the
	// resumed stream repeats content at the seam.
	const full = "Alpha beta. Gamma delta. Epsilon zeta."
	var calls int
	var mu sync.Mutex

	producer := func(ctx context.Context, req provider.ChatRequest, onEvent func([]byte) error) error {
		mu.Lock()
		calls++
		call := calls
		mu.Unlock()

		if call == 1 {
			for _, f := range []string{"Alpha beta. ", "Gamma delta. ", "Epsilon"} {
				if err := onEvent([]byte(f)); err != nil {
					return err
				}
			}
			return errors.New("connection reset")
		}
		if len(req.Messages) < 2 {
			return errors.New("no continuation context")
		}
		boundary := req.Messages[len(req.Messages)-2].Content
		rest := strings.TrimPrefix(full, boundary)
		for _, f := range []string{rest, "EOT"} {
			if err := onEvent([]byte(f)); err != nil {
				return err
			}
		}
		return nil
	}

	c := New(Config{})
	snk := &chunkSink{}
	s := startAndWait(t, c, StreamConfig{
		Request:  provider.ChatRequest{Model: "gpt-4o", MaxTokens: 1000},
		Producer: producer,
		Parse:    passthroughParse,
		Callback: func(ch stream.Chunk) {
			time.Sleep(40 * time.Millisecond)
			snk.callback(ch)
		},
		StreamRecovery:      true,
		RecoveryStrategy:    recovery.StrategySentence,
		MaxRecoveryAttempts: 3,
		RecoveryBaseBackoff: 5 * time.Millisecond,
	})

	if s.State() != StateCompleted {
		t.Fatalf("expected completed, got %s (err=%v)", s.State(), s.Err())
	}
	if got := s.AccumulatedContent(); got != full {
		t.Fatalf("seam duplicated or lost content:\n got %q\nwant %q", got, full)
	}
}

func TestSummarizeRecoveryKeepsDeliveredContent(t *testing.T) {
	const firstLeg = "Opening statement one. Opening statement two."
	var calls int
	var gotBoundary string
	var mu sync.Mutex

	producer := func(ctx context.Context, req provider.ChatRequest, onEvent func([]byte) error) error {
		mu.Lock()
		calls++
		call := calls
		mu.Unlock()

		if call == 1 {
			if err := onEvent([]byte(firstLeg)); err != nil {
				return err
			}
			return errors.New("connection reset")
		}
		if len(req.Messages) < 2 {
			return errors.New("no continuation context")
		}
		mu.Lock()
		gotBoundary = req.Messages[len(req.Messages)-2].Content
		mu.Unlock()
		for _, f := range []string{" The end.", "EOT"} {
			if err := onEvent([]byte(f)); err != nil {
				return err
			}
		}
		return nil
	}

	c := New(Config{})
	snk := &chunkSink{}
	s := startAndWait(t, c, StreamConfig{
		Request:             provider.ChatRequest{Model: "gpt-4o"},
		Producer:            producer,
		Parse:               passthroughParse,
		Callback:            snk.callback,
		StreamRecovery:      true,
		RecoveryStrategy:    recovery.StrategySummarize,
		MaxRecoveryAttempts: 3,
		RecoveryBaseBackoff: 5 * time.Millisecond,
		Summarize:           func(string) string { return "condensed recap" },
	})

	if s.State() != StateCompleted {
		t.Fatalf("expected completed, got %s (err=%v)", s.State(), s.Err())
	}
	mu.Lock()
	boundary := gotBoundary
	mu.Unlock()
	if boundary != "condensed recap" {
		t.Fatalf("continuation did not carry the summary, got %q", boundary)
	}
	// The summary steers the continuation request only; everything the
	// consumer received stays verbatim.
	if got := s.AccumulatedContent(); got != firstLeg+" The end." {
		t.Fatalf("delivered content replaced by the summary:\n got %q", got)
	}
}

func TestRecoveryExhaustionFails(t *testing.T) {
	producer := func(ctx context.Context, req provider.ChatRequest, onEvent func([]byte) error) error {
		if err := onEvent([]byte("partial. ")); err != nil {
			return err
		}
		return errors.New("still broken")
	}

	c := New(Config{})
	snk := &chunkSink{}
	s := startAndWait(t, c, StreamConfig{
		Producer:            producer,
		Parse:               passthroughParse,
		Callback:            snk.callback,
		StreamRecovery:      true,
		MaxRecoveryAttempts: 2,
		RecoveryBaseBackoff: time.Millisecond,
		RecoveryMaxBackoff:  2 * time.Millisecond,
	})

	if s.State() != StateFailed {
		t.Fatalf("expected failed, got %s", s.State())
	}
	if !errors.Is(s.Err(), stream.ErrRecoveryExhausted) {
		t.Fatalf("expected ErrRecoveryExhausted, got %v", s.Err())
	}
	if s.RecoveryAttempts() != 2 {
		t.Fatalf("expected 2 attempts, got %d", s.RecoveryAttempts())
	}
	// Partial content survives the failure.
	if s.AccumulatedContent() == "" {
		t.Fatal("partial content lost on exhaustion")
	}
}

func TestInterruptionWithoutRecovery(t *testing.T) {
	cause := errors.New("connection reset")
	producer := func(ctx context.Context, req provider.ChatRequest, onEvent func([]byte) error) error {
		if err := onEvent([]byte("some output")); err != nil {
			return err
		}
		return cause
	}

	c := New(Config{})
	snk := &chunkSink{}
	s := startAndWait(t, c, StreamConfig{
		Producer: producer,
		Parse:    passthroughParse,
		Callback: snk.callback,
	})

	if s.State() != StateFailed {
		t.Fatalf("expected failed, got %s", s.State())
	}
	var ierr *stream.InterruptionError
	if !errors.As(s.Err(), &ierr) {
		t.Fatalf("expected InterruptionError, got %v", s.Err())
	}
	if !errors.Is(ierr, cause) && !errors.Is(ierr.Cause, cause) {
		t.Fatalf("cause not preserved: %v", ierr)
	}
	if ierr.PartialBytes != len("some output") {
		t.Fatalf("unexpected partial byte count %d", ierr.PartialBytes)
	}
	if got := snk.joined(); got != "some output" {
		t.Fatalf("buffered content not drained before failure: %q", got)
	}
}

func TestSessionRegistry(t *testing.T) {
	c := New(Config{})
	snk := &chunkSink{}
	s := startAndWait(t, c, StreamConfig{
		Producer: frameProducer("x", "EOT"),
		Parse:    passthroughParse,
		Callback: snk.callback,
	})

	st, err := c.StreamStatus(s.ID)
	if err != nil {
		t.Fatalf("StreamStatus: %v", err)
	}
	if st != StateCompleted {
		t.Fatalf("unexpected state %s", st)
	}
	if _, err := c.StreamStatus("ss-missing"); !errors.Is(err, stream.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	states := c.Sessions()
	if states[s.ID] != StateCompleted {
		t.Fatalf("registry snapshot missing session: %v", states)
	}

	if err := c.Forget(s.ID); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, err := c.Session(s.ID); !errors.Is(err, stream.ErrSessionNotFound) {
		t.Fatal("session still registered after Forget")
	}
}

func TestLedgerAndCollectorRecordOutcome(t *testing.T) {
	rec := &memLedger{}
	col := metrics.NewCollector()
	c := New(Config{Collector: col, Ledger: rec})
	snk := &chunkSink{}
	s := startAndWait(t, c, StreamConfig{
		Request:     provider.ChatRequest{Model: "claude-sonnet-4"},
		ModelFamily: "anthropic",
		Producer:    frameProducer("hi", "EOT"),
		Parse:       passthroughParse,
		Callback:    snk.callback,
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.rows) != 1 {
		t.Fatalf("expected 1 ledger row, got %d", len(rec.rows))
	}
	row := rec.rows[0]
	if row.SessionID != s.ID || row.State != string(StateCompleted) || row.ModelFamily != "anthropic" {
		t.Fatalf("unexpected ledger row %+v", row)
	}
	if row.Chunks != 1 || row.Bytes != 2 {
		t.Fatalf("unexpected ledger counters %+v", row)
	}

	snap := col.Snapshot()
	if snap.SessionsByState["completed"] != 1 || snap.ChunksByFamily["anthropic"] != 1 {
		t.Fatalf("collector missed the session: %+v", snap)
	}
}

func TestOnMetricsFinalSnapshot(t *testing.T) {
	var mu sync.Mutex
	var snaps []metrics.StreamMetrics
	c := New(Config{})
	snk := &chunkSink{}
	startAndWait(t, c, StreamConfig{
		Producer:     frameProducer("abc", "EOT"),
		Parse:        passthroughParse,
		Callback:     snk.callback,
		TrackMetrics: true,
		OnMetrics: func(m metrics.StreamMetrics) {
			mu.Lock()
			snaps = append(snaps, m)
			mu.Unlock()
		},
	})

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) == 0 {
		t.Fatal("no final metrics snapshot")
	}
	last := snaps[len(snaps)-1]
	if last.ChunksReceived != 1 || last.BytesReceived != 3 {
		t.Fatalf("unexpected final snapshot %+v", last)
	}
}

// memLedger is an in-memory ledger.Store for tests.
type memLedger struct {
	mu   sync.Mutex
	rows []ledger.Outcome
}

func (m *memLedger) Record(ctx context.Context, o ledger.Outcome) error {
	m.mu.Lock()
	m.rows = append(m.rows, o)
	m.mu.Unlock()
	return nil
}

func (m *memLedger) Summary(ctx context.Context, family string) (ledger.Summary, error) {
	return ledger.Summary{}, nil
}

func (m *memLedger) ListRecent(ctx context.Context, limit int) ([]ledger.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.Outcome(nil), m.rows...), nil
}

func (m *memLedger) Close() error { return nil }
