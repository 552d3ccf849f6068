package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tokligence/streamflow/internal/buffer"
	"github.com/tokligence/streamflow/internal/stream"
)

type sink struct {
	mu       sync.Mutex
	contents []string
	delay    time.Duration
}

func (s *sink) consume(ch stream.Chunk) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.contents = append(s.contents, ch.Content)
	s.mu.Unlock()
	return nil
}

func (s *sink) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.contents, "")
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contents)
}

func TestDeliveryPreservesContent(t *testing.T) {
	snk := &sink{}
	c, err := New(snk.consume, Config{Buffer: buffer.Config{Capacity: 16}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	for _, part := range []string{"the ", "quick ", "brown ", "fox"} {
		if err := c.PushChunk(ctx, stream.Chunk{Content: part}); err != nil {
			t.Fatalf("PushChunk(%q): %v", part, err)
		}
	}
	if err := c.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := snk.joined(); got != "the quick brown fox" {
		t.Fatalf("delivered content %q", got)
	}

	m := c.Metrics()
	if m.ChunksReceived != 4 {
		t.Fatalf("expected 4 chunks in metrics, got %d", m.ChunksReceived)
	}
	if m.BytesReceived != uint64(len("the quick brown fox")) {
		t.Fatalf("unexpected byte count %d", m.BytesReceived)
	}
	if m.Duration <= 0 {
		t.Fatalf("duration not frozen: %v", m.Duration)
	}
}

func TestBackpressureTripsAboveThreshold(t *testing.T) {
	// A consumer slower than the push rate lets occupancy build past the
	// threshold.
	snk := &sink{delay: 20 * time.Millisecond}
	c, err := New(snk.consume, Config{
		Buffer:                buffer.Config{Capacity: 10},
		BackpressureThreshold: 0.5,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Cancel()

	ctx := context.Background()
	var tripped bool
	for i := 0; i < 50 && !tripped; i++ {
		err := c.PushChunk(ctx, stream.Chunk{Content: "x"})
		if errors.Is(err, stream.ErrBackpressure) {
			tripped = true
		} else if err != nil {
			t.Fatalf("unexpected push error: %v", err)
		}
	}
	if !tripped {
		t.Fatal("backpressure never reported")
	}
	if c.Metrics().BackpressureEvents == 0 {
		t.Fatal("backpressure not counted")
	}
}

func TestBackpressureClearsAfterDrain(t *testing.T) {
	snk := &sink{}
	c, err := New(snk.consume, Config{
		Buffer:                buffer.Config{Capacity: 4},
		BackpressureThreshold: 0.5,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Cancel()

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	pushed := 0
	for pushed < 20 {
		if time.Now().After(deadline) {
			t.Fatal("pushes never cleared backpressure")
		}
		err := c.PushChunk(ctx, stream.Chunk{Content: "x"})
		if errors.Is(err, stream.ErrBackpressure) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("unexpected push error: %v", err)
		}
		pushed++
	}
	if err := c.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if snk.count() != 20 {
		t.Fatalf("expected 20 delivered, got %d", snk.count())
	}
}

func TestPushAfterCompleteRejected(t *testing.T) {
	snk := &sink{}
	c, err := New(snk.consume, Config{Buffer: buffer.Config{Capacity: 4}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := c.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := c.PushChunk(ctx, stream.Chunk{Content: "x"}); !errors.Is(err, stream.ErrSessionTerminal) {
		t.Fatalf("expected ErrSessionTerminal, got %v", err)
	}
}

func TestCompleteDrainsLineBoundaryResidual(t *testing.T) {
	snk := &sink{}
	c, err := New(snk.consume, Config{
		Buffer: buffer.Config{Capacity: 8, Trigger: buffer.LineBoundaryTrigger()},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := c.PushChunk(ctx, stream.Chunk{Content: "done\nresidual"}); err != nil {
		t.Fatalf("PushChunk: %v", err)
	}
	if err := c.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := snk.joined(); got != "done\nresidual" {
		t.Fatalf("residual lost on completion: %q", got)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	snk := &sink{delay: 10 * time.Millisecond}
	c, err := New(snk.consume, Config{Buffer: buffer.Config{Capacity: 32}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if err := c.PushChunk(ctx, stream.Chunk{Content: "x"}); err != nil {
			t.Fatalf("PushChunk: %v", err)
		}
	}
	c.Cancel()
	after := snk.count()
	time.Sleep(50 * time.Millisecond)
	if snk.count() != after {
		t.Fatal("consumer invoked after Cancel returned")
	}
}

func TestWaitEmptyCoversInFlightDelivery(t *testing.T) {
	// Chunks leave the buffer before the consumer sees them; WaitEmpty must
	// also cover that in-flight window, not just buffer occupancy.
	snk := &sink{delay: 30 * time.Millisecond}
	c, err := New(snk.consume, Config{Buffer: buffer.Config{Capacity: 8}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Cancel()

	ctx := context.Background()
	for _, part := range []string{"one ", "two ", "three"} {
		if err := c.PushChunk(ctx, stream.Chunk{Content: part}); err != nil {
			t.Fatalf("PushChunk(%q): %v", part, err)
		}
	}
	if err := c.WaitEmpty(ctx); err != nil {
		t.Fatalf("WaitEmpty: %v", err)
	}
	if got := snk.joined(); got != "one two three" {
		t.Fatalf("WaitEmpty returned with deliveries in flight: %q", got)
	}
}

func TestWaitEmptyAndDiscardPending(t *testing.T) {
	snk := &sink{}
	c, err := New(snk.consume, Config{
		Buffer: buffer.Config{Capacity: 8, Trigger: buffer.LineBoundaryTrigger()},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Cancel()

	ctx := context.Background()
	if err := c.PushChunk(ctx, stream.Chunk{Content: "a\npartial"}); err != nil {
		t.Fatalf("PushChunk: %v", err)
	}
	if err := c.WaitEmpty(ctx); err != nil {
		t.Fatalf("WaitEmpty: %v", err)
	}
	// The completed line gets delivered; the partial line is still held.
	deadline := time.Now().Add(time.Second)
	for snk.joined() != "a\n" {
		if time.Now().After(deadline) {
			t.Fatalf("unexpected delivered content %q", snk.joined())
		}
		time.Sleep(time.Millisecond)
	}
	if n := c.DiscardPending(); n != 1 {
		t.Fatalf("expected 1 discarded chunk, got %d", n)
	}
	if c.BufferLen() != 0 {
		t.Fatalf("buffer not empty after discard: %d", c.BufferLen())
	}
}

func TestConsumerErrorCounted(t *testing.T) {
	calls := 0
	consumer := func(stream.Chunk) error {
		calls++
		return errors.New("boom")
	}
	c, err := New(consumer, Config{Buffer: buffer.Config{Capacity: 4}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := c.PushChunk(ctx, stream.Chunk{Content: "x"}); err != nil {
		t.Fatalf("PushChunk: %v", err)
	}
	if err := c.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if calls != 1 || c.DeliveryErrors() != 1 {
		t.Fatalf("expected 1 call and 1 delivery error, got %d/%d", calls, c.DeliveryErrors())
	}
}
