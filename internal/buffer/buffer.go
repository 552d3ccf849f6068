// Package buffer implements the bounded chunk buffer between the producer
// ingest path and the consumer delivery loop. Occupancy never exceeds
// capacity; under the block policy a push waits for space instead of losing
// a chunk.
package buffer

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokligence/streamflow/internal/stream"
)

// OverflowPolicy controls what Push does when the buffer is full.
type OverflowPolicy string

const (
	// Block suspends the caller until space frees or PushTimeout elapses.
	Block OverflowPolicy = "block"
	// DropOldest evicts the oldest pending chunk and always succeeds.
	DropOldest OverflowPolicy = "drop_oldest"
	// DropNewest discards the incoming chunk and always succeeds.
	DropNewest OverflowPolicy = "drop_newest"
)

// TriggerKind selects the flush trigger.
type TriggerKind int

const (
	// TriggerImmediate makes Flush return everything pending.
	TriggerImmediate TriggerKind = iota
	// TriggerSize holds chunks until at least Size are pending.
	TriggerSize
	// TriggerInterval holds chunks until Interval has passed since the
	// first pending chunk arrived.
	TriggerInterval
	// TriggerLineBoundary releases only content up to the last newline;
	// the trailing partial line stays buffered for the next push.
	TriggerLineBoundary
)

// Trigger configures when buffered chunks become eligible for flushing.
// The zero value is TriggerImmediate.
type Trigger struct {
	Kind     TriggerKind
	Size     int
	Interval time.Duration
}

func SizeTrigger(n int) Trigger             { return Trigger{Kind: TriggerSize, Size: n} }
func IntervalTrigger(d time.Duration) Trigger { return Trigger{Kind: TriggerInterval, Interval: d} }
func LineBoundaryTrigger() Trigger          { return Trigger{Kind: TriggerLineBoundary} }

// Config configures a Buffer.
type Config struct {
	Capacity    int
	Overflow    OverflowPolicy
	Trigger     Trigger
	PushTimeout time.Duration // block policy only
}

const (
	defaultCapacity    = 256
	defaultPushTimeout = 5 * time.Second
)

func (c *Config) withDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.Overflow == "" {
		c.Overflow = Block
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = defaultPushTimeout
	}
}

// Buffer is a bounded FIFO of pending chunks. The slot semaphore bounds
// occupancy; the mutex guards the pending slice and trigger bookkeeping.
type Buffer struct {
	cfg Config

	slots chan struct{}

	mu      sync.Mutex
	pending []stream.Chunk
	firstAt time.Time
	peak    int

	dropped atomic.Uint64
}

// New creates a buffer, applying defaults for unset fields.
func New(cfg Config) *Buffer {
	cfg.withDefaults()
	return &Buffer{
		cfg:   cfg,
		slots: make(chan struct{}, cfg.Capacity),
	}
}

// Push appends a chunk. Behaviour when full depends on the overflow policy:
// Block waits up to PushTimeout and then returns ErrPushTimeout; the drop
// policies never block, evict per policy, count the loss and succeed.
func (b *Buffer) Push(ctx context.Context, c stream.Chunk) error {
	select {
	case b.slots <- struct{}{}:
		b.append(c)
		return nil
	default:
	}

	switch b.cfg.Overflow {
	case DropOldest:
		b.mu.Lock()
		if len(b.pending) > 0 {
			b.pending = b.pending[1:]
			b.dropped.Add(1)
		}
		b.appendLocked(c)
		b.mu.Unlock()
		return nil
	case DropNewest:
		b.dropped.Add(1)
		return nil
	}

	timer := time.NewTimer(b.cfg.PushTimeout)
	defer timer.Stop()
	select {
	case b.slots <- struct{}{}:
		b.append(c)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return stream.ErrPushTimeout
	}
}

func (b *Buffer) append(c stream.Chunk) {
	b.mu.Lock()
	b.appendLocked(c)
	b.mu.Unlock()
}

// appendLocked is the single insert path; every entry into pending goes
// through it so the interval clock and the peak counter never drift.
func (b *Buffer) appendLocked(c stream.Chunk) {
	if len(b.pending) == 0 {
		b.firstAt = time.Now()
	}
	b.pending = append(b.pending, c)
	if len(b.pending) > b.peak {
		b.peak = len(b.pending)
	}
}

// Ready reports whether the configured trigger allows a flush to emit.
func (b *Buffer) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return false
	}
	switch b.cfg.Trigger.Kind {
	case TriggerSize:
		return len(b.pending) >= b.cfg.Trigger.Size
	case TriggerInterval:
		return time.Since(b.firstAt) >= b.cfg.Trigger.Interval
	case TriggerLineBoundary:
		for _, c := range b.pending {
			if strings.ContainsRune(c.Content, '\n') || c.Terminal() {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// Flush removes and returns the eligible pending chunks in push order.
// Under TriggerLineBoundary only content up to the last newline is emitted;
// the trailing partial line is retained so a consumer never receives a
// split line. Calling Flush with nothing eligible returns nil.
func (b *Buffer) Flush() []stream.Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	if b.cfg.Trigger.Kind == TriggerLineBoundary {
		return b.flushToLineBoundary()
	}
	out := b.pending
	b.pending = nil
	b.release(len(out))
	return out
}

// flushToLineBoundary splits the pending run at the last newline. The chunk
// containing it may itself be split; its remainder stays buffered with the
// same sequence number.
func (b *Buffer) flushToLineBoundary() []stream.Chunk {
	split := -1
	for i := len(b.pending) - 1; i >= 0; i-- {
		if strings.ContainsRune(b.pending[i].Content, '\n') {
			split = i
			break
		}
	}
	if split < 0 {
		// Nothing complete; a terminal chunk still drains everything so a
		// finish signal is never stranded.
		if last := b.pending[len(b.pending)-1]; last.Terminal() {
			out := b.pending
			b.pending = nil
			b.release(len(out))
			return out
		}
		return nil
	}

	boundary := b.pending[split]
	cut := strings.LastIndexByte(boundary.Content, '\n') + 1

	out := make([]stream.Chunk, 0, split+1)
	out = append(out, b.pending[:split]...)

	if cut >= len(boundary.Content) {
		out = append(out, boundary)
		b.pending = append([]stream.Chunk(nil), b.pending[split+1:]...)
		b.release(split + 1)
		return out
	}

	head := boundary
	head.Content = boundary.Content[:cut]
	head.FinishReason = stream.FinishNone
	out = append(out, head)

	tail := boundary
	tail.Content = boundary.Content[cut:]
	rest := append([]stream.Chunk{tail}, b.pending[split+1:]...)
	b.pending = rest
	b.release(split)
	return out
}

// Drain removes and returns everything pending, including any partial line
// held back by the line-boundary trigger. Used at stream completion.
func (b *Buffer) Drain() []stream.Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	b.release(len(out))
	return out
}

func (b *Buffer) release(n int) {
	for i := 0; i < n; i++ {
		select {
		case <-b.slots:
		default:
		}
	}
	if len(b.pending) == 0 {
		b.firstAt = time.Time{}
	}
}

// Len returns current occupancy.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Capacity returns the configured bound.
func (b *Buffer) Capacity() int { return b.cfg.Capacity }

// Dropped returns how many chunks the drop policies evicted or discarded.
func (b *Buffer) Dropped() uint64 { return b.dropped.Load() }

// Peak returns the highest occupancy observed.
func (b *Buffer) Peak() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}
