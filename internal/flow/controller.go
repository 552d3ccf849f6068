// Package flow implements the backpressure engine. Each controller owns a
// bounded chunk buffer and a dedicated delivery goroutine that drains it
// into the consumer; pushes are rejected with ErrBackpressure once buffer
// occupancy crosses the configured threshold, so producer arrival rate is
// decoupled from consumer processing rate without unbounded memory growth.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/tokligence/streamflow/internal/buffer"
	"github.com/tokligence/streamflow/internal/metrics"
	"github.com/tokligence/streamflow/internal/stream"
)

// ConsumerFunc receives each delivered chunk on the delivery goroutine.
type ConsumerFunc func(stream.Chunk) error

// Config configures a Controller.
type Config struct {
	Buffer                buffer.Config
	BackpressureThreshold float64
	Logger                *log.Logger
}

const defaultThreshold = 0.8

// pollInterval bounds how long the delivery loop sleeps between checks when
// no push has signalled it; time-based flush triggers depend on it.
const pollInterval = 5 * time.Millisecond

// Controller pairs a producer-facing push path with a consumer-facing
// delivery loop, communicating only through the buffer.
type Controller struct {
	buf       *buffer.Buffer
	consumer  ConsumerFunc
	threshold float64
	tracker   *metrics.Tracker
	logger    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	completing atomic.Bool
	delivering atomic.Bool
	drained    chan struct{}
	loopDone   chan struct{}

	deliveryErrs atomic.Uint64
}

// New validates the config and starts the delivery loop.
func New(consumer ConsumerFunc, cfg Config) (*Controller, error) {
	if consumer == nil {
		return nil, errors.New("flow: consumer required")
	}
	if cfg.BackpressureThreshold == 0 {
		cfg.BackpressureThreshold = defaultThreshold
	}
	if cfg.BackpressureThreshold <= 0 || cfg.BackpressureThreshold >= 1 {
		return nil, fmt.Errorf("flow: backpressure_threshold must be in (0,1), got %v", cfg.BackpressureThreshold)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		buf:       buffer.New(cfg.Buffer),
		consumer:  consumer,
		threshold: cfg.BackpressureThreshold,
		tracker:   metrics.NewTracker(),
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		drained:   make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	go c.deliveryLoop()
	return c, nil
}

func (c *Controller) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// PushChunk enqueues a chunk for delivery. Once occupancy/capacity exceeds
// the threshold it returns ErrBackpressure instead; the caller is expected
// to pause and retry.
func (c *Controller) PushChunk(ctx context.Context, ch stream.Chunk) error {
	if c.completing.Load() {
		return stream.ErrSessionTerminal
	}
	occ := float64(c.buf.Len()) / float64(c.buf.Capacity())
	if occ > c.threshold {
		c.tracker.RecordBackpressure()
		return stream.ErrBackpressure
	}
	if err := c.buf.Push(ctx, ch); err != nil {
		return err
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Complete blocks until every buffered chunk has been delivered, then stops
// the delivery loop. Safe to call once per controller.
func (c *Controller) Complete(ctx context.Context) error {
	c.completing.Store(true)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	select {
	case <-c.drained:
		c.tracker.Finish()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the delivery loop without draining. No consumer invocation
// happens after Cancel returns.
func (c *Controller) Cancel() {
	c.cancel()
	<-c.loopDone
	c.buf.Drain()
	c.tracker.Finish()
}

// Tracker exposes the per-session counters for the ingest path.
func (c *Controller) Tracker() *metrics.Tracker { return c.tracker }

// Metrics returns a snapshot including buffer peak occupancy and drops.
func (c *Controller) Metrics() metrics.StreamMetrics {
	return c.tracker.Snapshot(c.buf.Peak(), c.buf.Dropped())
}

// WaitEmpty blocks until nothing deliverable remains buffered and the
// delivery loop holds no flushed-but-undelivered chunks. Used by stream
// recovery so a checkpoint never races a delivery still in flight; content
// held back by a flush trigger stays put.
func (c *Controller) WaitEmpty(ctx context.Context) error {
	for c.buf.Ready() || c.delivering.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return nil
}

// DiscardPending drops undelivered chunks, returning how many were held.
// Recovery uses it so stale pre-interruption fragments never surface after
// the checkpoint truncated them away.
func (c *Controller) DiscardPending() int {
	return len(c.buf.Drain())
}

// DeliveryErrors counts consumer callbacks that returned an error.
func (c *Controller) DeliveryErrors() uint64 { return c.deliveryErrs.Load() }

// BufferLen reports current occupancy, for tests and status endpoints.
func (c *Controller) BufferLen() int { return c.buf.Len() }

func (c *Controller) deliveryLoop() {
	defer close(c.loopDone)
	defer c.delivering.Store(false)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		case <-ticker.C:
		}

		// The delivering flag is raised before Flush removes anything from
		// the buffer, so WaitEmpty observes either the chunks in the buffer
		// or the flag, never a gap between the two.
		c.delivering.Store(true)
		completing := c.completing.Load()
		for c.buf.Ready() || (completing && c.buf.Len() > 0) {
			var out []stream.Chunk
			if completing {
				out = c.buf.Drain()
			} else {
				out = c.buf.Flush()
			}
			if len(out) == 0 {
				break
			}
			for _, ch := range out {
				select {
				case <-c.ctx.Done():
					return
				default:
				}
				if err := c.consumer(ch); err != nil {
					c.deliveryErrs.Add(1)
					c.logf("delivery error seq=%d: %v", ch.Sequence, err)
				}
				c.tracker.RecordChunk(len(ch.Content))
			}
			completing = c.completing.Load()
		}
		c.delivering.Store(false)

		if c.completing.Load() && c.buf.Len() == 0 {
			close(c.drained)
			return
		}
	}
}
