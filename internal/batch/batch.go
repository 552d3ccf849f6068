// Package batch groups consecutive chunks into delivery batches. A single
// owner goroutine holds the accumulator, so batches never interleave.
package batch

import (
	"time"

	"github.com/tokligence/streamflow/internal/stream"
)

// Handler receives each emitted batch.
type Handler func([]stream.Chunk)

// Config configures a Batcher.
type Config struct {
	// BatchSize triggers emission once this many chunks accumulate.
	BatchSize int
	// BatchTimeout triggers emission this long after the first unflushed
	// chunk arrived, whichever fires first.
	BatchTimeout time.Duration
}

const (
	defaultBatchSize    = 10
	defaultBatchTimeout = 100 * time.Millisecond
)

type flushReq struct {
	done chan struct{}
}

// Batcher accumulates chunks and hands them to the handler in order.
type Batcher struct {
	size    int
	timeout time.Duration
	handler Handler

	addCh   chan stream.Chunk
	flushCh chan flushReq
	stopCh  chan struct{}
	doneCh  chan struct{}

	abort bool
}

// New starts the owner goroutine. The handler must not be nil.
func New(cfg Config, handler Handler) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	b := &Batcher{
		size:    cfg.BatchSize,
		timeout: cfg.BatchTimeout,
		handler: handler,
		addCh:   make(chan stream.Chunk, cfg.BatchSize),
		flushCh: make(chan flushReq),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go b.run()
	return b
}

// Add queues a chunk for batching. Blocks only while the owner goroutine is
// mid-emission with a full channel.
func (b *Batcher) Add(c stream.Chunk) {
	select {
	case b.addCh <- c:
	case <-b.doneCh:
	}
}

// Flush forces immediate emission of the partial batch and waits for the
// handler to return. A flush with nothing accumulated emits nothing.
func (b *Batcher) Flush() {
	req := flushReq{done: make(chan struct{})}
	select {
	case b.flushCh <- req:
		<-req.done
	case <-b.doneCh:
	}
}

// Close flushes the remaining partial batch and stops the owner goroutine.
func (b *Batcher) Close() {
	select {
	case <-b.doneCh:
		return
	default:
	}
	b.Flush()
	close(b.stopCh)
	<-b.doneCh
}

// Abort stops the owner goroutine without emitting anything further. Used on
// cancellation, where no callback may fire afterwards.
func (b *Batcher) Abort() {
	select {
	case <-b.doneCh:
		return
	default:
	}
	b.abort = true
	close(b.stopCh)
	<-b.doneCh
}

func (b *Batcher) run() {
	defer close(b.doneCh)

	acc := make([]stream.Chunk, 0, b.size)
	timer := time.NewTimer(b.timeout)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	emit := func() {
		if len(acc) == 0 {
			return
		}
		out := acc
		acc = make([]stream.Chunk, 0, b.size)
		if armed {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			armed = false
		}
		b.handler(out)
	}

	for {
		select {
		case c := <-b.addCh:
			acc = append(acc, c)
			if len(acc) == 1 {
				timer.Reset(b.timeout)
				armed = true
			}
			if len(acc) >= b.size {
				emit()
			}

		case <-timer.C:
			armed = false
			emit()

		case req := <-b.flushCh:
			// Drain anything already queued so the flush is complete.
			for drained := false; !drained; {
				select {
				case c := <-b.addCh:
					acc = append(acc, c)
				default:
					drained = true
				}
			}
			emit()
			close(req.done)

		case <-b.stopCh:
			if !b.abort {
				for drained := false; !drained; {
					select {
					case c := <-b.addCh:
						acc = append(acc, c)
					default:
						drained = true
					}
				}
				emit()
			}
			return
		}
	}
}
