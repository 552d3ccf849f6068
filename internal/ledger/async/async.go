// Package async wraps a ledger.Store with asynchronous batch writes, so
// recording a terminal session never stalls the coordinator.
package async

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tokligence/streamflow/internal/ledger"
)

// Store queues outcomes in memory and writes them in batches. Outcomes may
// be lost if the process crashes before flushing.
type Store struct {
	underlying    ledger.Store
	outcomeChan   chan ledger.Outcome
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
	logger        *log.Logger
}

// Config configures the async wrapper.
type Config struct {
	BatchSize     int           // maximum outcomes per batch (default 50)
	FlushInterval time.Duration // maximum time between flushes (default 1s)
	ChannelBuffer int           // queue size (default 1024)
	Logger        *log.Logger
}

// New wraps an existing store with async batch writing.
func New(underlying ledger.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 1024
	}

	s := &Store{
		underlying:    underlying,
		outcomeChan:   make(chan ledger.Outcome, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		stopChan:      make(chan struct{}),
		logger:        cfg.Logger,
	}
	s.wg.Add(1)
	go s.batchWriter()
	return s
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Store) batchWriter() {
	defer s.wg.Done()

	batch := make([]ledger.Outcome, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx := context.Background()
		written := 0
		for _, o := range batch {
			if err := s.underlying.Record(ctx, o); err != nil {
				s.logf("[async-ledger] write failed session=%s: %v", o.SessionID, err)
			} else {
				written++
			}
		}
		s.logf("[async-ledger] flushed %d/%d outcomes", written, len(batch))
		batch = batch[:0]
	}

	for {
		select {
		case o := <-s.outcomeChan:
			batch = append(batch, o)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stopChan:
			close(s.outcomeChan)
			for o := range s.outcomeChan {
				batch = append(batch, o)
				if len(batch) >= s.batchSize {
					flush()
				}
			}
			flush()
			return
		}
	}
}

// Record queues an outcome without blocking; a full queue drops the record
// with a warning rather than stalling stream teardown.
func (s *Store) Record(ctx context.Context, o ledger.Outcome) error {
	select {
	case s.outcomeChan <- o:
		return nil
	default:
		s.logf("[async-ledger] queue full, dropping outcome session=%s", o.SessionID)
		return nil
	}
}

// Summary delegates to the underlying store.
func (s *Store) Summary(ctx context.Context, modelFamily string) (ledger.Summary, error) {
	return s.underlying.Summary(ctx, modelFamily)
}

// ListRecent delegates to the underlying store.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]ledger.Outcome, error) {
	return s.underlying.ListRecent(ctx, limit)
}

// Close flushes the queue and closes the underlying store.
func (s *Store) Close() error {
	close(s.stopChan)
	s.wg.Wait()
	return s.underlying.Close()
}
