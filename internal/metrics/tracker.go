// Package metrics tracks per-stream throughput and process-wide engine
// counters. Per-stream counters are written by the delivery loop only and
// read by anyone, so plain atomics suffice; snapshots are value copies.
package metrics

import (
	"sync/atomic"
	"time"
)

// StreamMetrics is a point-in-time snapshot of one stream session.
type StreamMetrics struct {
	ChunksReceived      uint64        `json:"chunks_received"`
	BytesReceived       uint64        `json:"bytes_received"`
	ChunksPerSecond     float64       `json:"chunks_per_second"`
	BytesPerSecond      float64       `json:"bytes_per_second"`
	Duration            time.Duration `json:"duration_ms"`
	BackpressureEvents  uint64        `json:"backpressure_events"`
	BufferPeakOccupancy int           `json:"buffer_peak_occupancy"`
	DroppedChunks       uint64        `json:"dropped_chunks"`
	ParseErrors         uint64        `json:"parse_errors"`
	ValidationRejects   uint64        `json:"validation_rejects"`
}

// Tracker accumulates counters for a single stream session.
type Tracker struct {
	started time.Time

	chunks       atomic.Uint64
	bytes        atomic.Uint64
	backpressure atomic.Uint64
	parseErrs    atomic.Uint64
	rejects      atomic.Uint64

	// finished, when non-zero, freezes the duration used for rates.
	finished atomic.Int64
}

// NewTracker starts the session clock.
func NewTracker() *Tracker {
	return &Tracker{started: time.Now()}
}

// RecordChunk counts one delivered chunk of n content bytes.
func (t *Tracker) RecordChunk(n int) {
	t.chunks.Add(1)
	t.bytes.Add(uint64(n))
}

// RecordBackpressure counts one rejected push.
func (t *Tracker) RecordBackpressure() { t.backpressure.Add(1) }

// RecordParseError counts one malformed frame.
func (t *Tracker) RecordParseError() { t.parseErrs.Add(1) }

// RecordValidationReject counts one chunk dropped by the user predicate.
func (t *Tracker) RecordValidationReject() { t.rejects.Add(1) }

// Finish freezes the duration; further snapshots report final rates.
func (t *Tracker) Finish() {
	t.finished.CompareAndSwap(0, time.Now().UnixNano())
}

// ChunksReceived returns the delivered-chunk count.
func (t *Tracker) ChunksReceived() uint64 { return t.chunks.Load() }

// BytesReceived returns the delivered byte count.
func (t *Tracker) BytesReceived() uint64 { return t.bytes.Load() }

// Snapshot computes current rates. The caller supplies buffer peak occupancy
// and drop count, which live with the buffer.
func (t *Tracker) Snapshot(peak int, dropped uint64) StreamMetrics {
	end := time.Now()
	if ns := t.finished.Load(); ns != 0 {
		end = time.Unix(0, ns)
	}
	elapsed := end.Sub(t.started)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	chunks := t.chunks.Load()
	bytes := t.bytes.Load()
	secs := elapsed.Seconds()
	return StreamMetrics{
		ChunksReceived:      chunks,
		BytesReceived:       bytes,
		ChunksPerSecond:     float64(chunks) / secs,
		BytesPerSecond:      float64(bytes) / secs,
		Duration:            elapsed,
		BackpressureEvents:  t.backpressure.Load(),
		BufferPeakOccupancy: peak,
		DroppedChunks:       dropped,
		ParseErrors:         t.parseErrs.Load(),
		ValidationRejects:   t.rejects.Load(),
	}
}
