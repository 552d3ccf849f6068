package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tokligence/streamflow/internal/buffer"
	"github.com/tokligence/streamflow/internal/metrics"
	"github.com/tokligence/streamflow/internal/provider"
	"github.com/tokligence/streamflow/internal/recovery"
	"github.com/tokligence/streamflow/internal/stream"
)

// ProducerFunc (re)starts the underlying network stream for a request and
// feeds every raw frame to onEvent. It is used for the initial stream and
// for every recovery continuation.
type ProducerFunc func(ctx context.Context, req provider.ChatRequest, onEvent func(raw []byte) error) error

// StreamConfig carries every per-stream option. Zero values take the named
// defaults; options are checked once at StartStream, so a bad option is an
// immediate, typed error instead of a mid-stream surprise.
type StreamConfig struct {
	// Request is the chat request handed to the producer.
	Request provider.ChatRequest

	// Producer starts (and restarts) the network stream. Required.
	Producer ProducerFunc
	// Parse converts raw frames to chunks. Required.
	Parse stream.ParseFunc

	// Callback receives each delivered chunk when BufferChunks <= 1.
	Callback func(stream.Chunk)
	// BatchCallback receives batches when BufferChunks > 1.
	BatchCallback func([]stream.Chunk)

	// Validate and Transform are the optional user hooks of the pipeline.
	Validate  stream.ValidateFunc
	Transform stream.TransformFunc

	// BufferChunks > 1 routes delivery through the batcher.
	BufferChunks int
	BatchTimeout time.Duration

	BufferCapacity        int
	OverflowPolicy        buffer.OverflowPolicy
	FlushTrigger          buffer.Trigger
	PushTimeout           time.Duration
	BackpressureThreshold float64

	// PushRetryDelay and PushRetryMax bound the backpressure retry pacing.
	PushRetryDelay time.Duration
	PushRetryMax   time.Duration

	TrackMetrics    bool
	OnMetrics       func(metrics.StreamMetrics)
	MetricsInterval time.Duration

	StreamRecovery      bool
	RecoveryStrategy    recovery.Strategy
	MaxRecoveryAttempts int
	RecoveryBaseBackoff time.Duration
	RecoveryMaxBackoff  time.Duration
	BudgetAdjust        recovery.BudgetAdjustFunc
	Summarize           recovery.SummarizeFunc

	// ContinuationFormatter builds the resume request. Defaults to the
	// provider registry's strategy for Request.Model.
	Continuation provider.ContinuationFormatter
	// ModelFamily tags ledger rows and engine metrics.
	ModelFamily string

	// OnParseError surfaces malformed frames when set; they are always
	// counted and skipped either way.
	OnParseError func(error)

	Logger *log.Logger
}

const (
	defaultMetricsInterval = time.Second
	defaultPushRetryDelay  = 20 * time.Millisecond
	defaultPushRetryMax    = 500 * time.Millisecond
	defaultBatchTimeout    = 100 * time.Millisecond
)

func (c *StreamConfig) withDefaults() {
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = defaultMetricsInterval
	}
	if c.PushRetryDelay <= 0 {
		c.PushRetryDelay = defaultPushRetryDelay
	}
	if c.PushRetryMax < c.PushRetryDelay {
		c.PushRetryMax = defaultPushRetryMax
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}
	if c.RecoveryStrategy == "" {
		c.RecoveryStrategy = recovery.StrategySentence
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = 3
	}
}

// validate rejects impossible options before any goroutine starts.
func (c *StreamConfig) validate() error {
	if c.Producer == nil {
		return fmt.Errorf("streamflow: producer required")
	}
	if c.Parse == nil {
		return fmt.Errorf("streamflow: parse func required")
	}
	if c.BufferChunks > 1 {
		if c.BatchCallback == nil {
			return fmt.Errorf("streamflow: batch callback required when buffer_chunks > 1")
		}
	} else if c.Callback == nil {
		return fmt.Errorf("streamflow: callback required")
	}
	if c.BufferCapacity < 0 {
		return fmt.Errorf("streamflow: buffer_capacity must be >= 0, got %d", c.BufferCapacity)
	}
	if t := c.BackpressureThreshold; t != 0 && (t <= 0 || t >= 1) {
		return fmt.Errorf("streamflow: backpressure_threshold must be in (0,1), got %v", t)
	}
	if c.StreamRecovery && !c.RecoveryStrategy.Valid() {
		return fmt.Errorf("streamflow: unknown recovery_strategy %q", c.RecoveryStrategy)
	}
	switch c.OverflowPolicy {
	case "", buffer.Block, buffer.DropOldest, buffer.DropNewest:
	default:
		return fmt.Errorf("streamflow: unknown overflow_policy %q", c.OverflowPolicy)
	}
	return nil
}

func (c *StreamConfig) recoveryOptions() recovery.Options {
	return recovery.Options{
		Strategy:     c.RecoveryStrategy,
		MaxAttempts:  c.MaxRecoveryAttempts,
		BaseBackoff:  c.RecoveryBaseBackoff,
		MaxBackoff:   c.RecoveryMaxBackoff,
		BudgetAdjust: c.BudgetAdjust,
		Summarize:    c.Summarize,
	}.WithDefaults()
}
