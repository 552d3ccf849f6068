package metrics

import (
	"sync"
	"time"
)

// Collector aggregates engine-wide counters across stream sessions.
type Collector struct {
	mu sync.RWMutex

	sessionsStarted   int64
	sessionsByState   map[string]int64
	sessionsActive    int64
	chunksDelivered   int64
	bytesDelivered    int64
	recoveryAttempts  int64
	backpressureTotal int64

	chunksByFamily map[string]int64
	bytesByFamily  map[string]int64

	startTime time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		sessionsByState: make(map[string]int64),
		chunksByFamily:  make(map[string]int64),
		bytesByFamily:   make(map[string]int64),
		startTime:       time.Now(),
	}
}

// RecordSessionStart counts a new session.
func (c *Collector) RecordSessionStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionsStarted++
	c.sessionsActive++
}

// RecordSessionEnd folds a terminal session into the totals.
func (c *Collector) RecordSessionEnd(family, state string, m StreamMetrics, recoveryAttempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionsByState[state]++
	if c.sessionsActive > 0 {
		c.sessionsActive--
	}
	c.chunksDelivered += int64(m.ChunksReceived)
	c.bytesDelivered += int64(m.BytesReceived)
	c.backpressureTotal += int64(m.BackpressureEvents)
	c.recoveryAttempts += int64(recoveryAttempts)
	if family != "" {
		c.chunksByFamily[family] += int64(m.ChunksReceived)
		c.bytesByFamily[family] += int64(m.BytesReceived)
	}
}

// EngineSnapshot is a copy of the collector state.
type EngineSnapshot struct {
	UptimeSeconds     int64            `json:"uptime_seconds"`
	SessionsStarted   int64            `json:"sessions_started"`
	SessionsActive    int64            `json:"sessions_active"`
	SessionsByState   map[string]int64 `json:"sessions_by_state"`
	ChunksDelivered   int64            `json:"chunks_delivered"`
	BytesDelivered    int64            `json:"bytes_delivered"`
	RecoveryAttempts  int64            `json:"recovery_attempts"`
	BackpressureTotal int64            `json:"backpressure_total"`
	ChunksByFamily    map[string]int64 `json:"chunks_by_family"`
	BytesByFamily     map[string]int64 `json:"bytes_by_family"`
}

// Snapshot returns a deep copy safe for concurrent readers.
func (c *Collector) Snapshot() EngineSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return EngineSnapshot{
		UptimeSeconds:     int64(time.Since(c.startTime).Seconds()),
		SessionsStarted:   c.sessionsStarted,
		SessionsActive:    c.sessionsActive,
		SessionsByState:   copyMap(c.sessionsByState),
		ChunksDelivered:   c.chunksDelivered,
		BytesDelivered:    c.bytesDelivered,
		RecoveryAttempts:  c.recoveryAttempts,
		BackpressureTotal: c.backpressureTotal,
		ChunksByFamily:    copyMap(c.chunksByFamily),
		BytesByFamily:     copyMap(c.bytesByFamily),
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
