// Package ratelimit paces producer-side retries. When the flow controller
// reports backpressure the ingest loop must slow down rather than spin; the
// pacer combines a refilling intake budget with a capped exponential delay.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// IntakeBudget is a refilling budget of push attempts. It allows a burst of
// immediate retries and then throttles to the sustained rate.
type IntakeBudget struct {
	capacity   float64
	refillRate float64 // attempts per second

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewIntakeBudget creates a budget that starts full.
func NewIntakeBudget(capacity, refillRate float64) *IntakeBudget {
	return &IntakeBudget{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: time.Now(),
	}
}

// Take consumes one attempt if available.
func (b *IntakeBudget) Take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Remaining reports the attempts currently available.
func (b *IntakeBudget) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

func (b *IntakeBudget) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Pacer sleeps between push retries with a doubling, capped delay. Wait
// resets the delay once Reset is called after a successful push.
type Pacer struct {
	base time.Duration
	max  time.Duration

	budget *IntakeBudget
	next   time.Duration
}

// NewPacer builds a pacer. base and max bound the per-retry delay; the
// budget gates how many retries may proceed without sleeping at all.
func NewPacer(base, max time.Duration, budget *IntakeBudget) *Pacer {
	if base <= 0 {
		base = 20 * time.Millisecond
	}
	if max < base {
		max = base
	}
	return &Pacer{base: base, max: max, budget: budget, next: base}
}

// Wait blocks for the current delay (skipped while the intake budget has
// attempts to spare), then doubles it up to the cap. Honors ctx.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.budget != nil && p.budget.Take() {
		return ctx.Err()
	}
	d := p.next
	p.next *= 2
	if p.next > p.max {
		p.next = p.max
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset restores the delay after a successful push.
func (p *Pacer) Reset() { p.next = p.base }
