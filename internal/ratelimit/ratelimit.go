// Package ratelimit throttles callers of the paid endpoint with per-client
// token buckets.
package ratelimit

import (
	"sync"
	"time"
)

// maxBuckets bounds the bucket map. Past it, buckets that have refilled
// completely are dropped on the next Take.
const maxBuckets = 10_000

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Decision is the outcome of a Take along with the quota it left behind.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is a token-bucket limiter keyed by client. Each key may make rate
// requests per window, refilled continuously.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int
	window  time.Duration
	now     func() time.Time
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		window:  window,
		now:     time.Now,
	}
}

// Take consumes one token for key if one is available. The returned quota
// reflects the state after the attempt.
func (l *Limiter) Take(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.buckets) >= maxBuckets {
		l.sweep(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.rate), lastRefill: now}
		l.buckets[key] = b
	}
	l.refill(b, now)

	d := Decision{Limit: l.rate}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	}
	d.Remaining = int(b.tokens)
	d.ResetAt = l.resetAt(b, now)
	return d
}

// Len reports how many keys are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// refill must be called with l.mu held.
func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * l.perSecond()
	if b.tokens > float64(l.rate) {
		b.tokens = float64(l.rate)
	}
	b.lastRefill = now
}

func (l *Limiter) perSecond() float64 {
	return float64(l.rate) / l.window.Seconds()
}

func (l *Limiter) resetAt(b *bucket, now time.Time) time.Time {
	deficit := float64(l.rate) - b.tokens
	if deficit <= 0 {
		return now
	}
	return now.Add(time.Duration(deficit / l.perSecond() * float64(time.Second)))
}

// sweep drops buckets that would be full by now. Must be called with l.mu
// held.
func (l *Limiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		l.refill(b, now)
		if b.tokens >= float64(l.rate) {
			delete(l.buckets, key)
		}
	}
}
