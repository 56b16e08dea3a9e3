// Package ratelimit implements per-key admission control for outbound
// completion calls using a lazily refilled token bucket.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultCapacity is the bucket size: up to 10 requests may burst.
	DefaultCapacity = 10.0

	// DefaultRefillRate refills one token every two seconds.
	DefaultRefillRate = 0.5
)

type bucket struct {
	tokens       float64
	lastRefillAt time.Time
}

// Limiter is a per-key token bucket. Keys are opaque session identifiers
// supplied by the caller; the limiter never assigns identity. Refill is
// computed on access, not via a timer.
type Limiter struct {
	capacity   float64
	refillRate float64 // tokens per second

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// Option configures the limiter.
type Option func(*Limiter)

// WithCapacity overrides the bucket capacity.
func WithCapacity(capacity float64) Option {
	return func(l *Limiter) {
		l.capacity = capacity
	}
}

// WithRefillRate overrides the refill rate in tokens per second.
func WithRefillRate(rate float64) Option {
	return func(l *Limiter) {
		l.refillRate = rate
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter with the default capacity and refill rate.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		capacity:   DefaultCapacity,
		refillRate: DefaultRefillRate,
		buckets:    make(map[string]*bucket),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// refill lazily tops up the bucket for key. Caller must hold l.mu.
func (l *Limiter) refill(key string) *bucket {
	b, ok := l.buckets[key]
	now := l.now()
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefillAt: now}
		l.buckets[key] = b
		return b
	}
	elapsed := now.Sub(b.lastRefillAt).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(l.capacity, b.tokens+elapsed*l.refillRate)
		b.lastRefillAt = now
	}
	return b
}

// Allow consumes one token for key if available and reports whether the
// request is admitted.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(key)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// RetryAfter returns zero if a token is currently available, otherwise the
// minimum wait for the next full token. Fractional accumulation is not
// accounted for; this is a documented approximation.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(key)
	if b.tokens >= 1 {
		return 0
	}
	ms := math.Ceil(1000 / l.refillRate)
	return time.Duration(ms) * time.Millisecond
}

// Tokens returns the whole tokens currently available for key.
func (l *Limiter) Tokens(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return int(l.refill(key).tokens)
}

// Reset restores key's bucket to full capacity.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.buckets, key)
}
