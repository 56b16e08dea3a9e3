// Package dedup coalesces identical in-flight completion requests into one
// shared outcome, guaranteeing at most one concurrent identical outbound
// call.
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/openform/assist/internal/domain"
)

// DefaultMaxAge is how long an unsettled entry may live before it is
// treated as abandoned, cancelled, and swept.
const DefaultMaxAge = 30 * time.Second

type pending[T any] struct {
	done      chan struct{}
	cancel    context.CancelFunc
	createdAt time.Time

	value T
	err   error
}

// Deduplicator collapses concurrent calls with the same (key, input,
// options) into one execution of the wrapped function. Entries self-remove
// on settlement or when they exceed the max age, whichever comes first.
type Deduplicator[T any] struct {
	maxAge time.Duration

	mu      sync.Mutex
	entries map[string]*pending[T]
	now     func() time.Time
}

// Option configures the deduplicator.
type Option[T any] func(*Deduplicator[T])

// WithMaxAge overrides the abandonment age.
func WithMaxAge[T any](d time.Duration) Option[T] {
	return func(dd *Deduplicator[T]) {
		dd.maxAge = d
	}
}

// WithClock overrides the time source, for tests.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(dd *Deduplicator[T]) {
		dd.now = now
	}
}

// New creates a deduplicator.
func New[T any](opts ...Option[T]) *Deduplicator[T] {
	d := &Deduplicator[T]{
		maxAge:  DefaultMaxAge,
		entries: make(map[string]*pending[T]),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Hash produces the deterministic request identity. Input is normalized
// (trimmed, lowercased) and options are serialized with sorted keys, so two
// semantically identical requests always collide. FNV-1a is sufficient:
// correctness needs determinism and a low collision rate within a session's
// lifetime, not cryptographic strength.
func Hash(key, input string, options any) string {
	normalized := strings.ToLower(strings.TrimSpace(input))
	opts, _ := json.Marshal(options)

	h := fnv.New64a()
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write(opts)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Do executes fn for (key, input, options), or joins an identical in-flight
// call. The second return value reports whether the result was coalesced
// from a call started by another caller.
func (d *Deduplicator[T]) Do(ctx context.Context, key, input string, options any, fn func(context.Context) (T, error)) (T, bool, error) {
	hash := Hash(key, input, options)

	d.mu.Lock()
	d.sweepLocked()

	if p, ok := d.entries[hash]; ok {
		d.mu.Unlock()
		select {
		case <-p.done:
			return p.value, true, p.err
		case <-ctx.Done():
			var zero T
			return zero, true, domain.ErrCancelled("abandoned while waiting for coalesced request").WithCause(ctx.Err())
		}
	}

	callCtx, cancel := context.WithCancel(ctx)
	p := &pending[T]{
		done:      make(chan struct{}),
		cancel:    cancel,
		createdAt: d.now(),
	}
	d.entries[hash] = p
	d.mu.Unlock()

	p.value, p.err = fn(callCtx)
	close(p.done)
	cancel()

	d.mu.Lock()
	delete(d.entries, hash)
	d.mu.Unlock()

	return p.value, false, p.err
}

// Cancel aborts the in-flight call for (key, input, options), if any.
func (d *Deduplicator[T]) Cancel(key, input string, options any) {
	hash := Hash(key, input, options)

	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.entries[hash]; ok {
		p.cancel()
		delete(d.entries, hash)
	}
}

// CancelAll aborts every in-flight call.
func (d *Deduplicator[T]) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, p := range d.entries {
		p.cancel()
		delete(d.entries, hash)
	}
}

// PendingCount returns the number of in-flight entries.
func (d *Deduplicator[T]) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sweepLocked()
	return len(d.entries)
}

// sweepLocked removes entries older than maxAge and cancels their
// underlying calls. Caller must hold d.mu.
func (d *Deduplicator[T]) sweepLocked() {
	cutoff := d.now().Add(-d.maxAge)
	for hash, p := range d.entries {
		if p.createdAt.Before(cutoff) {
			p.cancel()
			delete(d.entries, hash)
		}
	}
}
