// Package retry wraps fallible operations with bounded exponential backoff
// and jitter.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/openform/assist/internal/domain"
)

// Defaults match the completion-call tuning: three attempts starting at one
// second, capped at ten.
const (
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = 10 * time.Second
	DefaultJitterFactor = 0.3
)

// Options controls one retried execution.
type Options struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64

	// RetryIf decides whether a failure is worth another attempt. Nil
	// means the default predicate: retry transient failures (429, 5xx,
	// timeout, network), never retry cancellations or other 4xx.
	RetryIf func(error) bool

	// Sleep overrides the inter-attempt sleep, for tests. Nil sleeps for
	// real, honoring ctx cancellation.
	Sleep func(context.Context, time.Duration) error
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.JitterFactor < 0 {
		o.JitterFactor = 0
	}
	if o.RetryIf == nil {
		o.RetryIf = domain.IsRetryable
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
	return o
}

// Stats describes how an execution went.
type Stats struct {
	Attempts  int
	TotalTime time.Duration
}

// Do runs op up to opts.MaxAttempts times. Between failed attempts it
// sleeps min(base * 2^(attempt-1), max) plus up to jitterFactor of that
// delay in random jitter. The last error is returned when attempts are
// exhausted or the predicate declines to retry.
func Do[T any](ctx context.Context, opts Options, op func(context.Context) (T, error)) (T, Stats, error) {
	opts = opts.withDefaults()
	start := time.Now()

	var zero T
	var lastErr error

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return value, Stats{Attempts: attempt, TotalTime: time.Since(start)}, nil
		}
		lastErr = err

		if attempt == opts.MaxAttempts || !opts.RetryIf(err) {
			return zero, Stats{Attempts: attempt, TotalTime: time.Since(start)}, err
		}

		delay := Delay(opts, attempt)
		if err := opts.Sleep(ctx, delay); err != nil {
			return zero, Stats{Attempts: attempt, TotalTime: time.Since(start)},
				domain.ErrCancelled("retry interrupted").WithCause(err)
		}
	}

	return zero, Stats{Attempts: opts.MaxAttempts, TotalTime: time.Since(start)}, lastErr
}

// Delay computes the backoff delay after the given (1-based) failed
// attempt, including jitter.
func Delay(opts Options, attempt int) time.Duration {
	opts = opts.withDefaults()
	base := float64(opts.BaseDelay) * math.Pow(2, float64(attempt-1))
	delay := math.Min(base, float64(opts.MaxDelay))
	delay += delay * opts.JitterFactor * rand.Float64()
	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
