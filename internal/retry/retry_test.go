package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openform/assist/internal/domain"
)

func noSleep(ctx context.Context, d time.Duration) error {
	return nil
}

func TestRetryableFailureExhaustsAttempts(t *testing.T) {
	var calls int
	_, stats, err := Do(context.Background(), Options{MaxAttempts: 3, Sleep: noSleep},
		func(ctx context.Context) (string, error) {
			calls++
			return "", domain.ErrTransient("upstream 503", nil)
		})

	if err == nil {
		t.Fatal("expected error after exhausted attempts")
	}
	if calls != 3 {
		t.Fatalf("op ran %d times, want 3", calls)
	}
	if stats.Attempts != 3 {
		t.Fatalf("stats.Attempts = %d, want 3", stats.Attempts)
	}
}

func TestNonRetryableFailureStopsImmediately(t *testing.T) {
	var calls int
	_, stats, err := Do(context.Background(), Options{MaxAttempts: 3, Sleep: noSleep},
		func(ctx context.Context) (string, error) {
			calls++
			return "", domain.ErrClientRejected("invalid request")
		})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("op ran %d times, want 1", calls)
	}
	if stats.Attempts != 1 {
		t.Fatalf("stats.Attempts = %d, want 1", stats.Attempts)
	}
}

func TestCancellationIsNeverRetried(t *testing.T) {
	var calls int
	_, _, err := Do(context.Background(), Options{MaxAttempts: 5, Sleep: noSleep},
		func(ctx context.Context) (string, error) {
			calls++
			return "", domain.ErrCancelled("user closed modal")
		})

	if !domain.IsCancelled(err) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if calls != 1 {
		t.Fatalf("op ran %d times, want 1", calls)
	}
}

func TestSuccessAfterTransientFailure(t *testing.T) {
	var calls int
	value, stats, err := Do(context.Background(), Options{MaxAttempts: 3, Sleep: noSleep},
		func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", domain.ErrTransient("flaky", nil)
			}
			return "done", nil
		})

	if err != nil {
		t.Fatal(err)
	}
	if value != "done" {
		t.Fatalf("value = %q, want %q", value, "done")
	}
	if stats.Attempts != 3 {
		t.Fatalf("stats.Attempts = %d, want 3", stats.Attempts)
	}
}

func TestCustomPredicate(t *testing.T) {
	sentinel := errors.New("match me")
	var calls int
	_, _, err := Do(context.Background(), Options{
		MaxAttempts: 3,
		Sleep:       noSleep,
		RetryIf:     func(err error) bool { return errors.Is(err, sentinel) },
	}, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", sentinel
		}
		return "", errors.New("something else")
	})

	if calls != 2 {
		t.Fatalf("op ran %d times, want 2 (retry sentinel once, stop on other)", calls)
	}
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDelayGrowsExponentiallyAndCaps(t *testing.T) {
	opts := Options{BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond, JitterFactor: 0}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 400 * time.Millisecond}, // capped
	}
	for _, tc := range cases {
		if got := Delay(opts, tc.attempt); got != tc.want {
			t.Errorf("Delay(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestJitterStaysWithinBound(t *testing.T) {
	opts := Options{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterFactor: 0.5}

	for i := 0; i < 100; i++ {
		d := Delay(opts, 1)
		if d < 100*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("Delay = %v, want within [100ms, 150ms]", d)
		}
	}
}

func TestSleepHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	_, _, err := Do(ctx, Options{MaxAttempts: 3, BaseDelay: time.Minute},
		func(ctx context.Context) (string, error) {
			calls++
			return "", domain.ErrTransient("flaky", nil)
		})

	if !domain.IsCancelled(err) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if calls != 1 {
		t.Fatalf("op ran %d times, want 1 (no sleep-through on cancelled ctx)", calls)
	}
}
