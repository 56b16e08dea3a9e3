package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openform/assist/internal/domain"
)

func TestIdenticalConcurrentCallsCoalesce(t *testing.T) {
	d := New[string]()

	var calls atomic.Int32
	release := make(chan struct{})

	fn := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "result", nil
	}

	opts := map[string]any{"maxTokens": 200}

	var wg sync.WaitGroup
	results := make([]string, 2)
	coalesced := make([]bool, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], coalesced[0], _ = d.Do(context.Background(), "financialSituation", "  My Income ", opts, fn)
	}()

	// Let the first call register before joining it. Normalization means
	// the differently-cased input maps to the same hash.
	waitFor(t, func() bool { return d.PendingCount() == 1 })

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], coalesced[1], _ = d.Do(context.Background(), "financialSituation", "my income", opts, fn)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("wrapped fn ran %d times, want 1", got)
	}
	if results[0] != "result" || results[1] != "result" {
		t.Fatalf("results = %q, %q, want shared %q", results[0], results[1], "result")
	}
	if !coalesced[0] && !coalesced[1] {
		t.Fatal("one of the two calls should have been coalesced")
	}
}

func TestDifferentInputsRunSeparately(t *testing.T) {
	d := New[string]()

	var calls atomic.Int32
	fn := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "ok", nil
	}

	if _, _, err := d.Do(context.Background(), "field", "input one", nil, fn); err != nil {
		t.Fatal(err)
	}
	if _, _, err := d.Do(context.Background(), "field", "input two", nil, fn); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("wrapped fn ran %d times, want 2", got)
	}
}

func TestEntryRemovedOnSettlement(t *testing.T) {
	d := New[string]()

	var calls atomic.Int32
	fn := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "ok", nil
	}

	d.Do(context.Background(), "field", "same", nil, fn)
	d.Do(context.Background(), "field", "same", nil, fn)

	// Sequential identical calls each run: the first settled and removed
	// its entry before the second arrived.
	if got := calls.Load(); got != 2 {
		t.Fatalf("wrapped fn ran %d times, want 2", got)
	}
	if got := d.PendingCount(); got != 0 {
		t.Fatalf("PendingCount = %d, want 0", got)
	}
}

func TestExpiredEntriesAreSweptAndCancelled(t *testing.T) {
	now := time.Unix(1700000000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	d := New[string](WithMaxAge[string](30*time.Second), WithClock[string](clock))

	started := make(chan struct{})
	cancelled := make(chan struct{})
	go d.Do(context.Background(), "field", "stale", nil, func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return "", domain.ErrCancelled("swept")
	})

	<-started
	waitFor(t, func() bool { return d.PendingCount() == 1 })

	mu.Lock()
	now = now.Add(31 * time.Second)
	mu.Unlock()

	if got := d.PendingCount(); got != 0 {
		t.Fatalf("PendingCount after expiry = %d, want 0", got)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("sweep did not cancel the abandoned call")
	}
}

func TestCancelAbortsInFlight(t *testing.T) {
	d := New[string]()

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, _, err := d.Do(context.Background(), "field", "input", nil, func(ctx context.Context) (string, error) {
			close(started)
			<-ctx.Done()
			return "", domain.ErrCancelled("aborted").WithCause(ctx.Err())
		})
		errCh <- err
	}()

	<-started
	d.Cancel("field", "input", nil)

	select {
	case err := <-errCh:
		if !domain.IsCancelled(err) {
			t.Fatalf("err = %v, want cancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Cancel did not abort the in-flight call")
	}
}

func TestHashDeterminism(t *testing.T) {
	a := Hash("field", " Hello World ", map[string]any{"b": 2, "a": 1})
	b := Hash("field", "hello world", map[string]any{"a": 1, "b": 2})
	if a != b {
		t.Fatalf("equivalent requests hashed differently: %s vs %s", a, b)
	}
	c := Hash("field", "hello world", map[string]any{"a": 1, "b": 3})
	if a == c {
		t.Fatal("different options should hash differently")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
