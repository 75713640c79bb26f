package latch_test

import (
	"context"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"go.uber.org/goleak"

	"github.com/dantte-lp/quicmig/internal/latch"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWaitTimesOutWhenUnset(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l := latch.New()

		start := time.Now()
		if l.Wait(2 * time.Second) {
			t.Fatal("Wait() = true on unset latch")
		}
		if got := time.Since(start); got != 2*time.Second {
			t.Errorf("Wait() returned after %v, want 2s", got)
		}
	})
}

func TestSetReleasesWaiter(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l := latch.New()

		go func() {
			time.Sleep(100 * time.Millisecond)
			l.Set()
		}()

		start := time.Now()
		if !l.Wait(time.Second) {
			t.Fatal("Wait() = false, want true")
		}
		if got := time.Since(start); got != 100*time.Millisecond {
			t.Errorf("Wait() returned after %v, want 100ms", got)
		}
	})
}

func TestSetIsIdempotent(t *testing.T) {
	t.Parallel()

	l := latch.New()
	l.Set()
	l.Set()

	if !l.IsSet() {
		t.Fatal("IsSet() = false after Set")
	}
	if !l.Wait(0) {
		t.Error("Wait(0) = false after Set")
	}

	// Sets do not queue: one reset clears both.
	l.Reset()
	if l.Wait(0) {
		t.Error("Wait(0) = true after Reset")
	}
}

func TestResetUnsetIsNoop(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l := latch.New()

		var got bool
		var wg sync.WaitGroup
		wg.Go(func() {
			got = l.Wait(time.Second)
		})

		synctest.Wait()
		l.Reset()
		l.Set()
		wg.Wait()

		if !got {
			t.Error("waiter was orphaned by Reset of an unset latch")
		}
	})
}

func TestResetRearmsAcrossIterations(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l := latch.New()

		for i := range 50 {
			go l.Set()
			if !l.Wait(time.Second) {
				t.Fatalf("iteration %d: Wait() = false", i)
			}
			l.Reset()
			if l.IsSet() {
				t.Fatalf("iteration %d: latch still set after Reset", i)
			}
		}
	})
}

func TestWaitContextCancelled(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l := latch.New()
		ctx, cancel := context.WithCancel(t.Context())

		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		if l.WaitContext(ctx, time.Hour) {
			t.Error("WaitContext() = true after cancel")
		}
	})
}

func TestConcurrentSetters(t *testing.T) {
	t.Parallel()

	l := latch.New()

	var wg sync.WaitGroup
	for range 16 {
		wg.Go(l.Set)
	}
	wg.Wait()

	if !l.Wait(0) {
		t.Error("Wait(0) = false after concurrent Set")
	}
}
