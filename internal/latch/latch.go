// Package latch provides a resettable one-shot signal with bounded waits.
//
// A Latch is set by a transport goroutine and waited on by the scenario
// goroutine. Setting is idempotent and never blocks. Sets are not counted:
// two Set calls before a Wait are observed as one.
package latch

import (
	"context"
	"sync"
	"time"
)

// Latch is a one-shot signal that can be re-armed with Reset.
//
// The zero value is not usable; create latches with New.
type Latch struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// New returns an unset Latch.
func New() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Set marks the latch as fired and releases every current waiter.
// Safe to call from any goroutine, any number of times.
func (l *Latch) Set() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.set {
		return
	}
	l.set = true
	close(l.ch)
}

// Reset re-arms a fired latch. Resetting an unset latch is a no-op, so
// waiters blocked on the current generation are never orphaned.
func (l *Latch) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.set {
		return
	}
	l.set = false
	l.ch = make(chan struct{})
}

// IsSet reports whether the latch is currently fired.
func (l *Latch) IsSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

// Done returns a channel closed when the current generation fires.
// The channel is replaced by Reset.
func (l *Latch) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}

// Wait blocks until the latch fires or timeout elapses.
// It returns true when the latch fired. A non-positive timeout polls.
func (l *Latch) Wait(timeout time.Duration) bool {
	return l.WaitContext(context.Background(), timeout)
}

// WaitContext is Wait with an additional cancellation source. It returns
// false when ctx is done before the latch fires.
func (l *Latch) WaitContext(ctx context.Context, timeout time.Duration) bool {
	done := l.Done()

	select {
	case <-done:
		return true
	default:
	}

	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
