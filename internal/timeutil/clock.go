// Package timeutil provides a testable abstraction over the timing used by
// the refinement worker and the acquisition loop.
package timeutil

import (
	"sync"
	"time"
)

// Clock provides an abstraction over time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration since t.
	Since(t time.Time) time.Duration

	// NewTimer creates a Timer that fires once after at least d.
	NewTimer(d time.Duration) Timer
}

// Timer represents a single event timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (RealClock) NewTimer(d time.Duration) Timer {
	return realTimer{time.NewTimer(d)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// MockClock is a manually controlled clock for testing. Timers fire only
// when Advance moves the clock past their deadline.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*mockWaiter
}

// NewMockClock creates a new MockClock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the mocked duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance moves the clock forward and fires every expired waiter.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	waiters := append([]*mockWaiter(nil), c.waiters...)
	c.mu.Unlock()

	for _, w := range waiters {
		w.fire(now)
	}
}

// Pending returns the number of timers still able to fire.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if w.active() {
			n++
		}
	}
	return n
}

func (c *MockClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &mockWaiter{
		ch:       make(chan time.Time, 1),
		deadline: c.now.Add(d),
	}
	c.waiters = append(c.waiters, w)
	return w
}

type mockWaiter struct {
	mu       sync.Mutex
	ch       chan time.Time
	deadline time.Time
	stopped  bool
	fired    bool
}

func (w *mockWaiter) C() <-chan time.Time { return w.ch }

// Stop reports whether the waiter was still active.
func (w *mockWaiter) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	was := !w.stopped && !w.fired
	w.stopped = true
	return was
}

func (w *mockWaiter) active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.stopped && !w.fired
}

func (w *mockWaiter) fire(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.fired || now.Before(w.deadline) {
		return
	}
	w.ch <- now
	w.fired = true
}
