// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the subset of the time package that chatsync schedules
// against.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. A
	// non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer's C is
	// nil. A non-positive d runs f right away: on a new goroutine for
	// Real, synchronously for Fake.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a pending one-shot event.
type Timer struct {
	// C is nil for AfterFunc timers.
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the timer. It reports whether the call prevented the
// timer from firing.
func (t *Timer) Stop() bool { return t.stop() }

// Reset reschedules the timer to fire d from now and reports whether
// it was still pending.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

// Ticker is a periodic event source. C has capacity 1; ticks the
// consumer misses are dropped.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the interval and restarts the cycle from now.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }
