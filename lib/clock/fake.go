// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. It is safe for concurrent
// use. AfterFunc callbacks run on the goroutine that calls Advance and
// may themselves schedule new timers, but must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	changed *sync.Cond
	now     time.Time
	seq     uint64
	pending []*pendingTimer
}

type pendingTimer struct {
	deadline time.Time
	// seq breaks deadline ties in registration order.
	seq uint64

	// Exactly one of channel and callback is set.
	channel  chan time.Time
	callback func()

	// period is non-zero for tickers, which are rescheduled instead
	// of removed when they fire.
	period time.Duration

	active bool
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives when the clock has been
// advanced by at least d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.scheduleLocked(&pendingTimer{deadline: c.now.Add(d), channel: channel})
	return channel
}

// AfterFunc schedules f. A non-positive d calls f before returning.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	entry := &pendingTimer{deadline: c.now.Add(d), callback: f}
	c.scheduleLocked(entry)
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.removeLocked(entry)
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := c.removeLocked(entry)
			entry.deadline = c.now.Add(d)
			c.scheduleLocked(entry)
			return wasActive
		},
	}
}

// NewTicker returns a ticker that fires each time the clock crosses a
// multiple of d from now.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker interval must be positive")
	}
	channel := make(chan time.Time, 1)

	c.mu.Lock()
	entry := &pendingTimer{deadline: c.now.Add(d), channel: channel, period: d}
	c.scheduleLocked(entry)
	c.mu.Unlock()

	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.removeLocked(entry)
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.removeLocked(entry)
			entry.period = d
			entry.deadline = c.now.Add(d)
			c.scheduleLocked(entry)
		},
	}
}

// Advance moves the clock forward by d and fires everything due, in
// deadline order. Timers scheduled by callbacks during the advance
// fire too if their deadline is within the new time. Channel sends
// never block; a full ticker channel drops the tick.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.popDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		// Time observed by a callback is its own deadline.
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		fireAt := c.now
		if next.period > 0 {
			next.deadline = next.deadline.Add(next.period)
			c.scheduleLocked(next)
		}
		c.mu.Unlock()

		if next.callback != nil {
			next.callback()
			continue
		}
		select {
		case next.channel <- fireAt:
		default:
		}
	}
}

// WaitForTimers blocks until at least n timers or tickers are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of scheduled timers and tickers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *FakeClock) scheduleLocked(entry *pendingTimer) {
	c.seq++
	entry.seq = c.seq
	entry.active = true
	c.pending = append(c.pending, entry)
	c.changed.Broadcast()
}

func (c *FakeClock) removeLocked(entry *pendingTimer) bool {
	if !entry.active {
		return false
	}
	entry.active = false
	c.pending = slices.DeleteFunc(c.pending, func(p *pendingTimer) bool { return p == entry })
	return true
}

// popDueLocked removes and returns the earliest entry due at or before
// target, or nil.
func (c *FakeClock) popDueLocked(target time.Time) *pendingTimer {
	var earliest *pendingTimer
	for _, entry := range c.pending {
		if entry.deadline.After(target) {
			continue
		}
		if earliest == nil || entry.deadline.Before(earliest.deadline) ||
			(entry.deadline.Equal(earliest.deadline) && entry.seq < earliest.seq) {
			earliest = entry
		}
	}
	if earliest != nil {
		c.removeLocked(earliest)
	}
	return earliest
}
