// Copyright 2026 The BuildStream Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time.
//
// Sleep on a FakeClock advances the clock by the sleep duration and
// returns immediately, so sequential polling loops (such as the
// sandbox device-cleanup retry) run instantly in tests while still
// observing monotonically increasing time. After registers a waiter
// that fires when Advance moves the clock past its deadline.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	sleeps  int
	waiters []*fakeWaiter
}

// fakeWaiter is a pending After channel.
type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock is advanced
// past the deadline. If d <= 0, the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.waiters = append(c.waiters, &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	return channel
}

// Sleep advances the clock by d and returns immediately. Any After
// waiters whose deadline is reached fire as a side effect.
func (c *FakeClock) Sleep(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps++
	c.advanceLocked(d)
}

// Advance moves the clock forward by d, firing any waiters whose
// deadline has been reached.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceLocked(d)
}

// Sleeps reports how many times Sleep has been called. Useful for
// asserting retry-loop behavior.
func (c *FakeClock) Sleeps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleeps
}

func (c *FakeClock) advanceLocked(d time.Duration) {
	c.current = c.current.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.fired && !w.deadline.After(c.current) {
			w.channel <- c.current
			w.fired = true
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}
