// Package testutil provides deterministic test doubles shared across
// packages.
package testutil

import (
	"sync"
	"time"
)

// ManualClock is a hand-driven platform clock for tests.
//
// Unlike the production platform, ManualClock never sleeps: WaitUntil
// jumps the clock straight to the requested deadline (plus an optional
// slip), so a test sees the exact physical instants it configured.
// This enables the same scenario to produce identical timing-dependent
// behavior on every run.
//
// Thread-safety: all methods are safe for concurrent use.
type ManualClock struct {
	mu   sync.Mutex
	now  time.Time
	slip time.Duration
}

// NewManualClock creates a clock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// SetSlip makes every WaitUntil overshoot its deadline by d, simulating
// a scheduler that wakes late. Used to provoke deadline violations
// deterministically.
func (c *ManualClock) SetSlip(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slip = d
}

// Now returns the clock's current reading.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// WaitUntil jumps the clock to the deadline plus the configured slip
// and returns immediately, never interrupted.
func (c *ManualClock) WaitUntil(deadline time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if target := deadline.Add(c.slip); target.After(c.now) {
		c.now = target
	}
	return false
}

// Notify is a no-op; WaitUntil never blocks.
func (c *ManualClock) Notify() {}

// Cores reports a single core, keeping default pools deterministic.
func (c *ManualClock) Cores() int { return 1 }
