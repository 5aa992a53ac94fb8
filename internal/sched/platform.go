package sched

import (
	"runtime"
	"time"
)

// Platform abstracts the clock and sleep/wake primitives the scheduler
// consumes. The real implementation sits on the time package; tests
// substitute a manually-driven clock.
type Platform interface {
	// Now returns the current physical time.
	Now() time.Time

	// WaitUntil blocks until the deadline passes or Notify is called,
	// whichever comes first. It reports whether the wait was
	// interrupted by a notification.
	WaitUntil(deadline time.Time) (interrupted bool)

	// Notify wakes a blocked WaitUntil. Safe to call from any
	// goroutine, including asynchronous event sources.
	Notify()

	// Cores returns the number of usable CPU cores, used to size the
	// default worker pool.
	Cores() int
}

// realPlatform implements Platform on the Go runtime.
type realPlatform struct {
	wake chan struct{}
}

// NewPlatform returns the production platform.
func NewPlatform() Platform {
	return &realPlatform{wake: make(chan struct{}, 1)}
}

func (p *realPlatform) Now() time.Time { return time.Now() }

func (p *realPlatform) WaitUntil(deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		// Deadline already passed; still consume a pending wake so a
		// stale notification does not interrupt the next wait.
		select {
		case <-p.wake:
		default:
		}
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-p.wake:
		return true
	}
}

func (p *realPlatform) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *realPlatform) Cores() int { return runtime.NumCPU() }
