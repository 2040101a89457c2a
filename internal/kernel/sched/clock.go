package sched

import (
	"sync/atomic"
	"time"
)

// Clock is the kernel tick source. Deadlines are expressed in ticks, never
// wall time: production advances the clock from a ticker goroutine, tests
// advance it by hand, and everything downstream behaves identically.
type Clock struct {
	tick   atomic.Uint64
	period time.Duration
}

// DefaultTickPeriod matches a 100 Hz timer.
const DefaultTickPeriod = 10 * time.Millisecond

// NewClock creates a clock whose tick represents the given wall period.
func NewClock(period time.Duration) *Clock {
	if period <= 0 {
		period = DefaultTickPeriod
	}
	return &Clock{period: period}
}

// Now returns the current tick.
func (c *Clock) Now() uint64 { return c.tick.Load() }

// Advance moves time forward one tick and returns the new value.
func (c *Clock) Advance() uint64 { return c.tick.Add(1) }

// Period returns the wall duration of one tick.
func (c *Clock) Period() time.Duration { return c.period }

// UptimeMs converts the current tick to milliseconds since boot.
func (c *Clock) UptimeMs() uint64 {
	return c.tick.Load() * uint64(c.period/time.Millisecond)
}

// Deadline converts a timeout in milliseconds to an absolute tick.
// Zero means no deadline, everywhere in the ABI.
func (c *Clock) Deadline(timeoutMs uint64) uint64 {
	if timeoutMs == 0 {
		return 0
	}
	perMs := uint64(c.period / time.Millisecond)
	if perMs == 0 {
		perMs = 1
	}
	ticks := (timeoutMs + perMs - 1) / perMs
	if ticks == 0 {
		ticks = 1
	}
	return c.Now() + ticks
}
