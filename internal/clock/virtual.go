package clock

import (
	"sync"
	"time"
)

// VirtualClock is a controllable clock for deterministic scheduling tests.
// Time only moves on Advance or Set; due callbacks run on the caller's
// goroutine in deadline order (ties in registration order).
//
// Thread-safe for concurrent use. Callbacks may register new timers.
type VirtualClock struct {
	mu      sync.Mutex
	current time.Time
	seq     uint64
	waiters []*virtualTimer
}

type virtualTimer struct {
	clock    *VirtualClock
	deadline time.Time
	seq      uint64
	fn       func()
	done     bool
}

// NewVirtualClock creates a VirtualClock starting at the given time.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{current: start}
}

// Now returns the current virtual time.
func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Since returns the virtual duration elapsed since t.
func (c *VirtualClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Sub(t)
}

// AfterFunc registers f to run once the clock reaches now+d. A non-positive
// d is due immediately but still waits for the next Advance or Set.
func (c *VirtualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d < 0 {
		d = 0
	}
	c.seq++
	t := &virtualTimer{
		clock:    c,
		deadline: c.current.Add(d),
		seq:      c.seq,
		fn:       f,
	}
	c.waiters = append(c.waiters, t)
	return t
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *VirtualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Advance moves the virtual clock forward by d, firing due timers.
// Panics if d is negative.
func (c *VirtualClock) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: cannot advance by negative duration")
	}
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()
	c.runUntil(target)
}

// Set moves the virtual clock to t, firing due timers.
// Panics if t is before the current time.
func (c *VirtualClock) Set(t time.Time) {
	c.mu.Lock()
	if t.Before(c.current) {
		c.mu.Unlock()
		panic("clock: cannot set time to the past")
	}
	c.mu.Unlock()
	c.runUntil(t)
}

// runUntil fires waiters one at a time so callbacks observe Now() equal to
// their own deadline and can schedule follow-up timers inside the window.
func (c *VirtualClock) runUntil(target time.Time) {
	for {
		c.mu.Lock()
		next := c.nextDue(target)
		if next == nil {
			c.current = target
			c.mu.Unlock()
			return
		}
		c.remove(next)
		next.done = true
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}
		c.mu.Unlock()

		next.fn()
	}
}

// nextDue must be called with c.mu held.
func (c *VirtualClock) nextDue(target time.Time) *virtualTimer {
	var best *virtualTimer
	for _, w := range c.waiters {
		if w.deadline.After(target) {
			continue
		}
		if best == nil || w.deadline.Before(best.deadline) ||
			(w.deadline.Equal(best.deadline) && w.seq < best.seq) {
			best = w
		}
	}
	return best
}

// remove must be called with c.mu held.
func (c *VirtualClock) remove(t *virtualTimer) {
	for i, w := range c.waiters {
		if w == t {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (t *virtualTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	c.remove(t)
	return true
}
