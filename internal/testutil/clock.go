package testutil

import (
	"math"
	"sort"
	"sync"
	"time"
)

// ManualClock is a settable clock with a timer queue for tests.
//
// It satisfies timebase.SystemClock, tempo/engine network clocks and
// sched.Timer. Time only moves when the test calls Advance, AdvanceTo or Set,
// so every timer fire happens on the test goroutine, in due-time order, with
// Now() equal to the timer's due time.
//
// Thread-safety: All methods are safe for concurrent use. Timer callbacks run
// without the internal lock held, so they may arm new timers.
type ManualClock struct {
	mu     sync.Mutex
	now    float64
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	at      float64
	seq     uint64
	fn      func()
	stopped bool
}

// NewManualClock creates a clock reading start seconds.
func NewManualClock(start float64) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current time in seconds.
func (c *ManualClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t without firing timers.
func (c *ManualClock) Set(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// AfterFunc arms fn to run once the clock has advanced by d.
// The returned function disarms the timer and reports whether it was still
// pending.
func (c *ManualClock) AfterFunc(d time.Duration, fn func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &manualTimer{at: c.now + d.Seconds(), seq: c.seq, fn: fn}
	c.timers = append(c.timers, t)

	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

// Advance moves the clock forward by d, firing due timers in order.
// Returns the number of timers fired.
func (c *ManualClock) Advance(d time.Duration) int {
	return c.AdvanceTo(c.Now() + d.Seconds())
}

// AdvanceTo moves the clock to t, firing every timer due at or before t.
// Timers armed by callbacks are fired too if they fall due before t.
func (c *ManualClock) AdvanceTo(t float64) int {
	fired := 0
	for {
		next := c.popDue(t)
		if next == nil {
			break
		}
		next.fn()
		fired++
	}

	c.mu.Lock()
	if t > c.now {
		c.now = t
	}
	c.mu.Unlock()
	return fired
}

// popDue removes the earliest live timer due at or before t and moves the
// clock to its due time.
func (c *ManualClock) popDue(t float64) *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.compact()
	if len(c.timers) == 0 || c.timers[0].at > t {
		return nil
	}
	next := c.timers[0]
	c.timers = c.timers[1:]
	next.stopped = true
	if next.at > c.now {
		c.now = next.at
	}
	return next
}

// compact drops stopped timers and sorts the rest by (due time, arm order).
func (c *ManualClock) compact() {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	c.timers = live
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].at != c.timers[j].at {
			return c.timers[i].at < c.timers[j].at
		}
		return c.timers[i].seq < c.timers[j].seq
	})
}

// Pending returns the number of armed timers.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compact()
	return len(c.timers)
}

// NextAt returns the due time of the earliest armed timer.
func (c *ManualClock) NextAt() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compact()
	if len(c.timers) == 0 {
		return math.Inf(1), false
	}
	return c.timers[0].at, true
}
