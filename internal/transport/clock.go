package transport

import (
	"time"
)

// Clock reads network time in seconds.
type Clock interface {
	Now() float64
}

// Timer arms one-shot callbacks. The returned function disarms the timer
// and reports whether it was still pending.
type Timer interface {
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// WallClock is a monotonic clock reading seconds since it was created.
type WallClock struct {
	start time.Time
}

// NewWallClock creates a clock reading zero now.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

// Now returns the seconds elapsed since the clock was created.
func (c *WallClock) Now() float64 {
	return time.Since(c.start).Seconds()
}

// WallTimer arms timers on the runtime's wall clock.
type WallTimer struct{}

// AfterFunc runs fn on its own goroutine after d.
func (WallTimer) AfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}
