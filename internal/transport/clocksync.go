package transport

import (
	"sync"

	"github.com/roach88/beatclock/internal/wire"
)

// syncWindow is how many recent exchanges the offset estimate draws from.
const syncWindow = 5

type syncSample struct {
	rtt    float64
	offset float64
}

// ClockSync estimates the server-minus-local clock offset from
// ClockGet/ClockPut exchanges. The offset of the fastest recent exchange
// wins, since its midpoint assumption has the smallest error.
//
// Thread-safety: All methods are safe for concurrent use.
type ClockSync struct {
	mu      sync.Mutex
	nextID  int32
	pending map[int32]float64
	recent  []syncSample
	offset  float64
	synced  bool
}

// NewClockSync creates an unsynchronized estimator.
func NewClockSync() *ClockSync {
	return &ClockSync{pending: make(map[int32]float64)}
}

// Request returns the next ClockGet, sent at local time now. Only the last
// syncWindow requests stay answerable; older ones count as lost.
func (c *ClockSync) Request(now float64) wire.ClockGet {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.pending[c.nextID] = now
	delete(c.pending, c.nextID-syncWindow)
	return wire.ClockGet{ID: c.nextID}
}

// Handle folds in a ClockPut received at local time now. It reports false
// for answers to unknown or already answered requests.
func (c *ClockSync) Handle(put wire.ClockPut, now float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sent, ok := c.pending[put.ID]
	if !ok {
		return false
	}
	delete(c.pending, put.ID)

	rtt := now - sent
	if rtt < 0 {
		return false
	}
	s := syncSample{rtt: rtt, offset: put.Time + rtt/2 - now}
	c.recent = append(c.recent, s)
	if len(c.recent) > syncWindow {
		c.recent = c.recent[1:]
	}

	best := c.recent[0]
	for _, r := range c.recent[1:] {
		if r.rtt < best.rtt {
			best = r
		}
	}
	c.offset = best.offset
	c.synced = true
	return true
}

// Offset returns the estimated server-minus-local offset.
func (c *ClockSync) Offset() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Synchronized reports whether any exchange has completed.
func (c *ClockSync) Synchronized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}
