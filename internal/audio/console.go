// Package audio provides audio devices for sessions run from the command
// line.
package audio

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Console is an audio device that prints voices instead of playing them.
// Its hardware clock is the process's monotonic clock, so it never drifts
// from the system clock the session reconciles against.
//
// Thread-safety: Console is safe for concurrent use.
type Console struct {
	start  time.Time
	logger *slog.Logger

	mu       sync.Mutex
	out      io.Writer
	running  bool
	triggers int
	late     int
}

// NewConsole creates a running device printing triggers to out.
func NewConsole(out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Console{
		start:   time.Now(),
		logger:  logger,
		out:     out,
		running: true,
	}
}

// Running reports whether the device is running.
func (c *Console) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// SetRunning starts or stops the device.
func (c *Console) SetRunning(running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = running
}

// Now reads the device clock in seconds.
func (c *Console) Now() (float64, error) {
	return time.Since(c.start).Seconds(), nil
}

// Trigger prints voice with the hardware time it is due at. Triggers that
// are already due count as late.
func (c *Console) Trigger(voice string, at float64) error {
	now, _ := c.Now()
	lead := at - now

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return fmt.Errorf("trigger %s: audio device stopped", voice)
	}
	c.triggers++
	if lead < 0 {
		c.late++
	}
	if _, err := fmt.Fprintf(c.out, "%10.3f  %s\n", at, voice); err != nil {
		return fmt.Errorf("trigger %s: %w", voice, err)
	}
	c.logger.Debug("voice triggered",
		"voice", voice,
		"at", at,
		"lead_ms", lead*1000,
	)
	return nil
}

// Stats returns the number of triggers and how many of them were late.
func (c *Console) Stats() (triggers, late int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.triggers, c.late
}
