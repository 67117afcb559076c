package testutil

import (
	"sync"

	"github.com/roach88/beatclock/internal/timebase"
)

// Trigger records one call to FakeAudio.Trigger.
type Trigger struct {
	Voice string
	At    float64
}

// FakeAudio is an audio device whose hardware clock follows a ManualClock
// plus a fixed skew. Tests can mark it stopped, make it unavailable, or
// inject one bogus reading.
type FakeAudio struct {
	mu        sync.Mutex
	clock     *ManualClock
	skew      float64
	running   bool
	broken    bool
	glitches  []float64
	triggered []Trigger
}

// NewFakeAudio creates a running device reading clock + skew.
func NewFakeAudio(clock *ManualClock, skew float64) *FakeAudio {
	return &FakeAudio{clock: clock, skew: skew, running: true}
}

// Running reports whether the device is running.
func (a *FakeAudio) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// SetRunning sets the running flag.
func (a *FakeAudio) SetRunning(running bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = running
}

// SetSkew changes the hardware-minus-system skew.
func (a *FakeAudio) SetSkew(skew float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.skew = skew
}

// Break makes every following hardware reading fail.
func (a *FakeAudio) Break() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.broken = true
}

// Glitch makes the next reading off by extra seconds.
func (a *FakeAudio) Glitch(extra float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.glitches = append(a.glitches, extra)
}

// Now returns the hardware clock reading.
func (a *FakeAudio) Now() (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.broken {
		return 0, timebase.ErrClockUnavailable
	}
	t := a.clock.Now() + a.skew
	if len(a.glitches) > 0 {
		t += a.glitches[0]
		a.glitches = a.glitches[1:]
	}
	return t, nil
}

// Trigger records a voice start at hardware time at.
func (a *FakeAudio) Trigger(voice string, at float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.triggered = append(a.triggered, Trigger{Voice: voice, At: at})
	return nil
}

// Triggered returns a copy of the recorded triggers.
func (a *FakeAudio) Triggered() []Trigger {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Trigger, len(a.triggered))
	copy(out, a.triggered)
	return out
}
