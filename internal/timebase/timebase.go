package timebase

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// ErrClockUnavailable is returned when the hardware clock cannot be read.
// Scheduling is meaningless without it, so callers treat it as fatal.
var ErrClockUnavailable = errors.New("hardware clock unavailable")

const (
	// DefaultReconcileInterval is the number of seconds between offset
	// re-estimations.
	DefaultReconcileInterval = 1.0

	// DefaultMaxStep bounds the change of the offset per reconciliation.
	DefaultMaxStep = 0.010

	// DefaultSampleWindow is the largest system-clock interval accepted for
	// one hardware reading. Readings that took longer are retaken.
	DefaultSampleWindow = 0.001

	// DefaultMaxAttempts bounds the retakes of one reconciliation.
	DefaultMaxAttempts = 8
)

// SystemClock is the reliable local clock, in seconds.
type SystemClock interface {
	Now() float64
}

// HardwareClock is the audio device clock, in seconds.
type HardwareClock interface {
	Now() (float64, error)
}

// ClockOffset is the accepted hardware-minus-system offset and the system
// time at which it was estimated.
type ClockOffset struct {
	Value        float64
	LastSyncTime float64
}

// TimeBase converts system time to hardware time through a rate-limited
// correction offset.
//
// Thread-safety: Now and Reconcile must be called from the session loop.
// Offset and Samples may be called from any goroutine.
type TimeBase struct {
	system   SystemClock
	hardware HardwareClock

	interval    float64
	maxStep     float64
	window      float64
	maxAttempts int

	offset  atomic.Pointer[ClockOffset]
	samples atomic.Int64
	logger  *slog.Logger
}

// Option configures a TimeBase.
type Option func(*TimeBase)

// WithReconcileInterval sets the seconds between re-estimations.
func WithReconcileInterval(seconds float64) Option {
	return func(tb *TimeBase) {
		tb.interval = seconds
	}
}

// WithMaxStep sets the largest offset change accepted per reconciliation.
func WithMaxStep(seconds float64) Option {
	return func(tb *TimeBase) {
		tb.maxStep = seconds
	}
}

// WithMaxAttempts bounds how many times one reconciliation retakes a slow
// reading.
func WithMaxAttempts(n int) Option {
	return func(tb *TimeBase) {
		if n > 0 {
			tb.maxAttempts = n
		}
	}
}

// WithLogger sets the logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(tb *TimeBase) {
		tb.logger = logger
	}
}

// New creates a TimeBase. No offset exists until the first reconciliation,
// which happens on the first call to Now.
func New(system SystemClock, hardware HardwareClock, opts ...Option) *TimeBase {
	tb := &TimeBase{
		system:      system,
		hardware:    hardware,
		interval:    DefaultReconcileInterval,
		maxStep:     DefaultMaxStep,
		window:      DefaultSampleWindow,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(tb)
	}
	return tb
}

// Now returns the reconciled hardware-domain time in seconds.
// It re-estimates the offset first if the reconcile interval has elapsed.
func (tb *TimeBase) Now() (float64, error) {
	local := tb.system.Now()
	off := tb.offset.Load()
	if off == nil || local-off.LastSyncTime > tb.interval {
		next, err := tb.Reconcile()
		if err != nil {
			return 0, err
		}
		return tb.system.Now() + next.Value, nil
	}
	return local + off.Value, nil
}

// Reconcile samples both clocks and moves the offset toward the observed
// difference by at most MaxStep. The first reconciliation accepts the raw
// difference unconditionally.
//
// A reading is retaken when the system clock advanced more than the sample
// window while it was taken, up to the configured number of attempts.
func (tb *TimeBase) Reconcile() (ClockOffset, error) {
	prev := tb.offset.Load()
	local := tb.system.Now()

	var next, raw float64
	var clamped bool
	for attempt := 0; attempt < tb.maxAttempts; attempt++ {
		hw, err := tb.hardware.Now()
		if err != nil {
			if errors.Is(err, ErrClockUnavailable) {
				return ClockOffset{}, err
			}
			return ClockOffset{}, fmt.Errorf("%w: %w", ErrClockUnavailable, err)
		}
		raw = hw - local
		if prev == nil {
			next = raw
		} else {
			delta := clamp(raw-prev.Value, tb.maxStep)
			clamped = delta != raw-prev.Value
			next = prev.Value + delta
		}
		after := tb.system.Now()
		elapsed := after - local
		local = after
		if elapsed <= tb.window {
			break
		}
	}

	if clamped {
		tb.logger.Debug("clock offset change clamped",
			"previous", prev.Value,
			"observed", raw,
			"accepted", next,
		)
	}

	off := &ClockOffset{Value: next, LastSyncTime: local}
	tb.offset.Store(off)
	tb.samples.Add(1)
	return *off, nil
}

// HardwareTimeOf maps a network-time instant into the hardware domain.
// networkNow is the network time observed at the same moment as the call.
func (tb *TimeBase) HardwareTimeOf(networkTime, networkNow float64) (float64, error) {
	now, err := tb.Now()
	if err != nil {
		return 0, err
	}
	return networkTime - networkNow + now, nil
}

// Offset returns the current offset. ok is false before the first
// reconciliation.
func (tb *TimeBase) Offset() (off ClockOffset, ok bool) {
	p := tb.offset.Load()
	if p == nil {
		return ClockOffset{}, false
	}
	return *p, true
}

// Samples returns how many reconciliations have completed.
func (tb *TimeBase) Samples() int {
	return int(tb.samples.Load())
}

func clamp(delta, limit float64) float64 {
	if delta > limit {
		return limit
	}
	if delta < -limit {
		return -limit
	}
	return delta
}
