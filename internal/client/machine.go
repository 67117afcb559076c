// Package client implements the client lifecycle state machine.
//
// The machine is polled once per control tick:
//
//	Init    → Syncing   audio device running
//	Syncing → Ready     ≥1 clock sample, tempo map received, authorized
//	Ready   → Playing   beats per second > 0
//	Playing → Ready     beats per second back to 0
//	Ready/Playing → Finished   explicit Finish
//
// A poll makes at most one transition, so no state is ever skipped even when
// several preconditions hold at once.
package client

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/beatclock/internal/sched"
)

// ErrInvalidTransition is returned for a transition the machine refuses.
var ErrInvalidTransition = errors.New("invalid state transition")

// EventInvalidTransition tags the log record of a refused transition.
const EventInvalidTransition = "INVALID_TRANSITION"

// Conditions are the facts the machine polls.
type Conditions interface {
	AudioRunning() bool
	ClockSamples() int
	TempoReceived() bool
	Authorized() bool
	BeatsPerSecond() float64
}

// Listener is notified after every transition.
type Listener func(from, to State)

// Machine is the client state machine.
//
// Thread-safety: Not safe for concurrent use; poll it from the session loop.
type Machine struct {
	state  State
	cond   Conditions
	logger *slog.Logger

	// repeating is invalidated whenever Playing is left.
	repeating []*sched.Family
	onFinish  func()
	listeners []Listener

	polls uint64
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithRepeating registers schedule families to invalidate when playback
// stops.
func WithRepeating(fams ...*sched.Family) Option {
	return func(m *Machine) {
		m.repeating = append(m.repeating, fams...)
	}
}

// WithOnFinish sets the hook that forces the tempo to zero on Finish.
func WithOnFinish(fn func()) Option {
	return func(m *Machine) {
		m.onFinish = fn
	}
}

// New creates a machine in Init.
func New(cond Conditions, opts ...Option) *Machine {
	m := &Machine{
		state:  Init,
		cond:   cond,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// In reports whether the current state is one of states.
func (m *Machine) In(states ...State) bool {
	for _, s := range states {
		if m.state == s {
			return true
		}
	}
	return false
}

// OnChange registers a transition listener.
func (m *Machine) OnChange(l Listener) {
	m.listeners = append(m.listeners, l)
}

// Polls returns the number of Poll calls.
func (m *Machine) Polls() uint64 {
	return m.polls
}

// Poll evaluates the preconditions of the current state and makes at most one
// transition. It reports whether the state changed.
func (m *Machine) Poll() bool {
	m.polls++

	switch m.state {
	case Init:
		if m.cond.AudioRunning() {
			m.transition(Syncing)
			return true
		}
	case Syncing:
		if m.cond.ClockSamples() >= 1 && m.cond.TempoReceived() && m.cond.Authorized() {
			m.transition(Ready)
			return true
		}
	case Ready:
		if m.cond.BeatsPerSecond() > 0 {
			m.transition(Playing)
			return true
		}
	case Playing:
		if m.cond.BeatsPerSecond() == 0 {
			m.transition(Ready)
			return true
		}
	case Finished:
	}
	return false
}

// Finish moves a Ready or Playing client to Finished and forces the tempo to
// zero. Finishing twice is a no-op. From any other state the request is
// logged and refused.
func (m *Machine) Finish() error {
	switch m.state {
	case Finished:
		return nil
	case Ready, Playing:
		if m.onFinish != nil {
			m.onFinish()
		}
		m.transition(Finished)
		return nil
	default:
		m.logger.Warn("refusing transition",
			"from", m.state.String(),
			"to", Finished.String(),
			"event", EventInvalidTransition,
		)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, Finished)
	}
}

func (m *Machine) transition(to State) {
	from := m.state
	m.state = to

	if from == Playing {
		for _, fam := range m.repeating {
			fam.Invalidate()
		}
	}

	m.logger.Info("client state changed", "from", from.String(), "to", to.String())
	for _, l := range m.listeners {
		l(from, to)
	}
}
