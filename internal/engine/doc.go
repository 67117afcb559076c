// Package engine wires the timing components into a per-session context
// object and runs it on a single cooperative loop.
//
// A Session owns one TimeBase, one tempo map, one event queue, one RTT
// estimator and one client state machine. Nothing is global: several sessions
// can run side by side in one process, which is how the scenario harness
// drives a composer, a performer and a listener against one in-process hub.
//
// ARCHITECTURE:
//
// Single-Writer Loop:
// Timer fires, inbound messages and control ticks are posted to the Loop and
// run one at a time. Session state is only touched from the loop, so it
// needs no locks. The only state read from other goroutines is the clock
// offset and the tempo snapshot, both published through atomic pointers.
//
// Tempo Changes:
// A tempo definition takes effect at its reference beat, never retroactively:
//   - stopped and the reference time is in the future: wait for that time
//     on a wall-clock timer (beats do not advance while stopped)
//   - running and the reference beat is ahead: schedule the replacement on
//     the event queue at exactly that beat
//   - otherwise: apply now
//
// A definition whose epoch is at or below the applied or pending epoch is a
// no-op. A newer definition supersedes a pending older one.
//
// Manual Drive:
// Without a Loop, handlers run on the caller's goroutine. Tests and the
// scenario harness use this with a manual clock so every timer fire is
// deterministic.
package engine
