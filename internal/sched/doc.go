// Package sched implements the beat-ordered event queue.
//
// Callbacks are scheduled at a beat, not at a time. The queue asks the tempo
// map when the earliest pending beat will happen and keeps exactly one timer
// armed for that instant. Whenever the head of the queue changes, or the tempo
// map changes, the timer is re-armed.
//
// ORDERING:
// Events dispatch in ascending beat order. Events at the same beat dispatch in
// the order they were scheduled (a per-queue sequence number breaks ties).
//
// WAKEUPS:
// Every armed timer carries a wakeup id. Re-arming bumps the id, so a timer
// that already fired but was superseded is discarded when it runs. Delays are
// rounded up to whole milliseconds with a 1ms floor, which prevents
// zero-delay rescheduling storms. A wakeup that arrives early finds nothing
// due and simply re-arms for the remainder.
//
// CANCELLATION:
// A Handle cancels one event. A Family cancels a whole class of repeating
// events (a metronome, for example) by bumping a generation counter that is
// compared when the event comes due. Cancelled events are filtered lazily:
// they never fire but stay queued until their beat passes.
//
// Thread-safety: Queue is not safe for concurrent use. All calls, including
// timer callbacks, must happen on the session loop.
package sched
