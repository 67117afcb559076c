package sched

import (
	"container/heap"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/roach88/beatclock/internal/tempo"
)

const (
	// DefaultMinDelay is the floor applied to every timer delay.
	DefaultMinDelay = time.Millisecond

	// DefaultLateThreshold is the lateness above which a dispatch is logged.
	DefaultLateThreshold = 10 * time.Millisecond

	// dueSlack treats an event this close to its time as due.
	dueSlack = 0.0005

	// EventLateDispatch tags the log record of a dispatch past the threshold.
	EventLateDispatch = "LATE_DISPATCH"
)

// Clock reports network time in seconds.
type Clock interface {
	Now() float64
}

// Mapping converts beats to network time. *tempo.Map satisfies it.
type Mapping interface {
	ToTime(beat float64) float64
}

// Timer arms one-shot callbacks. Implementations must run fn on the session
// loop. The returned function disarms the callback.
type Timer interface {
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// Dispatch is the read-only context of a firing event.
type Dispatch struct {
	// Beat is the nominal beat the event was scheduled at.
	Beat float64
	// Late is how long after the beat's network time the event fired.
	// Zero when the tempo is stopped.
	Late time.Duration
	// Seq is the scheduling order of the event.
	Seq uint64
}

// Callback is invoked when an event comes due.
type Callback func(d Dispatch)

// Handle refers to one scheduled event.
type Handle struct {
	ev *event
}

// Valid reports whether the handle refers to an event.
func (h Handle) Valid() bool {
	return h.ev != nil
}

// Beat returns the scheduled beat.
func (h Handle) Beat() float64 {
	if h.ev == nil {
		return math.NaN()
	}
	return h.ev.beat
}

// Pending reports whether the event has neither fired nor been cancelled.
func (h Handle) Pending() bool {
	return h.ev != nil && !h.ev.done && h.ev.live()
}

// Stats counts queue activity.
type Stats struct {
	Scheduled  uint64
	Dispatched uint64
	Skipped    uint64
	Late       uint64
	Wakeups    uint64
	Stale      uint64
}

// Queue is the beat-ordered event queue.
type Queue struct {
	clock   Clock
	mapping Mapping
	timer   Timer
	logger  *slog.Logger

	minDelay      time.Duration
	lateThreshold time.Duration

	events eventHeap
	seq    uint64

	wakeID    uint64
	stop      func() bool
	armedBeat float64
	armed     bool

	dispatching bool
	current     float64
	onDispatch  func(Dispatch)

	stats Stats
}

// Option configures a Queue.
type Option func(*Queue)

// WithMinDelay sets the timer delay floor.
func WithMinDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.minDelay = d
		}
	}
}

// WithLateThreshold sets the lateness above which dispatches are logged.
func WithLateThreshold(d time.Duration) Option {
	return func(q *Queue) {
		q.lateThreshold = d
	}
}

// WithLogger sets the logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// New creates an empty queue.
func New(clock Clock, mapping Mapping, timer Timer, opts ...Option) *Queue {
	q := &Queue{
		clock:         clock,
		mapping:       mapping,
		timer:         timer,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		minDelay:      DefaultMinDelay,
		lateThreshold: DefaultLateThreshold,
		events:        make(eventHeap, 0, 32),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// OnDispatch registers an observer called after each dispatched event.
func (q *Queue) OnDispatch(fn func(Dispatch)) {
	q.onDispatch = fn
}

// Schedule arranges for fn to run at beat.
func (q *Queue) Schedule(beat float64, fn Callback) Handle {
	return q.push(beat, fn, nil)
}

// ScheduleFamily arranges for fn to run at beat unless fam is invalidated
// first.
func (q *Queue) ScheduleFamily(fam *Family, beat float64, fn Callback) Handle {
	return q.push(beat, fn, fam)
}

func (q *Queue) push(beat float64, fn Callback, fam *Family) Handle {
	if math.IsNaN(beat) || fn == nil {
		q.logger.Error("refusing to schedule event", "beat", beat, "has_callback", fn != nil)
		return Handle{}
	}

	q.seq++
	ev := &event{beat: beat, seq: q.seq, fn: fn, family: fam}
	if fam != nil {
		ev.gen = fam.gen
	}
	heap.Push(&q.events, ev)
	q.stats.Scheduled++

	if q.events[0] == ev {
		q.arm()
	}
	return Handle{ev: ev}
}

// Cancel prevents the event from firing. Returns false if it already fired
// or was already cancelled. The event stays queued until its beat passes.
func (q *Queue) Cancel(h Handle) bool {
	if h.ev == nil || h.ev.done || h.ev.cancelled {
		return false
	}
	h.ev.cancelled = true
	return true
}

// Rearm recomputes the wakeup for the head of the queue. Call it after the
// tempo map changes.
func (q *Queue) Rearm() {
	q.arm()
}

// Clear drops every pending event and disarms the timer.
func (q *Queue) Clear() {
	for _, ev := range q.events {
		ev.done = true
	}
	q.events = q.events[:0]
	q.disarm()
}

// Beat returns the nominal beat of the event being dispatched, or of the
// last dispatched event.
func (q *Queue) Beat() float64 {
	return q.current
}

// Len returns the number of queued events, including cancelled ones that
// have not yet come due.
func (q *Queue) Len() int {
	return len(q.events)
}

// NextBeat returns the earliest queued beat.
func (q *Queue) NextBeat() (float64, bool) {
	if len(q.events) == 0 {
		return 0, false
	}
	return q.events[0].beat, true
}

// Armed reports whether a wakeup is pending and the beat it targets.
func (q *Queue) Armed() (beat float64, ok bool) {
	return q.armedBeat, q.armed
}

// Stats returns activity counters.
func (q *Queue) Stats() Stats {
	return q.stats
}

// arm points the single timer at the head of the queue, dispatching
// immediately whatever is already due.
func (q *Queue) arm() {
	if q.dispatching {
		// The dispatch loop re-arms when it finishes.
		return
	}
	for {
		q.disarm()
		if len(q.events) == 0 {
			return
		}
		head := q.events[0]
		due := q.mapping.ToTime(head.beat)
		if tempo.IsNever(due) {
			// Stopped: the beat will never arrive until the tempo changes,
			// and a tempo change calls Rearm.
			return
		}
		delay := due - q.clock.Now()
		if delay <= dueSlack {
			q.dispatchThrough(head.beat)
			continue
		}

		q.wakeID++
		id, beat := q.wakeID, head.beat
		q.stop = q.timer.AfterFunc(q.roundDelay(delay), func() {
			q.fire(id, beat)
		})
		q.armed = true
		q.armedBeat = beat
		return
	}
}

// fire handles a timer wakeup. Superseded wakeups are dropped.
func (q *Queue) fire(id uint64, beat float64) {
	if id != q.wakeID {
		q.stats.Stale++
		q.logger.Debug("discarding stale wakeup", "wakeup", id, "current", q.wakeID, "beat", beat)
		return
	}
	q.stats.Wakeups++
	q.armed = false
	q.stop = nil
	q.arm()
}

func (q *Queue) disarm() {
	q.wakeID++
	if q.stop != nil {
		q.stop()
		q.stop = nil
	}
	q.armed = false
}

// dispatchThrough pops and runs every event with beat <= target, including
// events that callbacks schedule at or before target.
func (q *Queue) dispatchThrough(target float64) {
	q.dispatching = true
	defer func() { q.dispatching = false }()

	for len(q.events) > 0 && q.events[0].beat <= target {
		ev := heap.Pop(&q.events).(*event)
		ev.done = true
		if !ev.live() {
			q.stats.Skipped++
			continue
		}

		d := Dispatch{Beat: ev.beat, Seq: ev.seq}
		if due := q.mapping.ToTime(ev.beat); !tempo.IsNever(due) {
			if late := q.clock.Now() - due; late > 0 {
				d.Late = time.Duration(late * float64(time.Second))
			}
		}
		if q.lateThreshold > 0 && d.Late > q.lateThreshold {
			q.stats.Late++
			q.logger.Warn("late dispatch",
				"beat", ev.beat,
				"late", d.Late,
				"event", EventLateDispatch,
			)
		}

		q.current = ev.beat
		ev.fn(d)
		q.stats.Dispatched++
		if q.onDispatch != nil {
			q.onDispatch(d)
		}
	}
}

// roundDelay rounds up to whole milliseconds with the configured floor.
func (q *Queue) roundDelay(seconds float64) time.Duration {
	d := time.Duration(math.Ceil(seconds*1000)) * time.Millisecond
	if d < q.minDelay {
		return q.minDelay
	}
	return d
}
