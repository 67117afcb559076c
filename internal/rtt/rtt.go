// Package rtt estimates one-way network transmission time from rounds of
// numbered round-trip probes.
//
// A round sends probes 0..n-1 one at a time. Probe i+1 goes out
// Spacing*(i+1) after probe i is answered or given up on, so a round never
// bursts. The estimate is half the smallest measured round trip; lost probes
// are left out rather than counted as zero or infinity.
//
// Every round has an id. Replies and timeouts belonging to any other round, or
// to a probe other than the one in flight, are discarded.
//
// Thread-safety: An Estimator is not safe for concurrent use. Calls and timer
// callbacks must all run on the session loop.
package rtt

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

const (
	// DefaultProbes is the number of probes per round.
	DefaultProbes = 20

	// DefaultSpacing is the base gap between probes.
	DefaultSpacing = 10 * time.Millisecond

	// DefaultTimeout is how long a probe may go unanswered before it is
	// counted as lost.
	DefaultTimeout = time.Second

	// EventLostProbe tags the log record of a probe that timed out.
	EventLostProbe = "LOST_PROBE"
)

var (
	// ErrNoSamples is reported when no probe of a round was answered.
	ErrNoSamples = errors.New("no probe answered")

	// ErrRoundActive is returned by StartRound while a round is in flight.
	ErrRoundActive = errors.New("rtt round already in progress")
)

// Clock reports local time in seconds.
type Clock interface {
	Now() float64
}

// Timer arms one-shot callbacks on the session loop.
type Timer interface {
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// Prober sends one probe. The peer is expected to echo round and index.
type Prober interface {
	Probe(round uint32, index int) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(round uint32, index int) error

// Probe calls f.
func (f ProberFunc) Probe(round uint32, index int) error {
	return f(round, index)
}

// Sample is one probe of a round.
type Sample struct {
	Index    int     `json:"index"`
	SendTime float64 `json:"send_time"`
	RTT      float64 `json:"rtt,omitempty"`
	Answered bool    `json:"answered"`
}

// Result summarizes a finished round.
type Result struct {
	Round   uint32   `json:"round"`
	Samples []Sample `json:"samples"`

	// Answered counts probes with a measured round trip.
	Answered int `json:"answered"`

	// MinRTT is the smallest measured round trip in seconds.
	MinRTT float64 `json:"min_rtt"`

	// Transmission is MinRTT/2.
	Transmission float64 `json:"transmission"`
}

// DoneFunc receives the outcome of a round. err is ErrNoSamples when nothing
// was answered.
type DoneFunc func(res Result, err error)

// Estimator runs probe rounds.
type Estimator struct {
	clock  Clock
	timer  Timer
	prober Prober
	logger *slog.Logger

	spacing time.Duration
	timeout time.Duration

	round   uint32
	active  bool
	current int
	samples []Sample
	done    DoneFunc

	waitID uint64
	stop   func() bool

	last *Result
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithSpacing sets the base gap between probes.
func WithSpacing(d time.Duration) Option {
	return func(e *Estimator) {
		e.spacing = d
	}
}

// WithTimeout sets the lost-probe timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Estimator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Estimator) {
		e.logger = logger
	}
}

// New creates an idle estimator.
func New(clock Clock, timer Timer, prober Prober, opts ...Option) *Estimator {
	e := &Estimator{
		clock:   clock,
		timer:   timer,
		prober:  prober,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		spacing: DefaultSpacing,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartRound begins a round of n probes and returns its id. done is called
// once, on the loop, after the last probe resolves.
func (e *Estimator) StartRound(n int, done DoneFunc) (uint32, error) {
	if e.active {
		return 0, fmt.Errorf("%w: round %d", ErrRoundActive, e.round)
	}
	if n <= 0 {
		return 0, fmt.Errorf("probe count must be positive, got %d", n)
	}

	e.round++
	e.active = true
	e.current = 0
	e.done = done
	e.samples = make([]Sample, n)
	for i := range e.samples {
		e.samples[i].Index = i
	}

	e.logger.Debug("rtt round started", "round", e.round, "probes", n)
	e.send(0)
	return e.round, nil
}

// Reply records the answer to a probe. It returns false when the reply does
// not belong to the probe in flight.
func (e *Estimator) Reply(round uint32, index int) bool {
	// current is -1 between probes, so range-check before comparing.
	inRange := index >= 0 && index < len(e.samples)
	if !e.active || !inRange || round != e.round || index != e.current {
		e.logger.Debug("discarding rtt reply",
			"round", round,
			"index", index,
			"active_round", e.round,
			"active", e.active,
		)
		return false
	}

	s := &e.samples[index]
	s.RTT = e.clock.Now() - s.SendTime
	s.Answered = true
	e.advance(index)
	return true
}

// Abort abandons the active round without reporting it.
func (e *Estimator) Abort() {
	if !e.active {
		return
	}
	e.logger.Debug("rtt round aborted", "round", e.round, "probe", e.current)
	e.active = false
	e.done = nil
	e.cancelWait()
}

// Active reports whether a round is in flight.
func (e *Estimator) Active() bool {
	return e.active
}

// Round returns the id of the most recent round.
func (e *Estimator) Round() uint32 {
	return e.round
}

// Last returns the result of the most recent finished round.
func (e *Estimator) Last() (Result, bool) {
	if e.last == nil {
		return Result{}, false
	}
	return *e.last, true
}

func (e *Estimator) send(index int) {
	e.current = index
	e.samples[index].SendTime = e.clock.Now()

	if err := e.prober.Probe(e.round, index); err != nil {
		e.logger.Debug("probe send failed, counting as lost",
			"round", e.round,
			"index", index,
			"error", err,
		)
		e.advance(index)
		return
	}

	round := e.round
	e.arm(e.timeout, func() {
		if e.active && e.round == round && e.current == index {
			e.logger.Debug("probe lost", "round", round, "index", index, "event", EventLostProbe)
			e.advance(index)
		}
	})
}

// advance resolves probe index and either schedules the next probe or
// finishes the round.
func (e *Estimator) advance(index int) {
	e.cancelWait()
	if index+1 >= len(e.samples) {
		e.finish()
		return
	}

	round := e.round
	next := index + 1
	e.current = -1
	e.arm(e.spacing*time.Duration(next), func() {
		if e.active && e.round == round {
			e.send(next)
		}
	})
}

func (e *Estimator) finish() {
	res := Result{
		Round:   e.round,
		Samples: e.samples,
	}
	for _, s := range e.samples {
		if !s.Answered {
			continue
		}
		if res.Answered == 0 || s.RTT < res.MinRTT {
			res.MinRTT = s.RTT
		}
		res.Answered++
	}

	done := e.done
	e.active = false
	e.done = nil
	e.samples = nil

	var err error
	if res.Answered == 0 {
		err = fmt.Errorf("round %d: %w", res.Round, ErrNoSamples)
	} else {
		res.Transmission = res.MinRTT / 2
		e.last = &res
	}

	e.logger.Debug("rtt round finished",
		"round", res.Round,
		"answered", res.Answered,
		"transmission", res.Transmission,
	)
	if done != nil {
		done(res, err)
	}
}

// arm replaces the pending wait with a new one. The callback runs only if no
// later arm or cancel superseded it.
func (e *Estimator) arm(d time.Duration, fn func()) {
	e.cancelWait()
	e.waitID++
	id := e.waitID
	e.stop = e.timer.AfterFunc(d, func() {
		if id != e.waitID {
			return
		}
		e.stop = nil
		fn()
	})
}

func (e *Estimator) cancelWait() {
	e.waitID++
	if e.stop != nil {
		e.stop()
		e.stop = nil
	}
}
