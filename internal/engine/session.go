package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/roach88/beatclock/internal/client"
	"github.com/roach88/beatclock/internal/rtt"
	"github.com/roach88/beatclock/internal/sched"
	"github.com/roach88/beatclock/internal/store"
	"github.com/roach88/beatclock/internal/tempo"
	"github.com/roach88/beatclock/internal/timebase"
	"github.com/roach88/beatclock/internal/wire"
)

var (
	// ErrListenerHit is returned when a listener tries to send a hit.
	ErrListenerHit = errors.New("listeners cannot send hits")

	// ErrHitsDisabled is returned for hits sent while playback is stopped.
	ErrHitsDisabled = errors.New("hits are disabled while stopped")

	// ErrNotRunning is returned for proposals that need a running tempo.
	ErrNotRunning = errors.New("tempo is not running")

	// ErrAlreadyRunning is returned for start proposals while running.
	ErrAlreadyRunning = errors.New("tempo is already running")
)

// Transport is the pub/sub collaborator. Handlers may be invoked from any
// goroutine; the session moves them onto its loop.
type Transport interface {
	Send(m wire.Message) error
	On(address string, h wire.Handler)
	NetworkTime() float64
	Synchronized() bool
}

// AudioDevice is the audio collaborator. Now reads the hardware clock and
// Trigger starts a voice at a hardware time.
type AudioDevice interface {
	Running() bool
	Now() (float64, error)
	Trigger(voice string, at float64) error
}

// Journal records session activity for diagnostics. *store.Store
// implements it.
type Journal interface {
	WriteSession(ctx context.Context, rec store.SessionRecord) error
	WriteTempoChange(ctx context.Context, rec store.TempoRecord) error
	WriteDispatch(ctx context.Context, rec store.DispatchRecord) error
	WriteTransition(ctx context.Context, rec store.TransitionRecord) error
	WriteRttRound(ctx context.Context, rec store.RttRecord) error
}

// Deps are the collaborators of a Session.
type Deps struct {
	Transport Transport
	Audio     AudioDevice
	// System is the reliable local clock used for reconciliation and RTT.
	System timebase.SystemClock
	// Timer arms one-shot callbacks. With a Loop, pass the Loop.
	Timer sched.Timer

	// Optional.
	Loop    *Loop
	IDs     IDGenerator
	Journal Journal
	Logger  *slog.Logger
}

// Edge announces that playback starts or stops at Beat. A pending edge is
// sent when the tempo map arrives; the final one when the beat is reached.
type Edge struct {
	Start   bool
	Pending bool
	Beat    float64
}

// Status is a snapshot of the session for display.
type Status struct {
	SessionID    string  `json:"session_id"`
	State        string  `json:"state"`
	Beat         float64 `json:"beat"`
	BPS          float64 `json:"bps"`
	Epoch        uint32  `json:"epoch"`
	Synchronized bool    `json:"synchronized"`
	Transmission float64 `json:"transmission"`
	Pending      int     `json:"pending"`
	Message      string  `json:"message"`
}

// Session is the per-client context object.
type Session struct {
	id     string
	cfg    Config
	logger *slog.Logger
	ctx    context.Context

	transport Transport
	audio     AudioDevice
	timer     sched.Timer
	loop      *Loop
	journal   Journal
	seq       *Sequence

	timebase  *timebase.TimeBase
	tempo     *tempo.Map
	queue     *sched.Queue
	rtt       *rtt.Estimator
	machine   *client.Machine
	metronome *sched.Family

	pending      *pendingChange
	authorized   bool
	clockErr     error
	hitsEnabled  bool
	lastHit      float64
	hitSeen      bool
	transmission float64
	interrupted  bool

	stateListeners []func(from, to client.State)
	edgeListeners  []func(Edge)
	tempoListeners []func(tempo.Snapshot)
}

// NewSession builds a session and registers its message handlers on the
// transport.
func NewSession(cfg Config, deps Deps) (*Session, error) {
	switch {
	case deps.Transport == nil:
		return nil, fmt.Errorf("new session: transport is required")
	case deps.Audio == nil:
		return nil, fmt.Errorf("new session: audio device is required")
	case deps.System == nil:
		return nil, fmt.Errorf("new session: system clock is required")
	case deps.Timer == nil && deps.Loop == nil:
		return nil, fmt.Errorf("new session: timer is required")
	}
	if cfg.RttProbes <= 0 {
		return nil, fmt.Errorf("new session: rtt probes must be positive, got %d", cfg.RttProbes)
	}

	ids := deps.IDs
	if ids == nil {
		ids = UUIDv7Generator{}
	}
	timer := deps.Timer
	if timer == nil {
		timer = deps.Loop
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	id := ids.Generate()
	logger = logger.With("session", id, "role", cfg.Role.String())

	s := &Session{
		id:        id,
		cfg:       cfg,
		logger:    logger,
		ctx:       context.Background(),
		transport: deps.Transport,
		audio:     deps.Audio,
		timer:     timer,
		loop:      deps.Loop,
		journal:   deps.Journal,
		seq:       NewSequence(),
		tempo:     tempo.NewMap(),
		metronome: sched.NewFamily("metronome"),
	}

	s.timebase = timebase.New(deps.System, deps.Audio,
		timebase.WithReconcileInterval(cfg.ReconcileInterval),
		timebase.WithMaxStep(cfg.MaxOffsetStep),
		timebase.WithLogger(logger),
	)
	s.queue = sched.New(networkClock{deps.Transport}, s.tempo, timer,
		sched.WithMinDelay(cfg.MinTimerDelay),
		sched.WithLateThreshold(cfg.LateThreshold),
		sched.WithLogger(logger),
	)
	s.queue.OnDispatch(s.recordDispatch)
	s.rtt = rtt.New(deps.System, timer, rtt.ProberFunc(s.sendProbe),
		rtt.WithSpacing(cfg.RttSpacing),
		rtt.WithTimeout(cfg.RttTimeout),
		rtt.WithLogger(logger),
	)
	s.machine = client.New(conditions{s},
		client.WithRepeating(s.metronome),
		client.WithOnFinish(s.forceStop),
		client.WithLogger(logger),
	)
	s.machine.OnChange(s.onTransition)

	s.register()

	if s.journal != nil {
		err := s.journal.WriteSession(s.ctx, store.SessionRecord{
			ID:        s.id,
			Role:      cfg.Role.String(),
			ClientID:  cfg.ClientID,
			StartedAt: s.Now(),
		})
		if err != nil {
			return nil, fmt.Errorf("new session: journal: %w", err)
		}
	}

	return s, nil
}

// networkClock adapts a Transport to sched.Clock.
type networkClock struct {
	t Transport
}

func (c networkClock) Now() float64 { return c.t.NetworkTime() }

// conditions exposes the facts the state machine polls.
type conditions struct {
	s *Session
}

func (c conditions) AudioRunning() bool { return c.s.audio.Running() }

func (c conditions) ClockSamples() int {
	if !c.s.transport.Synchronized() {
		return 0
	}
	return c.s.timebase.Samples()
}

func (c conditions) TempoReceived() bool     { return c.s.tempo.Received() }
func (c conditions) Authorized() bool        { return c.s.authorized }
func (c conditions) BeatsPerSecond() float64 { return c.s.tempo.BeatsPerSecond() }

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Config returns the session tunables.
func (s *Session) Config() Config {
	return s.cfg
}

// Now returns the current network time.
func (s *Session) Now() float64 {
	return s.transport.NetworkTime()
}

// Beat returns the current beat.
func (s *Session) Beat() float64 {
	return s.tempo.ToBeat(s.Now())
}

// BeatOf maps network time to beat.
func (s *Session) BeatOf(t float64) float64 {
	return s.tempo.ToBeat(t)
}

// TimeOf maps beat to network time. Returns tempo.Never while stopped.
func (s *Session) TimeOf(beat float64) float64 {
	return s.tempo.ToTime(beat)
}

// Tempo returns the current tempo definition.
func (s *Session) Tempo() tempo.Snapshot {
	return s.tempo.Snapshot()
}

// State returns the lifecycle state.
func (s *Session) State() client.State {
	return s.machine.State()
}

// HardwareNow returns the reconciled hardware clock.
func (s *Session) HardwareNow() (float64, error) {
	return s.timebase.Now()
}

// ScheduleAtBeat arranges for fn to run on the loop at beat.
func (s *Session) ScheduleAtBeat(beat float64, fn sched.Callback) sched.Handle {
	return s.queue.Schedule(beat, fn)
}

// Cancel cancels a scheduled callback.
func (s *Session) Cancel(h sched.Handle) bool {
	return s.queue.Cancel(h)
}

// QueueStats returns event queue counters.
func (s *Session) QueueStats() sched.Stats {
	return s.queue.Stats()
}

// OnStateChange registers a lifecycle listener.
func (s *Session) OnStateChange(fn func(from, to client.State)) {
	s.stateListeners = append(s.stateListeners, fn)
}

// OnEdge registers a start/stop edge listener.
func (s *Session) OnEdge(fn func(Edge)) {
	s.edgeListeners = append(s.edgeListeners, fn)
}

// OnTempo registers a listener called after each applied tempo definition.
func (s *Session) OnTempo(fn func(tempo.Snapshot)) {
	s.tempoListeners = append(s.tempoListeners, fn)
}

// Tick reconciles the clocks and polls the state machine. It is the control
// tick of the loop.
func (s *Session) Tick() error {
	if s.clockErr != nil {
		return s.clockErr
	}
	if s.audio.Running() {
		if _, err := s.timebase.Now(); err != nil {
			return s.failClock(err)
		}
	}
	s.machine.Poll()
	return nil
}

// Finish ends the session: the tempo is forced to zero and the client moves
// to Finished.
func (s *Session) Finish() error {
	from := s.machine.State()
	if err := s.machine.Finish(); err != nil {
		return NewTransitionError(s.id, from.String(), client.Finished.String(), err)
	}
	return nil
}

// Status returns a display snapshot. Message reads "cannot synchronize"
// once the hardware clock has failed.
func (s *Session) Status() Status {
	snap := s.tempo.Snapshot()
	now := s.Now()
	st := Status{
		SessionID:    s.id,
		State:        s.machine.State().String(),
		Beat:         snap.ToBeat(now),
		BPS:          snap.BeatsPerSecond,
		Epoch:        snap.Epoch,
		Synchronized: s.transport.Synchronized(),
		Transmission: s.transmission,
		Pending:      s.queue.Len(),
		Message:      s.machine.State().String(),
	}
	if s.clockErr != nil {
		st.Message = "cannot synchronize"
	} else if s.interrupted {
		st.Message = "session interrupted"
	}
	return st
}

// Err returns the fatal error, if any.
func (s *Session) Err() error {
	return s.clockErr
}

// Run drives the session on its Loop until ctx is cancelled or the clock
// fails. An RTT round is started once the loop is up.
func (s *Session) Run(ctx context.Context) error {
	if s.loop == nil {
		return fmt.Errorf("session %s has no loop", s.id)
	}
	s.ctx = ctx
	s.loop.SetControlTick(DefaultControlInterval, s.Tick)
	s.loop.Post("rtt", func() error {
		_, err := s.StartRttRound()
		return err
	})
	return s.loop.Run(ctx)
}

// StartRttRound begins a probe round. The result is sent to the server as
// /elbs/registertt.
func (s *Session) StartRttRound() (uint32, error) {
	round, err := s.rtt.StartRound(s.cfg.RttProbes, s.onRttDone)
	if err != nil {
		return 0, fmt.Errorf("start rtt round: %w", err)
	}
	return round, nil
}

// Transmission returns the last measured one-way transmission time.
func (s *Session) Transmission() float64 {
	return s.transmission
}

func (s *Session) sendProbe(round uint32, index int) error {
	return s.transport.Send(wire.RttTest{Round: round, Index: int32(index)})
}

func (s *Session) onRttDone(res rtt.Result, err error) {
	s.recordRtt(res)
	if err != nil {
		s.logger.Warn("rtt round produced no estimate", "round", res.Round, "error", err)
		return
	}
	s.transmission = res.Transmission
	if err := s.transport.Send(wire.RegisterTT{Transmission: res.Transmission}); err != nil {
		s.logger.Warn("register transmission time failed", "error", err)
	}
}

// register installs the inbound message handlers.
func (s *Session) register() {
	s.handle(wire.AddrTimeMap, func(m wire.Message) error {
		return s.HandleTimeMap(m.(wire.TimeMap))
	})
	s.handle(wire.AddrRttTest, func(m wire.Message) error {
		p := m.(wire.RttTest)
		s.rtt.Reply(p.Round, int(p.Index))
		return nil
	})
	s.handle(wire.AddrValidated, func(wire.Message) error {
		s.authorized = true
		s.logger.Info("client validated")
		return nil
	})
	s.handle(wire.AddrMidisReady, func(wire.Message) error {
		return s.Finish()
	})
	s.handle(wire.AddrSessionInterrupt, func(wire.Message) error {
		s.interrupted = true
		s.logger.Warn("session interrupted by server")
		return nil
	})
	relay := func(m wire.Message) error {
		s.HandleRelay(m.(wire.Relay))
		return nil
	}
	s.handle(wire.AddrComposerToPerf, relay)
	s.handle(wire.AddrListenerPerfHit, relay)
}

// handle registers h for address, running it on the loop when there is one.
func (s *Session) handle(address string, h func(wire.Message) error) {
	s.transport.On(address, func(m wire.Message) {
		if s.loop != nil {
			s.loop.Post(address, func() error { return h(m) })
			return
		}
		if err := h(m); err != nil {
			s.logger.Warn("handler failed", "address", address, "error", err)
		}
	})
}

func (s *Session) onTransition(from, to client.State) {
	switch {
	case to == client.Playing:
		s.hitsEnabled = s.cfg.Role != RoleListener
		if s.cfg.Metronome {
			s.startMetronome()
		}
	case from == client.Playing:
		s.hitsEnabled = false
	}

	s.recordTransition(from, to)
	for _, fn := range s.stateListeners {
		fn(from, to)
	}
}

// forceStop freezes the beat when the session finishes.
func (s *Session) forceStop() {
	s.cancelPending()
	s.tempo.Stop(s.Now())
	s.queue.Rearm()
}

// failClock latches a clock failure. Every later Tick returns the same error.
func (s *Session) failClock(err error) error {
	if s.clockErr == nil {
		s.clockErr = NewClockError(s.id, err)
		s.logger.Error("cannot synchronize",
			"error", err,
			"event", string(ErrCodeClockUnavailable),
		)
	}
	return s.clockErr
}

// ceilDelay converts seconds to a timer delay rounded up to whole
// milliseconds with the configured floor.
func (s *Session) ceilDelay(seconds float64) time.Duration {
	d := time.Duration(math.Ceil(seconds*1000)) * time.Millisecond
	if d < s.cfg.MinTimerDelay {
		return s.cfg.MinTimerDelay
	}
	return d
}
