package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/beatclock/internal/client"
	"github.com/roach88/beatclock/internal/engine"
	"github.com/roach88/beatclock/internal/store"
	"github.com/roach88/beatclock/internal/tempo"
	"github.com/roach88/beatclock/internal/testutil"
	"github.com/roach88/beatclock/internal/transport"
)

// Harness is the scenario execution engine.
// Everything runs on one goroutine driven by a manual clock, so a scenario
// produces the same trace on every run.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	clock    *testutil.ManualClock
	hub      *transport.Hub
	logger   *slog.Logger
	result   *Result

	peers []*peer
	byID  map[int32]*peer
}

type peer struct {
	spec     PeerSpec
	endpoint *transport.Endpoint
	session  *engine.Session
	left     bool
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Connect every peer to the hub and build its session
// 2. Start each peer's opening RTT round and the poll ticker
// 3. Run the steps at their times, then advance to Until
// 4. Summarize every peer's journal and evaluate the assertions
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewManualClock(0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests

	h := &Harness{
		scenario: scenario,
		store:    st,
		clock:    clock,
		logger:   logger,
		result:   NewResult(),
		byID:     make(map[int32]*peer, len(scenario.Peers)),
	}
	h.hub = transport.NewHub(clock, clock,
		[]transport.HubOption{
			transport.WithLatency(scenario.Latency),
			transport.WithHubLogger(logger),
		},
		transport.WithMaxNetDelay(scenario.MaxNetDelay),
		transport.WithAuthorityLogger(logger),
	)

	for _, spec := range scenario.Peers {
		if err := h.connect(spec); err != nil {
			return nil, err
		}
	}
	for _, p := range h.peers {
		if _, err := p.session.StartRttRound(); err != nil {
			return nil, fmt.Errorf("peer %d: start rtt round: %w", p.spec.ID, err)
		}
	}
	h.scheduleTick()

	for _, step := range scenario.Steps {
		clock.AdvanceTo(step.At)
		h.perform(step)
	}
	clock.AdvanceTo(scenario.until())

	ctx := context.Background()
	for _, p := range h.peers {
		summary, err := st.Summarize(ctx, p.session.ID())
		if err != nil {
			return nil, fmt.Errorf("peer %d: summarize journal: %w", p.spec.ID, err)
		}
		h.result.State[p.spec.ID] = summary
	}

	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) connect(spec PeerSpec) error {
	role, err := engine.ParseRole(spec.Role)
	if err != nil {
		return fmt.Errorf("peer %d: %w", spec.ID, err)
	}
	endpoint, err := h.hub.Connect(transport.Peer{ID: spec.ID, Role: role, X: spec.X, Y: spec.Y})
	if err != nil {
		return fmt.Errorf("peer %d: %w", spec.ID, err)
	}

	cfg := engine.DefaultConfig()
	cfg.ClientID = spec.ID
	cfg.Role = role
	cfg.Metronome = spec.Metronome
	cfg.RttProbes = h.scenario.rttProbes()

	id := spec.ID
	audio := &tracedAudio{
		FakeAudio: testutil.NewFakeAudio(h.clock, spec.Skew),
		onTrigger: func(voice string, at float64) {
			h.record(id, KindTrigger, fmt.Sprintf("%s at=%.4f", voice, at))
		},
	}
	session, err := engine.NewSession(cfg, engine.Deps{
		Transport: endpoint,
		Audio:     audio,
		System:    h.clock,
		Timer:     h.clock,
		IDs:       engine.NewFixedGenerator(fmt.Sprintf("%s-peer-%d", h.scenario.Name, spec.ID)),
		Journal:   h.store,
		Logger:    h.logger,
	})
	if err != nil {
		return fmt.Errorf("peer %d: %w", spec.ID, err)
	}

	session.OnStateChange(func(from, to client.State) {
		h.record(id, KindState, fmt.Sprintf("%s>%s", from, to))
	})
	session.OnTempo(func(snap tempo.Snapshot) {
		h.record(id, KindTempo, fmt.Sprintf("epoch=%d time=%.3f beat=%.3f bps=%.3f",
			snap.Epoch, snap.RefTime, snap.RefBeat, snap.BeatsPerSecond))
	})
	session.OnEdge(func(e engine.Edge) {
		h.record(id, KindEdge, edgeDetail(e))
	})

	p := &peer{spec: spec, endpoint: endpoint, session: session}
	h.peers = append(h.peers, p)
	h.byID[spec.ID] = p
	return nil
}

// scheduleTick polls every connected session once per tick, in peer order.
func (h *Harness) scheduleTick() {
	var tick func()
	tick = func() {
		for _, p := range h.peers {
			if p.left {
				continue
			}
			if err := p.session.Tick(); err != nil {
				h.record(p.spec.ID, KindError, err.Error())
			}
		}
		h.clock.AfterFunc(h.scenario.tick(), tick)
	}
	h.clock.AfterFunc(h.scenario.tick(), tick)
}

func (h *Harness) perform(step Step) {
	if step.Action == ActionFinish {
		h.hub.Authority().Finish(step.Info)
		h.record(0, KindAction, fmt.Sprintf("finish info=%s: ok", step.Info))
		return
	}

	p := h.byID[step.Peer]
	var (
		detail string
		err    error
	)
	switch step.Action {
	case ActionStart:
		detail = fmt.Sprintf("start bps=%.3f", step.BPS)
		err = p.session.ProposeStart(step.BPS)
	case ActionStop:
		detail = "stop"
		err = p.session.ProposeStop()
	case ActionTempo:
		detail = fmt.Sprintf("tempo bps=%.3f", step.BPS)
		err = p.session.ProposeTempo(step.BPS)
	case ActionHit:
		detail = fmt.Sprintf("hit drum=%d right=%t", step.Drum, step.Right)
		var sent bool
		sent, err = p.session.Hit(step.Drum, step.Right)
		if err == nil && !sent {
			h.record(p.spec.ID, KindAction, detail+": debounced")
			return
		}
	case ActionRtt:
		detail = "rtt"
		_, err = p.session.StartRttRound()
	case ActionLeave:
		detail = "leave"
		p.left = true
		err = p.endpoint.Close()
	}

	if err != nil {
		h.record(p.spec.ID, KindAction, fmt.Sprintf("%s: %v", detail, err))
		return
	}
	h.record(p.spec.ID, KindAction, detail+": ok")
}

func (h *Harness) record(peer int32, kind, detail string) {
	h.result.record(h.clock.Now(), peer, kind, detail)
}

func edgeDetail(e engine.Edge) string {
	name := "stop"
	if e.Start {
		name = "start"
	}
	if e.Pending {
		return fmt.Sprintf("%s pending beat=%.3f", name, e.Beat)
	}
	return fmt.Sprintf("%s beat=%.3f", name, e.Beat)
}

// tracedAudio reports every trigger to the trace.
type tracedAudio struct {
	*testutil.FakeAudio
	onTrigger func(voice string, at float64)
}

func (a *tracedAudio) Trigger(voice string, at float64) error {
	if err := a.FakeAudio.Trigger(voice, at); err != nil {
		return err
	}
	a.onTrigger(voice, at)
	return nil
}
