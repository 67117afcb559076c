package harness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoPeers() []PeerSpec {
	return []PeerSpec{
		{ID: 1, Role: "composer"},
		{ID: 2, Role: "performer", X: 1, Y: 2, Skew: 0.5},
	}
}

func requirePass(t *testing.T, result *Result) {
	t.Helper()
	require.NotNil(t, result)
	for _, msg := range result.Errors {
		t.Log(msg)
	}
	require.True(t, result.Pass)
}

func TestRun_Handshake(t *testing.T) {
	scenario := &Scenario{
		Name:        "handshake",
		Description: "Peers synchronize and become ready",
		Latency:     5 * time.Millisecond,
		Peers:       twoPeers(),
		Until:       1,
		Assertions: []Assertion{
			{Type: AssertTraceOrder, Events: []string{"1 state init>syncing", "1 state syncing>ready"}},
			{Type: AssertTraceCount, Kind: KindState, Contains: "syncing>ready", Count: 2},
			{Type: AssertFinalState, Peer: 2, Expect: map[string]interface{}{
				"state":         "ready",
				"tempo_changes": 1,
				"rtt_rounds":    1,
			}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	requirePass(t, result)
	assert.Len(t, result.State, 2)
	assert.Equal(t, "composer", result.State[1].Session.Role)
	assert.Equal(t, "handshake-peer-2", result.State[2].Session.ID)
}

func TestRun_TempoChange(t *testing.T) {
	scenario := &Scenario{
		Name:        "tempo_change",
		Description: "A running tempo changes on a later whole beat",
		Latency:     7 * time.Millisecond,
		Peers:       twoPeers(),
		Steps: []Step{
			{At: 1, Peer: 1, Action: ActionStart, BPS: 2},
			{At: 4.9, Peer: 2, Action: ActionTempo, BPS: 4},
		},
		Until: 9,
		Assertions: []Assertion{
			{Type: AssertTraceContains, Peer: 1, Kind: KindTempo, Contains: "epoch=2 time=7.407 beat=9.000 bps=4.000"},
			{Type: AssertTraceCount, Kind: KindTempo, Contains: "epoch=2", Count: 2},
			{Type: AssertFinalState, Peer: 1, Expect: map[string]interface{}{"state": "playing", "tempo_changes": 3}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	requirePass(t, result)
}

func TestRun_ConcurrentStartsKeepFirst(t *testing.T) {
	scenario := &Scenario{
		Name:        "concurrent_starts",
		Description: "Two starts against the same epoch; the authority keeps the first",
		Latency:     7 * time.Millisecond,
		Peers:       twoPeers(),
		Steps: []Step{
			{At: 1, Peer: 1, Action: ActionStart, BPS: 2},
			{At: 1, Peer: 2, Action: ActionStart, BPS: 3},
		},
		Until: 5,
		Assertions: []Assertion{
			{Type: AssertTraceCount, Kind: KindTempo, Contains: "epoch=1", Count: 2},
			{Type: AssertTraceCount, Kind: KindTempo, Contains: "bps=3.000", Count: 0},
			{Type: AssertTraceCount, Kind: KindTempo, Contains: "epoch=2", Count: 0},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	requirePass(t, result)
}

func TestRun_PerformerHitReachesListener(t *testing.T) {
	scenario := &Scenario{
		Name:        "listener_hears",
		Description: "Performer hits are relayed to listeners only",
		Latency:     7 * time.Millisecond,
		Peers: []PeerSpec{
			{ID: 1, Role: "composer"},
			{ID: 2, Role: "performer", X: 1},
			{ID: 3, Role: "listener", X: 3},
		},
		Steps: []Step{
			{At: 1, Peer: 1, Action: ActionStart, BPS: 2.5},
			{At: 5, Peer: 2, Action: ActionHit, Drum: 1},
			{At: 6, Peer: 3, Action: ActionHit, Drum: 1},
		},
		Until: 9,
		Assertions: []Assertion{
			{Type: AssertTraceContains, Peer: 3, Kind: KindTrigger, Contains: "drum-1-left"},
			{Type: AssertTraceCount, Kind: KindTrigger, Count: 1},
			{Type: AssertTraceContains, Peer: 3, Kind: KindAction, Contains: "listeners cannot send hits"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	requirePass(t, result)
}

func TestRun_HitWhileStopped(t *testing.T) {
	scenario := &Scenario{
		Name:        "hit_stopped",
		Description: "Hits before the tempo runs are refused",
		Peers:       twoPeers(),
		Steps: []Step{
			{At: 0.5, Peer: 1, Action: ActionHit},
			{At: 0.6, Peer: 1, Action: ActionStop},
		},
		Assertions: []Assertion{
			{Type: AssertTraceContains, Peer: 1, Kind: KindAction, Contains: "hit drum=0 right=false: hits are disabled while stopped"},
			{Type: AssertTraceContains, Peer: 1, Kind: KindAction, Contains: "stop: propose stop: tempo is not running"},
			{Type: AssertTraceCount, Kind: KindTrigger, Count: 0},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	requirePass(t, result)
}

func TestRun_LeaveInterruptsPlayback(t *testing.T) {
	scenario := &Scenario{
		Name:        "leave",
		Description: "A peer leaving while running stops everyone",
		Latency:     7 * time.Millisecond,
		Peers:       twoPeers(),
		Steps: []Step{
			{At: 1, Peer: 1, Action: ActionStart, BPS: 2},
			{At: 5, Peer: 2, Action: ActionLeave},
		},
		Until: 9,
		Assertions: []Assertion{
			{Type: AssertTraceOrder, Events: []string{
				"2 action leave: ok",
				"1 edge stop pending",
				"1 tempo epoch=2",
				"1 state playing>ready",
			}},
			{Type: AssertFinalState, Peer: 2, Expect: map[string]interface{}{"state": "playing"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	requirePass(t, result)
}

func TestRun_ExtraRttRound(t *testing.T) {
	scenario := &Scenario{
		Name:        "extra_rtt",
		Description: "A second RTT round is journaled",
		Latency:     3 * time.Millisecond,
		RttProbes:   3,
		Peers:       twoPeers(),
		Steps: []Step{
			{At: 1, Peer: 2, Action: ActionRtt},
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, Peer: 2, Expect: map[string]interface{}{"rtt_rounds": 2}},
			{Type: AssertFinalState, Peer: 1, Expect: map[string]interface{}{"rtt_rounds": 1}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	requirePass(t, result)
}

func TestRun_FailedAssertion(t *testing.T) {
	scenario := &Scenario{
		Name:        "failing",
		Description: "An assertion that cannot hold",
		Peers:       twoPeers(),
		Until:       0.5,
		Assertions: []Assertion{
			{Type: AssertTraceContains, Kind: KindTrigger},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "trace_contains")
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/start_hit_stop.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)
	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, first.State, second.State)
}
