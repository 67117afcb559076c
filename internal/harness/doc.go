// Package harness runs YAML scenarios against simulated beatclock sessions.
//
// A scenario places a handful of peers on an in-process hub around a tempo
// authority and drives them with a manual clock, so every run of a scenario
// produces the same trace. Each peer is a full engine.Session journaling to
// an in-memory SQLite store.
//
// # Scenario Format
//
//	name: start_hit_stop
//	description: "A composer starts the tempo and a performer hears its hit"
//	latency: 7ms
//	peers:
//	  - { id: 1, role: composer }
//	  - { id: 2, role: performer, x: 1, y: 2, skew: 0.5 }
//	steps:
//	  - { at: 1.0, peer: 1, action: start, bps: 2.5 }
//	  - { at: 4.0, peer: 1, action: hit, drum: 0, right: true }
//	  - { at: 13.0, action: finish, info: take-1 }
//	until: 14.0
//	assertions:
//	  - { type: trace_contains, peer: 2, kind: trigger, contains: drum-0-right }
//	  - { type: final_state, peer: 2, expect: { state: finished } }
//
// Peer actions are start, stop, tempo, hit, rtt and leave. The finish action
// has no peer: the authority ends the performance for everyone.
//
// # Assertion Types
//
//   - trace_contains: an event of the kind (and peer, and detail substring) exists
//   - trace_order: the listed event patterns appear in order
//   - trace_count: exactly count events match
//   - final_state: the peer's journal summary has the expected values
//
// # Trace
//
// The trace records state transitions, applied tempo definitions, playback
// edges, audio triggers and scenario actions. Times are network seconds
// rounded to 10ms.
package harness
