package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/beatclock/internal/engine"
)

// Scenario defines a conformance test scenario.
// Scenarios place peers around an authority, drive them with timed actions
// and assert on the resulting trace and final journal state.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Latency is the one-way delay of every frame on the hub.
	Latency time.Duration `yaml:"latency,omitempty"`

	// Tick is the interval at which every session polls its state machine.
	// Defaults to DefaultTick.
	Tick time.Duration `yaml:"tick,omitempty"`

	// MaxNetDelay is the authority's answer delay in seconds. Zero keeps
	// the authority default.
	MaxNetDelay float64 `yaml:"max_net_delay,omitempty"`

	// RttProbes is the number of probes in the opening RTT round.
	// Defaults to DefaultRttProbes.
	RttProbes int `yaml:"rtt_probes,omitempty"`

	// Peers are connected at time zero in the listed order.
	Peers []PeerSpec `yaml:"peers"`

	// Steps run at their At times, in order.
	Steps []Step `yaml:"steps"`

	// Until is the network time the run ends at. Defaults to one second
	// after the last step.
	Until float64 `yaml:"until,omitempty"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions"`
}

// PeerSpec describes one simulated client.
type PeerSpec struct {
	ID   int32  `yaml:"id"`
	Role string `yaml:"role"`
	X    int    `yaml:"x,omitempty"`
	Y    int    `yaml:"y,omitempty"`

	// Skew is the offset of the peer's audio clock from network time.
	Skew float64 `yaml:"skew,omitempty"`

	Metronome bool `yaml:"metronome,omitempty"`
}

// Step is one timed action.
type Step struct {
	// At is the network time the action runs at.
	At float64 `yaml:"at"`

	// Peer is the acting client. Unused by finish.
	Peer int32 `yaml:"peer,omitempty"`

	// Action is one of start, stop, tempo, hit, rtt, leave or finish.
	Action string `yaml:"action"`

	// BPS is the rate for start and tempo.
	BPS float64 `yaml:"bps,omitempty"`

	// Drum and Right select the pad for hit.
	Drum  int  `yaml:"drum,omitempty"`
	Right bool `yaml:"right,omitempty"`

	// Info is the label the authority attaches to finish.
	Info string `yaml:"info,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event of Kind exists
	// - "trace_order": the Events patterns appear in order
	// - "trace_count": exactly Count events of Kind exist
	// - "final_state": the journal summary of Peer matches Expect
	Type string `yaml:"type"`

	// Peer limits the match to one client. Zero matches every peer.
	Peer int32 `yaml:"peer,omitempty"`

	// Kind is the trace event kind (used by trace_contains, trace_count).
	Kind string `yaml:"kind,omitempty"`

	// Contains is a substring the event detail must contain.
	Contains string `yaml:"contains,omitempty"`

	// Count is the expected number of occurrences (used by trace_count).
	Count int `yaml:"count,omitempty"`

	// Events are substrings of "peer kind detail", in order (used by
	// trace_order).
	Events []string `yaml:"events,omitempty"`

	// Expect contains expected summary values (used by final_state).
	// Keys: state, tempo_changes, dispatches, transitions, rtt_rounds.
	Expect map[string]interface{} `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Step actions.
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionTempo  = "tempo"
	ActionHit    = "hit"
	ActionRtt    = "rtt"
	ActionLeave  = "leave"
	ActionFinish = "finish"
)

// Scenario defaults.
const (
	DefaultTick      = 20 * time.Millisecond
	DefaultRttProbes = 2
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Peers) == 0 {
		return fmt.Errorf("peers list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Latency < 0 || s.Tick < 0 {
		return fmt.Errorf("latency and tick must be non-negative")
	}
	if s.RttProbes < 0 {
		return fmt.Errorf("rtt_probes must be non-negative")
	}

	ids := make(map[int32]bool, len(s.Peers))
	for i, p := range s.Peers {
		if p.ID < 0 {
			return fmt.Errorf("peers[%d]: id must be non-negative", i)
		}
		if ids[p.ID] {
			return fmt.Errorf("peers[%d]: duplicate id %d", i, p.ID)
		}
		ids[p.ID] = true
		if _, err := engine.ParseRole(p.Role); err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
	}

	last := 0.0
	for i, step := range s.Steps {
		if step.At < last {
			return fmt.Errorf("steps[%d]: at %v is before the previous step", i, step.At)
		}
		last = step.At
		switch step.Action {
		case ActionStart, ActionTempo:
			if step.BPS <= 0 {
				return fmt.Errorf("steps[%d]: bps is required for %s", i, step.Action)
			}
		case ActionFinish:
			continue
		case ActionStop, ActionHit, ActionRtt, ActionLeave:
		default:
			return fmt.Errorf("steps[%d]: unknown action %q", i, step.Action)
		}
		if !ids[step.Peer] {
			return fmt.Errorf("steps[%d]: unknown peer %d", i, step.Peer)
		}
	}
	if s.Until != 0 && s.Until < last {
		return fmt.Errorf("until %v is before the last step", s.Until)
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Peer == 0 {
			return fmt.Errorf("assertions[%d]: peer is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func (s *Scenario) tick() time.Duration {
	if s.Tick > 0 {
		return s.Tick
	}
	return DefaultTick
}

func (s *Scenario) rttProbes() int {
	if s.RttProbes > 0 {
		return s.RttProbes
	}
	return DefaultRttProbes
}

func (s *Scenario) until() float64 {
	if s.Until > 0 {
		return s.Until
	}
	if n := len(s.Steps); n > 0 {
		return s.Steps[n-1].At + 1
	}
	return 1
}
