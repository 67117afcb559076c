package harness

import (
	"fmt"
	"math"

	"github.com/roach88/beatclock/internal/store"
)

// Trace event kinds.
const (
	KindState   = "state"
	KindTempo   = "tempo"
	KindEdge    = "edge"
	KindTrigger = "trigger"
	KindAction  = "action"
	KindError   = "error"
)

// TraceEvent is one observation during a scenario run. Peer is 0 for
// authority actions.
type TraceEvent struct {
	At     float64 `json:"at"`
	Peer   int32   `json:"peer"`
	Kind   string  `json:"kind"`
	Detail string  `json:"detail"`
}

// String renders the event as "peer kind detail", the form trace_order
// patterns match against.
func (e TraceEvent) String() string {
	return fmt.Sprintf("%d %s %s", e.Peer, e.Kind, e.Detail)
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace contains every event in the order it happened.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State holds each peer's journal summary, keyed by peer id.
	State map[int32]store.SessionSummary `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[int32]store.SessionSummary),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// record appends an event at network time t, rounded to 10ms.
func (r *Result) record(t float64, peer int32, kind, detail string) {
	r.Trace = append(r.Trace, TraceEvent{
		At:     math.Round(t*100) / 100,
		Peer:   peer,
		Kind:   kind,
		Detail: detail,
	})
}
