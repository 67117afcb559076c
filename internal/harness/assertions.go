package harness

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/beatclock/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %6.2f %s\n", i+1, event.At, event)
		}
	}
	return buf.String()
}

// matches reports whether event satisfies the peer, kind and detail filters
// of the assertion.
func matches(event TraceEvent, assertion Assertion) bool {
	if assertion.Peer != 0 && event.Peer != assertion.Peer {
		return false
	}
	if event.Kind != assertion.Kind {
		return false
	}
	return strings.Contains(event.Detail, assertion.Contains)
}

func describe(assertion Assertion) string {
	desc := assertion.Kind
	if assertion.Peer != 0 {
		desc = fmt.Sprintf("%s from peer %d", desc, assertion.Peer)
	}
	if assertion.Contains != "" {
		desc = fmt.Sprintf("%s containing %q", desc, assertion.Contains)
	}
	return desc
}

// assertTraceContains checks if the trace contains a matching event.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if matches(event, assertion) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(assertion),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if the event patterns appear in the specified order.
// Events don't need to be consecutive (intervening events are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	next := 0
	for _, event := range trace {
		if next == len(assertion.Events) {
			break
		}
		if strings.Contains(event.String(), assertion.Events[next]) {
			next++
		}
	}
	if next == len(assertion.Events) {
		return nil
	}

	actual := fmt.Sprintf("%q not found after %q", assertion.Events[next], assertion.Events[:next])
	if next == 0 {
		actual = fmt.Sprintf("%q not found", assertion.Events[0])
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("events in order: %q", assertion.Events),
		Actual:   actual,
		Trace:    trace,
	}
}

// assertTraceCount checks if matching events appear exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if matches(event, assertion) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, describe(assertion)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks the peer's journal summary using subset
// semantics: only the keys listed in Expect are compared.
func assertFinalState(state map[int32]store.SessionSummary, assertion Assertion) error {
	summary, ok := state[assertion.Peer]
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("journal summary for peer %d", assertion.Peer),
			Actual:   "peer not found",
		}
	}

	keys := make([]string, 0, len(assertion.Expect))
	for key := range assertion.Expect {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		expected := assertion.Expect[key]
		actual, ok := summaryValue(summary, key)
		if !ok {
			return fmt.Errorf("final_state: unknown key %q", key)
		}
		if !stateValuesEqual(expected, actual) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("peer %d %s = %v", assertion.Peer, key, expected),
				Actual:   fmt.Sprintf("%v", actual),
			}
		}
	}
	return nil
}

func summaryValue(s store.SessionSummary, key string) (interface{}, bool) {
	switch key {
	case "state":
		return s.FinalState, true
	case "role":
		return s.Session.Role, true
	case "tempo_changes":
		return s.TempoChanges, true
	case "dispatches":
		return s.Dispatches, true
	case "transitions":
		return s.Transitions, true
	case "rtt_rounds":
		return s.RttRounds, true
	case "max_late_ms":
		return s.MaxLateMS, true
	default:
		return nil, false
	}
}

// stateValuesEqual compares a YAML-decoded expectation with a summary value.
// YAML integers decode as int, so numbers are compared as float64.
func stateValuesEqual(expected, actual interface{}) bool {
	if expected == nil || actual == nil {
		return expected == actual
	}
	if e, ok := toFloat(expected); ok {
		a, ok := toFloat(actual)
		return ok && e == a
	}
	return fmt.Sprint(expected) == fmt.Sprint(actual)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			err = assertFinalState(result.State, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
