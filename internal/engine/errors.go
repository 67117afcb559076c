package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/beatclock/internal/client"
	"github.com/roach88/beatclock/internal/rtt"
	"github.com/roach88/beatclock/internal/sched"
)

// RuntimeError represents a condition detected while a session runs.
//
// Runtime errors include:
//   - Clock unavailable: the audio device clock cannot be read (fatal)
//   - Stale epoch: a tempo definition older than the applied one (no-op)
//   - Late dispatch: an event fired after its time (recovered)
//   - Lost probe: an RTT probe was never answered (excluded)
//   - Invalid transition: a lifecycle request the state refuses (ignored)
//
// Only CLOCK_UNAVAILABLE is ever returned to callers as fatal. The other codes
// are logged with the code in the "event" attribute and the session carries on.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// SessionID identifies the affected session.
	SessionID string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeClockUnavailable indicates the hardware clock cannot be read.
	ErrCodeClockUnavailable RuntimeErrorCode = "CLOCK_UNAVAILABLE"

	// ErrCodeStaleEpoch indicates a tempo definition at or below the applied
	// or pending epoch.
	ErrCodeStaleEpoch RuntimeErrorCode = "STALE_EPOCH"

	// ErrCodeLateDispatch indicates an event dispatched after its time.
	// The scheduler logs it and recovers.
	ErrCodeLateDispatch RuntimeErrorCode = sched.EventLateDispatch

	// ErrCodeLostProbe indicates an unanswered RTT probe. The estimator
	// logs it and excludes the sample.
	ErrCodeLostProbe RuntimeErrorCode = rtt.EventLostProbe

	// ErrCodeInvalidTransition indicates a refused lifecycle request.
	ErrCodeInvalidTransition RuntimeErrorCode = client.EventInvalidTransition
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.SessionID != "" {
		msg = fmt.Sprintf("%s (session=%s)", msg, e.SessionID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsClockUnavailable returns true if the error is a clock failure.
// Uses errors.As to handle wrapped errors.
func IsClockUnavailable(err error) bool {
	return hasCode(err, ErrCodeClockUnavailable)
}

// IsInvalidTransition returns true if the error is a refused transition.
func IsInvalidTransition(err error) bool {
	return hasCode(err, ErrCodeInvalidTransition)
}

// IsFatal reports whether the session cannot continue after err.
func IsFatal(err error) bool {
	return IsClockUnavailable(err)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// NewClockError creates a RuntimeError for an unreadable hardware clock.
func NewClockError(sessionID string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeClockUnavailable,
		Message:   "cannot synchronize: hardware clock unavailable",
		SessionID: sessionID,
		Err:       cause,
	}
}

// NewTransitionError creates a RuntimeError for a refused lifecycle request.
func NewTransitionError(sessionID, from, to string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeInvalidTransition,
		Message:   fmt.Sprintf("cannot move from %s to %s", from, to),
		SessionID: sessionID,
		Details: map[string]string{
			"from": from,
			"to":   to,
		},
		Err: cause,
	}
}
