package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/beatclock/internal/rtt"
	"github.com/roach88/beatclock/internal/sched"
	"github.com/roach88/beatclock/internal/timebase"
)

// Role decides which hit messages a client sends and whether it may send
// any.
type Role int

const (
	// RoleComposer sends /elbs/chit.
	RoleComposer Role = iota
	// RolePerformer sends /elbs/phit.
	RolePerformer
	// RoleListener only listens.
	RoleListener
)

// String returns the lower-case role name.
func (r Role) String() string {
	switch r {
	case RoleComposer:
		return "composer"
	case RolePerformer:
		return "performer"
	case RoleListener:
		return "listener"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole converts a role name to a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "composer":
		return RoleComposer, nil
	case "performer":
		return RolePerformer, nil
	case "listener":
		return RoleListener, nil
	default:
		return 0, fmt.Errorf("unknown role %q (want composer, performer or listener)", s)
	}
}

// Config holds the session tunables.
type Config struct {
	ClientID int32
	Role     Role

	// RttProbes is the number of probes per RTT round.
	RttProbes  int
	RttSpacing time.Duration
	RttTimeout time.Duration

	// ReconcileInterval and MaxOffsetStep are in seconds.
	ReconcileInterval float64
	MaxOffsetStep     float64

	LateThreshold time.Duration
	MinTimerDelay time.Duration

	// Debounce drops a local hit this soon after the previous one.
	Debounce time.Duration

	Metronome      bool
	MetronomeVoice string
	// MetronomeLead starts the metronome sample this early so its attack
	// lands on the beat.
	MetronomeLead time.Duration

	// RelayLead is the beat delay added to every relayed hit, and
	// ComposerExtra the extra delay for hits relayed from a composer.
	RelayLead     float64
	ComposerExtra float64

	// ProposalLead is how far ahead of now proposals are placed.
	ProposalLead time.Duration
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		Role:              RolePerformer,
		RttProbes:         rtt.DefaultProbes,
		RttSpacing:        rtt.DefaultSpacing,
		RttTimeout:        rtt.DefaultTimeout,
		ReconcileInterval: timebase.DefaultReconcileInterval,
		MaxOffsetStep:     timebase.DefaultMaxStep,
		LateThreshold:     sched.DefaultLateThreshold,
		MinTimerDelay:     sched.DefaultMinDelay,
		Debounce:          10 * time.Millisecond,
		Metronome:         true,
		MetronomeVoice:    "metronome",
		MetronomeLead:     25 * time.Millisecond,
		RelayLead:         4,
		ComposerExtra:     1,
		ProposalLead:      2400 * time.Millisecond,
	}
}
