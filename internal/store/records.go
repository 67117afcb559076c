package store

// SessionRecord identifies one client session. It must be written before
// any other record that names the session.
type SessionRecord struct {
	ID        string
	Role      string
	ClientID  int32
	StartedAt float64
}

// TempoRecord is a tempo definition at the moment it took effect.
type TempoRecord struct {
	SessionID string
	Seq       int64
	AppliedAt float64
	RefTime   float64
	RefBeat   float64
	BPS       float64
	Epoch     uint32
	Mode      string
}

// DispatchRecord is one scheduler callback. LateMS is how far past its
// mapped time the callback ran.
type DispatchRecord struct {
	SessionID string
	Seq       int64
	Beat      float64
	At        float64
	LateMS    float64
}

// TransitionRecord is one client state change.
type TransitionRecord struct {
	SessionID string
	Seq       int64
	From      string
	To        string
	At        float64
}

// RttRecord summarizes a completed RTT round.
type RttRecord struct {
	SessionID    string
	Seq          int64
	Round        uint32
	Probes       int
	Answered     int
	MinRTT       float64
	Transmission float64
}

// SessionSummary is the per-session rollup printed by the journal command.
type SessionSummary struct {
	Session      SessionRecord
	TempoChanges int
	Dispatches   int
	Transitions  int
	RttRounds    int
	MaxLateMS    float64
	FinalState   string
}
