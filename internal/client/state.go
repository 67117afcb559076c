package client

// State is the lifecycle state of a session client.
type State int

const (
	// Init waits for the audio device to start.
	Init State = iota
	// Syncing waits for a clock sample, a tempo map and authorization.
	Syncing
	// Ready has a tempo map but the tempo is stopped.
	Ready
	// Playing has a running tempo.
	Playing
	// Finished is terminal.
	Finished
)

var stateNames = [...]string{
	Init:     "init",
	Syncing:  "syncing",
	Ready:    "ready",
	Playing:  "playing",
	Finished: "finished",
}

// String returns the lower-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ParseState converts a name produced by String back to a State.
func ParseState(name string) (State, bool) {
	for i, n := range stateNames {
		if n == name {
			return State(i), true
		}
	}
	return Init, false
}
