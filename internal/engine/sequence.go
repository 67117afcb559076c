package engine

import "sync/atomic"

// Sequence numbers the journal records of one session.
//
// Records written in the same loop task often share a network time, so the
// journal orders by seq rather than by time. Numbers start at 1 and never
// repeat within a session.
type Sequence struct {
	n atomic.Int64
}

// NewSequence returns a sequence whose first Next is 1.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next reserves the next number.
func (s *Sequence) Next() int64 {
	return s.n.Add(1)
}

// Last returns the most recently reserved number, 0 if none.
func (s *Sequence) Last() int64 {
	return s.n.Load()
}
