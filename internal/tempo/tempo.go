// Package tempo implements the tempo map: the affine relation between
// network time and musical beat position.
//
// A map is defined by (reference time, reference beat, beats per second,
// epoch):
//
//	beat(t) = refBeat + (t - refTime) * bps
//	time(b) = refTime + (b - refBeat) / bps     (Never when bps == 0)
//
// Epochs identify accepted tempo definitions and strictly increase. A
// replacement carrying an epoch at or below the last applied one is a no-op.
//
// The current definition is published as an immutable Snapshot through an
// atomic pointer: the session loop is the single writer, and an audio thread
// may read snapshots without locking.
package tempo

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

// Never is returned by ToTime when the tempo is zero. It is far in the future
// rather than infinite so that arithmetic on it stays finite.
const Never = 1e10

// ErrInvalidRate is returned for negative or non-finite beats per second.
var ErrInvalidRate = errors.New("invalid beats per second")

// IsNever reports whether t is the Never sentinel.
func IsNever(t float64) bool {
	return t >= Never
}

// Snapshot is one immutable tempo definition.
type Snapshot struct {
	RefTime        float64 `json:"time"`
	RefBeat        float64 `json:"beat"`
	BeatsPerSecond float64 `json:"bps"`
	Epoch          uint32  `json:"epoch"`

	// Received is false for the placeholder map that exists before the first
	// definition arrives.
	Received bool `json:"received"`
}

// ToBeat maps network time to beat.
func (s Snapshot) ToBeat(t float64) float64 {
	return s.RefBeat + (t-s.RefTime)*s.BeatsPerSecond
}

// ToTime maps beat to network time. Returns Never when stopped.
func (s Snapshot) ToTime(beat float64) float64 {
	if s.BeatsPerSecond == 0 {
		return Never
	}
	return s.RefTime + (beat-s.RefBeat)/s.BeatsPerSecond
}

// Running reports whether beats advance.
func (s Snapshot) Running() bool {
	return s.BeatsPerSecond > 0
}

// Map holds the current tempo definition.
//
// Thread-safety: Replace and Stop must be called from a single writer (the
// session loop). All read methods are safe from any goroutine.
type Map struct {
	cur atomic.Pointer[Snapshot]
}

// NewMap creates a stopped, not-yet-received map.
func NewMap() *Map {
	m := &Map{}
	m.cur.Store(&Snapshot{})
	return m
}

// Snapshot returns the current definition.
func (m *Map) Snapshot() Snapshot {
	return *m.cur.Load()
}

// ToBeat maps network time to beat using the current definition.
func (m *Map) ToBeat(t float64) float64 {
	return m.cur.Load().ToBeat(t)
}

// ToTime maps beat to network time using the current definition.
func (m *Map) ToTime(beat float64) float64 {
	return m.cur.Load().ToTime(beat)
}

// BeatsPerSecond returns the current rate.
func (m *Map) BeatsPerSecond() float64 {
	return m.cur.Load().BeatsPerSecond
}

// Epoch returns the epoch of the current definition.
func (m *Map) Epoch() uint32 {
	return m.cur.Load().Epoch
}

// Received reports whether any definition has been applied.
func (m *Map) Received() bool {
	return m.cur.Load().Received
}

// IsStale reports whether a definition with this epoch would be ignored.
// The first definition is never stale, whatever its epoch.
func (m *Map) IsStale(epoch uint32) bool {
	cur := m.cur.Load()
	return cur.Received && epoch <= cur.Epoch
}

// Replace installs a new definition. It returns false, leaving the map
// unchanged, when epoch is stale.
func (m *Map) Replace(refTime, refBeat, bps float64, epoch uint32) (bool, error) {
	if bps < 0 || math.IsNaN(bps) || math.IsInf(bps, 0) {
		return false, fmt.Errorf("%w: %v", ErrInvalidRate, bps)
	}
	if math.IsNaN(refTime) || math.IsNaN(refBeat) {
		return false, fmt.Errorf("tempo reference is NaN (time=%v beat=%v)", refTime, refBeat)
	}
	if m.IsStale(epoch) {
		return false, nil
	}
	m.cur.Store(&Snapshot{
		RefTime:        refTime,
		RefBeat:        refBeat,
		BeatsPerSecond: bps,
		Epoch:          epoch,
		Received:       true,
	})
	return true, nil
}

// Stop freezes the beat at its position at time now, keeping the epoch.
// Used when the session ends and no further definition will arrive.
func (m *Map) Stop(now float64) {
	cur := m.cur.Load()
	m.cur.Store(&Snapshot{
		RefTime:        now,
		RefBeat:        cur.ToBeat(now),
		BeatsPerSecond: 0,
		Epoch:          cur.Epoch,
		Received:       cur.Received,
	})
}
