package engine

import (
	"fmt"
	"math"

	"github.com/roach88/beatclock/internal/client"
	"github.com/roach88/beatclock/internal/sched"
	"github.com/roach88/beatclock/internal/tempo"
	"github.com/roach88/beatclock/internal/wire"
)

// How a tempo definition was applied. Recorded in the journal.
const (
	ModeImmediate = "immediate"
	ModeAtBeat    = "at_beat"
	ModeDeferred  = "deferred"
)

// TempoChange is one tempo definition waiting to be applied.
type TempoChange struct {
	RefTime float64
	RefBeat float64
	BPS     float64
	Epoch   uint32
}

// pendingChange is the single in-flight definition. Exactly one of handle
// and stop is set.
type pendingChange struct {
	change TempoChange
	handle sched.Handle
	stop   func() bool
}

// SetTempo installs a tempo definition effective from (refTime, refBeat).
//
// A definition at or below the applied or pending epoch is ignored, as is
// any definition once the session has finished. A newer one replaces any
// pending definition.
func (s *Session) SetTempo(refTime, refBeat, bps float64, epoch uint32) error {
	if err := validTempo(refTime, refBeat, bps, epoch); err != nil {
		return err
	}
	if s.ignoreTempo(epoch) {
		return nil
	}

	s.cancelPending()
	s.changeTempo(TempoChange{RefTime: refTime, RefBeat: refBeat, BPS: bps, Epoch: epoch}, ModeImmediate)
	return nil
}

func validTempo(refTime, refBeat, bps float64, epoch uint32) error {
	if bps < 0 || math.IsNaN(bps) || math.IsInf(bps, 0) {
		return fmt.Errorf("set tempo epoch %d: %w: %v", epoch, tempo.ErrInvalidRate, bps)
	}
	if math.IsNaN(refTime) || math.IsNaN(refBeat) {
		return fmt.Errorf("set tempo epoch %d: reference is NaN", epoch)
	}
	return nil
}

// ignoreTempo reports whether a definition at epoch must be dropped.
func (s *Session) ignoreTempo(epoch uint32) bool {
	if s.machine.State() == client.Finished {
		s.logger.Debug("ignoring tempo after finish", "epoch", epoch)
		return true
	}
	if s.isStale(epoch) {
		s.logger.Debug("ignoring stale tempo",
			"epoch", epoch,
			"applied", s.tempo.Epoch(),
			"event", string(ErrCodeStaleEpoch),
		)
		return true
	}
	return false
}

// PendingTempo returns the definition waiting to be applied, if any.
func (s *Session) PendingTempo() (TempoChange, bool) {
	if s.pending == nil {
		return TempoChange{}, false
	}
	return s.pending.change, true
}

// HandleTimeMap applies a /gdc/timemap message. Crossing between stopped
// and running also announces a start or stop edge at the reference beat.
func (s *Session) HandleTimeMap(m wire.TimeMap) error {
	if err := validTempo(m.Time, m.Beat, m.BPS, m.Epoch); err != nil {
		return err
	}
	if s.ignoreTempo(m.Epoch) {
		return nil
	}

	cur := s.tempo.BeatsPerSecond()
	switch state := s.machine.State(); {
	case cur > 0 && m.BPS <= 0 && state == client.Playing:
		s.announceEdge(false, m.Beat)
	case cur <= 0 && m.BPS > 0 && state == client.Ready:
		s.announceEdge(true, m.Beat)
	}

	s.cancelPending()
	s.changeTempo(TempoChange{RefTime: m.Time, RefBeat: m.Beat, BPS: m.BPS, Epoch: m.Epoch}, ModeImmediate)
	return nil
}

func (s *Session) announceEdge(start bool, beat float64) {
	s.emitEdge(Edge{Start: start, Pending: true, Beat: beat})
	s.queue.Schedule(beat, func(sched.Dispatch) {
		s.hitsEnabled = start && s.cfg.Role != RoleListener
		s.emitEdge(Edge{Start: start, Beat: beat})
	})
}

func (s *Session) emitEdge(e Edge) {
	s.logger.Debug("playback edge", "start", e.Start, "pending", e.Pending, "beat", e.Beat)
	for _, fn := range s.edgeListeners {
		fn(e)
	}
}

func (s *Session) isStale(epoch uint32) bool {
	if s.tempo.IsStale(epoch) {
		return true
	}
	return s.pending != nil && epoch <= s.pending.change.Epoch
}

// changeTempo applies c now, at its beat, or at its time.
func (s *Session) changeTempo(c TempoChange, mode string) {
	now := s.Now()
	cur := s.tempo.Snapshot()

	switch {
	case !cur.Running():
		if now < c.RefTime {
			// Beats do not advance while stopped, so wait on the wall clock.
			p := &pendingChange{change: c}
			s.pending = p
			p.stop = s.timer.AfterFunc(s.ceilDelay(c.RefTime-now), func() {
				if s.pending != p {
					return
				}
				s.pending = nil
				s.changeTempo(c, ModeDeferred)
			})
			s.logger.Debug("tempo deferred", "epoch", c.Epoch, "until", c.RefTime, "now", now)
			return
		}
	case cur.ToBeat(now) < c.RefBeat:
		p := &pendingChange{change: c}
		s.pending = p
		p.handle = s.queue.Schedule(c.RefBeat, func(sched.Dispatch) {
			if s.pending != p {
				return
			}
			s.pending = nil
			s.applyTempo(c, ModeAtBeat)
		})
		s.logger.Debug("tempo scheduled", "epoch", c.Epoch, "beat", c.RefBeat, "now_beat", cur.ToBeat(now))
		return
	}

	s.applyTempo(c, mode)
}

func (s *Session) applyTempo(c TempoChange, mode string) {
	ok, err := s.tempo.Replace(c.RefTime, c.RefBeat, c.BPS, c.Epoch)
	if err != nil {
		s.logger.Error("tempo rejected", "epoch", c.Epoch, "error", err)
		return
	}
	if !ok {
		s.logger.Debug("ignoring stale tempo", "epoch", c.Epoch, "event", string(ErrCodeStaleEpoch))
		return
	}
	s.queue.Rearm()

	s.logger.Info("tempo applied",
		"epoch", c.Epoch,
		"time", c.RefTime,
		"beat", c.RefBeat,
		"bps", c.BPS,
		"mode", mode,
	)
	s.recordTempo(c, mode)

	snap := s.tempo.Snapshot()
	for _, fn := range s.tempoListeners {
		fn(snap)
	}
}

func (s *Session) cancelPending() {
	p := s.pending
	if p == nil {
		return
	}
	s.pending = nil
	if p.stop != nil {
		p.stop()
	}
	if p.handle.Valid() {
		s.queue.Cancel(p.handle)
	}
	s.logger.Debug("pending tempo superseded", "epoch", p.change.Epoch)
}
