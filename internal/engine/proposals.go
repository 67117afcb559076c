package engine

import (
	"fmt"
	"math"

	"github.com/roach88/beatclock/internal/tempo"
	"github.com/roach88/beatclock/internal/wire"
)

// Proposals ask the server to change the tempo. They carry the epoch this
// client last applied; the server drops proposals made against an older
// definition. Nothing changes locally until the server answers with a
// /gdc/timemap.

// ProposeStart asks to start at bps on the next whole beat after the
// proposal lead.
func (s *Session) ProposeStart(bps float64) error {
	if bps <= 0 || math.IsNaN(bps) || math.IsInf(bps, 0) {
		return fmt.Errorf("propose start: %w: %v", tempo.ErrInvalidRate, bps)
	}
	snap := s.tempo.Snapshot()
	if snap.Running() {
		return fmt.Errorf("propose start: %w", ErrAlreadyRunning)
	}
	now := s.Now()
	return s.send(wire.Start{
		Epoch: snap.Epoch,
		Time:  now + s.cfg.ProposalLead.Seconds(),
		Beat:  math.Floor(snap.RefBeat) + 1,
		BPS:   bps,
	})
}

// ProposeStop asks to stop on the first whole beat after the proposal lead.
func (s *Session) ProposeStop() error {
	snap := s.tempo.Snapshot()
	if !snap.Running() {
		return fmt.Errorf("propose stop: %w", ErrNotRunning)
	}
	at := s.Now() + s.cfg.ProposalLead.Seconds()
	return s.send(wire.Stop{
		Epoch: snap.Epoch,
		Beat:  math.Ceil(snap.ToBeat(at)),
	})
}

// ProposeTempo asks to change to bps on the first whole beat after the
// proposal lead.
func (s *Session) ProposeTempo(bps float64) error {
	if bps <= 0 || math.IsNaN(bps) || math.IsInf(bps, 0) {
		return fmt.Errorf("propose tempo: %w: %v", tempo.ErrInvalidRate, bps)
	}
	snap := s.tempo.Snapshot()
	if !snap.Running() {
		return fmt.Errorf("propose tempo: %w", ErrNotRunning)
	}
	beat := math.Ceil(snap.ToBeat(s.Now() + s.cfg.ProposalLead.Seconds()))
	return s.send(wire.TimeMap{
		Epoch: snap.Epoch,
		Time:  snap.ToTime(beat),
		Beat:  beat,
		BPS:   bps,
	})
}

func (s *Session) send(m wire.Message) error {
	if err := s.transport.Send(m); err != nil {
		return fmt.Errorf("send %s: %w", m.Address(), err)
	}
	s.logger.Debug("proposal sent", "address", m.Address())
	return nil
}
