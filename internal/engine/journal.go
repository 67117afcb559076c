package engine

import (
	"github.com/roach88/beatclock/internal/client"
	"github.com/roach88/beatclock/internal/rtt"
	"github.com/roach88/beatclock/internal/sched"
	"github.com/roach88/beatclock/internal/store"
)

// Journal writes are diagnostics only. A failed write is logged and the
// session carries on.

func (s *Session) recordTempo(c TempoChange, mode string) {
	if s.journal == nil {
		return
	}
	err := s.journal.WriteTempoChange(s.ctx, store.TempoRecord{
		SessionID: s.id,
		Seq:       s.seq.Next(),
		AppliedAt: s.Now(),
		RefTime:   c.RefTime,
		RefBeat:   c.RefBeat,
		BPS:       c.BPS,
		Epoch:     c.Epoch,
		Mode:      mode,
	})
	s.journalErr("tempo", err)
}

func (s *Session) recordDispatch(d sched.Dispatch) {
	if s.journal == nil {
		return
	}
	err := s.journal.WriteDispatch(s.ctx, store.DispatchRecord{
		SessionID: s.id,
		Seq:       s.seq.Next(),
		Beat:      d.Beat,
		At:        s.Now(),
		LateMS:    float64(d.Late.Microseconds()) / 1000,
	})
	s.journalErr("dispatch", err)
}

func (s *Session) recordTransition(from, to client.State) {
	if s.journal == nil {
		return
	}
	err := s.journal.WriteTransition(s.ctx, store.TransitionRecord{
		SessionID: s.id,
		Seq:       s.seq.Next(),
		From:      from.String(),
		To:        to.String(),
		At:        s.Now(),
	})
	s.journalErr("transition", err)
}

func (s *Session) recordRtt(res rtt.Result) {
	if s.journal == nil {
		return
	}
	err := s.journal.WriteRttRound(s.ctx, store.RttRecord{
		SessionID:    s.id,
		Seq:          s.seq.Next(),
		Round:        res.Round,
		Probes:       len(res.Samples),
		Answered:     res.Answered,
		MinRTT:       res.MinRTT,
		Transmission: res.Transmission,
	})
	s.journalErr("rtt", err)
}

func (s *Session) journalErr(kind string, err error) {
	if err != nil {
		s.logger.Warn("journal write failed", "kind", kind, "error", err)
	}
}
