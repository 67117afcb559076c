package engine

import (
	"fmt"

	"github.com/roach88/beatclock/internal/sched"
	"github.com/roach88/beatclock/internal/tempo"
	"github.com/roach88/beatclock/internal/wire"
)

// hitAhead is how far before the play beat a relayed hit is dispatched.
const hitAhead = 0.25

// DrumVoice names the voice for a wire drum index. Even indices are the left
// hand of a drum, odd ones the right.
func DrumVoice(index int32) string {
	side := "left"
	if index%2 == 1 {
		side = "right"
	}
	return fmt.Sprintf("drum-%d-%s", index/2, side)
}

// HandleRelay schedules a hit played elsewhere. It sounds RelayLead beats
// (plus ComposerExtra for composer hits) plus one beat per hop after it was
// played.
func (s *Session) HandleRelay(m wire.Relay) {
	lead := s.cfg.RelayLead
	if !m.Listener {
		lead += s.cfg.ComposerExtra
	}
	beat := m.Beat + float64(m.Distance) + lead - hitAhead
	voice := DrumVoice(m.Drum)

	s.queue.Schedule(beat, func(d sched.Dispatch) {
		at := s.tempo.ToTime(d.Beat + hitAhead)
		if tempo.IsNever(at) {
			s.logger.Debug("skipping relayed hit: tempo stopped", "sender", m.Sender, "beat", d.Beat)
			return
		}
		s.play(voice, at)
	})
}

// Hit sends a local drum hit. It reports false when the hit was dropped by
// the debounce window.
func (s *Session) Hit(drum int, right bool) (bool, error) {
	if s.cfg.Role == RoleListener {
		return false, ErrListenerHit
	}
	if !s.hitsEnabled {
		return false, ErrHitsDisabled
	}

	now := s.Now()
	// A clock that went backwards always accepts the hit.
	if s.hitSeen && now >= s.lastHit && now < s.lastHit+s.cfg.Debounce.Seconds() {
		return false, nil
	}
	s.lastHit = now
	s.hitSeen = true

	index := int32(drum * 2)
	if right {
		index++
	}
	msg := wire.Hit{
		Performer: s.cfg.Role == RolePerformer,
		Sender:    s.cfg.ClientID,
		Drum:      index,
		Beat:      s.tempo.ToBeat(now),
	}
	if err := s.transport.Send(msg); err != nil {
		return false, fmt.Errorf("send hit: %w", err)
	}
	return true, nil
}
