package engine

import (
	"math"

	"github.com/roach88/beatclock/internal/client"
	"github.com/roach88/beatclock/internal/sched"
	"github.com/roach88/beatclock/internal/tempo"
)

// The metronome runs a quarter beat ahead of each downbeat so that a late
// wakeup still has time to hand the sample to the audio device.
const metronomeAhead = 0.25

// startMetronome begins a fresh metronome generation at the next beat.
func (s *Session) startMetronome() {
	s.metronome.Invalidate()
	first := math.Ceil(s.Beat()) + 1 - metronomeAhead
	s.queue.ScheduleFamily(s.metronome, first, s.metronomeTick)
}

func (s *Session) metronomeTick(d sched.Dispatch) {
	if s.machine.State() != client.Playing || s.tempo.BeatsPerSecond() == 0 {
		return
	}

	downbeat := d.Beat + metronomeAhead
	at := s.tempo.ToTime(downbeat)
	if tempo.IsNever(at) {
		return
	}
	s.play(s.cfg.MetronomeVoice, at-s.cfg.MetronomeLead.Seconds())

	// Skip ahead rather than catch up if this tick ran late.
	next := math.Ceil(s.Beat()+0.5) - metronomeAhead
	s.queue.ScheduleFamily(s.metronome, next, s.metronomeTick)
}

// play triggers voice at network time at. Times in the past play as soon as
// possible.
func (s *Session) play(voice string, at float64) {
	now := s.Now()
	if at < now {
		at = now
	}
	hw, err := s.timebase.HardwareTimeOf(at, now)
	if err != nil {
		_ = s.failClock(err)
		return
	}
	if err := s.audio.Trigger(voice, hw); err != nil {
		s.logger.Warn("trigger failed", "voice", voice, "error", err)
	}
}
