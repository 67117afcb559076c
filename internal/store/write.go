package store

import (
	"context"
	"fmt"
)

// WriteSession records a session. Writing the same ID twice is a no-op so a
// restarted client can reuse its journal.
func (s *Store) WriteSession(ctx context.Context, rec SessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("write session: empty id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, role, client_id, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, rec.ID, rec.Role, rec.ClientID, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", rec.ID, err)
	}
	return nil
}

// WriteTempoChange appends an applied tempo definition.
func (s *Store) WriteTempoChange(ctx context.Context, rec TempoRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tempo_changes (session_id, seq, applied_at, ref_time, ref_beat, bps, epoch, mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, seq) DO NOTHING
	`, rec.SessionID, rec.Seq, rec.AppliedAt, rec.RefTime, rec.RefBeat, rec.BPS, rec.Epoch, rec.Mode)
	if err != nil {
		return fmt.Errorf("insert tempo change %s/%d: %w", rec.SessionID, rec.Seq, err)
	}
	return nil
}

// WriteDispatch appends a scheduler dispatch.
func (s *Store) WriteDispatch(ctx context.Context, rec DispatchRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatches (session_id, seq, beat, at, late_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, seq) DO NOTHING
	`, rec.SessionID, rec.Seq, rec.Beat, rec.At, rec.LateMS)
	if err != nil {
		return fmt.Errorf("insert dispatch %s/%d: %w", rec.SessionID, rec.Seq, err)
	}
	return nil
}

// WriteTransition appends a client state change.
func (s *Store) WriteTransition(ctx context.Context, rec TransitionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions (session_id, seq, from_state, to_state, at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, seq) DO NOTHING
	`, rec.SessionID, rec.Seq, rec.From, rec.To, rec.At)
	if err != nil {
		return fmt.Errorf("insert transition %s/%d: %w", rec.SessionID, rec.Seq, err)
	}
	return nil
}

// WriteRttRound appends a completed RTT round.
func (s *Store) WriteRttRound(ctx context.Context, rec RttRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rtt_rounds (session_id, seq, round, probes, answered, min_rtt, transmission)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, seq) DO NOTHING
	`, rec.SessionID, rec.Seq, rec.Round, rec.Probes, rec.Answered, rec.MinRTT, rec.Transmission)
	if err != nil {
		return fmt.Errorf("insert rtt round %s/%d: %w", rec.SessionID, rec.Seq, err)
	}
	return nil
}
