package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ReadSessions returns every session in start order.
func (s *Store) ReadSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, client_id, started_at
		FROM sessions
		ORDER BY started_at ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []SessionRecord{}
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.Role, &rec.ClientID, &rec.StartedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}

// ReadSession returns one session. The second result is false when the
// session is unknown.
func (s *Store) ReadSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	var rec SessionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, role, client_id, started_at
		FROM sessions
		WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Role, &rec.ClientID, &rec.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, fmt.Errorf("query session %s: %w", id, err)
	}
	return rec, true, nil
}

// ReadTempoChanges returns a session's tempo changes ordered by seq.
func (s *Store) ReadTempoChanges(ctx context.Context, sessionID string) ([]TempoRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, applied_at, ref_time, ref_beat, bps, epoch, mode
		FROM tempo_changes
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query tempo changes: %w", err)
	}
	defer rows.Close()

	out := []TempoRecord{}
	for rows.Next() {
		var rec TempoRecord
		if err := rows.Scan(&rec.SessionID, &rec.Seq, &rec.AppliedAt, &rec.RefTime,
			&rec.RefBeat, &rec.BPS, &rec.Epoch, &rec.Mode); err != nil {
			return nil, fmt.Errorf("scan tempo change: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReadDispatches returns a session's dispatches ordered by seq.
func (s *Store) ReadDispatches(ctx context.Context, sessionID string) ([]DispatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, beat, at, late_ms
		FROM dispatches
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query dispatches: %w", err)
	}
	defer rows.Close()

	out := []DispatchRecord{}
	for rows.Next() {
		var rec DispatchRecord
		if err := rows.Scan(&rec.SessionID, &rec.Seq, &rec.Beat, &rec.At, &rec.LateMS); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReadTransitions returns a session's state changes ordered by seq.
func (s *Store) ReadTransitions(ctx context.Context, sessionID string) ([]TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, from_state, to_state, at
		FROM transitions
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	out := []TransitionRecord{}
	for rows.Next() {
		var rec TransitionRecord
		if err := rows.Scan(&rec.SessionID, &rec.Seq, &rec.From, &rec.To, &rec.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReadRttRounds returns a session's RTT rounds ordered by seq.
func (s *Store) ReadRttRounds(ctx context.Context, sessionID string) ([]RttRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, round, probes, answered, min_rtt, transmission
		FROM rtt_rounds
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query rtt rounds: %w", err)
	}
	defer rows.Close()

	out := []RttRecord{}
	for rows.Next() {
		var rec RttRecord
		if err := rows.Scan(&rec.SessionID, &rec.Seq, &rec.Round, &rec.Probes,
			&rec.Answered, &rec.MinRTT, &rec.Transmission); err != nil {
			return nil, fmt.Errorf("scan rtt round: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summarize rolls up one session's journal.
func (s *Store) Summarize(ctx context.Context, sessionID string) (SessionSummary, error) {
	sess, ok, err := s.ReadSession(ctx, sessionID)
	if err != nil {
		return SessionSummary{}, err
	}
	if !ok {
		return SessionSummary{}, fmt.Errorf("session %s not found", sessionID)
	}

	sum := SessionSummary{Session: sess}
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM tempo_changes WHERE session_id = ?1),
			(SELECT COUNT(*) FROM dispatches WHERE session_id = ?1),
			(SELECT COUNT(*) FROM transitions WHERE session_id = ?1),
			(SELECT COUNT(*) FROM rtt_rounds WHERE session_id = ?1),
			(SELECT COALESCE(MAX(late_ms), 0) FROM dispatches WHERE session_id = ?1)
	`, sessionID).Scan(&sum.TempoChanges, &sum.Dispatches, &sum.Transitions, &sum.RttRounds, &sum.MaxLateMS)
	if err != nil {
		return SessionSummary{}, fmt.Errorf("summarize session %s: %w", sessionID, err)
	}

	var final sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT to_state FROM transitions
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, sessionID).Scan(&final)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return SessionSummary{}, fmt.Errorf("final state %s: %w", sessionID, err)
	}
	sum.FinalState = final.String
	if sum.FinalState == "" {
		sum.FinalState = "init"
	}
	return sum, nil
}
