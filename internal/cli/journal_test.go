package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/beatclock/internal/store"
)

func newTestJournal(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.WriteSession(ctx, store.SessionRecord{ID: "s-1", Role: "composer", ClientID: 1, StartedAt: 0.5}))
	require.NoError(t, st.WriteTransition(ctx, store.TransitionRecord{SessionID: "s-1", Seq: 1, From: "init", To: "syncing", At: 0.5}))
	require.NoError(t, st.WriteTransition(ctx, store.TransitionRecord{SessionID: "s-1", Seq: 2, From: "syncing", To: "ready", At: 0.6}))
	require.NoError(t, st.WriteTempoChange(ctx, store.TempoRecord{
		SessionID: "s-1", Seq: 1, AppliedAt: 0.6, RefTime: 0, RefBeat: 0, BPS: 0, Epoch: 0, Mode: "initial",
	}))
	require.NoError(t, st.WriteDispatch(ctx, store.DispatchRecord{SessionID: "s-1", Seq: 1, Beat: 4, At: 2.1, LateMS: 12.5}))
	require.NoError(t, st.WriteRttRound(ctx, store.RttRecord{
		SessionID: "s-1", Seq: 1, Round: 1, Probes: 2, Answered: 2, MinRTT: 0.014, Transmission: 0.007,
	}))
	require.NoError(t, st.WriteSession(ctx, store.SessionRecord{ID: "s-2", Role: "listener", ClientID: 3, StartedAt: 1}))
	return path
}

func executeJournal(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewJournalCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestJournalCommand_List(t *testing.T) {
	path := newTestJournal(t)

	out, err := executeJournal(t, "text", path)
	require.NoError(t, err)
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "MAX LATE")
	assert.Regexp(t, `s-1\s+composer\s+1\s+ready\s+1\s+1\s+2\s+1\s+12\.5ms`, out)
	assert.Regexp(t, `s-2\s+listener\s+3\s+init\s+0\s+0\s+0\s+0\s+0\.0ms`, out)
}

func TestJournalCommand_ListJSON(t *testing.T) {
	path := newTestJournal(t)

	out, err := executeJournal(t, "json", path)
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   []summaryView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "s-1", resp.Data[0].SessionID)
	assert.Equal(t, "ready", resp.Data[0].State)
	assert.InDelta(t, 12.5, resp.Data[0].MaxLateMS, 1e-9)
}

func TestJournalCommand_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := executeJournal(t, "text", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions journaled.")
}

func TestJournalCommand_Detail(t *testing.T) {
	path := newTestJournal(t)

	out, err := executeJournal(t, "text", path, "s-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Session s-1 (composer 1), started at 0.500")
	assert.Contains(t, out, "Final state: ready, 1 dispatches, max late 12.5ms")
	assert.Contains(t, out, "epoch 0: beat 0.000 at 0.000, 0.000 bps (initial)")
	assert.Contains(t, out, "init -> syncing")
	assert.Contains(t, out, "syncing -> ready")
	assert.Contains(t, out, "round 1: 2/2 answered, min 14.0ms, transmission 7.0ms")
}

func TestJournalCommand_DetailJSON(t *testing.T) {
	path := newTestJournal(t)

	out, err := executeJournal(t, "json", path, "s-1")
	require.NoError(t, err)

	var resp struct {
		Data sessionDetail `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "s-1", resp.Data.Summary.SessionID)
	assert.Len(t, resp.Data.Tempo, 1)
	assert.Len(t, resp.Data.Transitions, 2)
	assert.Len(t, resp.Data.RttRounds, 1)
}

func TestJournalCommand_UnknownSession(t *testing.T) {
	path := newTestJournal(t)

	_, err := executeJournal(t, "text", path, "s-9")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "session not found: s-9")
}

func TestJournalCommand_MissingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")

	_, err := executeJournal(t, "text", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "journal not found")
	assert.NoFileExists(t, path)
}
