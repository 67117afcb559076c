package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/beatclock/internal/store"
)

// JournalOptions holds flags for the journal command.
type JournalOptions struct {
	*RootOptions
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal <db> [session-id]",
		Short: "Print a session journal",
		Long: `Print what a client journaled while it ran.

Without a session id, every session in the journal is summarized. With one,
its tempo changes, state transitions and RTT rounds are listed in order.

Examples:
  beatclock journal session.db
  beatclock journal session.db 0192f4c2-7d1e-7c3a-9f2b-1d5e8a6b4c21 --format json`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := ""
			if len(args) == 2 {
				sessionID = args[1]
			}
			return runJournal(opts, args[0], sessionID, cmd)
		},
	}
	return cmd
}

func runJournal(opts *JournalOptions, dbPath, sessionID string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	// store.Open would create a missing database.
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("journal not found: %s", dbPath))
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if sessionID == "" {
		list, err := listSessions(ctx, st)
		if err != nil {
			_ = f.Error(CodeJournal, err.Error(), nil)
			return WrapExitError(ExitFailure, "failed to read journal", err)
		}
		return f.Success(list)
	}

	detail, found, err := readSessionDetail(ctx, st, sessionID)
	if err != nil {
		_ = f.Error(CodeJournal, err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to read journal", err)
	}
	if !found {
		return NewExitError(ExitCommandError, fmt.Sprintf("session not found: %s", sessionID))
	}
	return f.Success(detail)
}

// summaryView is store.SessionSummary as printed.
type summaryView struct {
	SessionID    string  `json:"session_id"`
	Role         string  `json:"role"`
	ClientID     int32   `json:"client_id"`
	StartedAt    float64 `json:"started_at"`
	State        string  `json:"state"`
	TempoChanges int     `json:"tempo_changes"`
	Dispatches   int     `json:"dispatches"`
	Transitions  int     `json:"transitions"`
	RttRounds    int     `json:"rtt_rounds"`
	MaxLateMS    float64 `json:"max_late_ms"`
}

func newSummaryView(s store.SessionSummary) summaryView {
	return summaryView{
		SessionID:    s.Session.ID,
		Role:         s.Session.Role,
		ClientID:     s.Session.ClientID,
		StartedAt:    s.Session.StartedAt,
		State:        s.FinalState,
		TempoChanges: s.TempoChanges,
		Dispatches:   s.Dispatches,
		Transitions:  s.Transitions,
		RttRounds:    s.RttRounds,
		MaxLateMS:    s.MaxLateMS,
	}
}

// sessionList is the journal summary table.
type sessionList []summaryView

func listSessions(ctx context.Context, st *store.Store) (sessionList, error) {
	sessions, err := st.ReadSessions(ctx)
	if err != nil {
		return nil, err
	}
	list := make(sessionList, 0, len(sessions))
	for _, s := range sessions {
		sum, err := st.Summarize(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		list = append(list, newSummaryView(sum))
	}
	return list, nil
}

func (l sessionList) String() string {
	if len(l) == 0 {
		return "No sessions journaled."
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tROLE\tCLIENT\tSTATE\tTEMPO\tDISPATCHES\tTRANSITIONS\tRTT\tMAX LATE")
	for _, s := range l {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\t%d\t%d\t%.1fms\n",
			s.SessionID, s.Role, s.ClientID, s.State,
			s.TempoChanges, s.Dispatches, s.Transitions, s.RttRounds, s.MaxLateMS)
	}
	_ = w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

// sessionDetail is one session's journal in order.
type sessionDetail struct {
	Summary     summaryView              `json:"summary"`
	Tempo       []store.TempoRecord      `json:"tempo_changes"`
	Transitions []store.TransitionRecord `json:"transitions"`
	RttRounds   []store.RttRecord        `json:"rtt_rounds"`
}

func readSessionDetail(ctx context.Context, st *store.Store, id string) (sessionDetail, bool, error) {
	if _, ok, err := st.ReadSession(ctx, id); err != nil || !ok {
		return sessionDetail{}, false, err
	}
	sum, err := st.Summarize(ctx, id)
	if err != nil {
		return sessionDetail{}, false, err
	}
	d := sessionDetail{Summary: newSummaryView(sum)}
	if d.Tempo, err = st.ReadTempoChanges(ctx, id); err != nil {
		return sessionDetail{}, false, err
	}
	if d.Transitions, err = st.ReadTransitions(ctx, id); err != nil {
		return sessionDetail{}, false, err
	}
	if d.RttRounds, err = st.ReadRttRounds(ctx, id); err != nil {
		return sessionDetail{}, false, err
	}
	return d, true, nil
}

func (d sessionDetail) String() string {
	var b strings.Builder
	s := d.Summary
	fmt.Fprintf(&b, "Session %s (%s %d), started at %.3f\n", s.SessionID, s.Role, s.ClientID, s.StartedAt)
	fmt.Fprintf(&b, "Final state: %s, %d dispatches, max late %.1fms\n", s.State, s.Dispatches, s.MaxLateMS)

	fmt.Fprintf(&b, "\nTempo changes:\n")
	for _, t := range d.Tempo {
		fmt.Fprintf(&b, "  [%d] %9.3f epoch %d: beat %.3f at %.3f, %.3f bps (%s)\n",
			t.Seq, t.AppliedAt, t.Epoch, t.RefBeat, t.RefTime, t.BPS, t.Mode)
	}

	fmt.Fprintf(&b, "\nTransitions:\n")
	for _, t := range d.Transitions {
		fmt.Fprintf(&b, "  [%d] %9.3f %s -> %s\n", t.Seq, t.At, t.From, t.To)
	}

	fmt.Fprintf(&b, "\nRTT rounds:\n")
	for _, r := range d.RttRounds {
		fmt.Fprintf(&b, "  [%d] round %d: %d/%d answered, min %.1fms, transmission %.1fms\n",
			r.Seq, r.Round, r.Answered, r.Probes, r.MinRTT*1000, r.Transmission*1000)
	}
	return strings.TrimRight(b.String(), "\n")
}
