package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/spf13/cobra"

	"github.com/roach88/beatclock/internal/audio"
	"github.com/roach88/beatclock/internal/config"
	"github.com/roach88/beatclock/internal/engine"
	"github.com/roach88/beatclock/internal/store"
	"github.com/roach88/beatclock/internal/transport"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions

	// IDs allows overriding the session id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDs engine.IDGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join a performance as a client",
		Long: `Connect to a tempo server and follow its tempo map.

The session synchronizes to network time, measures its round trip to the
server and then follows the shared tempo. Audio triggers are printed with
the hardware time they are due at.

Commands are read from stdin, one per line:
  start <bps>         propose starting at <bps> beats per second
  stop                propose stopping on the next whole beat
  tempo <bps>         propose a new tempo on the next whole beat
  hit <drum> [right]  play a drum hit (left hand unless "right")
  rtt                 measure the round trip again
  status              print the session status
  finish              end this session
  quit                disconnect

Example:
  beatclock run --id 2 --role performer --x 1 --y 0
  beatclock run --server ws://studio:7400/ws --journal session.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(opts, cmd)
		},
	}

	config.RegisterFlags(cmd.Flags())
	return cmd
}

func runClient(opts *RunOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		_ = f.Error(CodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	ecfg, err := cfg.Engine()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid session config", err)
	}
	peer, err := cfg.Peer()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid client config", err)
	}
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	ctx, cancel := signalContext(cmd)
	defer cancel()

	client, err := transport.Dial(ctx, cfg.Server.URL, peer,
		transport.WithClientLogger(logger),
		transport.WithSyncInterval(cfg.Server.SyncInterval),
	)
	if err != nil {
		_ = f.Error(CodeConnect, err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to connect", err)
	}
	defer client.Close()

	// A nil *store.Store must not become a non-nil Journal.
	var journal engine.Journal
	if cfg.Journal.Path != "" {
		st, err := store.Open(cfg.Journal.Path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing journal", "error", closeErr)
			}
		}()
		journal = st
	}

	ids := opts.IDs
	if ids == nil {
		ids = engine.UUIDv7Generator{}
	}

	// Triggers go to stderr in JSON mode so stdout stays one document.
	triggerOut := f.Writer
	if f.IsJSON() {
		triggerOut = f.GetErrWriter()
	}

	loop := engine.NewLoop(engine.WithLoopLogger(logger))
	session, err := engine.NewSession(ecfg, engine.Deps{
		Transport: client,
		Audio:     audio.NewConsole(triggerOut, logger),
		System:    transport.NewWallClock(),
		Timer:     loop,
		Loop:      loop,
		IDs:       ids,
		Journal:   journal,
		Logger:    logger,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create session", err)
	}

	go func() {
		select {
		case <-client.Done():
			logger.Warn("connection closed", "error", client.Err())
			cancel()
		case <-ctx.Done():
		}
	}()
	go readCommands(cmd.InOrStdin(), loop, session, f, cancel)

	logger.Info("session starting", "server", cfg.Server.URL, "peer", peer.ID, "role", peer.Role.String())
	f.Textf("Connected to %s as %s %d (session %s)", cfg.Server.URL, peer.Role, peer.ID, session.ID())

	runErr := session.Run(ctx)
	status := sessionStatus(session.Status())

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		_ = f.Error(CodeSession, runErr.Error(), status)
		return WrapExitError(ExitFailure, "session error", runErr)
	}
	if err := client.Err(); err != nil {
		_ = f.Error(CodeConnect, err.Error(), status)
		return WrapExitError(ExitFailure, "connection lost", err)
	}

	logger.Info("session stopped gracefully")
	return f.Success(status)
}

// sessionStatus prints engine.Status on one line.
type sessionStatus engine.Status

func (s sessionStatus) String() string {
	line := fmt.Sprintf("session %s: %s beat=%.2f bps=%.3f epoch=%d synchronized=%t transmission=%.1fms pending=%d",
		s.SessionID, s.State, s.Beat, s.BPS, s.Epoch, s.Synchronized, s.Transmission*1000, s.Pending)
	if s.Message != "" {
		line += " (" + s.Message + ")"
	}
	return line
}

// consoleCommand is one parsed stdin line.
type consoleCommand struct {
	Name  string
	BPS   float64
	Drum  int
	Right bool
}

// parseCommand parses one stdin line. Blank lines parse to an empty Name.
func parseCommand(line string) (consoleCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return consoleCommand{}, nil
	}
	c := consoleCommand{Name: strings.ToLower(fields[0])}
	args := fields[1:]

	switch c.Name {
	case "start", "tempo":
		if len(args) != 1 {
			return c, fmt.Errorf("usage: %s <bps>", c.Name)
		}
		bps, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return c, fmt.Errorf("%s: invalid bps %q", c.Name, args[0])
		}
		c.BPS = bps
	case "hit":
		if len(args) < 1 || len(args) > 2 {
			return c, fmt.Errorf("usage: hit <drum> [left|right]")
		}
		drum, err := strconv.Atoi(args[0])
		if err != nil || drum < 0 {
			return c, fmt.Errorf("hit: invalid drum %q", args[0])
		}
		c.Drum = drum
		if len(args) == 2 {
			switch strings.ToLower(args[1]) {
			case "right", "r":
				c.Right = true
			case "left", "l":
			default:
				return c, fmt.Errorf("hit: invalid hand %q", args[1])
			}
		}
	case "stop", "rtt", "status", "finish", "quit":
		if len(args) != 0 {
			return c, fmt.Errorf("%s takes no arguments", c.Name)
		}
	default:
		if near := suggestCommand(c.Name); near != "" {
			return c, fmt.Errorf("unknown command %q (did you mean %q?)", c.Name, near)
		}
		return c, fmt.Errorf("unknown command %q", c.Name)
	}
	return c, nil
}

var consoleCommands = []string{"start", "stop", "tempo", "hit", "rtt", "status", "finish", "quit"}

// suggestCommand returns the console command within two edits of name, or "".
func suggestCommand(name string) string {
	best, bestDist := "", 3
	for _, c := range consoleCommands {
		if d := levenshtein.ComputeDistance(name, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// execute runs c against the session. Must run on the session loop.
func execute(session *engine.Session, c consoleCommand) (string, error) {
	switch c.Name {
	case "start":
		return fmt.Sprintf("start proposed at %.3f bps", c.BPS), session.ProposeStart(c.BPS)
	case "stop":
		return "stop proposed", session.ProposeStop()
	case "tempo":
		return fmt.Sprintf("tempo proposed at %.3f bps", c.BPS), session.ProposeTempo(c.BPS)
	case "hit":
		sent, err := session.Hit(c.Drum, c.Right)
		if err == nil && !sent {
			return "hit debounced", nil
		}
		return fmt.Sprintf("hit %s", engine.DrumVoice(int32(c.Drum*2)+boolIndex(c.Right))), err
	case "rtt":
		round, err := session.StartRttRound()
		return fmt.Sprintf("rtt round %d started", round), err
	case "status":
		return sessionStatus(session.Status()).String(), nil
	case "finish":
		return "session finished", session.Finish()
	}
	return "", fmt.Errorf("unknown command %q", c.Name)
}

func boolIndex(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// readCommands feeds stdin lines to the session loop until EOF or quit.
func readCommands(in io.Reader, loop *engine.Loop, session *engine.Session, f *OutputFormatter, quit context.CancelFunc) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		c, err := parseCommand(scanner.Text())
		if err != nil {
			fmt.Fprintln(f.GetErrWriter(), err)
			continue
		}
		switch c.Name {
		case "":
			continue
		case "quit":
			quit()
			return
		}
		posted := loop.Do("console", func() {
			msg, err := execute(session, c)
			if err != nil {
				fmt.Fprintf(f.GetErrWriter(), "%s: %v\n", c.Name, err)
				return
			}
			f.Textf("%s", msg)
		})
		if !posted {
			return
		}
	}
}
