package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/beatclock/internal/harness"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Latency time.Duration
	Until   float64
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Play a scenario and print its trace",
		Long: `Play a scenario on an in-process network and print what happened.

Unlike scenario, simulate does not fail on assertion errors: it prints the
full trace, every peer's journal summary and the assertion results, which
makes it the tool for writing new scenarios.

Examples:
  beatclock simulate scenarios/start_hit_stop.yaml
  beatclock simulate scenarios/start_hit_stop.yaml --latency 80ms --until 20`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args[0], cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Latency, "latency", 0, "override the scenario's one-way latency")
	cmd.Flags().Float64Var(&opts.Until, "until", 0, "override the network time the run ends at")

	return cmd
}

func runSimulate(opts *SimulateOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		_ = f.Error(CodeScenario, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	if cmd.Flags().Changed("latency") {
		scenario.Latency = opts.Latency
	}
	if cmd.Flags().Changed("until") {
		scenario.Until = opts.Until
	}
	f.VerboseLog("simulating %s with %d peer(s), latency %s", scenario.Name, len(scenario.Peers), scenario.Latency)

	result, err := harness.Run(scenario)
	if err != nil {
		_ = f.Error(CodeScenario, err.Error(), nil)
		return WrapExitError(ExitFailure, "simulation failed", err)
	}

	sim := simulation{
		Scenario: scenario.Name,
		Pass:     result.Pass,
		Trace:    result.Trace,
		Errors:   result.Errors,
	}
	for _, sum := range result.State {
		sim.Peers = append(sim.Peers, newSummaryView(sum))
	}
	sort.Slice(sim.Peers, func(i, j int) bool { return sim.Peers[i].ClientID < sim.Peers[j].ClientID })
	return f.Success(sim)
}

// simulation is the simulate output.
type simulation struct {
	Scenario string               `json:"scenario"`
	Pass     bool                 `json:"pass"`
	Trace    []harness.TraceEvent `json:"trace"`
	Peers    []summaryView        `json:"peers"`
	Errors   []string             `json:"errors,omitempty"`
}

func (s simulation) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scenario: %s\n\n", s.Scenario)
	for _, e := range s.Trace {
		who := "server"
		if e.Peer != 0 {
			who = fmt.Sprintf("peer %d", e.Peer)
		}
		fmt.Fprintf(&b, "%9.2f  %-8s %-8s %s\n", e.At, who, e.Kind, e.Detail)
	}

	fmt.Fprintln(&b)
	b.WriteString(sessionList(s.Peers).String())
	fmt.Fprintln(&b)

	if s.Pass {
		fmt.Fprintf(&b, "\n✓ All assertions hold")
		return b.String()
	}
	fmt.Fprintf(&b, "\n✗ %d assertion(s) failed", len(s.Errors))
	for _, e := range s.Errors {
		fmt.Fprintf(&b, "\n%s", strings.TrimRight(e, "\n"))
	}
	return b.String()
}
