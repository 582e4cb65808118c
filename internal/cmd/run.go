package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rand/mech/internal/app"
	"github.com/rand/mech/internal/mech"
	"github.com/rand/mech/internal/observability"
)

func init() {
	runCmd.Flags().Int("max-rounds", 0, "Stop after this many rounds (default mech.max_rounds)")
	runCmd.Flags().BoolP("verbose", "v", false, "Print status, tool and meta-cognition messages as JSON lines")
	runCmd.Flags().BoolP("quiet", "q", false, "Print only the summary")
}

var runCmd = &cobra.Command{
	Use:   "run [task...]",
	Short: "Run the MECH loop on a task",
	Long: `Run an agent on a task until it calls task_complete or fatal_error, the
round limit is reached or the budget runs out. Each round rotates to a model
chosen by weighted score; meta-cognition retunes the rotation periodically.

The task can be provided as arguments or piped from stdin.`,
	Example: `
# Run a task
mech run "Summarize the open TODOs in this repository"

# Pipe input
cat notes.md | mech run "Turn these notes into a plan"

# Watch the loop work
mech run -v --max-rounds 20 "Find flaky tests"
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		maxRounds, _ := cmd.Flags().GetInt("max-rounds")
		verbose, _ := cmd.Flags().GetBool("verbose")
		quiet, _ := cmd.Flags().GetBool("quiet")

		task, err := MaybePrependStdin(cmd.InOrStdin(), strings.Join(args, " "))
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		if task == "" {
			return fmt.Errorf("no task provided")
		}

		var sinks []observability.Sink
		if verbose {
			sinks = append(sinks, observability.NewLogSink(
				observability.WithWriter(cmd.ErrOrStderr()),
				observability.WithTypes(
					observability.TypeMechStatus,
					observability.TypeToolStatus,
					observability.TypeMetaCognition,
					observability.TypeSystem,
				),
			))
		}

		a, shutdown, err := setupApp(cmd, sinks...)
		if err != nil {
			return err
		}
		defer shutdown()

		if len(a.State.Models()) == 0 {
			return fmt.Errorf("no models to rotate: configure a provider API key or mech.models")
		}

		res, err := a.RunTask(cmd.Context(), task, app.RunOptions{MaxRounds: maxRounds})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if quiet {
			fmt.Fprintln(out, res.Summary)
		} else {
			fmt.Fprintf(out, "Outcome:  %s\n", res.Outcome)
			fmt.Fprintf(out, "Summary:  %s\n", res.Summary)
			fmt.Fprintf(out, "Rounds:   %d (%d model requests, %d meta-cognition runs)\n", res.Rounds, res.Requests, res.MetaRuns)
			fmt.Fprintf(out, "Elapsed:  %s\n\n", res.Elapsed.Round(time.Millisecond))
			fmt.Fprint(out, a.Budget.Report().Detailed())
		}

		if res.Outcome == mech.OutcomeFatal {
			return fmt.Errorf("run failed: %s", res.Summary)
		}
		return nil
	},
}
