package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"proctord/internal/replay"
	"proctord/internal/violation"
)

type replayOutput struct {
	Scenario    string                 `json:"scenario"`
	Steps       int                    `json:"steps"`
	Elapsed     string                 `json:"elapsed"`
	Prevented   int                    `json:"prevented"`
	Warnings    []violation.Warning    `json:"warnings"`
	Tally       violation.Tally        `json:"violation_tally"`
	Termination *violation.Termination `json:"termination,omitempty"`
}

func newReplayCmd() *cobra.Command {
	var (
		asJSON    bool
		expectEnd string
	)
	cmd := &cobra.Command{
		Use:   "replay <scenario.yaml>",
		Short: "Run a scenario against the warning policy on a simulated clock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := replay.Load(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var onWarning func(violation.Warning)
			if !asJSON {
				onWarning = func(w violation.Warning) { fmt.Fprintln(out, w.String()) }
			}
			res, err := replay.Run(cmd.Context(), sc, nil, onWarning)
			if err != nil {
				return err
			}

			if asJSON {
				if err := writeJSON(out, replayOutput{
					Scenario:    res.Scenario,
					Steps:       res.Steps,
					Elapsed:     res.Elapsed.String(),
					Prevented:   res.Prevented,
					Warnings:    res.Warnings,
					Tally:       res.Tally,
					Termination: res.Termination,
				}); err != nil {
					return err
				}
			} else {
				printReplay(cmd, res)
			}

			switch expectEnd {
			case "":
			case "terminated":
				if !res.Terminated() {
					return fmt.Errorf("scenario %q was expected to terminate", res.Scenario)
				}
			case "running":
				if res.Terminated() {
					return fmt.Errorf("scenario %q was not expected to terminate", res.Scenario)
				}
			default:
				return fmt.Errorf("--expect must be terminated or running, got %q", expectEnd)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().StringVar(&expectEnd, "expect", "", "fail unless the session ends \"terminated\" or stays \"running\"")
	return cmd
}

func printReplay(cmd *cobra.Command, res *replay.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scenario %q: %d step(s) over %s, %d warning(s)\n",
		res.Scenario, res.Steps, res.Elapsed, len(res.Warnings))
	if res.Prevented > 0 {
		fmt.Fprintf(out, "Blocked page actions: %d\n", res.Prevented)
	}

	types := make([]string, 0, len(res.Tally))
	for t := range res.Tally {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(out, "  %-24s %d\n", t, res.Tally[violation.Type(t)])
	}

	if res.Terminated() {
		fmt.Fprintf(out, "TERMINATED: %s\n", res.Termination.Reason)
	} else {
		fmt.Fprintln(out, "Session still running at end of scenario.")
	}
}
