package main

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"proctord/internal/config"
	"proctord/internal/report"
	"proctord/internal/store"
	"proctord/internal/violation"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect recorded session outcomes",
	}
	cmd.AddCommand(newSessionsListCmd(opts))
	cmd.AddCommand(newSessionsShowCmd(opts))
	cmd.AddCommand(newSessionsVerifyCmd(opts))
	cmd.AddCommand(newSessionsDeleteCmd(opts))
	cmd.AddCommand(newSessionsSchemaCmd(opts))
	return cmd
}

// openStore opens the outcome database named by the configuration.
func openStore(opts *rootOptions) (*config.Config, *store.Store, error) {
	cfg, err := config.Load(opts.path())
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.Store.Path, store.WithBusyTimeout(cfg.Store.BusyTimeout.D()))
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, st, nil
}

func newSessionsListCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List finished sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			outcomes, err := st.ListOutcomes(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if outcomes == nil {
					outcomes = []*store.Outcome{}
				}
				return writeJSON(out, outcomes)
			}
			if len(outcomes) == 0 {
				fmt.Fprintln(out, "No sessions recorded.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tCANDIDATE\tOUTCOME\tWARNINGS\tDURATION\tENDED")
			for _, o := range outcomes {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", o.SessionID, o.Candidate, o.State,
					len(o.Warnings), o.Duration().Round(time.Second), o.EndedAt.Format(time.RFC3339))
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			counts, err := st.CountByState(cmd.Context())
			if err != nil {
				return err
			}
			states := make([]string, 0, len(counts))
			for s := range counts {
				states = append(states, s)
			}
			sort.Strings(states)
			fmt.Fprintln(out)
			for _, s := range states {
				fmt.Fprintf(out, "%s: %d\n", s, counts[s])
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to list (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSessionsShowCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session's warnings and violation tally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			o, err := st.Outcome(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, o)
			}

			fmt.Fprintf(out, "Session:   %s\n", o.SessionID)
			if o.Candidate != "" {
				fmt.Fprintf(out, "Candidate: %s\n", o.Candidate)
			}
			fmt.Fprintf(out, "Outcome:   %s\n", o.State)
			fmt.Fprintf(out, "Reason:    %s\n", o.Reason)
			fmt.Fprintf(out, "Started:   %s\n", o.StartedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "Ended:     %s (%s)\n", o.EndedAt.Format(time.RFC3339), o.Duration().Round(time.Second))
			if o.Digest != "" {
				fmt.Fprintf(out, "Digest:    %s\n", o.Digest)
			}
			if len(o.Warnings) > 0 {
				fmt.Fprintln(out, "Warnings:")
				for _, w := range o.Warnings {
					fmt.Fprintf(out, "  [%d] %s %s: %s\n", w.SequenceNumber, w.Timestamp.Format("15:04:05"), w.Type, w.Reason)
				}
			}
			if len(o.Tally) > 0 {
				fmt.Fprintln(out, "Violations:")
				keys := make([]string, 0, len(o.Tally))
				for t := range o.Tally {
					keys = append(keys, string(t))
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "  %-24s %d\n", k, o.Tally[violation.Type(k)])
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// errDigestMismatch means the exported report and the stored outcome
// disagree.
var errDigestMismatch = errors.New("exported report digest does not match the stored outcome")

func newSessionsVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <session-id>",
		Short: "Check an exported report against its digest and the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			r, err := report.NewExporter(cfg.Report.Dir).Load(args[0])
			if err != nil {
				return err
			}
			o, err := st.Outcome(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if o.Digest != "" && o.Digest != r.Digest {
				return fmt.Errorf("%s: %w", args[0], errDigestMismatch)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s, %d warning(s), digest %s)\n", r.SessionID, r.State, len(r.Warnings), r.Digest)
			return nil
		},
	}
}

func newSessionsDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Remove a recorded session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteOutcome(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newSessionsSchemaCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Show the outcome database schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			status, err := st.Schema()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: schema v%d (latest v%d)\n", cfg.Store.Path, status.CurrentVersion, status.LatestVersion)
			for _, m := range status.Applied {
				fmt.Fprintf(out, "  v%d %s  %s\n", m.Version, m.AppliedAt.Format(time.RFC3339), m.Description)
			}
			return nil
		},
	}
}
