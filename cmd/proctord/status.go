package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"proctord/internal/config"
	"proctord/internal/ipc"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var (
		socket    string
		sessionID string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon's sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if socket == "" {
				cfg, err := config.Load(opts.path())
				if err != nil {
					return err
				}
				socket = cfg.IPC.SocketPath
			}

			cc := ipc.DefaultClientConfig(socket)
			cc.ClientName = "proctord-status"
			cc.ClientVersion = version
			client, err := ipc.Dial(cmd.Context(), cc)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", socket, err)
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			if sessionID != "" {
				s, err := client.SessionStatus(cmd.Context(), sessionID)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, s)
				}
				printSummary(out, s)
				return nil
			}

			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, st)
			}
			fmt.Fprintf(out, "Daemon %s, up %s, %d client(s)\n", st.Version, st.Uptime.Round(time.Second), st.Clients)
			if len(st.Sessions) == 0 {
				fmt.Fprintln(out, "No active sessions.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tCANDIDATE\tSTATE\tWARNINGS\tREMAINING\tSTARTED")
			for _, s := range st.Sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
					s.ID, s.Candidate, s.State, len(s.Warnings), s.Remaining, s.StartedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "daemon socket (default from config)")
	cmd.Flags().StringVar(&sessionID, "session", "", "show a single session")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printSummary(out io.Writer, s *ipc.SessionSummary) {
	fmt.Fprintf(out, "Session:   %s\n", s.ID)
	if s.Candidate != "" {
		fmt.Fprintf(out, "Candidate: %s\n", s.Candidate)
	}
	fmt.Fprintf(out, "State:     %s\n", s.State)
	fmt.Fprintf(out, "Started:   %s\n", s.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Remaining: %d\n", s.Remaining)
	for _, w := range s.Warnings {
		fmt.Fprintf(out, "  [%d] %s %s\n", w.SequenceNumber, w.Timestamp.Format("15:04:05"), w.Type)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
