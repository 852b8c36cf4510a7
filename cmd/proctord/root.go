package main

import (
	"github.com/spf13/cobra"

	"proctord/internal/config"
)

type rootOptions struct {
	configPath string
}

func (o *rootOptions) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	if p := config.FindConfigFile(); p != "" {
		return p
	}
	return config.ConfigPath()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "proctord",
		Short:         "Interview proctoring daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          func(c *cobra.Command, _ []string) error { return c.Help() },
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "configuration file (toml, json or yaml)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newReplayCmd())
	cmd.AddCommand(newSessionsCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	return cmd
}
