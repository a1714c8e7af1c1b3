package main

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "abxclient",
		Short:         "ABX exchange feed client",
		Long:          "Fetches a gap-free packet snapshot from an ABX feed server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to TOML config (defaults apply when omitted)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level override (trace|debug|info|warn|error|off)")

	cmd.AddCommand(NewFetchCommand(opts))
	cmd.AddCommand(NewSimCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}
