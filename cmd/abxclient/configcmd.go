package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/abxfeed/internal/config"
	"github.com/spf13/cobra"
)

func NewConfigCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and check config files",
	}
	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigValidateCommand(root))
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var (
		path  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(path, force); err != nil {
				if errors.Is(err, os.ErrExist) {
					return WrapExitError(ExitCommandError, fmt.Sprintf("%s exists (use --force)", path), err)
				}
				return WrapExitError(ExitFailure, "write config", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "output", "o", "abx.toml", "config file to write")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

func newConfigValidateCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the file given by --config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.ConfigPath == "" {
				return WrapExitError(ExitCommandError, "--config is required", nil)
			}
			cfg, err := config.Load(root.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid config", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok: feed %s, output %s (%s)\n",
				root.ConfigPath, cfg.Address(), cfg.Output.Path, cfg.Output.Format)
			return nil
		},
	}
}
