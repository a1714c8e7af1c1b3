package main

import (
	"github.com/danmuck/abxfeed/internal/feedsim"
	"github.com/danmuck/abxfeed/internal/logging"
	"github.com/danmuck/abxfeed/internal/protocol/wire"
	"github.com/spf13/cobra"
)

type simOptions struct {
	listen           string
	packets          string
	count            int
	first            int32
	drop             []int32
	closeAfterResend bool
	splitWrites      bool
}

// NewSimCommand serves a local feed for manual runs of fetch.
func NewSimCommand(root *RootOptions) *cobra.Command {
	opts := &simOptions{}
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Serve a scripted ABX feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.ConfigureRuntime(root.LogLevel, nil)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --log-level", err)
			}

			var packets []wire.Packet
			if opts.packets != "" {
				loaded, err := feedsim.LoadPackets(opts.packets)
				if err != nil {
					return WrapExitError(ExitCommandError, "load packets", err)
				}
				packets = loaded
			} else {
				if opts.count < 0 {
					return WrapExitError(ExitCommandError, "--count must not be negative", nil)
				}
				packets = feedsim.Synthetic(opts.count, opts.first)
			}

			srv := feedsim.New(packets, feedsim.Options{
				Drop:             opts.drop,
				CloseAfterResend: opts.closeAfterResend,
				SplitWrites:      opts.splitWrites,
				Logger:           &logger,
			})
			if err := srv.Serve(cmd.Context(), opts.listen); err != nil {
				return WrapExitError(ExitFailure, "serve feed", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "127.0.0.1:3000", "listen address")
	cmd.Flags().StringVar(&opts.packets, "packets", "", "JSON packet file (overrides --count)")
	cmd.Flags().IntVar(&opts.count, "count", 14, "number of synthetic packets")
	cmd.Flags().Int32Var(&opts.first, "first", 1, "first synthetic sequence")
	cmd.Flags().Int32SliceVar(&opts.drop, "drop", nil, "sequences left out of stream-all")
	cmd.Flags().BoolVar(&opts.closeAfterResend, "close-after-resend", false, "close the connection after each resend")
	cmd.Flags().BoolVar(&opts.splitWrites, "split-writes", false, "send each record in two writes")
	return cmd
}
