package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/danmuck/abxfeed/internal/config"
	"github.com/danmuck/abxfeed/internal/logging"
	"github.com/danmuck/abxfeed/internal/observability"
	"github.com/danmuck/abxfeed/internal/output"
	"github.com/danmuck/abxfeed/internal/protocol/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type fetchOptions struct {
	host        string
	port        int
	output      string
	format      string
	errorLog    string
	metricsAddr string
}

func NewFetchCommand(root *RootOptions) *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch a complete snapshot and write it out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, root, opts)
			if err != nil {
				return err
			}
			return runFetch(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "", "feed host")
	cmd.Flags().IntVar(&opts.port, "port", 0, "feed port")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "output path")
	cmd.Flags().StringVar(&opts.format, "format", "", "output format (json|yaml|sqlite)")
	cmd.Flags().StringVar(&opts.errorLog, "error-log", "", "append-only error log path (\"-\" disables)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /health and /metrics on this address")
	return cmd
}

func loadConfig(root *RootOptions) (config.Config, error) {
	if root.ConfigPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "load config", err)
	}
	return cfg, nil
}

func resolveConfig(cmd *cobra.Command, root *RootOptions, opts *fetchOptions) (config.Config, error) {
	cfg, err := loadConfig(root)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Feed.Host = opts.host
	}
	if flags.Changed("port") {
		cfg.Feed.Port = opts.port
	}
	if flags.Changed("output") {
		cfg.Output.Path = opts.output
	}
	if flags.Changed("format") {
		cfg.Output.Format = opts.format
	}
	if flags.Changed("error-log") {
		cfg.Log.ErrorLog = opts.errorLog
		if opts.errorLog == "-" {
			cfg.Log.ErrorLog = ""
		}
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if root.LogLevel != "" {
		cfg.Log.Level = root.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

func setupLogging(cfg config.Config) (zerolog.Logger, func(), error) {
	cleanup := func() {}
	var errorLog io.Writer
	if cfg.Log.ErrorLog != "" {
		el, err := logging.OpenErrorLog(cfg.Log.ErrorLog)
		if err != nil {
			return zerolog.Logger{}, cleanup, WrapExitError(ExitCommandError, "open error log", err)
		}
		errorLog = el
		cleanup = func() { _ = el.Close() }
	}
	logger, err := logging.ConfigureRuntime(cfg.Log.Level, errorLog)
	if err != nil {
		cleanup()
		return zerolog.Logger{}, func() {}, WrapExitError(ExitCommandError, "configure logging", err)
	}
	return logger, cleanup, nil
}

func runFetch(ctx context.Context, cfg config.Config) error {
	logger, closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	format, err := output.ParseFormat(cfg.Output.Format)
	if err != nil {
		return WrapExitError(ExitCommandError, "output format", err)
	}
	sink, err := output.New(format, cfg.Output.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "output sink", err)
	}

	metrics := observability.DefaultSessionMetrics()
	var obs session.Observer = metrics
	if cfg.Metrics.Addr != "" {
		ops := observability.NewOpsServer(cfg.Metrics.Addr, prometheus.DefaultGatherer, logger, cfg.Metrics.CORSOrigins)
		if _, err := ops.Start(); err != nil {
			return WrapExitError(ExitCommandError, "start ops server", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = ops.Shutdown(shutdownCtx)
		}()
		obs = opsObserver{SessionMetrics: metrics, ops: ops}
	}

	sc := cfg.SessionConfig()
	sc.Logger = &logger
	sc.Observer = obs
	client, err := session.NewClient(sc)
	if err != nil {
		return WrapExitError(ExitCommandError, "session config", err)
	}

	res, err := client.Run(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "fetch snapshot", err)
	}

	if err := sink.Write(ctx, res.Packets); err != nil {
		logger.Error().Err(err).Str("path", cfg.Output.Path).Msg("writing output failed")
		return WrapExitError(ExitFailure, "write output", err)
	}
	logger.Info().
		Str("path", cfg.Output.Path).
		Str("format", string(format)).
		Int("packets", len(res.Packets)).
		Int("attempts", res.Attempts).
		Msg("output written")
	fmt.Fprintf(os.Stdout, "wrote %d packets to %s\n", len(res.Packets), cfg.Output.Path)
	return nil
}

// opsObserver mirrors the session phase into /health.
type opsObserver struct {
	*observability.SessionMetrics
	ops *observability.OpsServer
}

func (o opsObserver) OnPhase(p session.Phase) {
	o.SessionMetrics.OnPhase(p)
	o.ops.SetStatus(p.String())
}
