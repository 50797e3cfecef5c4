package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"tinykern/pkg/config"
	"tinykern/pkg/kpanic"
	"tinykern/pkg/logging"
)

var (
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string
	flagTraceDB   string

	cfg    config.Config
	logger *slog.Logger
)

// newRootCmd creates the root command of the kernsim CLI.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kernsim",
		Short: "Simulate the process scheduler of a single-core kernel",
		Long: "kernsim boots the scheduler on a simulated descriptor table, runs YAML or HCL\n" +
			"scenarios tick by tick and records every scheduling decision.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			logger = logging.NewLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
			kpanic.Logger = logger.With("component", "kpanic")
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (YAML)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")
	root.PersistentFlags().StringVar(&flagTraceDB, "trace-db", "", "SQLite database for run traces")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newTraceCmd(),
	)

	return root
}

// loadConfig reads the config file, if any, and applies the flags the user
// set explicitly on top of it.
func loadConfig(fs *pflag.FlagSet) (config.Config, error) {
	c := config.Default()
	if flagConfig != "" {
		var err error
		if c, err = config.Load(flagConfig); err != nil {
			return c, err
		}
	}

	if fs.Changed("log-level") {
		c.Log.Level = flagLogLevel
	}
	if fs.Changed("log-format") {
		c.Log.Format = flagLogFormat
	}
	if flagDebug {
		c.Log.Level = "debug"
	}
	if fs.Changed("trace-db") {
		c.Trace.DBPath = flagTraceDB
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("flags: %w", err)
	}
	return c, nil
}

// commandContext returns the command's context carrying the CLI logger.
func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return logging.WithLogger(ctx, logger)
}
