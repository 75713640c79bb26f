// Package commands implements the quicmig CLI commands.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/quicmig/internal/config"
)

// app holds the state shared by every subcommand of one root command.
type app struct {
	// configPath is the YAML configuration file; empty uses defaults and
	// environment overrides only.
	configPath string

	// outputFormat controls the output format for all commands.
	outputFormat string

	// logLevel overrides log.level when set.
	logLevel string

	cfg    *config.Config
	logger *slog.Logger

	out    io.Writer
	errOut io.Writer
}

// NewRootCmd builds the quicmig command tree. Reports go to out, logs to
// errOut.
func NewRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "quicmig",
		Short: "QUIC connection migration and multipath conformance harness",
		Long: "quicmig drives pairs of QUIC endpoints through address changes, " +
			"path probes and migrations and checks that both sides converge.",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		// Silence cobra's built-in usage/error printing so we control it.
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		"path to configuration file")
	root.PersistentFlags().StringVar(&a.outputFormat, "format", formatTable,
		"output format: table, json, yaml")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "",
		"log level: debug, info, warn, error")

	root.AddCommand(a.runCmd())
	root.AddCommand(a.listCmd())
	root.AddCommand(a.versionCmd())

	return root
}

// Execute runs the root command against the process streams and returns
// the exit code.
func Execute() int {
	if err := NewRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// setup loads the configuration, applies flag overrides and builds the
// logger.
func (a *app) setup(cmd *cobra.Command) error {
	if err := checkFormat(a.outputFormat); err != nil {
		return err
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}

	a.cfg = cfg
	a.logger = newLogger(cfg.Log, a.errOut)
	return nil
}

// newLogger creates a slog.Logger writing to w in the configured format.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
