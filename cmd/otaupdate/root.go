package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Bidon15/otaupdate/internal/config"
	"github.com/Bidon15/otaupdate/internal/merror"
)

var (
	cfgFile string
	cfg     config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "otaupdate",
	Short: "Device-side OTA update client",
	Long: `otaupdate installs, commits, and rolls back artifacts on a single
device, either as a one-shot standalone command or as a long-running
daemon polling a deployment service.

Examples:
  otaupdate install ./core-image-2.4.1.mender
  otaupdate commit
  otaupdate daemon
  otaupdate show-provides`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return merror.New(merror.ProgrammingError, "cmd.PersistentPreRunE", err)
		}
		if v, _ := cmd.Flags().GetString("data-store"); v != "" {
			loaded.DataStore = v
		}
		if v, _ := cmd.Flags().GetString("log-level"); v != "" {
			loaded.LogLevel = v
		}
		if v, _ := cmd.Flags().GetString("log-format"); v != "" {
			loaded.LogFormat = v
		}
		cfg = loaded
		logger = newLogger(cfg.LogLevel, cfg.LogFormat)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the config file (default: search . ./config /etc/mender for mender.json)")
	rootCmd.PersistentFlags().String("data-store", "", "override data_store from the config file")
	rootCmd.PersistentFlags().String("log-level", "", "override log_level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "override log_format (text, json)")
}

// Execute runs the root command, wiring cobra's own --help/--version
// machinery before dispatching to the chosen subcommand.
func Execute() error {
	return rootCmd.Execute()
}

// newLogger builds the slog.Logger shared by every subcommand: a text
// handler for interactive use, a JSON handler for daemon/syslog use.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// exitError lets a subcommand report a specific process exit code
// (the standalone/daemon Result.ExitCode convention) instead of the
// generic failure code every other error maps to.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// exitCodeFor maps a top-level command error to the process exit code
// convention: an *exitError carries its own code; everything else,
// including configuration failures, exits 1.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exitError); ok {
		return ee.code
	}
	return 1
}
