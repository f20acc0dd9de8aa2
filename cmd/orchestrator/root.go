// Package orchestrator wires together config, logging, telemetry, and the
// orchestrator/worker/mediapublisher/eventbus packages behind a cobra root
// command, following the teacher's cmd/root.go layering (global flags bound
// through viper, subcommands added explicitly, PersistentPreRunE doing
// process-wide setup before any subcommand body runs).
package orchestrator

import (
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thomsoren/openar-it2901-ntnu/internal/config"
	"github.com/thomsoren/openar-it2901-ntnu/internal/errors"
	"github.com/thomsoren/openar-it2901-ntnu/internal/logging"
)

// RootCommand creates the "orchestrator" root command and its subcommands.
func RootCommand() *cobra.Command {
	var cfgPath string
	cfg := config.Default()

	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Maritime multi-stream inference orchestrator",
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config YAML file")
	rootCmd.PersistentFlags().BoolVar(&cfg.Debug, "debug", viper.GetBool("debug"), "enable debug logging")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cmd.Flags().Changed("debug") {
			loaded.Debug = cfg.Debug
		}
		*cfg = *loaded

		level := slog.LevelInfo
		if cfg.Debug {
			level = slog.LevelDebug
		}
		logging.Init(logging.Options{Level: level, LogFilePath: cfg.Log.Path})

		if cfg.Telemetry.SentryEnabled {
			if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Telemetry.SentryDSN}); err != nil {
				logging.ForService("orchestrator").Warn("sentry init failed, continuing without crash reporting", "error", err)
			} else {
				errors.EnableSentryReporting(true)
			}
		}

		return nil
	}

	rootCmd.AddCommand(
		RunCommand(cfg),
		StreamsCommand(cfg),
	)

	return rootCmd
}
