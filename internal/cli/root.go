// Package cli implements the wopr command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wopr-net/wopr/internal/daemon"
)

var (
	flagHome     string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "wopr",
	Short: "Trust and sandbox enforcement for multi-tenant agent sessions",
	Long: "Decides what untrusted message sources may do to agent sessions:\n" +
		"trust-level policy resolution, injection hook pipelines, per-session\n" +
		"Docker sandboxes, and a hash-chained audit trail.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(flagLogLevel)
		if err != nil {
			return err
		}
		log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(log)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagHome, "home", "", "wopr home directory (default $WOPR_HOME or ~/.wopr)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug|info|warn|error)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// cliDirs resolves the directory layout from --home or the environment.
func cliDirs() daemon.DirConfig {
	home := flagHome
	if home == "" {
		home = daemon.DefaultHome()
	}
	return daemon.DirConfig{Home: home}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q: use debug, info, warn, or error", s)
	}
}
