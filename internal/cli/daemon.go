package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wopr-net/wopr/internal/daemon"
)

func init() {
	rootCmd.AddCommand(daemonCmd)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the injection queue daemon",
	Long: "Watches the inbox for injection job files, enforces trust policy and\n" +
		"hooks on each, provisions sandboxes, and writes results to the outbox.\n" +
		"Runs until SIGINT or SIGTERM.",
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	dirs := cliDirs()
	cfg, err := daemon.LoadConfig(dirs.DaemonConfigPath())
	if err != nil {
		return err
	}

	d, err := daemon.New(dirs, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down daemon...")
		cancel()
	}()

	return d.Run(ctx)
}
