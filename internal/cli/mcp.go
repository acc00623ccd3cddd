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
	woprmcp "github.com/wopr-net/wopr/internal/mcp"
)

var (
	mcpNoAudit bool
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().BoolVar(&mcpNoAudit, "no-audit", false, "Skip audit log recording for this server")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP tool server for agent integration",
	Long: "Runs wopr as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes policy tools: check_session, check_tool, filter_tools,\n" +
		"resolve_policy, process_injection, sandbox_list, audit_verify.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	dirs := cliDirs()
	dcfg, err := daemon.LoadConfig(dirs.DaemonConfigPath())
	if err != nil {
		return err
	}

	cfg := woprmcp.Config{
		SecurityPath: dirs.SecurityPath(),
		SourcesDir:   dirs.SourcesDir(),
		DockerBinary: dcfg.DockerBinary,
		Log:          slog.Default(),
	}
	if !mcpNoAudit {
		cfg.AuditPath = dirs.AuditPath()
	}

	srv, err := woprmcp.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
		cancel()
	}()

	fmt.Fprintln(os.Stderr, "wopr MCP server running on stdio")
	return srv.Run(ctx)
}
