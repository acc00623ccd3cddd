package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wopr-net/wopr/internal/daemon"
	"github.com/wopr-net/wopr/internal/sandbox"
)

func init() {
	rootCmd.AddCommand(sandboxCmd)
	sandboxCmd.AddCommand(sandboxListCmd)
	sandboxCmd.AddCommand(sandboxDestroyCmd)
	sandboxCmd.AddCommand(sandboxCleanupCmd)
	sandboxCmd.AddCommand(sandboxProbeCmd)
}

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Manage session sandbox containers",
	Long:  "Inspects and removes the Docker containers wopr provisions for\nsandboxed sessions. Only containers carrying the wopr labels are touched.",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List wopr-managed sandbox containers",
	RunE:  runSandboxList,
}

var sandboxDestroyCmd = &cobra.Command{
	Use:   "destroy <session>",
	Short: "Remove the sandbox container for one session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxDestroy,
}

var sandboxCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove all wopr-managed sandbox containers",
	RunE:  runSandboxCleanup,
}

var sandboxProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check whether docker is reachable",
	RunE:  runSandboxProbe,
}

// sandboxManager builds a manager honoring the docker_binary override
// from daemon.yaml.
func sandboxManager() (*sandbox.Manager, error) {
	dirs := cliDirs()
	cfg, err := daemon.LoadConfig(dirs.DaemonConfigPath())
	if err != nil {
		return nil, err
	}
	mgr := sandbox.NewManager(slog.Default())
	mgr.SetDockerBinary(cfg.DockerBinary)
	return mgr, nil
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	mgr, err := sandboxManager()
	if err != nil {
		return err
	}

	list, err := mgr.ListSandboxes(cmd.Context())
	if err != nil {
		return fmt.Errorf("list sandboxes: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No sandbox containers.")
		return nil
	}

	fmt.Printf("%-40s %-20s %s\n", "CONTAINER", "SESSION", "STATUS")
	for _, sb := range list {
		fmt.Printf("%-40s %-20s %s\n", sb.Name, sb.SessionKey, sb.Status)
	}
	return nil
}

func runSandboxDestroy(cmd *cobra.Command, args []string) error {
	mgr, err := sandboxManager()
	if err != nil {
		return err
	}

	removed := mgr.DestroySandbox(cmd.Context(), args[0])
	if removed == 0 {
		fmt.Fprintf(os.Stderr, "no sandbox found for session %q\n", args[0])
		os.Exit(1)
	}
	fmt.Printf("removed %d container(s) for session %q\n", removed, args[0])
	return nil
}

func runSandboxCleanup(cmd *cobra.Command, args []string) error {
	mgr, err := sandboxManager()
	if err != nil {
		return err
	}

	removed := mgr.CleanupAllSandboxes(cmd.Context())
	fmt.Printf("removed %d container(s)\n", removed)
	return nil
}

func runSandboxProbe(cmd *cobra.Command, args []string) error {
	mgr, err := sandboxManager()
	if err != nil {
		return err
	}

	if !mgr.IsDockerAvailable(cmd.Context()) {
		fmt.Println("docker: unavailable (sandboxed sessions cannot start)")
		os.Exit(1)
	}
	fmt.Println("docker: available")
	return nil
}
