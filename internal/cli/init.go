package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/wopr-net/wopr/internal/config"
	"github.com/wopr-net/wopr/internal/daemon"
	"github.com/wopr-net/wopr/internal/systemd"
)

var (
	initInstallSystemd bool
	initForce          bool
)

func init() {
	initCmd.Flags().BoolVar(&initInstallSystemd, "install-systemd", false, "Install the wopr-daemon.service unit (requires root)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap the wopr home directory and configuration",
	Long: `Creates the home directory layout (inbox, outbox, audit, sources) and
writes a commented security.json and daemon.yaml.

With --install-systemd: installs wopr-daemon.service so the daemon runs
under systemd with its install-time hash recorded:
  systemctl enable --now wopr-daemon`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dirs := cliDirs()
	if err := daemon.EnsureDirs(dirs); err != nil {
		return err
	}

	var created []string

	if wrote, err := writeIfMissing(dirs.SecurityPath(), config.DefaultSecurityJSONC); err != nil {
		return err
	} else if wrote {
		created = append(created, dirs.SecurityPath())
	}

	if wrote, err := writeIfMissing(dirs.DaemonConfigPath(), defaultDaemonYAML); err != nil {
		return err
	} else if wrote {
		created = append(created, dirs.DaemonConfigPath())
	}

	if initInstallSystemd {
		if runtime.GOOS != "linux" {
			return fmt.Errorf("--install-systemd is only supported on Linux")
		}
		if os.Geteuid() != 0 {
			return fmt.Errorf("--install-systemd requires root; run with sudo")
		}

		unitPath := systemd.UnitFilePaths[0]
		if err := os.WriteFile(unitPath, []byte(systemd.DaemonTemplate(dirs.Home)), 0o644); err != nil {
			return fmt.Errorf("write systemd unit: %w", err)
		}
		created = append(created, unitPath)

		if err := systemd.RecordUnitFileHash(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not record unit file hash: %v\n", err)
		}
		if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: systemctl daemon-reload failed: %v\n", err)
		}
	}

	fmt.Println("wopr init complete.")
	fmt.Println()
	if len(created) > 0 {
		fmt.Println("Created:")
		for _, path := range created {
			fmt.Printf("  %s\n", path)
		}
		fmt.Println()
	} else {
		fmt.Println("All files already exist (use --force to overwrite).")
		fmt.Println()
	}

	fmt.Println("Verify:")
	fmt.Println("  wopr doctor")
	fmt.Println()
	fmt.Println("Start the daemon:")
	if initInstallSystemd {
		fmt.Println("  systemctl enable --now wopr-daemon")
	} else {
		fmt.Println("  wopr daemon")
	}

	return nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// defaultDaemonYAML is the commented operational config written by init.
const defaultDaemonYAML = `# wopr daemon settings. The security policy lives in security.json;
# this file only covers how the daemon itself runs.

# Observability listener (healthz, readyz, metrics). Empty disables it.
metrics_addr: "127.0.0.1:9417"

# Use polling instead of inotify for the inbox (for filesystems
# without inotify support, e.g. some network mounts).
poll_mode: false
poll_interval: 5s

# Unix socket that per-session MCP bridges relay to. Empty disables
# bridge creation.
mcp_upstream_socket: ""

# Host directory mounted into sandboxes according to the resolved
# workspace access mode. Empty means no mount.
workspace: ""

# Docker binary override. Empty uses PATH.
docker_binary: ""

# Periodic docker health probe and rate-limiter sweep.
sweep_interval: 1m
`
