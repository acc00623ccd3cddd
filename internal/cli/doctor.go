package cli

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wopr-net/wopr/internal/audit"
	"github.com/wopr-net/wopr/internal/config"
	"github.com/wopr-net/wopr/internal/daemon"
	"github.com/wopr-net/wopr/internal/sandbox"
	"github.com/wopr-net/wopr/internal/systemd"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check system readiness and diagnose configuration issues",
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	dirs := cliDirs()
	var checks []checkResult

	// 1. Binary location and version.
	execPath, _ := os.Executable()
	if execPath != "" {
		checks = append(checks, checkResult{
			label:  "wopr binary",
			ok:     true,
			detail: fmt.Sprintf("%s (v%s)", execPath, version),
		})
	} else {
		checks = append(checks, checkResult{
			label:  "wopr binary",
			ok:     false,
			detail: "cannot determine executable path",
		})
	}

	// 2. Home directory.
	if info, err := os.Stat(dirs.Home); err == nil && info.IsDir() {
		checks = append(checks, checkResult{
			label:  "home directory",
			ok:     true,
			detail: dirs.Home,
		})
	} else {
		checks = append(checks, checkResult{
			label:  "home directory",
			ok:     false,
			detail: "missing",
			fix:    "wopr init",
		})
	}

	// 3. security.json. A missing file is fine (built-in defaults), but a
	// present file must parse and should carry no content warnings.
	secPath := dirs.SecurityPath()
	if _, statErr := os.Stat(secPath); statErr != nil {
		checks = append(checks, checkResult{
			label:  "security.json",
			ok:     true,
			detail: "missing (built-in defaults apply)",
		})
	} else if cfg, _, err := config.Load(secPath); err != nil {
		checks = append(checks, checkResult{
			label:  "security.json",
			ok:     false,
			detail: err.Error(),
			fix:    "wopr config validate",
		})
	} else if warns := config.Validate(cfg); len(warns) > 0 {
		checks = append(checks, checkResult{
			label:  "security.json",
			ok:     false,
			detail: fmt.Sprintf("%d content warning(s)", len(warns)),
			fix:    "wopr config validate",
		})
	} else {
		checks = append(checks, checkResult{
			label:  "security.json",
			ok:     true,
			detail: "valid",
		})
	}

	// 4. daemon.yaml.
	dcfg, err := daemon.LoadConfig(dirs.DaemonConfigPath())
	if err != nil {
		checks = append(checks, checkResult{
			label:  "daemon.yaml",
			ok:     false,
			detail: err.Error(),
		})
		dcfg = daemon.DefaultConfig()
	} else {
		checks = append(checks, checkResult{
			label:  "daemon.yaml",
			ok:     true,
			detail: "valid",
		})
	}

	// 5. Docker.
	mgr := sandbox.NewManager(slog.Default())
	mgr.SetDockerBinary(dcfg.DockerBinary)
	if mgr.IsDockerAvailable(cmd.Context()) {
		checks = append(checks, checkResult{
			label:  "docker",
			ok:     true,
			detail: "available",
		})
	} else {
		checks = append(checks, checkResult{
			label:  "docker",
			ok:     false,
			detail: "unavailable",
			fix:    "install docker or set docker_binary in daemon.yaml",
		})
	}

	// 6. Daemon process.
	checks = append(checks, daemonCheck(dirs))

	// 7. Audit chain.
	if _, err := os.Stat(dirs.AuditPath()); err != nil {
		checks = append(checks, checkResult{
			label:  "audit log",
			ok:     true,
			detail: "empty",
		})
	} else if res := audit.Verify(dirs.AuditPath()); res.Valid {
		checks = append(checks, checkResult{
			label:  "audit log",
			ok:     true,
			detail: fmt.Sprintf("%d entries, chain intact", res.Lines),
		})
	} else {
		checks = append(checks, checkResult{
			label:  "audit log",
			ok:     false,
			detail: fmt.Sprintf("chain broken at line %d: %s", res.ErrorLine, res.Error),
		})
	}

	// 8. systemd (Linux only).
	if runtime.GOOS == "linux" {
		installed := false
		for _, p := range systemd.UnitFilePaths {
			if _, err := os.Stat(p); err == nil {
				installed = true
				break
			}
		}
		switch {
		case !installed:
			checks = append(checks, checkResult{
				label:  "systemd unit",
				ok:     false,
				detail: "not installed",
				fix:    "sudo wopr init --install-systemd",
			})
		default:
			if warn := systemd.CheckUnitFileIntegrity(); warn != "" {
				checks = append(checks, checkResult{
					label:  "systemd unit",
					ok:     false,
					detail: warn,
				})
			} else {
				checks = append(checks, checkResult{
					label:  "systemd unit",
					ok:     true,
					detail: "installed",
				})
			}
		}
	}

	// Print results.
	hasFailures := false
	for _, c := range checks {
		mark := "✓"
		if !c.ok {
			mark = "✗"
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-20s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Println(line)
	}

	if hasFailures {
		fmt.Println()
		fmt.Println("Some checks failed. Run the suggested commands to fix.")
		return fmt.Errorf("doctor found issues")
	}

	fmt.Println()
	fmt.Println("All checks passed.")
	return nil
}

// daemonCheck reads the PID file and probes the process, the same test
// the daemon itself applies to stale locks.
func daemonCheck(dirs daemon.DirConfig) checkResult {
	data, err := os.ReadFile(dirs.PIDPath())
	if err != nil {
		return checkResult{
			label:  "daemon",
			ok:     false,
			detail: "not running",
			fix:    "wopr daemon",
		}
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return checkResult{
			label:  "daemon",
			ok:     false,
			detail: "malformed PID file",
			fix:    "remove " + dirs.PIDPath(),
		}
	}

	proc, err := os.FindProcess(pid)
	if err == nil && proc.Signal(syscall.Signal(0)) == nil {
		return checkResult{
			label:  "daemon",
			ok:     true,
			detail: fmt.Sprintf("running (pid %d)", pid),
		}
	}
	return checkResult{
		label:  "daemon",
		ok:     false,
		detail: fmt.Sprintf("stale PID file (pid %d not running)", pid),
		fix:    "wopr daemon",
	}
}
