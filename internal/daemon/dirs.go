package daemon

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// dirPerm is the permission for daemon-managed directories.
const dirPerm = 0750

// envHome overrides the default home directory location.
const envHome = "WOPR_HOME"

// DirConfig holds the daemon directory layout, all rooted at Home.
type DirConfig struct {
	Home string
}

// DefaultHome resolves the daemon home: $WOPR_HOME if set, otherwise
// ~/.wopr, with a temp-dir fallback when the user home is unknown.
func DefaultHome() string {
	if h := os.Getenv(envHome); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "wopr")
	}
	return filepath.Join(home, ".wopr")
}

// SecurityPath returns the security policy document location.
func (d DirConfig) SecurityPath() string {
	return filepath.Join(d.Home, "security.json")
}

// DaemonConfigPath returns the operational daemon config location.
func (d DirConfig) DaemonConfigPath() string {
	return filepath.Join(d.Home, "daemon.yaml")
}

// Inbox returns the directory injection job files are dropped into.
func (d DirConfig) Inbox() string {
	return filepath.Join(d.Home, "inbox")
}

// Outbox returns the directory result files are written to.
func (d DirConfig) Outbox() string {
	return filepath.Join(d.Home, "outbox")
}

// ProcessingDir returns the path jobs live at while being processed.
func (d DirConfig) ProcessingDir() string {
	return filepath.Join(d.Home, "state", "processing")
}

// AuditDir returns the audit log directory.
func (d DirConfig) AuditDir() string {
	return filepath.Join(d.Home, "audit")
}

// AuditPath returns the audit log file location.
func (d DirConfig) AuditPath() string {
	return filepath.Join(d.AuditDir(), "audit.jsonl")
}

// SourcesDir returns the named source registry directory.
func (d DirConfig) SourcesDir() string {
	return filepath.Join(d.Home, "sources")
}

// RunDir returns the runtime state directory (PID file).
func (d DirConfig) RunDir() string {
	return filepath.Join(d.Home, "run")
}

// PIDPath returns the daemon PID file location.
func (d DirConfig) PIDPath() string {
	return filepath.Join(d.RunDir(), "daemon.pid")
}

// EnsureDirs creates all required directories. Idempotent.
func EnsureDirs(cfg DirConfig) error {
	if cfg.Home == "" {
		return fmt.Errorf("daemon home directory is required")
	}
	dirs := []string{
		cfg.Home,
		cfg.Inbox(),
		cfg.Outbox(),
		cfg.ProcessingDir(),
		cfg.AuditDir(),
		cfg.SourcesDir(),
		cfg.RunDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// moveFile moves src to dst using os.Rename. If rename fails with EXDEV
// (cross-device link, common with systemd ReadWritePaths bind mounts),
// it falls back to copy + remove.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) || errno != syscall.EXDEV {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// copyFile copies src to dst preserving permissions.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
