// Package sandbox provisions and tears down per-session Docker containers.
// Container state lives in Docker itself: every container we create carries
// identifying labels, and all lookups go through docker ps. Holding no
// in-memory table means a daemon crash never orphans a sandbox that a
// later cleanup pass cannot find.
package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/wopr-net/wopr/internal/config"
)

const (
	// LabelSandbox marks every container managed by this package.
	LabelSandbox = "wopr.sandbox"
	// LabelSession records which session a container belongs to.
	LabelSession = "wopr.sessionKey"

	containerWorkspace = "/workspace"
)

var sessionKeyRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Manager creates, resolves, and destroys session sandboxes by shelling
// out to the docker CLI with argv arrays.
type Manager struct {
	runner commandRunner
	log    *slog.Logger
	docker string
}

// NewManager returns a Manager that invokes the docker binary on PATH.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		runner: osRunner{log: log},
		log:    log,
		docker: "docker",
	}
}

// SetDockerBinary overrides the docker binary path, for deployments
// where docker is not on PATH. Empty keeps the current binary.
func (m *Manager) SetDockerBinary(path string) {
	if path != "" {
		m.docker = path
	}
}

// CreateOptions carries per-creation settings that are not part of the
// resolved sandbox policy.
type CreateOptions struct {
	// Workspace is a host directory to mount at /workspace. Empty means
	// no workspace mount regardless of the policy's access mode.
	Workspace string
	// ExtraArgs are appended to docker run before the image, e.g. mount
	// flags from the MCP bridge.
	ExtraArgs []string
}

// SandboxInfo describes one managed container as reported by docker ps.
type SandboxInfo struct {
	Name       string `json:"name"`
	SessionKey string `json:"sessionKey"`
	Status     string `json:"status"`
}

// IsDockerAvailable reports whether the docker daemon answers. Only a
// spawn without error and a zero exit count as available.
func (m *Manager) IsDockerAvailable(ctx context.Context) bool {
	res, err := m.runner.run(ctx, m.docker, "version", "--format", "{{.Server.Version}}")
	return err == nil && res.ExitCode == 0
}

// CreateSandbox starts a detached container for sessionKey configured by
// the resolved sandbox policy and returns its name. The container runs
// sleep infinity so exec sessions can attach for the session's lifetime.
func (m *Manager) CreateSandbox(ctx context.Context, sessionKey string, sc *config.SandboxConfig, opts CreateOptions) (string, error) {
	if !sessionKeyRe.MatchString(sessionKey) {
		return "", fmt.Errorf("sandbox: invalid session key %q", sessionKey)
	}
	if sc == nil {
		return "", fmt.Errorf("sandbox: nil sandbox config for session %q", sessionKey)
	}

	image := sc.Image
	if image == "" {
		image = config.DefaultImage
	}
	network := sc.Network
	if network == "" {
		network = config.NetworkNone
	}
	name := containerName(sessionKey)

	args := []string{
		"run", "-d",
		"--name", name,
		"--label", LabelSandbox + "=1",
		"--label", LabelSession + "=" + sessionKey,
		"--network", network,
	}
	if opts.Workspace != "" {
		switch sc.WorkspaceAccess {
		case config.WorkspaceRO:
			args = append(args, "-v", opts.Workspace+":"+containerWorkspace+":ro")
		case config.WorkspaceRW:
			args = append(args, "-v", opts.Workspace+":"+containerWorkspace+":rw")
		}
	}
	args = append(args, opts.ExtraArgs...)
	args = append(args, image, "sleep", "infinity")

	res, err := m.runner.run(ctx, m.docker, args...)
	if err != nil {
		return "", fmt.Errorf("sandbox: docker run: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("sandbox: docker run exited %d: %s", res.ExitCode, firstLine(res.Stderr))
	}
	m.log.Info("sandbox created", "session", sessionKey, "container", name, "image", image, "network", network)
	return name, nil
}

// ContainerForSession returns the running container name for sessionKey,
// or "" when none exists.
func (m *Manager) ContainerForSession(ctx context.Context, sessionKey string) (string, error) {
	res, err := m.runner.run(ctx, m.docker,
		"ps", "--filter", "label="+LabelSession+"="+sessionKey, "--format", "{{.Names}}")
	if err != nil {
		return "", fmt.Errorf("sandbox: docker ps: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("sandbox: docker ps exited %d: %s", res.ExitCode, firstLine(res.Stderr))
	}
	names := namesFromPS(res.Stdout)
	if len(names) == 0 {
		return "", nil
	}
	return names[0], nil
}

// ListSandboxes reports every running managed container.
func (m *Manager) ListSandboxes(ctx context.Context) ([]SandboxInfo, error) {
	res, err := m.runner.run(ctx, m.docker,
		"ps", "--filter", "label="+LabelSandbox+"=1",
		"--format", `{{.Names}}\t{{.Label "`+LabelSession+`"}}\t{{.Status}}`)
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker ps: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sandbox: docker ps exited %d: %s", res.ExitCode, firstLine(res.Stderr))
	}

	var infos []SandboxInfo
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		info := SandboxInfo{Name: parts[0]}
		if len(parts) > 1 {
			info.SessionKey = parts[1]
		}
		if len(parts) > 2 {
			info.Status = parts[2]
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// DestroySandbox removes every container labeled for sessionKey and
// returns how many were removed. Lookups and removals are best effort:
// a failed docker ps removes nothing, and one failed rm never stops the
// rest.
func (m *Manager) DestroySandbox(ctx context.Context, sessionKey string) int {
	if !sessionKeyRe.MatchString(sessionKey) {
		m.log.Warn("sandbox destroy skipped, invalid session key", "session", sessionKey)
		return 0
	}
	return m.destroyByLabel(ctx, LabelSession+"="+sessionKey)
}

// CleanupAllSandboxes removes every container this package ever labeled,
// running or stopped, and returns how many were removed. Meant for
// daemon shutdown and crash recovery sweeps.
func (m *Manager) CleanupAllSandboxes(ctx context.Context) int {
	return m.destroyByLabel(ctx, LabelSandbox+"=1")
}

func (m *Manager) destroyByLabel(ctx context.Context, label string) int {
	res, err := m.runner.run(ctx, m.docker,
		"ps", "-a", "--filter", "label="+label, "--format", "{{.Names}}")
	if err != nil || res.ExitCode != 0 {
		m.log.Warn("sandbox listing failed, nothing removed", "label", label, "error", err)
		return 0
	}

	removed := 0
	for _, name := range namesFromPS(res.Stdout) {
		rm, err := m.runner.run(ctx, m.docker, "rm", "-f", name)
		if err != nil || rm.ExitCode != 0 {
			m.log.Warn("sandbox removal failed", "container", name, "error", err)
			continue
		}
		m.log.Info("sandbox removed", "container", name)
		removed++
	}
	return removed
}

// ExecInContainer runs argv inside the named container via docker exec.
func (m *Manager) ExecInContainer(ctx context.Context, container string, argv ...string) (ExecResult, error) {
	if container == "" {
		return ExecResult{}, fmt.Errorf("sandbox: empty container name")
	}
	if len(argv) == 0 {
		return ExecResult{}, fmt.Errorf("sandbox: empty command")
	}
	args := append([]string{"exec", container}, argv...)
	res, err := m.runner.run(ctx, m.docker, args...)
	if err != nil {
		return res, fmt.Errorf("sandbox: docker exec: %w", err)
	}
	return res, nil
}

// Exec resolves sessionKey's container and runs argv inside it.
func (m *Manager) Exec(ctx context.Context, sessionKey string, argv []string) (ExecResult, error) {
	container, err := m.ContainerForSession(ctx, sessionKey)
	if err != nil {
		return ExecResult{}, err
	}
	if container == "" {
		return ExecResult{}, fmt.Errorf("sandbox: no container for session %q", sessionKey)
	}
	return m.ExecInContainer(ctx, container, argv...)
}

// namesFromPS splits docker ps --format {{.Names}} output into names,
// dropping blank lines so trailing newlines never become phantom
// containers.
func namesFromPS(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	return names
}

// containerName builds a unique name for a session's container. The
// random suffix lets a session be re-sandboxed while a previous
// container is still being torn down.
func containerName(sessionKey string) string {
	return "wopr-sbx-" + sessionKey + "-" + nameSuffix()
}

func nameSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
