package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wopr-net/wopr/internal/sandbox"
)

// ContainerExec is the slice of the sandbox manager the registry needs:
// resolving a session's container and running commands inside it.
type ContainerExec interface {
	ContainerForSession(ctx context.Context, sessionKey string) (string, error)
	ExecInContainer(ctx context.Context, container string, argv ...string) (sandbox.ExecResult, error)
}

// Registry owns all live bridges, keyed by session. Creating a second
// bridge for a session replaces the first.
type Registry struct {
	exec ContainerExec
	log  *slog.Logger

	mu      sync.Mutex
	bridges map[string]*Bridge
}

// NewRegistry returns an empty registry backed by the given container
// runtime.
func NewRegistry(exec ContainerExec, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		exec:    exec,
		log:     log,
		bridges: make(map[string]*Bridge),
	}
}

// Create starts a bridge for sessionKey relaying to upstreamSocket. The
// session must already have a running sandbox container; without one the
// error wraps ErrNotSandboxed. The mount point inside the container is
// prepared best effort, since the volume mount works without it.
func (r *Registry) Create(ctx context.Context, sessionKey, upstreamSocket string) (*Bridge, error) {
	container, err := r.exec.ContainerForSession(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("bridge: resolve container for %q: %w", sessionKey, err)
	}
	if container == "" {
		return nil, fmt.Errorf("bridge: session %q: %w", sessionKey, ErrNotSandboxed)
	}

	b, err := startBridge(sessionKey, container, upstreamSocket, r.log)
	if err != nil {
		return nil, err
	}

	res, err := r.exec.ExecInContainer(ctx, container, "mkdir", "-p", ContainerMountDir)
	if err != nil || res.ExitCode != 0 {
		r.log.Warn("bridge mount point preparation failed, continuing",
			"session", sessionKey, "container", container, "error", err)
	}

	r.mu.Lock()
	old := r.bridges[sessionKey]
	r.bridges[sessionKey] = b
	r.mu.Unlock()
	if old != nil {
		r.log.Warn("replacing existing MCP bridge", "session", sessionKey, "old_dir", old.HostDir)
		old.Close()
	}

	r.log.Info("MCP bridge created",
		"session", sessionKey, "container", container, "host_socket", b.HostSocketPath)
	return b, nil
}

// Get returns the live bridge for sessionKey, or nil.
func (r *Registry) Get(sessionKey string) *Bridge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bridges[sessionKey]
}

// Count returns the number of live bridges.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bridges)
}

// MountArgs returns the docker -v arguments that expose sessionKey's
// bridge inside a container, or nil when no bridge exists. Callers treat
// nil as "no MCP access", never as an error.
func (r *Registry) MountArgs(sessionKey string) []string {
	r.mu.Lock()
	b := r.bridges[sessionKey]
	r.mu.Unlock()
	if b == nil {
		return nil
	}
	return []string{"-v", b.HostDir + ":" + ContainerMountDir + ":ro"}
}

// Destroy closes and forgets sessionKey's bridge. Destroying a session
// with no bridge is a no-op.
func (r *Registry) Destroy(sessionKey string) {
	r.mu.Lock()
	b := r.bridges[sessionKey]
	delete(r.bridges, sessionKey)
	r.mu.Unlock()
	if b == nil {
		return
	}
	b.Close()
	r.log.Info("MCP bridge destroyed", "session", sessionKey)
}

// CloseAll tears down every bridge, for daemon shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	bridges := r.bridges
	r.bridges = make(map[string]*Bridge)
	r.mu.Unlock()
	for key, b := range bridges {
		b.Close()
		r.log.Info("MCP bridge destroyed", "session", key)
	}
}
