// Package bridge exposes the daemon's MCP server to sandboxed sessions.
// Each bridge owns a host-side temp directory holding a Unix socket; the
// directory is bind-mounted read-only into the session's container, where
// clients reach the socket at a fixed path. The bridge relays raw bytes
// between accepted connections and the upstream MCP socket with no
// protocol awareness.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
)

// ErrNotSandboxed is returned when a bridge is requested for a session
// that has no running sandbox container. This is a caller contract
// violation, not an expected runtime state.
var ErrNotSandboxed = errors.New("session has no sandbox container")

const (
	// ContainerMountDir is where the bridge directory appears inside the
	// container.
	ContainerMountDir = "/run/wopr-mcp"
	// ContainerSocketPath is the fixed in-container socket path clients
	// connect to.
	ContainerSocketPath = "/run/wopr-mcp/mcp.sock"

	socketName = "mcp.sock"

	// maxBridgeConns bounds concurrent relayed connections per bridge so
	// a runaway client inside the sandbox cannot exhaust the daemon.
	maxBridgeConns = 128

	// maxSocketPath guards the kernel's sun_path limit. Temp dirs under
	// an unusually deep TMPDIR would otherwise fail at bind time with a
	// less helpful error.
	maxSocketPath = 100
)

// Bridge is one session's live socket relay. Fields are fixed at
// creation; Close is safe to call multiple times.
type Bridge struct {
	SessionKey     string
	HostDir        string
	HostSocketPath string
	ContainerName  string

	upstream string
	listener net.Listener
	log      *slog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	sem       chan struct{}

	mu      sync.Mutex
	closing bool
	conns   map[net.Conn]struct{}
}

func startBridge(sessionKey, container, upstreamSocket string, log *slog.Logger) (*Bridge, error) {
	hostDir, err := os.MkdirTemp("", "wopr-mcp-*")
	if err != nil {
		return nil, fmt.Errorf("bridge: temp dir: %w", err)
	}
	hostSock := hostDir + "/" + socketName
	if len(hostSock) > maxSocketPath {
		os.RemoveAll(hostDir)
		return nil, fmt.Errorf("bridge: socket path %q exceeds unix socket limit", hostSock)
	}

	listener, err := net.Listen("unix", hostSock)
	if err != nil {
		os.RemoveAll(hostDir)
		return nil, fmt.Errorf("bridge: listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		SessionKey:     sessionKey,
		HostDir:        hostDir,
		HostSocketPath: hostSock,
		ContainerName:  container,
		upstream:       upstreamSocket,
		listener:       listener,
		log:            log,
		cancel:         cancel,
		done:           make(chan struct{}),
		sem:            make(chan struct{}, maxBridgeConns),
		conns:          make(map[net.Conn]struct{}),
	}
	go b.serve(ctx)
	return b, nil
}

func (b *Bridge) serve(ctx context.Context) {
	defer close(b.done)

	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		b.listener.Close()
	}()

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Error("bridge accept error", "session", b.SessionKey, "error", err)
			return
		}

		select {
		case b.sem <- struct{}{}:
		default:
			b.log.Warn("bridge connection limit reached, rejecting",
				"session", b.SessionKey, "max_conns", maxBridgeConns)
			conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-b.sem }()
			b.relay(conn)
		}()
	}
}

func (b *Bridge) relay(client net.Conn) {
	defer client.Close()
	if !b.track(client) {
		return
	}
	defer b.untrack(client)

	upstream, err := net.Dial("unix", b.upstream)
	if err != nil {
		b.log.Warn("bridge upstream dial failed",
			"session", b.SessionKey, "upstream", b.upstream, "error", err)
		return
	}
	defer upstream.Close()
	if !b.track(upstream) {
		return
	}
	defer b.untrack(upstream)

	// Bidirectional copy: when the first direction finishes, close both
	// ends to unblock the other.
	done := make(chan struct{}, 2)
	go func() { io.Copy(upstream, client); done <- struct{}{} }()
	go func() { io.Copy(client, upstream); done <- struct{}{} }()
	<-done
	upstream.Close()
	client.Close()
	<-done
}

func (b *Bridge) track(c net.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return false
	}
	b.conns[c] = struct{}{}
	return true
}

func (b *Bridge) untrack(c net.Conn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

// Close stops the listener, tears down live connections, and removes the
// host directory with the socket in it. Safe to call multiple times.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		b.closing = true
		for c := range b.conns {
			c.Close()
		}
		b.mu.Unlock()
		<-b.done
		if err := os.RemoveAll(b.HostDir); err != nil {
			b.log.Warn("bridge dir removal failed", "dir", b.HostDir, "error", err)
		}
	})
}
