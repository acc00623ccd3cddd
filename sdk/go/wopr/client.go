package wopr

import (
	"fmt"
	"log/slog"

	"github.com/wopr-net/wopr/internal/config"
	"github.com/wopr-net/wopr/internal/policy"
)

// Client answers policy questions in process. It is safe for concurrent
// use; the underlying store caches the parsed config and the limiter
// tracks rate windows per source.
type Client struct {
	cfg      clientConfig
	store    *config.Store
	resolver *policy.Resolver
	limiter  *policy.Limiter
}

// New builds a Client. A config path that exists but does not parse is
// an error; a missing file means the built-in defaults apply, same as
// the daemon.
func New(opts ...Option) (*Client, error) {
	cfg := clientConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}

	if cfg.configPath != "" {
		if _, _, err := config.Load(cfg.configPath); err != nil {
			return nil, fmt.Errorf("wopr: %w", err)
		}
	}

	store := config.NewStore(cfg.configPath, cfg.log)
	return &Client{
		cfg:      cfg,
		store:    store,
		resolver: policy.NewResolver(store, cfg.log),
		limiter:  policy.NewLimiter(),
	}, nil
}

// CheckSession reports whether src may inject into session.
func (c *Client) CheckSession(src Source, session string) Result {
	internal, err := src.toInternal()
	if err != nil {
		return Result{Reason: err.Error()}
	}
	return toResult(c.resolver.CheckSessionAccess(internal, session))
}

// CheckTool reports whether src may invoke tool in session.
func (c *Client) CheckTool(src Source, tool, session string) Result {
	internal, err := src.toInternal()
	if err != nil {
		return Result{Reason: err.Error()}
	}
	return toResult(c.resolver.CheckToolAccess(internal, tool, session))
}

// FilterTools returns the subset of tools src may use in session, in
// the original order. An invalid source gets nothing.
func (c *Client) FilterTools(src Source, tools []string, session string) []string {
	internal, err := src.toInternal()
	if err != nil {
		return nil
	}
	return c.resolver.FilterToolsByPolicy(internal, tools, session)
}

// SandboxRequired reports whether resolved policy demands sandboxed
// execution for src's tool calls in session.
func (c *Client) SandboxRequired(src Source, session string) bool {
	internal, err := src.toInternal()
	if err != nil {
		return true
	}
	return c.resolver.CheckSandboxRequired(internal, session) != nil
}

// Reload drops the cached config so the next check re-reads the file.
func (c *Client) Reload() {
	c.store.Reload()
}
