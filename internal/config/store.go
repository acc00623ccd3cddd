package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/wopr-net/wopr/internal/trust"
)

// BuiltinHash is the config hash reported when no file exists and the
// process is running on pure built-in defaults.
const BuiltinHash = "sha256:builtin"

// Store caches the SecurityConfig for one process. It is read-mostly:
// loads are lazy, the cache is invalidated only by an explicit Reload or
// Save, and callers must treat the returned document as read-only.
type Store struct {
	path string
	log  *slog.Logger

	mu   sync.RWMutex
	cfg  *SecurityConfig
	hash string
}

// NewStore creates a store for the given security.json path. The config
// is not read until the first Current call.
func NewStore(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{path: path, log: log}
}

// NewStaticStore returns a store pinned to cfg with no backing file. The
// overlay is merged over the built-in defaults exactly as a loaded file
// would be. Used by tests and by callers that manage config themselves.
func NewStaticStore(cfg *SecurityConfig) *Store {
	merged := DefaultSecurityConfig()
	if cfg != nil {
		merged = mergeConfig(merged, cfg)
	}
	return &Store{log: slog.Default(), cfg: merged, hash: BuiltinHash}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Current returns the cached config, loading it on first use. A missing
// file yields the built-in defaults; a malformed file logs a warning and
// also yields the defaults. Startup never fails on config problems.
func (s *Store) Current() *SecurityConfig {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()
	if cfg != nil {
		return cfg
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		s.loadLocked()
	}
	return s.cfg
}

// Hash returns the "sha256:..." content hash of the loaded document.
func (s *Store) Hash() string {
	s.Current()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hash
}

// Reload discards the cache and re-reads the file. This is the only
// invalidation path; concurrent readers keep the old snapshot until it
// completes.
func (s *Store) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
}

func (s *Store) loadLocked() {
	cfg, hash, err := Load(s.path)
	if err != nil {
		s.log.Warn("security config unreadable, using built-in defaults",
			"path", s.path, "error", err)
		cfg = DefaultSecurityConfig()
		hash = BuiltinHash
	}
	for _, w := range Validate(cfg) {
		s.log.Warn("security config issue", "path", s.path, "issue", w)
	}
	s.cfg = cfg
	s.hash = hash
}

// Save writes cfg to disk atomically and installs it as the cached
// snapshot. The written form is plain indented JSON.
func (s *Store) Save(cfg *SecurityConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("config: rename: %w", err)
	}

	s.mu.Lock()
	s.cfg = mergeConfig(DefaultSecurityConfig(), cfg)
	s.hash = hashBytes(data)
	s.mu.Unlock()
	return nil
}

// Load reads and parses a security.json file, deep-merging it over the
// built-in defaults. The file may carry JSONC comments and trailing
// commas. A missing file returns the defaults with BuiltinHash and no
// error; any other failure is returned for the caller to downgrade.
func Load(path string) (*SecurityConfig, string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultSecurityConfig(), BuiltinHash, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}

	var overlay SecurityConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &overlay); err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", path, err)
	}

	return mergeConfig(DefaultSecurityConfig(), &overlay), hashBytes(data), nil
}

func hashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(h[:])
}

// Validate returns human-readable warnings for config content problems.
// Warnings never block a load; the offending entries are simply inert.
func Validate(cfg *SecurityConfig) []string {
	var warns []string

	if cfg.Enforcement != EnforcementEnforce && cfg.Enforcement != EnforcementWarn {
		warns = append(warns, fmt.Sprintf("unknown enforcement mode %q (treating as %q)", cfg.Enforcement, EnforcementEnforce))
	}

	checkCaps := func(where string, caps []trust.Capability) {
		for _, c := range caps {
			if !trust.KnownCapabilities[c] {
				warns = append(warns, fmt.Sprintf("%s: unknown capability %q (ignored)", where, c))
			}
		}
	}
	checkCaps("defaults", cfg.Defaults.Capabilities)
	for lvl, p := range cfg.TrustLevels {
		if !lvl.Valid() {
			warns = append(warns, fmt.Sprintf("trustLevels: unknown level %q (ignored)", lvl))
			continue
		}
		if p != nil {
			checkCaps(fmt.Sprintf("trustLevels.%s", lvl), p.Capabilities)
			if p.Sandbox != nil {
				warns = append(warns, validateWorkspace(fmt.Sprintf("trustLevels.%s", lvl), p.Sandbox.WorkspaceAccess)...)
				warns = append(warns, validateNetwork(fmt.Sprintf("trustLevels.%s", lvl), p.Sandbox.Network)...)
			}
		}
	}
	for name, p := range cfg.Sessions {
		if p != nil {
			checkCaps(fmt.Sprintf("sessions.%s", name), p.Capabilities)
		}
	}

	warns = append(warns, validateWorkspace("defaults", cfg.Defaults.Sandbox.WorkspaceAccess)...)
	warns = append(warns, validateNetwork("defaults", cfg.Defaults.Sandbox.Network)...)

	for i, h := range cfg.Hooks {
		if h.Type != HookPreInject && h.Type != HookPostInject {
			warns = append(warns, fmt.Sprintf("hooks[%d]: unknown type %q (hook inert)", i, h.Type))
		}
		if h.Command == "" {
			warns = append(warns, fmt.Sprintf("hooks[%d]: empty command (hook inert)", i))
		}
	}

	for i, w := range cfg.Audit.Alerts {
		if w.URL == "" {
			warns = append(warns, fmt.Sprintf("audit.alerts[%d]: empty url (alert inert)", i))
		}
		switch w.Format {
		case "", "generic", "slack", "pagerduty":
		default:
			warns = append(warns, fmt.Sprintf("audit.alerts[%d]: unknown format %q (treating as generic)", i, w.Format))
		}
	}

	if cfg.P2P != nil {
		if cfg.P2P.DefaultTrust != "" && !cfg.P2P.DefaultTrust.Valid() {
			warns = append(warns, fmt.Sprintf("p2p.defaultTrust: unknown level %q (treating as untrusted)", cfg.P2P.DefaultTrust))
		}
		for peer, lvl := range cfg.P2P.Peers {
			if !lvl.Valid() {
				warns = append(warns, fmt.Sprintf("p2p.peers.%s: unknown level %q (treating as untrusted)", peer, lvl))
			}
		}
	}

	return warns
}

func validateWorkspace(where, mode string) []string {
	switch mode {
	case "", WorkspaceRO, WorkspaceRW, WorkspaceNone:
		return nil
	default:
		return []string{fmt.Sprintf("%s: unknown workspaceAccess %q (treating as %q)", where, mode, WorkspaceNone)}
	}
}

func validateNetwork(where, mode string) []string {
	switch mode {
	case "", NetworkNone, NetworkBridge:
		return nil
	default:
		return []string{fmt.Sprintf("%s: unknown network %q (treating as %q)", where, mode, NetworkNone)}
	}
}
