// Package config loads, merges, and persists the SecurityConfig document
// that drives policy resolution, hook execution, and sandboxing.
package config

import (
	"github.com/wopr-net/wopr/internal/alert"
	"github.com/wopr-net/wopr/internal/trust"
)

// Enforcement modes. In warn mode, tool-access denials are downgraded to
// allows that carry a warning; everything else still denies.
const (
	EnforcementEnforce = "enforce"
	EnforcementWarn    = "warn"
)

// Hook types. Pre-inject hooks run before a message reaches a session and
// may veto or rewrite it; post-inject hooks run after and are advisory.
const (
	HookPreInject  = "pre-inject"
	HookPostInject = "post-inject"
)

// Workspace access modes for sandboxed sessions.
const (
	WorkspaceRO   = "ro"
	WorkspaceRW   = "rw"
	WorkspaceNone = "none"
)

// Container network modes for sandboxed sessions.
const (
	NetworkNone   = "none"
	NetworkBridge = "bridge"
)

// SecurityConfig is the persisted security policy document (security.json).
// A zero value is not usable on its own; documents are always deep-merged
// over DefaultSecurityConfig before use.
type SecurityConfig struct {
	Defaults            PolicyDefaults                    `json:"defaults"`
	TrustLevels         map[trust.Level]*TrustLevelPolicy `json:"trustLevels,omitempty"`
	Sessions            map[string]*SessionPolicy         `json:"sessions,omitempty"`
	Gateways            *GatewayConfig                    `json:"gateways,omitempty"`
	P2P                 *P2PConfig                        `json:"p2p,omitempty"`
	Audit               AuditConfig                       `json:"audit"`
	Hooks               []HookDef                         `json:"hooks,omitempty"`
	AllowedHookCommands []string                          `json:"allowedHookCommands,omitempty"`
	Enforcement         string                            `json:"enforcement,omitempty"`
}

// PolicyDefaults is the base policy every resolution starts from.
type PolicyDefaults struct {
	MinTrustLevel trust.Level        `json:"minTrustLevel,omitempty"`
	Capabilities  []trust.Capability `json:"capabilities,omitempty"`
	Sandbox       SandboxConfig      `json:"sandbox"`
	Tools         ToolPolicy         `json:"tools"`
	RateLimit     RateLimit          `json:"rateLimit"`
	Sessions      SessionAccess      `json:"sessions"`
}

// TrustLevelPolicy is a partial policy overlaid on the defaults for one
// trust level. All fields are optional: nil means "inherit". Capabilities,
// when present, REPLACE the default set; Sandbox, Tools, and RateLimit are
// shallow-merged field by field; Sessions is taken whole when present.
type TrustLevelPolicy struct {
	Capabilities []trust.Capability `json:"capabilities,omitempty"`
	Sandbox      *SandboxConfig     `json:"sandbox,omitempty"`
	Tools        *ToolPolicy        `json:"tools,omitempty"`
	RateLimit    *RateLimit         `json:"rateLimit,omitempty"`
	Sessions     *SessionAccess     `json:"sessions,omitempty"`
}

// SandboxConfig controls whether and how a session's tool calls are
// isolated in a container. Enabled is a pointer so a partial overlay can
// leave it untouched.
type SandboxConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	WorkspaceAccess string `json:"workspaceAccess,omitempty"`
	Image           string `json:"image,omitempty"`
	Network         string `json:"network,omitempty"`
}

// IsEnabled reports whether sandboxing is switched on.
func (c SandboxConfig) IsEnabled() bool {
	return c.Enabled != nil && *c.Enabled
}

// ToolPolicy is an allow/deny list over tool names. Deny may contain the
// "*" wildcard; an explicit Allow entry overrides a deny.
type ToolPolicy struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// SessionAccess lists which sessions a source may target. Allowed may be
// the single sentinel "*" (all sessions); Blocked is always checked first.
type SessionAccess struct {
	Allowed []string `json:"allowed,omitempty"`
	Blocked []string `json:"blocked,omitempty"`
}

// AllowsAll reports whether the allow list carries the "*" sentinel.
func (a SessionAccess) AllowsAll() bool {
	for _, s := range a.Allowed {
		if s == "*" {
			return true
		}
	}
	return false
}

// RateLimit bounds injections per source identity. Zero MaxRequests means
// no limit.
type RateLimit struct {
	MaxRequests   int `json:"maxRequests,omitempty"`
	WindowSeconds int `json:"windowSeconds,omitempty"`
}

// SessionPolicy is per-session configuration. A session carrying the
// "gateway" capability accepts untrusted sources; Forward scopes what a
// gateway may relay onward.
type SessionPolicy struct {
	Capabilities []trust.Capability `json:"capabilities,omitempty"`
	Forward      *ForwardRules      `json:"forward,omitempty"`
}

// HasCapability reports whether the session policy grants cap.
func (p *SessionPolicy) HasCapability(cap trust.Capability) bool {
	if p == nil {
		return false
	}
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// ForwardRules scope gateway forwarding. AllowForwardTo may contain "*";
// an empty AllowActions list means no action restriction.
type ForwardRules struct {
	AllowForwardTo []string `json:"allowForwardTo,omitempty"`
	AllowActions   []string `json:"allowActions,omitempty"`
}

// GatewayConfig is the deprecated label-based gateway registry. New
// configs should mark gateway sessions via sessions.<name>.capabilities
// instead; this block is honored as a compatibility shim.
type GatewayConfig struct {
	Sessions map[string]*ForwardRules `json:"sessions,omitempty"`
}

// P2PConfig maps peer identities to trust levels for the pairing layer.
type P2PConfig struct {
	DefaultTrust trust.Level            `json:"defaultTrust,omitempty"`
	Peers        map[string]trust.Level `json:"peers,omitempty"`
}

// TrustForPeer returns the trust level for a peer ID, falling back to the
// configured default and finally to untrusted.
func (p *P2PConfig) TrustForPeer(peerID string) trust.Level {
	if p == nil {
		return trust.Untrusted
	}
	if lvl, ok := p.Peers[peerID]; ok && lvl.Valid() {
		return lvl
	}
	if p.DefaultTrust.Valid() {
		return p.DefaultTrust
	}
	return trust.Untrusted
}

// AuditConfig gates the audit trail. Fields are pointers so a partial
// document inherits the defaults (enabled, denials only). Alerts lists
// webhook destinations notified about recorded decisions.
type AuditConfig struct {
	Enabled    *bool           `json:"enabled,omitempty"`
	LogSuccess *bool           `json:"logSuccess,omitempty"`
	LogDenied  *bool           `json:"logDenied,omitempty"`
	Path       string          `json:"path,omitempty"`
	Alerts     []alert.Webhook `json:"alerts,omitempty"`
}

// IsEnabled reports whether auditing is on (default true).
func (a AuditConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// ShouldLogSuccess reports whether allowed injections are recorded
// (default false).
func (a AuditConfig) ShouldLogSuccess() bool {
	return a.LogSuccess != nil && *a.LogSuccess
}

// ShouldLogDenied reports whether denied injections are recorded
// (default true).
func (a AuditConfig) ShouldLogDenied() bool {
	return a.LogDenied == nil || *a.LogDenied
}

// HookDef declares one external hook command. Hooks run in declaration
// order; only entries with Enabled set participate.
type HookDef struct {
	Name    string `json:"name,omitempty"`
	Type    string `json:"type"`
	Command string `json:"command"`
	Enabled bool   `json:"enabled"`
}
