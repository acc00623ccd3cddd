package config

import (
	"github.com/wopr-net/wopr/internal/trust"
)

// DefaultImage is the container image used for sandboxed sessions when
// the config does not name one.
const DefaultImage = "wopr/sandbox:latest"

func boolPtr(b bool) *bool { return &b }

// DefaultSecurityConfig returns the built-in policy document. Every load
// deep-merges the on-disk file over this, so a partial security.json is
// always safe.
//
// The shipped posture: untrusted sources are fully sandboxed, denied all
// tools, and may only reach gateway sessions; trust buys capabilities and
// sheds the sandbox; owner is unrestricted.
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		Defaults: PolicyDefaults{
			MinTrustLevel: trust.Untrusted,
			Sandbox: SandboxConfig{
				Enabled:         boolPtr(false),
				WorkspaceAccess: WorkspaceNone,
				Image:           DefaultImage,
				Network:         NetworkNone,
			},
			Tools:     ToolPolicy{},
			RateLimit: RateLimit{MaxRequests: 0, WindowSeconds: 60},
			Sessions:  SessionAccess{Allowed: []string{"*"}},
		},
		TrustLevels: map[trust.Level]*TrustLevelPolicy{
			trust.Untrusted: {
				Capabilities: []trust.Capability{},
				Sandbox: &SandboxConfig{
					Enabled:         boolPtr(true),
					WorkspaceAccess: WorkspaceNone,
					Network:         NetworkNone,
				},
				Tools:     &ToolPolicy{Deny: []string{"*"}},
				RateLimit: &RateLimit{MaxRequests: 30, WindowSeconds: 60},
			},
			trust.SemiTrusted: {
				Capabilities: []trust.Capability{trust.CapInject},
				Sandbox: &SandboxConfig{
					Enabled:         boolPtr(true),
					WorkspaceAccess: WorkspaceRO,
				},
				Tools:     &ToolPolicy{Deny: []string{"exec", "bash", "file_write", "config_write"}},
				RateLimit: &RateLimit{MaxRequests: 60, WindowSeconds: 60},
			},
			trust.Trusted: {
				Capabilities: []trust.Capability{
					trust.CapInject,
					trust.CapInjectNetwork,
					trust.CapToolsExec,
					trust.CapFilesRead,
					trust.CapFilesWrite,
					trust.CapSessionsList,
				},
				Sandbox:   &SandboxConfig{Enabled: boolPtr(false)},
				Tools:     &ToolPolicy{Deny: []string{"config_write"}},
				RateLimit: &RateLimit{MaxRequests: 240, WindowSeconds: 60},
			},
			trust.Owner: {
				Capabilities: trust.AllCapabilities(),
				Sandbox:      &SandboxConfig{Enabled: boolPtr(false)},
			},
		},
		Audit:       AuditConfig{},
		Enforcement: EnforcementEnforce,
	}
}

// DefaultSecurityJSONC is the commented template written by `wopr init`.
// It parses as JSONC (comments and trailing commas are stripped on load).
const DefaultSecurityJSONC = `{
  // WOPR security policy. Partial documents are fine: anything you omit
  // inherits the built-in defaults shown (commented) below.

  "enforcement": "enforce", // "enforce" denies; "warn" allows tool-policy
                            // violations but tags them with a warning

  "defaults": {
    "minTrustLevel": "untrusted",
    "sandbox": { "enabled": false, "workspaceAccess": "none", "image": "wopr/sandbox:latest", "network": "none" },
    "rateLimit": { "maxRequests": 0, "windowSeconds": 60 },
    "sessions": { "allowed": ["*"], "blocked": [] }
  },

  // Per-trust-level overlays. "capabilities" replaces the default set;
  // "sandbox", "tools" and "rateLimit" merge field by field.
  "trustLevels": {
    // "untrusted":   { "capabilities": [], "sandbox": { "enabled": true }, "tools": { "deny": ["*"] } },
    // "semi-trusted": { "capabilities": ["inject"] },
    // "trusted":     { "capabilities": ["inject", "inject.network", "tools.exec"] },
    // "owner":       {}
  },

  // Named sessions. A session with the "gateway" capability accepts
  // untrusted sources; "forward" scopes what it may relay onward.
  "sessions": {
    // "front-desk": {
    //   "capabilities": ["gateway", "cross.inject"],
    //   "forward": { "allowForwardTo": ["research"], "allowActions": ["message"] }
    // }
  },

  // Peer trust for the p2p pairing layer.
  "p2p": {
    "defaultTrust": "untrusted"
    // ,"peers": { "12D3KooW...": "trusted" }
  },

  "audit": {
    "enabled": true,
    "logSuccess": false,
    "logDenied": true
    // Webhook alerts for recorded decisions. Events defaults to denials.
    // "alerts": [
    //   { "url": "https://hooks.slack.com/services/...", "format": "slack" }
    // ]
  },

  // External hook commands. Pre-inject hooks run in order and may veto or
  // rewrite a message; post-inject hooks are advisory. Commands are parsed
  // without a shell and the executable must be on the hook allowlist.
  "hooks": [
    // { "name": "screen", "type": "pre-inject", "enabled": true,
    //   "command": "wopr-hook --max-message-bytes 65536" }
  ],

  // Extra executables permitted in hook commands, beyond the built-in
  // allowlist (node, python3, python, ruby, perl, bash, sh, jq, grep,
  // sed, awk, cat, echo, tee, wopr-hook).
  "allowedHookCommands": []
}
`
