package config

import (
	"github.com/wopr-net/wopr/internal/trust"
)

// mergeConfig overlays a user document onto the built-in defaults.
// Slices replace wholesale when present (nil means absent); structs merge
// field by field; maps merge per key. The overlay is never mutated.
func mergeConfig(base, overlay *SecurityConfig) *SecurityConfig {
	out := *base

	out.Defaults = mergeDefaults(base.Defaults, overlay.Defaults)

	if len(overlay.TrustLevels) > 0 {
		merged := make(map[trust.Level]*TrustLevelPolicy, len(base.TrustLevels))
		for lvl, p := range base.TrustLevels {
			merged[lvl] = p
		}
		for lvl, p := range overlay.TrustLevels {
			if !lvl.Valid() || p == nil {
				continue
			}
			merged[lvl] = mergeTrustLevel(base.TrustLevels[lvl], p)
		}
		out.TrustLevels = merged
	}

	if len(overlay.Sessions) > 0 {
		merged := make(map[string]*SessionPolicy, len(base.Sessions)+len(overlay.Sessions))
		for name, p := range base.Sessions {
			merged[name] = p
		}
		for name, p := range overlay.Sessions {
			merged[name] = p
		}
		out.Sessions = merged
	}

	if overlay.Gateways != nil {
		out.Gateways = overlay.Gateways
	}
	if overlay.P2P != nil {
		out.P2P = overlay.P2P
	}

	out.Audit = mergeAudit(base.Audit, overlay.Audit)

	if overlay.Hooks != nil {
		out.Hooks = overlay.Hooks
	}
	if overlay.AllowedHookCommands != nil {
		out.AllowedHookCommands = overlay.AllowedHookCommands
	}
	if overlay.Enforcement != "" {
		out.Enforcement = overlay.Enforcement
	}

	return &out
}

func mergeDefaults(base, overlay PolicyDefaults) PolicyDefaults {
	out := base
	if overlay.MinTrustLevel != "" {
		out.MinTrustLevel = overlay.MinTrustLevel
	}
	if overlay.Capabilities != nil {
		out.Capabilities = overlay.Capabilities
	}
	out.Sandbox = MergeSandbox(base.Sandbox, overlay.Sandbox)
	out.Tools = MergeTools(base.Tools, overlay.Tools)
	out.RateLimit = MergeRateLimit(base.RateLimit, overlay.RateLimit)
	if overlay.Sessions.Allowed != nil {
		out.Sessions.Allowed = overlay.Sessions.Allowed
	}
	if overlay.Sessions.Blocked != nil {
		out.Sessions.Blocked = overlay.Sessions.Blocked
	}
	return out
}

func mergeTrustLevel(base, overlay *TrustLevelPolicy) *TrustLevelPolicy {
	if base == nil {
		return overlay
	}
	out := *base
	if overlay.Capabilities != nil {
		out.Capabilities = overlay.Capabilities
	}
	if overlay.Sandbox != nil {
		if base.Sandbox != nil {
			merged := MergeSandbox(*base.Sandbox, *overlay.Sandbox)
			out.Sandbox = &merged
		} else {
			out.Sandbox = overlay.Sandbox
		}
	}
	if overlay.Tools != nil {
		if base.Tools != nil {
			merged := MergeTools(*base.Tools, *overlay.Tools)
			out.Tools = &merged
		} else {
			out.Tools = overlay.Tools
		}
	}
	if overlay.RateLimit != nil {
		if base.RateLimit != nil {
			merged := MergeRateLimit(*base.RateLimit, *overlay.RateLimit)
			out.RateLimit = &merged
		} else {
			out.RateLimit = overlay.RateLimit
		}
	}
	if overlay.Sessions != nil {
		out.Sessions = overlay.Sessions
	}
	return &out
}

// MergeSandbox shallow-merges overlay onto base: only fields the overlay
// actually sets override. Exported because policy resolution applies the
// same rule when overlaying a trust level onto the defaults.
func MergeSandbox(base, overlay SandboxConfig) SandboxConfig {
	out := base
	if overlay.Enabled != nil {
		out.Enabled = overlay.Enabled
	}
	if overlay.WorkspaceAccess != "" {
		out.WorkspaceAccess = overlay.WorkspaceAccess
	}
	if overlay.Image != "" {
		out.Image = overlay.Image
	}
	if overlay.Network != "" {
		out.Network = overlay.Network
	}
	return out
}

// MergeTools shallow-merges tool lists: a present (non-nil) list replaces
// the base list wholesale, matching JSON-spread semantics.
func MergeTools(base, overlay ToolPolicy) ToolPolicy {
	out := base
	if overlay.Allow != nil {
		out.Allow = overlay.Allow
	}
	if overlay.Deny != nil {
		out.Deny = overlay.Deny
	}
	return out
}

// MergeRateLimit shallow-merges rate limits; zero fields inherit.
func MergeRateLimit(base, overlay RateLimit) RateLimit {
	out := base
	if overlay.MaxRequests != 0 {
		out.MaxRequests = overlay.MaxRequests
	}
	if overlay.WindowSeconds != 0 {
		out.WindowSeconds = overlay.WindowSeconds
	}
	return out
}

func mergeAudit(base, overlay AuditConfig) AuditConfig {
	out := base
	if overlay.Enabled != nil {
		out.Enabled = overlay.Enabled
	}
	if overlay.LogSuccess != nil {
		out.LogSuccess = overlay.LogSuccess
	}
	if overlay.LogDenied != nil {
		out.LogDenied = overlay.LogDenied
	}
	if overlay.Path != "" {
		out.Path = overlay.Path
	}
	if len(overlay.Alerts) > 0 {
		out.Alerts = overlay.Alerts
	}
	return out
}
