package policy

import (
	"fmt"

	"github.com/wopr-net/wopr/internal/config"
	"github.com/wopr-net/wopr/internal/trust"
)

// AccessResult is the uniform answer for every policy check. Denials are
// values, never errors, so callers can surface reasons to users and logs
// the same way everywhere. Warning is set when a denial was downgraded in
// warn mode.
type AccessResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Warning string `json:"warning,omitempty"`
}

func allowed() AccessResult {
	return AccessResult{Allowed: true}
}

func denied(format string, args ...any) AccessResult {
	return AccessResult{Reason: fmt.Sprintf(format, args...)}
}

// toolCapabilities maps tool names to the capability they additionally
// require. Tools absent from this table are governed by the allow/deny
// lists alone.
var toolCapabilities = map[string]trust.Capability{
	"exec":          trust.CapToolsExec,
	"bash":          trust.CapToolsExec,
	"web_fetch":     trust.CapInjectNetwork,
	"http_request":  trust.CapInjectNetwork,
	"file_read":     trust.CapFilesRead,
	"file_write":    trust.CapFilesWrite,
	"sessions_list": trust.CapSessionsList,
	"cross_send":    trust.CapCrossInject,
	"config_read":   trust.CapConfigRead,
	"config_write":  trust.CapConfigWrite,
}

// CheckSessionAccess decides whether a source may target a session at all.
func (r *Resolver) CheckSessionAccess(source *trust.InjectionSource, targetSession string) AccessResult {
	cfg := r.store.Current()
	pol := r.ResolvePolicy(source, targetSession)

	// Step 1: minimum trust floor. Untrusted is the floor today, so this
	// only bites once an operator raises it.
	floor := cfg.Defaults.MinTrustLevel
	if floor == "" {
		floor = trust.Untrusted
	}
	if !source.TrustLevel.AtLeast(floor) {
		return denied("trust level %q is below the required minimum %q", source.TrustLevel, floor)
	}

	// Step 2: blocked list, always before the allow list.
	for _, b := range pol.BlockedSessions {
		if b == targetSession {
			return denied("session %q is blocked for trust level %q", targetSession, source.TrustLevel)
		}
	}

	// Step 3: explicit allow list ("*" means all sessions).
	if !sessionInList(pol.AllowedSessions, targetSession) {
		return denied("session %q is not in the allowed sessions for trust level %q", targetSession, source.TrustLevel)
	}

	// Step 4: untrusted sources may only reach gateway sessions.
	if source.TrustLevel == trust.Untrusted && !pol.IsGateway {
		return denied("untrusted sources may only target gateway sessions; %q is not a gateway", targetSession)
	}

	return allowed()
}

// CheckCapability decides whether the resolved capability set contains
// the given capability.
func (r *Resolver) CheckCapability(source *trust.InjectionSource, capability trust.Capability, targetSession string) AccessResult {
	pol := r.ResolvePolicy(source, targetSession)
	if pol.Capabilities.Has(capability) {
		return allowed()
	}
	return denied("capability %q not granted at trust level %q", capability, source.TrustLevel)
}

// CheckToolAccess decides whether a source may use a tool. In warn mode a
// would-be denial becomes an allow carrying the reason as a warning; the
// flag is global, never per-source.
func (r *Resolver) CheckToolAccess(source *trust.InjectionSource, tool, targetSession string) AccessResult {
	cfg := r.store.Current()
	pol := r.ResolvePolicy(source, targetSession)

	res := evaluateTool(pol, tool)
	if !res.Allowed && cfg.Enforcement == config.EnforcementWarn {
		r.log.Warn("tool denial downgraded to warning",
			"tool", tool, "trust", source.TrustLevel, "reason", res.Reason)
		return AccessResult{Allowed: true, Warning: res.Reason}
	}
	return res
}

// evaluateTool applies the deny list (with "*" wildcard), the explicit
// allow override, and the tool→capability table, in that order.
func evaluateTool(pol ResolvedPolicy, tool string) AccessResult {
	deniedByList := false
	for _, d := range pol.Tools.Deny {
		if d == "*" || d == tool {
			deniedByList = true
			break
		}
	}
	if deniedByList {
		for _, a := range pol.Tools.Allow {
			if a == tool {
				deniedByList = false
				break
			}
		}
	}
	if deniedByList {
		return denied("tool %q is denied by policy", tool)
	}

	if need, ok := toolCapabilities[tool]; ok && !pol.Capabilities.Has(need) {
		return denied("tool %q requires capability %q", tool, need)
	}
	return allowed()
}

// FilterToolsByPolicy returns the subset of tools the source may use. In
// warn mode, would-be-denied tools stay in the list but are logged.
func (r *Resolver) FilterToolsByPolicy(source *trust.InjectionSource, tools []string, targetSession string) []string {
	cfg := r.store.Current()
	pol := r.ResolvePolicy(source, targetSession)
	warnMode := cfg.Enforcement == config.EnforcementWarn

	out := make([]string, 0, len(tools))
	for _, tool := range tools {
		res := evaluateTool(pol, tool)
		switch {
		case res.Allowed:
			out = append(out, tool)
		case warnMode:
			r.log.Warn("tool kept despite policy denial",
				"tool", tool, "trust", source.TrustLevel, "reason", res.Reason)
			out = append(out, tool)
		}
	}
	return out
}

// CheckSandboxRequired returns the resolved sandbox config when policy
// demands isolation for this source, nil otherwise. Callers route tool
// execution through the sandbox manager iff the result is non-nil.
func (r *Resolver) CheckSandboxRequired(source *trust.InjectionSource, targetSession string) *config.SandboxConfig {
	pol := r.ResolvePolicy(source, targetSession)
	if !pol.Sandbox.IsEnabled() {
		return nil
	}
	sb := pol.Sandbox
	return &sb
}

// CanGatewayForward decides whether a gateway session may forward to a
// target session, optionally constrained to a named action.
func (r *Resolver) CanGatewayForward(gatewaySession, targetSession, action string) AccessResult {
	cfg := r.store.Current()

	isGateway, rules := r.gatewayInfo(cfg, gatewaySession)
	if !isGateway {
		return denied("session %q is not a configured gateway", gatewaySession)
	}
	if rules == nil {
		return denied("gateway %q has no forward rules", gatewaySession)
	}
	if !sessionInList(rules.AllowForwardTo, targetSession) {
		return denied("gateway %q may not forward to session %q", gatewaySession, targetSession)
	}
	if action != "" && len(rules.AllowActions) > 0 && !stringInList(rules.AllowActions, action) {
		return denied("gateway %q may not forward action %q", gatewaySession, action)
	}
	return allowed()
}

// sessionInList reports membership, honoring the "*" sentinel.
func sessionInList(list []string, session string) bool {
	for _, s := range list {
		if s == "*" || s == session {
			return true
		}
	}
	return false
}

func stringInList(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
