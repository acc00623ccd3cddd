// Package policy resolves what an injection source may do: which
// capabilities it holds, which sessions and tools it may reach, and
// whether its tool calls must run sandboxed. Resolution is a pure
// function of the current SecurityConfig and is recomputed on every
// check; the config snapshot lives in memory, so this is cheap.
package policy

import (
	"log/slog"
	"sync"

	"github.com/wopr-net/wopr/internal/config"
	"github.com/wopr-net/wopr/internal/trust"
)

// ResolvedPolicy is the effective policy for one (source, targetSession)
// pair. Derived, never persisted.
type ResolvedPolicy struct {
	TrustLevel      trust.Level          `json:"trustLevel"`
	Capabilities    trust.CapabilitySet  `json:"capabilities"`
	Sandbox         config.SandboxConfig `json:"sandbox"`
	Tools           config.ToolPolicy    `json:"tools"`
	RateLimit       config.RateLimit     `json:"rateLimit"`
	AllowedSessions []string             `json:"allowedSessions"`
	BlockedSessions []string             `json:"blockedSessions,omitempty"`
	IsGateway       bool                 `json:"isGateway"`
	CanForward      bool                 `json:"canForward"`
	ForwardRules    *config.ForwardRules `json:"forwardRules,omitempty"`
}

// Resolver answers policy questions against a config store.
type Resolver struct {
	store *config.Store
	log   *slog.Logger

	legacyGatewayWarn sync.Once
}

// NewResolver creates a resolver over the given store.
func NewResolver(store *config.Store, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: store, log: log}
}

// ResolvePolicy computes the effective policy for a source targeting a
// session. Layering order:
//
//  1. config.defaults
//  2. config.trustLevels[source.trustLevel]: capabilities are REPLACED
//     when present; sandbox, tools, and rateLimit shallow-merge field by
//     field; session access is taken whole when present
//  3. source.grantedCapabilities are unioned in (grants only ever add,
//     so the resolved set is never smaller than the level's base set)
func (r *Resolver) ResolvePolicy(source *trust.InjectionSource, targetSession string) ResolvedPolicy {
	cfg := r.store.Current()

	d := cfg.Defaults
	caps := trust.NewCapabilitySet(d.Capabilities...)
	sandbox := d.Sandbox
	tools := d.Tools
	rate := d.RateLimit
	sessions := d.Sessions

	if lp := cfg.TrustLevels[source.TrustLevel]; lp != nil {
		if lp.Capabilities != nil {
			caps = trust.NewCapabilitySet(lp.Capabilities...)
		}
		if lp.Sandbox != nil {
			sandbox = config.MergeSandbox(sandbox, *lp.Sandbox)
		}
		if lp.Tools != nil {
			tools = config.MergeTools(tools, *lp.Tools)
		}
		if lp.RateLimit != nil {
			rate = config.MergeRateLimit(rate, *lp.RateLimit)
		}
		if lp.Sessions != nil {
			sessions = *lp.Sessions
		}
	}

	for _, c := range source.GrantedCapabilities {
		if !trust.KnownCapabilities[c] {
			r.log.Warn("ignoring unknown granted capability",
				"capability", c, "source", source.Identity.Display())
			continue
		}
		caps.Add(c)
	}

	isGateway, rules := r.gatewayInfo(cfg, targetSession)

	return ResolvedPolicy{
		TrustLevel:      source.TrustLevel,
		Capabilities:    caps,
		Sandbox:         sandbox,
		Tools:           tools,
		RateLimit:       rate,
		AllowedSessions: sessions.Allowed,
		BlockedSessions: sessions.Blocked,
		IsGateway:       isGateway,
		CanForward:      isGateway && caps.Has(trust.CapCrossInject),
		ForwardRules:    rules,
	}
}

// gatewayInfo reports whether a session is a configured gateway and, if
// so, its forward rules. The canonical marker is the "gateway" capability
// on the session entry; the old gateways.sessions block is honored as a
// compatibility shim.
func (r *Resolver) gatewayInfo(cfg *config.SecurityConfig, session string) (bool, *config.ForwardRules) {
	if session == "" {
		return false, nil
	}
	if sp := cfg.Sessions[session]; sp.HasCapability(trust.CapGateway) {
		return true, sp.Forward
	}
	if cfg.Gateways != nil {
		if rules, ok := cfg.Gateways.Sessions[session]; ok {
			r.legacyGatewayWarn.Do(func() {
				r.log.Warn("gateways.sessions is deprecated; add the \"gateway\" capability to sessions.<name>.capabilities instead")
			})
			return true, rules
		}
	}
	return false, nil
}
