// Package configdiff compares two security config documents and reports
// what a deploy would actually change. Both documents are viewed through
// the default merge, then compared per trust level, so an edit that is
// shadowed by an overlay shows up as no change.
package configdiff

import (
	"fmt"
	"sort"

	"github.com/wopr-net/wopr/internal/config"
	"github.com/wopr-net/wopr/internal/trust"
)

// Change represents a scalar or set-membership change.
type Change struct {
	Field   string `json:"field"`
	Old     string `json:"old,omitempty"`
	New     string `json:"new,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// HookChange represents a hook addition, removal, or modification.
type HookChange struct {
	Type string `json:"type"` // "added", "removed", "changed"
	Hook string `json:"hook"`
}

// DiffResult holds the comparison of two SecurityConfigs.
type DiffResult struct {
	OldPath     string       `json:"old_path"`
	NewPath     string       `json:"new_path"`
	Changes     []Change     `json:"changes"`
	HookChanges []HookChange `json:"hook_changes"`
	HasChanges  bool         `json:"has_changes"`
}

// levelView is the effective per-level policy used for comparison. It
// mirrors the resolver's composition minus source grants and target
// session.
type levelView struct {
	caps     trust.CapabilitySet
	sandbox  config.SandboxConfig
	tools    config.ToolPolicy
	rate     config.RateLimit
	sessions config.SessionAccess
}

func viewFor(cfg *config.SecurityConfig, lvl trust.Level) levelView {
	d := cfg.Defaults
	v := levelView{
		caps:     trust.NewCapabilitySet(d.Capabilities...),
		sandbox:  d.Sandbox,
		tools:    d.Tools,
		rate:     d.RateLimit,
		sessions: d.Sessions,
	}
	if lp := cfg.TrustLevels[lvl]; lp != nil {
		if lp.Capabilities != nil {
			v.caps = trust.NewCapabilitySet(lp.Capabilities...)
		}
		if lp.Sandbox != nil {
			v.sandbox = config.MergeSandbox(v.sandbox, *lp.Sandbox)
		}
		if lp.Tools != nil {
			v.tools = config.MergeTools(v.tools, *lp.Tools)
		}
		if lp.RateLimit != nil {
			v.rate = config.MergeRateLimit(v.rate, *lp.RateLimit)
		}
		if lp.Sessions != nil {
			v.sessions = *lp.Sessions
		}
	}
	return v
}

// Diff compares two SecurityConfigs and returns the differences.
func Diff(oldCfg, newCfg *config.SecurityConfig) *DiffResult {
	r := &DiffResult{}

	if oldCfg.Enforcement != newCfg.Enforcement {
		comment := "looser"
		if newCfg.Enforcement == config.EnforcementEnforce {
			comment = "stricter"
		}
		r.Changes = append(r.Changes, Change{
			Field:   "enforcement",
			Old:     oldCfg.Enforcement,
			New:     newCfg.Enforcement,
			Comment: comment,
		})
	}

	oldFloor := oldCfg.Defaults.MinTrustLevel
	newFloor := newCfg.Defaults.MinTrustLevel
	if oldFloor != newFloor {
		comment := "looser"
		if newFloor.Valid() && (!oldFloor.Valid() || newFloor.AtLeast(oldFloor)) {
			comment = "stricter"
		}
		r.Changes = append(r.Changes, Change{
			Field:   "defaults.minTrustLevel",
			Old:     string(oldFloor),
			New:     string(newFloor),
			Comment: comment,
		})
	}

	for _, lvl := range trust.Levels() {
		diffLevel(r, "trustLevels."+string(lvl), viewFor(oldCfg, lvl), viewFor(newCfg, lvl))
	}

	diffSessions(r, oldCfg.Sessions, newCfg.Sessions)
	diffHooks(r, oldCfg.Hooks, newCfg.Hooks)
	diffSet(r, "allowedHookCommands", oldCfg.AllowedHookCommands, newCfg.AllowedHookCommands)
	diffPeers(r, oldCfg.P2P, newCfg.P2P)

	r.HasChanges = len(r.Changes) > 0 || len(r.HookChanges) > 0
	return r
}

func diffLevel(r *DiffResult, prefix string, old, new levelView) {
	diffSet(r, prefix+".capabilities", old.caps.Strings(), new.caps.Strings())

	if old.sandbox.IsEnabled() != new.sandbox.IsEnabled() {
		comment := "looser"
		if new.sandbox.IsEnabled() {
			comment = "stricter"
		}
		r.Changes = append(r.Changes, Change{
			Field:   prefix + ".sandbox.enabled",
			Old:     fmt.Sprintf("%t", old.sandbox.IsEnabled()),
			New:     fmt.Sprintf("%t", new.sandbox.IsEnabled()),
			Comment: comment,
		})
	}
	diffString(r, prefix+".sandbox.workspaceAccess", old.sandbox.WorkspaceAccess, new.sandbox.WorkspaceAccess)
	diffString(r, prefix+".sandbox.image", old.sandbox.Image, new.sandbox.Image)
	if old.sandbox.Network != new.sandbox.Network {
		comment := ""
		switch new.sandbox.Network {
		case config.NetworkNone:
			comment = "stricter"
		case config.NetworkBridge:
			comment = "looser"
		}
		r.Changes = append(r.Changes, Change{
			Field:   prefix + ".sandbox.network",
			Old:     old.sandbox.Network,
			New:     new.sandbox.Network,
			Comment: comment,
		})
	}

	diffSet(r, prefix+".tools.allow", old.tools.Allow, new.tools.Allow)
	diffSet(r, prefix+".tools.deny", old.tools.Deny, new.tools.Deny)

	diffInt(r, prefix+".rateLimit.maxRequests", old.rate.MaxRequests, new.rate.MaxRequests, false)
	diffInt(r, prefix+".rateLimit.windowSeconds", old.rate.WindowSeconds, new.rate.WindowSeconds, true)

	diffSet(r, prefix+".sessions.allowed", old.sessions.Allowed, new.sessions.Allowed)
	diffSet(r, prefix+".sessions.blocked", old.sessions.Blocked, new.sessions.Blocked)
}

func diffSessions(r *DiffResult, old, new map[string]*config.SessionPolicy) {
	diffSet(r, "sessions", sessionKeys(old), sessionKeys(new))
	for _, name := range sessionKeys(old) {
		newP, ok := new[name]
		if !ok {
			continue
		}
		oldGW := old[name].HasCapability(trust.CapGateway)
		newGW := newP.HasCapability(trust.CapGateway)
		if oldGW != newGW {
			r.Changes = append(r.Changes, Change{
				Field: fmt.Sprintf("sessions.%s.gateway", name),
				Old:   fmt.Sprintf("%t", oldGW),
				New:   fmt.Sprintf("%t", newGW),
			})
		}
	}
}

func hookKey(h config.HookDef) string {
	if h.Name != "" {
		return h.Name
	}
	return h.Command
}

func hookLabel(h config.HookDef) string {
	name := h.Name
	if name == "" {
		name = "(unnamed)"
	}
	return fmt.Sprintf("%s [%s] %s", name, h.Type, h.Command)
}

func hookState(h config.HookDef) string {
	if h.Enabled {
		return "enabled"
	}
	return "disabled"
}

func diffHooks(r *DiffResult, oldHooks, newHooks []config.HookDef) {
	oldMap := make(map[string]config.HookDef)
	for _, h := range oldHooks {
		oldMap[hookKey(h)] = h
	}
	newMap := make(map[string]config.HookDef)
	for _, h := range newHooks {
		newMap[hookKey(h)] = h
	}

	for _, h := range newHooks {
		oldH, exists := oldMap[hookKey(h)]
		if !exists {
			r.HookChanges = append(r.HookChanges, HookChange{
				Type: "added",
				Hook: fmt.Sprintf("%s (%s)", hookLabel(h), hookState(h)),
			})
			continue
		}
		if oldH.Command != h.Command || oldH.Enabled != h.Enabled || oldH.Type != h.Type {
			r.HookChanges = append(r.HookChanges, HookChange{
				Type: "changed",
				Hook: fmt.Sprintf("%s (%s, was: [%s] %s %s)", hookLabel(h), hookState(h), oldH.Type, oldH.Command, hookState(oldH)),
			})
		}
	}
	for _, h := range oldHooks {
		if _, exists := newMap[hookKey(h)]; !exists {
			r.HookChanges = append(r.HookChanges, HookChange{
				Type: "removed",
				Hook: hookLabel(h),
			})
		}
	}
}

func diffPeers(r *DiffResult, old, new *config.P2PConfig) {
	var oldPeers, newPeers map[string]trust.Level
	if old != nil {
		oldPeers = old.Peers
	}
	if new != nil {
		newPeers = new.Peers
	}
	diffSet(r, "p2p.peers", peerKeys(oldPeers), peerKeys(newPeers))
	for _, id := range peerKeys(oldPeers) {
		newLvl, ok := newPeers[id]
		if !ok {
			continue
		}
		if oldLvl := oldPeers[id]; oldLvl != newLvl {
			r.Changes = append(r.Changes, Change{
				Field: fmt.Sprintf("p2p.peers.%s", id),
				Old:   string(oldLvl),
				New:   string(newLvl),
			})
		}
	}
}

func diffString(r *DiffResult, field, old, new string) {
	if old != new {
		r.Changes = append(r.Changes, Change{Field: field, Old: old, New: new})
	}
}

func diffInt(r *DiffResult, field string, old, new int, higherIsStricter bool) {
	if old == new {
		return
	}
	comment := "looser"
	if (higherIsStricter && new > old) || (!higherIsStricter && new < old) {
		comment = "stricter"
	}
	r.Changes = append(r.Changes, Change{
		Field:   field,
		Old:     fmt.Sprintf("%d", old),
		New:     fmt.Sprintf("%d", new),
		Comment: comment,
	})
}

// diffSet reports membership changes between two string lists as
// added/removed entries, each in deterministic order.
func diffSet(r *DiffResult, field string, oldList, newList []string) {
	oldSet := toSet(oldList)
	newSet := toSet(newList)
	for _, v := range sortedKeys(newSet) {
		if !oldSet[v] {
			r.Changes = append(r.Changes, Change{Field: field, New: v, Comment: "added"})
		}
	}
	for _, v := range sortedKeys(oldSet) {
		if !newSet[v] {
			r.Changes = append(r.Changes, Change{Field: field, Old: v, Comment: "removed"})
		}
	}
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, v := range list {
		set[v] = true
	}
	return set
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sessionKeys(m map[string]*config.SessionPolicy) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func peerKeys(m map[string]trust.Level) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
