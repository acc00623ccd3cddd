package wopr

import (
	"fmt"

	"github.com/wopr-net/wopr/internal/policy"
	"github.com/wopr-net/wopr/internal/trust"
)

// Source describes who is asking for something. The zero value is an
// anonymous untrusted API caller, which is the safe default: checks
// still work, they just resolve the floor policy.
type Source struct {
	// Type is the transport the request arrived through: "cli", "p2p",
	// "api", "gateway", or "hook". Defaults to "api".
	Type string

	// TrustLevel is "untrusted", "semi-trusted", "trusted", or "owner".
	// Defaults to "untrusted". The embedding application decides this
	// from its own authentication; the SDK never infers it.
	TrustLevel string

	// Name identifies the caller in audit reasons and rate-limit keys.
	Name string

	// PeerID is set for p2p sources.
	PeerID string

	// Capabilities lists extra capability grants from the pairing
	// layer, beyond what the trust level confers.
	Capabilities []string
}

// toInternal converts to the daemon's source type, applying defaults
// and validating the result. Unknown trust levels and capabilities are
// errors, not silent downgrades.
func (s Source) toInternal() (*trust.InjectionSource, error) {
	level := trust.Untrusted
	if s.TrustLevel != "" {
		parsed, err := trust.ParseLevel(s.TrustLevel)
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	srcType := trust.SourceAPI
	if s.Type != "" {
		srcType = trust.SourceType(s.Type)
	}
	var caps []trust.Capability
	for _, c := range s.Capabilities {
		caps = append(caps, trust.Capability(c))
	}
	src := &trust.InjectionSource{
		Type:                srcType,
		TrustLevel:          level,
		Identity:            trust.Identity{Name: s.Name, PeerID: s.PeerID},
		GrantedCapabilities: caps,
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}
	return src, nil
}

// Result is the outcome of a policy check. Denials are values, not
// errors, matching the daemon's own checks.
type Result struct {
	Allowed bool
	Reason  string
	Warning string
}

func toResult(ar policy.AccessResult) Result {
	return Result{Allowed: ar.Allowed, Reason: ar.Reason, Warning: ar.Warning}
}

// BlockedError is returned by wrapped tool functions when policy denies
// the call. Callers can errors.As for it to distinguish policy denials
// from tool failures.
type BlockedError struct {
	Tool    string
	Session string
	Reason  string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("wopr blocked tool %q: %s", e.Tool, e.Reason)
}
