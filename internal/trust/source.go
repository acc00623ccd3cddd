package trust

import "fmt"

// SourceType identifies the transport an injection arrived through.
type SourceType string

const (
	SourceCLI     SourceType = "cli"
	SourceP2P     SourceType = "p2p"
	SourceAPI     SourceType = "api"
	SourceGateway SourceType = "gateway"
	SourceHook    SourceType = "hook"
)

// Identity names who (or what) is behind an injection source.
type Identity struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	PeerID  string `json:"peerId,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// Display returns a short human-readable identity for logs and
// metadata headers. Falls back through Name, ID, PeerID.
func (id Identity) Display() string {
	switch {
	case id.Name != "":
		return id.Name
	case id.ID != "":
		return id.ID
	case id.PeerID != "":
		return id.PeerID
	default:
		return "unknown"
	}
}

// InjectionSource describes who sent an injection and what extra
// capabilities they were granted by the pairing layer. Immutable per
// request: policy resolution never mutates it.
type InjectionSource struct {
	Type                SourceType   `json:"type"`
	TrustLevel          Level        `json:"trustLevel"`
	Identity            Identity     `json:"identity"`
	GrantedCapabilities []Capability `json:"grantedCapabilities,omitempty"`
}

// Validate checks the source for structural problems.
func (s *InjectionSource) Validate() error {
	if s.Type == "" {
		return fmt.Errorf("source type is required")
	}
	if !s.TrustLevel.Valid() {
		return fmt.Errorf("unknown trust level %q", s.TrustLevel)
	}
	for _, c := range s.GrantedCapabilities {
		if !KnownCapabilities[c] {
			return fmt.Errorf("unknown capability %q", c)
		}
	}
	return nil
}

// Granted returns the source's granted capabilities as a set.
func (s *InjectionSource) Granted() CapabilitySet {
	return NewCapabilitySet(s.GrantedCapabilities...)
}
