package trust

import (
	"encoding/json"
	"sort"
)

// Capability is a named permission checked independently of trust level.
// The vocabulary is fixed; unknown strings in config are dropped with a warning.
type Capability string

const (
	CapInject        Capability = "inject"
	CapCrossInject   Capability = "cross.inject"
	CapInjectNetwork Capability = "inject.network"
	CapToolsExec     Capability = "tools.exec"
	CapFilesRead     Capability = "files.read"
	CapFilesWrite    Capability = "files.write"
	CapSessionsList  Capability = "sessions.list"
	CapConfigRead    Capability = "config.read"
	CapConfigWrite   Capability = "config.write"
	CapGateway       Capability = "gateway"
)

// KnownCapabilities is the full capability vocabulary.
var KnownCapabilities = map[Capability]bool{
	CapInject:        true,
	CapCrossInject:   true,
	CapInjectNetwork: true,
	CapToolsExec:     true,
	CapFilesRead:     true,
	CapFilesWrite:    true,
	CapSessionsList:  true,
	CapConfigRead:    true,
	CapConfigWrite:   true,
	CapGateway:       true,
}

// AllCapabilities returns the vocabulary in sorted order.
func AllCapabilities() []Capability {
	caps := make([]Capability, 0, len(KnownCapabilities))
	for c := range KnownCapabilities {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// CapabilitySet is an unordered, duplicate-free set of capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from a list, dropping duplicates.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Add inserts c into the set.
func (s CapabilitySet) Add(c Capability) {
	s[c] = struct{}{}
}

// Union returns a new set containing every capability from s and other.
func (s CapabilitySet) Union(other CapabilitySet) CapabilitySet {
	out := make(CapabilitySet, len(s)+len(other))
	for c := range s {
		out[c] = struct{}{}
	}
	for c := range other {
		out[c] = struct{}{}
	}
	return out
}

// ContainsAll reports whether every capability in other is also in s.
func (s CapabilitySet) ContainsAll(other CapabilitySet) bool {
	for c := range other {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// Sorted returns the set as a sorted slice for deterministic output.
func (s CapabilitySet) Sorted() []Capability {
	caps := make([]Capability, 0, len(s))
	for c := range s {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// Strings returns the sorted set as plain strings.
func (s CapabilitySet) Strings() []string {
	caps := s.Sorted()
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

// MarshalJSON encodes the set as a sorted array for stable output.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array into a set, dropping duplicates.
func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var caps []Capability
	if err := json.Unmarshal(data, &caps); err != nil {
		return err
	}
	*s = NewCapabilitySet(caps...)
	return nil
}
