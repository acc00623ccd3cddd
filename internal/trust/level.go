package trust

import "fmt"

// Level is the coarse trust rank assigned to an injection source.
// Levels are totally ordered: untrusted < semi-trusted < trusted < owner.
type Level string

const (
	Untrusted   Level = "untrusted"
	SemiTrusted Level = "semi-trusted"
	Trusted     Level = "trusted"
	Owner       Level = "owner"
)

// levelRank orders levels for minimum-trust comparisons.
var levelRank = map[Level]int{
	Untrusted:   0,
	SemiTrusted: 1,
	Trusted:     2,
	Owner:       3,
}

// Levels returns all known trust levels in ascending order.
func Levels() []Level {
	return []Level{Untrusted, SemiTrusted, Trusted, Owner}
}

// Valid reports whether l is a known trust level.
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// AtLeast reports whether l meets or exceeds the given floor.
// Unknown levels rank below untrusted.
func (l Level) AtLeast(floor Level) bool {
	lr, ok := levelRank[l]
	if !ok {
		lr = -1
	}
	return lr >= levelRank[floor]
}

// ParseLevel converts a string to a Level, rejecting unknown values.
func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown trust level %q", s)
	}
	return l, nil
}
