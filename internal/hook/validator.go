package hook

import (
	"fmt"
	"strings"
	"unicode"
)

// baseAllowlist names the executables a hook command may invoke without
// extra configuration: script interpreters, common text tools, and the
// bundled wopr-hook helper. Entries from config.allowedHookCommands are
// added at parse time.
var baseAllowlist = map[string]bool{
	"node":      true,
	"python3":   true,
	"python":    true,
	"ruby":      true,
	"perl":      true,
	"bash":      true,
	"sh":        true,
	"jq":        true,
	"grep":      true,
	"sed":       true,
	"awk":       true,
	"cat":       true,
	"echo":      true,
	"tee":       true,
	"wopr-hook": true,
}

// unsafeArgChars are shell metacharacters refused in any argument. Hook
// commands never pass through a shell, so none of these have a
// legitimate use; their presence means the config is trying to smuggle
// shell syntax.
const unsafeArgChars = ";|&`$(){}!<>\\"

// Command is a validated hook invocation: a bare executable name plus
// literal arguments, ready for an argv-style spawn.
type Command struct {
	Executable string
	Args       []string
}

// ParseHookCommand validates a configured hook command string. It
// tokenizes with single and double quotes as grouping only (no shell
// expansion, no escape sequences), requires a bare executable name from
// the allowlist, and refuses shell metacharacters in arguments. The
// returned error says what was wrong; callers log it and fail open.
func ParseHookCommand(raw string, extraAllowed []string) (*Command, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("hook: empty command")
	}

	tokens, err := splitCommand(raw)
	if err != nil {
		return nil, fmt.Errorf("hook: %w", err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("hook: empty command")
	}

	exe := tokens[0]
	if strings.ContainsAny(exe, "/\\") {
		return nil, fmt.Errorf("hook: executable %q must be a bare name, not a path", exe)
	}
	if !baseAllowlist[exe] && !stringIn(extraAllowed, exe) {
		return nil, fmt.Errorf("hook: executable %q is not on the allowlist", exe)
	}

	args := tokens[1:]
	for _, a := range args {
		if strings.ContainsAny(a, unsafeArgChars) {
			return nil, fmt.Errorf("hook: argument %q contains shell metacharacters", a)
		}
	}

	return &Command{Executable: exe, Args: args}, nil
}

// splitCommand tokenizes on whitespace with quotes grouping. Quotes are
// stripped; everything between them, whitespace included, stays in one
// token. There is no backslash escaping.
func splitCommand(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inToken := false
	var quote rune

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case unicode.IsSpace(r):
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

func stringIn(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
