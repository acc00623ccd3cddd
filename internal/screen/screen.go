// Package screen implements the message checks behind the wopr-hook
// helper binary. It evaluates a hook context against size, content, and
// trust rules and produces the verdict the injection pipeline consumes.
package screen

import (
	"fmt"
	"regexp"

	"github.com/wopr-net/wopr/internal/hook"
	"github.com/wopr-net/wopr/internal/trust"
)

// Rules are the checks applied to an incoming injection context. Zero
// values disable the corresponding check.
type Rules struct {
	// MaxMessageBytes denies messages larger than this many bytes.
	MaxMessageBytes int
	// DenyPatterns denies messages matching any of these expressions.
	DenyPatterns []*regexp.Regexp
	// RequireTrust denies sources below this trust level.
	RequireTrust trust.Level
	// RedactSecrets masks credential-shaped key=value pairs instead of
	// letting them reach the session.
	RedactSecrets bool
	// RedactPatterns masks matches of these expressions.
	RedactPatterns []*regexp.Regexp
}

// secretRe matches key=value or key: value pairs whose key suggests a
// credential.
var secretRe = regexp.MustCompile(`(?i)\b((?:password|passwd|secret|token|api_key|apikey|auth)[ \t]*[=:][ \t]*)\S+`)

const mask = "[REDACTED]"

// CompilePatterns compiles raw deny-pattern expressions, reporting the
// first one that fails to parse.
func CompilePatterns(exprs []string) ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid deny pattern %q: %w", expr, err)
		}
		patterns = append(patterns, re)
	}
	return patterns, nil
}

// Evaluate runs the rules in order and returns the first violation as a
// deny verdict. A context that passes every rule yields an explicit
// allow so the caller always has a decision to emit; when redaction
// changes the message, the allow verdict carries the rewritten text.
func Evaluate(ctx hook.Context, rules Rules) hook.Verdict {
	if rules.MaxMessageBytes > 0 && len(ctx.Message) > rules.MaxMessageBytes {
		return deny(fmt.Sprintf("message is %d bytes, limit is %d", len(ctx.Message), rules.MaxMessageBytes))
	}
	for _, re := range rules.DenyPatterns {
		if re.MatchString(ctx.Message) {
			return deny(fmt.Sprintf("message matches deny pattern %q", re.String()))
		}
	}
	if rules.RequireTrust != "" {
		if ctx.Source == nil {
			return deny(fmt.Sprintf("context carries no source, trust %q required", rules.RequireTrust))
		}
		if !ctx.Source.TrustLevel.AtLeast(rules.RequireTrust) {
			return deny(fmt.Sprintf("source trust %q is below required %q", ctx.Source.TrustLevel, rules.RequireTrust))
		}
	}

	allow := true
	v := hook.Verdict{Allow: &allow}
	if redacted := Redact(ctx.Message, rules); redacted != ctx.Message {
		v.Message = redacted
	}
	return v
}

// Redact masks rule matches in a message. The original text never
// appears in the result; only the "key=" prefix of a credential pair
// survives so the reader can tell what was removed.
func Redact(message string, rules Rules) string {
	out := message
	if rules.RedactSecrets {
		out = secretRe.ReplaceAllString(out, "${1}"+mask)
	}
	for _, re := range rules.RedactPatterns {
		out = re.ReplaceAllString(out, mask)
	}
	return out
}

func deny(reason string) hook.Verdict {
	allow := false
	return hook.Verdict{Allow: &allow, Reason: reason}
}
