// wopr-hook screens injection messages for the wopr hook pipeline. It
// reads the hook context as JSON on stdin, applies the configured
// checks, and writes the verdict JSON on stdout. The process exits 0
// even on its own failures: only the verdict carries the decision, so
// a broken invocation never blocks an injection.
//
// Usage in security.json:
//
//	{"hooks": [{"name": "screen", "type": "pre-inject", "enabled": true,
//	  "command": "wopr-hook --max-message-bytes 65536 --redact-secrets --deny-pattern (?i)ignore.previous"}]}
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/wopr-net/wopr/internal/hook"
	"github.com/wopr-net/wopr/internal/screen"
	"github.com/wopr-net/wopr/internal/trust"
)

// patternList collects repeated --deny-pattern flags.
type patternList []string

func (p *patternList) String() string { return strings.Join(*p, ",") }

func (p *patternList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func main() {
	fs := flag.NewFlagSet("wopr-hook", flag.ContinueOnError)
	maxBytes := fs.Int("max-message-bytes", 0, "deny messages larger than this many bytes (0 disables)")
	requireTrust := fs.String("require-trust", "", "deny sources below this trust level")
	redactSecrets := fs.Bool("redact-secrets", false, "mask credential-shaped key=value pairs in the message")
	var denyPatterns, redactPatterns patternList
	fs.Var(&denyPatterns, "deny-pattern", "deny messages matching this regexp (repeatable)")
	fs.Var(&redactPatterns, "redact-pattern", "mask matches of this regexp in the message (repeatable)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		allowWithWarning("bad flags: %v", err)
		return
	}

	rules := screen.Rules{
		MaxMessageBytes: *maxBytes,
		RedactSecrets:   *redactSecrets,
	}

	deny, err := screen.CompilePatterns(denyPatterns)
	if err != nil {
		allowWithWarning("%v", err)
		return
	}
	rules.DenyPatterns = deny

	redact, err := screen.CompilePatterns(redactPatterns)
	if err != nil {
		allowWithWarning("%v", err)
		return
	}
	rules.RedactPatterns = redact

	if *requireTrust != "" {
		level, err := trust.ParseLevel(*requireTrust)
		if err != nil {
			allowWithWarning("%v", err)
			return
		}
		rules.RequireTrust = level
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		allowWithWarning("read stdin: %v", err)
		return
	}

	var ctx hook.Context
	if err := json.Unmarshal(raw, &ctx); err != nil {
		allowWithWarning("parse context: %v", err)
		return
	}

	emit(screen.Evaluate(ctx, rules))
}

// allowWithWarning reports a local failure on stderr and emits an allow
// verdict so the pipeline never blocks on this binary's own problems.
func allowWithWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "wopr-hook: "+format+"\n", args...)
	allow := true
	emit(hook.Verdict{Allow: &allow})
}

func emit(v hook.Verdict) {
	if err := json.NewEncoder(os.Stdout).Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "wopr-hook: write verdict: %v\n", err)
	}
}
