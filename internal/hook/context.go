// Package hook runs the pre- and post-inject hook pipelines. Hooks are
// external commands that receive the injection context as JSON on stdin
// and answer with a JSON verdict on stdout. The pipeline fails open:
// a broken, slow, or misconfigured hook costs its extra checks, never
// availability.
package hook

import (
	"github.com/wopr-net/wopr/internal/trust"
)

// Context is the document a hook receives on stdin. It is a mutable
// accumulator: each pre-inject hook may replace Message and merge into
// Metadata, and the updated context feeds the next hook in the chain.
type Context struct {
	Message       string                 `json:"message"`
	Source        *trust.InjectionSource `json:"source"`
	TargetSession string                 `json:"targetSession"`
	Timestamp     string                 `json:"timestamp"`
	Metadata      map[string]any         `json:"metadata,omitempty"`
}

// Verdict is the object a pre-inject hook emits on stdout. Allow is a
// pointer so a verdict that omits the field counts as an allow; only an
// explicit false blocks the injection.
type Verdict struct {
	Allow    *bool          `json:"allow"`
	Reason   string         `json:"reason,omitempty"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Allowed reports whether the verdict permits the injection.
func (v *Verdict) Allowed() bool {
	return v.Allow == nil || *v.Allow
}
