package hook

import (
	"context"
	"time"

	"github.com/wopr-net/wopr/internal/audit"
	"github.com/wopr-net/wopr/internal/trust"
)

// Options adjust how ProcessInjection builds the hook context.
type Options struct {
	// TagSource prepends the provenance header before any hook runs.
	TagSource bool
	// Metadata seeds the context metadata map.
	Metadata map[string]any
}

// Result is the outcome handed back to the transport layer. Message is
// the final text after hook threading; it differs from the input when a
// hook rewrote it or TagSource added the header.
type Result struct {
	Allowed bool   `json:"allowed"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// ProcessInjection is the composed entry point: it builds the context,
// optionally tags provenance, runs the pre-inject chain, records the
// decision in the audit log, and reports the outcome. Policy checks
// (session access, capabilities, rate) are the caller's business and
// happen before this.
func (p *Pipeline) ProcessInjection(ctx context.Context, message string, source *trust.InjectionSource, targetSession string, opts Options) Result {
	hctx := &Context{
		Message:       message,
		Source:        source,
		TargetSession: targetSession,
		Timestamp:     time.Now().UTC().Format(audit.TimestampFormat),
	}
	if len(opts.Metadata) > 0 {
		hctx.Metadata = make(map[string]any, len(opts.Metadata))
		for k, v := range opts.Metadata {
			hctx.Metadata[k] = v
		}
	}
	if opts.TagSource {
		AddSourceMetadata(hctx)
	}

	allowed, reason := p.RunPreInject(ctx, hctx)
	p.recordDecision(source, targetSession, allowed, reason)

	return Result{Allowed: allowed, Message: hctx.Message, Reason: reason}
}

// recordDecision writes the injection decision to the audit log, gated
// by the audit config: success and denial recording toggle separately.
func (p *Pipeline) recordDecision(source *trust.InjectionSource, session string, allowed bool, reason string) {
	if p.audit == nil {
		return
	}
	ac := p.store.Current().Audit
	if !ac.IsEnabled() {
		return
	}
	if allowed && !ac.ShouldLogSuccess() {
		return
	}
	if !allowed && !ac.ShouldLogDenied() {
		return
	}

	decision := audit.DecisionAllow
	if !allowed {
		decision = audit.DecisionDeny
	}
	entry := audit.Entry{
		Event:      audit.EventInjection,
		Session:    session,
		Source:     audit.NewSource(source),
		Decision:   decision,
		Reason:     reason,
		ConfigHash: p.store.Hash(),
	}
	if err := p.audit.Record(entry); err != nil {
		p.log.Warn("audit record failed", "error", err)
	}
}
