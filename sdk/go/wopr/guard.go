package wopr

import "context"

// ToolFunc is the call shape Wrap guards. Args carry the tool call's
// parameters untouched; the SDK never inspects them.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Wrap returns a ToolFunc that consults tool policy before invoking fn.
// A denial returns *BlockedError and fn never runs. In warn mode the
// check passes with a Warning, which is logged and the call proceeds.
//
// The source is fixed at wrap time (client default or WrapWithSource),
// but the policy itself is re-resolved on every call, so config edits
// picked up by Reload take effect on in-flight tool registries.
func (c *Client) Wrap(tool string, fn ToolFunc, opts ...WrapOption) ToolFunc {
	wcfg := wrapConfig{}
	for _, o := range opts {
		o(&wcfg)
	}
	src := c.cfg.source
	if wcfg.source != nil {
		src = *wcfg.source
	}

	return func(ctx context.Context, args map[string]any) (any, error) {
		internal, err := src.toInternal()
		if err != nil {
			return nil, &BlockedError{Tool: tool, Session: wcfg.session, Reason: err.Error()}
		}
		res := c.resolver.CheckToolAccess(internal, tool, wcfg.session)
		if !res.Allowed {
			return nil, &BlockedError{Tool: tool, Session: wcfg.session, Reason: res.Reason}
		}
		if res.Warning != "" {
			c.cfg.log.Warn("tool call allowed in warn mode",
				"tool", tool,
				"session", wcfg.session,
				"warning", res.Warning)
		}
		return fn(ctx, args)
	}
}
