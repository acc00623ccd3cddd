package hook

import "fmt"

// AddSourceMetadata prepends a provenance header to the context message
// and mirrors the source into metadata, so the receiving session can see
// who is talking to it. Applied only when the caller asks for it via
// Options.TagSource, never by default.
func AddSourceMetadata(hctx *Context) {
	if hctx.Source == nil {
		return
	}
	header := fmt.Sprintf("[From: %s | Trust: %s]",
		hctx.Source.Identity.Display(), hctx.Source.TrustLevel)
	hctx.Message = header + "\n" + hctx.Message

	if hctx.Metadata == nil {
		hctx.Metadata = make(map[string]any, 3)
	}
	hctx.Metadata["sourceType"] = string(hctx.Source.Type)
	hctx.Metadata["sourceTrust"] = string(hctx.Source.TrustLevel)
	hctx.Metadata["sourceIdentity"] = hctx.Source.Identity.Display()
}
