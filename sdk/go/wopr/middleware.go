package wopr

import (
	"encoding/json"
	"net/http"

	"github.com/wopr-net/wopr/internal/policy"
)

// SourceFunc derives the source for one request. The embedding
// application implements it on top of its own authentication; deriving
// trust from anything the client sent directly (headers, query
// parameters) defeats the point.
type SourceFunc func(r *http.Request) Source

// Middleware enforces session access and rate limits in front of next.
// Denied requests get 403, rate-limited requests 429, both with a small
// JSON body. A nil srcFn uses the client's default source for every
// request.
func (c *Client) Middleware(session string, srcFn SourceFunc, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		src := c.cfg.source
		if srcFn != nil {
			src = srcFn(r)
		}
		internal, err := src.toInternal()
		if err != nil {
			writeBlocked(w, http.StatusForbidden, session, err.Error())
			return
		}

		pol := c.resolver.ResolvePolicy(internal, session)
		if !c.limiter.Allow(policy.RateKey(internal), pol.RateLimit) {
			writeBlocked(w, http.StatusTooManyRequests, session, "rate limit exceeded")
			return
		}

		res := c.resolver.CheckSessionAccess(internal, session)
		if !res.Allowed {
			writeBlocked(w, http.StatusForbidden, session, res.Reason)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeBlocked(w http.ResponseWriter, status int, session, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"blocked": true,
		"session": session,
		"reason":  reason,
	})
}
