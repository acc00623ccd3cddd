package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/wopr-net/wopr/internal/config"
	"github.com/wopr-net/wopr/internal/trust"
)

// window tracks request counts for a single identity within one rate
// window. When the window expires the count and start time are reset.
type window struct {
	start time.Time
	count int
}

// Limiter enforces per-identity request rates against the limits carried
// by a resolved policy. Identities map to windows by key; callers derive
// keys with RateKey so the same identity shares a window across sessions.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewLimiter returns a Limiter using wall-clock time.
func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow records one request for key and reports whether it fits within
// rl. A MaxRequests of zero or less disables limiting for that policy.
// If the window has expired, the counter and the window start are reset.
func (l *Limiter) Allow(key string, rl config.RateLimit) bool {
	if rl.MaxRequests <= 0 {
		return true
	}
	dur := time.Duration(rl.WindowSeconds) * time.Second
	if dur <= 0 {
		dur = 60 * time.Second
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= dur {
		w = &window{start: now}
		l.windows[key] = w
	}
	if w.count >= rl.MaxRequests {
		return false
	}
	w.count++
	return true
}

// Prune drops windows that expired more than maxAge ago. The daemon calls
// this from its periodic sweeper so long-gone identities do not pin
// memory.
func (l *Limiter) Prune(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		if now.Sub(w.start) >= maxAge {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// RateKey derives the limiter key for a source. Sources of the same type
// and identity share one window regardless of which session they target.
func RateKey(source *trust.InjectionSource) string {
	return fmt.Sprintf("%s:%s", source.Type, source.Identity.Display())
}
