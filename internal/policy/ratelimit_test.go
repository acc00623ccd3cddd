package policy

import (
	"testing"
	"time"

	"github.com/wopr-net/wopr/internal/config"
	"github.com/wopr-net/wopr/internal/trust"
)

func TestLimiterEnforcesWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter()
	l.now = func() time.Time { return now }

	rl := config.RateLimit{MaxRequests: 3, WindowSeconds: 60}
	for i := 0; i < 3; i++ {
		if !l.Allow("cli:alice", rl) {
			t.Fatalf("request %d within the limit was blocked", i+1)
		}
	}
	if l.Allow("cli:alice", rl) {
		t.Error("fourth request in a window of three should be blocked")
	}

	// Other identities have their own windows.
	if !l.Allow("cli:bob", rl) {
		t.Error("a different key must not share the exhausted window")
	}

	// Once the window expires, the counter resets.
	now = now.Add(61 * time.Second)
	if !l.Allow("cli:alice", rl) {
		t.Error("request after window expiry should be allowed")
	}
}

func TestLimiterZeroMaxDisables(t *testing.T) {
	l := NewLimiter()
	rl := config.RateLimit{MaxRequests: 0, WindowSeconds: 60}
	for i := 0; i < 1000; i++ {
		if !l.Allow("cli:alice", rl) {
			t.Fatal("maxRequests 0 must never block")
		}
	}
}

func TestLimiterDefaultsWindowLength(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter()
	l.now = func() time.Time { return now }

	// WindowSeconds 0 falls back to one minute rather than resetting on
	// every call.
	rl := config.RateLimit{MaxRequests: 1}
	if !l.Allow("k", rl) {
		t.Fatal("first request blocked")
	}
	now = now.Add(30 * time.Second)
	if l.Allow("k", rl) {
		t.Error("second request inside the fallback window should be blocked")
	}
}

func TestLimiterPrune(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter()
	l.now = func() time.Time { return now }

	rl := config.RateLimit{MaxRequests: 5, WindowSeconds: 60}
	l.Allow("old", rl)
	now = now.Add(10 * time.Minute)
	l.Allow("fresh", rl)

	if removed := l.Prune(5 * time.Minute); removed != 1 {
		t.Errorf("expected 1 pruned window, got %d", removed)
	}
	if _, ok := l.windows["fresh"]; !ok {
		t.Error("fresh window should survive pruning")
	}
}

func TestRateKey(t *testing.T) {
	src := &trust.InjectionSource{
		Type:       trust.SourceP2P,
		TrustLevel: trust.SemiTrusted,
		Identity:   trust.Identity{PeerID: "12D3KooWAbc"},
	}
	if got := RateKey(src); got != "p2p:12D3KooWAbc" {
		t.Errorf("unexpected rate key %q", got)
	}
}
