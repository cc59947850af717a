package auth

import (
	"context"
	"sync"
	"time"
)

// ReplayGuard remembers nonces of accepted requests so each is honored once.
type ReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{seen: make(map[string]time.Time), now: time.Now}
}

// Consume records nonce and reports whether it was unseen.
func (g *ReplayGuard) Consume(nonce string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[nonce]; ok {
		return false
	}
	g.seen[nonce] = g.now()
	return true
}

// Len returns the number of remembered nonces.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Expire forgets nonces recorded more than maxAge ago. Requests that old are
// already rejected by the freshness check.
func (g *ReplayGuard) Expire(maxAge time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-maxAge)
	removed := 0
	for nonce, at := range g.seen {
		if at.Before(cutoff) {
			delete(g.seen, nonce)
			removed++
		}
	}
	return removed
}

// StartExpirationCleanup runs Expire every interval until ctx is done.
func (g *ReplayGuard) StartExpirationCleanup(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Expire(maxAge)
			}
		}
	}()
}
