// Package replay records capability tokens that have been spent so that a
// token can authorize at most one upload.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Guard claims tokens. Claim reports true the first time a token is seen
// and false for every later call until the token's expiry has passed.
// Release returns a claimed token to the unspent state after the upload it
// authorized failed.
type Guard interface {
	Claim(ctx context.Context, token string, expires time.Time) (bool, error)
	Release(ctx context.Context, token string) error
}

// fingerprint avoids keeping bearer tokens themselves in memory or Redis.
func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// MemoryGuard is a process-local Guard.
type MemoryGuard struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	now   func() time.Time
	claim int
}

// pruneEvery is the number of claims between sweeps of expired entries.
const pruneEvery = 256

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// WithClock returns g using now as its time source.
func (g *MemoryGuard) WithClock(now func() time.Time) *MemoryGuard {
	g.now = now
	return g
}

func (g *MemoryGuard) Claim(ctx context.Context, token string, expires time.Time) (bool, error) {
	key := fingerprint(token)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.claim++
	if g.claim%pruneEvery == 0 {
		for k, exp := range g.seen {
			if !exp.After(now) {
				delete(g.seen, k)
			}
		}
	}

	if exp, ok := g.seen[key]; ok && exp.After(now) {
		return false, nil
	}

	g.seen[key] = expires
	return true, nil
}

func (g *MemoryGuard) Release(ctx context.Context, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.seen, fingerprint(token))
	return nil
}

// Len returns the number of tracked tokens.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
