package ingress

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// dedupCache remembers grant event ids for the redelivery window so an
// at-least-once source cannot double-apply the same grant.
type dedupCache struct {
	mu        sync.Mutex
	window    time.Duration
	clock     clockwork.Clock
	seen      map[string]time.Time
	lastSweep time.Time
}

func newDedupCache(window time.Duration, clock clockwork.Clock) *dedupCache {
	return &dedupCache{
		window:    window,
		clock:     clock,
		seen:      make(map[string]time.Time),
		lastSweep: clock.Now(),
	}
}

// Seen reports whether the id was already recorded within the window and
// records it otherwise.
func (c *dedupCache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if now.Sub(c.lastSweep) > c.window {
		for k, at := range c.seen {
			if now.Sub(at) > c.window {
				delete(c.seen, k)
			}
		}
		c.lastSweep = now
	}

	if at, ok := c.seen[id]; ok && now.Sub(at) <= c.window {
		return true
	}
	c.seen[id] = now
	return false
}

// Forget drops an id so a grant that failed to apply can be redelivered.
func (c *dedupCache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, id)
}
