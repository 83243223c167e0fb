// Package cache wraps bluele/gcache for the memoized bookkeeping the swarm
// coordination core repeats on a hot path: counting how many known peers
// hold a given piece, the score rarest-first selection ranks candidates by.
package cache

import (
	"time"

	"github.com/bluele/gcache"

	"github.com/nilsbren/swarmcore/internal/domain"
)

const (
	availabilityCacheSize = 4096
	availabilityTTL       = 2 * time.Second
)

// AvailabilityCache memoizes domain.Piece.AvailablePeers() popcounts for a
// short TTL, cheap insurance against rarest-first re-walking every piece's
// availability set on every SelectPiece call during a PEX-driven swarm
// churn burst.
type AvailabilityCache struct {
	lru gcache.Cache
}

// NewAvailabilityCache builds an LRU-backed holder-count cache.
func NewAvailabilityCache() *AvailabilityCache {
	return &AvailabilityCache{lru: gcache.New(availabilityCacheSize).LRU().Build()}
}

// HolderCount returns the number of peers known to hold piece idx, serving
// a memoized value when still fresh and recomputing from p otherwise.
func (c *AvailabilityCache) HolderCount(idx int, p *domain.Piece) int {
	if v, err := c.lru.Get(idx); err == nil {
		if n, ok := v.(int); ok {
			return n
		}
	}
	n := len(p.AvailablePeers())
	c.lru.SetWithExpire(idx, n, availabilityTTL)
	return n
}

// Invalidate drops the memoized count for idx so the next HolderCount
// recomputes it. Nothing in this module calls it; a memoized count
// otherwise stays in use until availabilityTTL expires.
func (c *AvailabilityCache) Invalidate(idx int) {
	c.lru.Remove(idx)
}
