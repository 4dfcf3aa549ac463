package cache

import (
	"context"
	"time"
)

// DefaultStatusTTL is how long a status snapshot is served before the balance is re-queried
const DefaultStatusTTL = 2 * time.Second

// StatusCache holds the latest status snapshot per user so that frequent polling does
// not query the broker balance on every request
type StatusCache struct {
	store Store
	ttl   time.Duration
}

// NewStatusCache creates a cache with ttl, or DefaultStatusTTL when ttl <= 0
func NewStatusCache(store Store, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &StatusCache{store: store, ttl: ttl}
}

// Get decodes userID's snapshot into dest. A missing or expired snapshot returns ErrCacheMiss.
func (c *StatusCache) Get(ctx context.Context, userID string, dest interface{}) error {
	return GetJSON(ctx, c.store, UserStatusKey(userID), dest)
}

// Put stores snapshot for userID
func (c *StatusCache) Put(ctx context.Context, userID string, snapshot interface{}) error {
	return c.store.Set(ctx, UserStatusKey(userID), snapshot, c.ttl)
}

// Invalidate drops userID's snapshot
func (c *StatusCache) Invalidate(ctx context.Context, userID string) error {
	return c.store.Delete(ctx, UserStatusKey(userID))
}
