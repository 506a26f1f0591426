package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a TTL-based in-memory cache for authenticated identities.
// Uses sync.Map for lock-free reads on the hot path.
//
// Stale-while-revalidate: when an entry expires, Get() still returns the
// stale value immediately and signals that a background refresh is
// needed. No connection attempt ever blocks on DB + bcrypt after the
// first cold start.
type Cache struct {
	store sync.Map      // map[string]*cacheEntry
	ttl   time.Duration // Default: 30s
}

type cacheEntry struct {
	identity   *Identity
	expiresAt  time.Time
	refreshing atomic.Bool // prevents duplicate background refreshes
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Identity     *Identity
	Hit          bool // true if a value was found (fresh or stale)
	NeedsRefresh bool // true if the entry expired and should refresh in the background
}

// Get looks up the token in the cache.
//
// Returns:
//   - Fresh hit:  {Identity, Hit=true,  NeedsRefresh=false}
//   - Stale hit:  {Identity, Hit=true,  NeedsRefresh=true}  (serve stale, refresh in background)
//   - Miss:       {nil,      Hit=false, NeedsRefresh=false}
//
// When NeedsRefresh=true, the caller should refresh in a background
// goroutine. The refreshing flag is set atomically so only one goroutine
// refreshes per token.
func (c *Cache) Get(token string) GetResult {
	val, ok := c.store.Load(token)
	if !ok {
		return GetResult{}
	}

	entry := val.(*cacheEntry)

	if time.Now().Before(entry.expiresAt) {
		return GetResult{Identity: entry.identity, Hit: true}
	}

	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return GetResult{
		Identity:     entry.identity,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores an identity in the cache with the configured TTL.
func (c *Cache) Set(token string, identity *Identity) {
	c.store.Store(token, &cacheEntry{
		identity:  identity,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *Cache) Delete(token string) {
	c.store.Delete(token)
}
