package dedup

import (
	"sync"
	"time"
)

// Cache is a TTL-bounded first-seen set of event ids. Replay after a
// reconnect re-delivers the same event id; the server must treat that
// as a duplicate (log once, never escalate twice), which is what makes
// at-least-once delivery safe. Uses sync.Map for lock-free reads on the
// hot path.
type Cache struct {
	store sync.Map // map[string]time.Time (expiry)
	ttl   time.Duration
	done  chan struct{}
	once  sync.Once
}

// NewCache creates a cache whose entries expire after ttl. A background
// janitor sweeps expired entries; Close stops it.
func NewCache(ttl time.Duration) *Cache {
	c := &Cache{
		ttl:  ttl,
		done: make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Seen reports whether id was already recorded within the TTL, and
// records it if not. The check-and-record is not atomic across
// goroutines, but the single hub read loop per connection keeps each
// event id on one goroutine, and a rare double-pass is only a repeated
// log line.
func (c *Cache) Seen(id string) bool {
	now := time.Now()
	if v, ok := c.store.Load(id); ok {
		if now.Before(v.(time.Time)) {
			return true
		}
	}
	c.store.Store(id, now.Add(c.ttl))
	return false
}

// Close stops the janitor. Safe to call more than once.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.store.Range(func(key, value any) bool {
				if now.After(value.(time.Time)) {
					c.store.Delete(key)
				}
				return true
			})
		case <-c.done:
			return
		}
	}
}
