// Package research holds the in-process cache shared by concurrently-running
// predictors so the same race context is looked up once, not per agent. It is
// a single mutual-exclusion domain, not a persistence layer: its contents are
// reconstructible from zero at any time.
package research

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a mutex-guarded TTL map. Freshness matters more than hit rate
// here, so the default TTL is short (minutes).
type Cache struct {
	mu         sync.Mutex
	defaultTTL time.Duration
	maxEntries int
	entries    map[string]entry

	now func() time.Time
}

// NewCache constructs a cache with the given default TTL and capacity.
func NewCache(defaultTTL time.Duration, maxEntries int) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Cache{
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		entries:    make(map[string]entry),
		now:        time.Now,
	}
}

// Key derives a stable cache key from its parts.
func Key(parts ...string) string {
	joined := strings.ToLower(strings.Join(parts, ":"))
	sum := md5.Sum([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached value if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores a value; ttl <= 0 selects the default TTL.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Size reports the number of entries, expired included.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked removes expired entries, then the oldest tenth if still full.
func (c *Cache) evictLocked() {
	now := c.now()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}

	toRemove := len(c.entries) / 10
	if toRemove < 1 {
		toRemove = 1
	}
	for i := 0; i < toRemove; i++ {
		var oldestKey string
		var oldestAt time.Time
		for key, e := range c.entries {
			if oldestKey == "" || e.expiresAt.Before(oldestAt) {
				oldestKey = key
				oldestAt = e.expiresAt
			}
		}
		delete(c.entries, oldestKey)
	}
}
