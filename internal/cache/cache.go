// Package cache keeps recent session verification results for a short
// staleness window so repeated checks do not hit the server.
package cache

import (
	"sync"
	"time"

	"github.com/zach-source/gradtracer/internal/clock"
)

type entry struct {
	v      []byte
	exp    time.Time
	cached time.Time
}

type Cache struct {
	mu     sync.RWMutex
	data   map[string]entry
	ttl    time.Duration
	clock  clock.Clock
	hits   int64
	misses int64
}

func New(ttl time.Duration, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Cache{
		data:  make(map[string]entry),
		ttl:   ttl,
		clock: clk,
	}
}

// Get returns the cached value and when it was stored. Expired entries
// are misses.
func (c *Cache) Get(key string) ([]byte, bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok || c.clock.Now().After(e.exp) {
		c.misses++
		return nil, false, time.Time{}
	}
	c.hits++
	return e.v, true, e.cached
}

func (c *Cache) Set(key string, val []byte) {
	if c.ttl <= 0 {
		return
	}
	now := c.clock.Now()
	c.mu.Lock()
	c.data[key] = entry{v: val, exp: now.Add(c.ttl), cached: now}
	c.mu.Unlock()
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.data = make(map[string]entry)
	c.mu.Unlock()
}

func (c *Cache) Stats() (size int, hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data), c.hits, c.misses
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// CleanupExpired removes expired entries from the cache
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for key, e := range c.data {
		if now.After(e.exp) {
			delete(c.data, key)
			removed++
		}
	}
	return removed
}
