// Package cache is a typed TTL cache keyed by (kind, id). Mutating a kind
// invalidates by pattern, e.g. "source:*".
package cache

import (
	"sync"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache holds values with a per-kind TTL falling back to the default TTL.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]entry
	defaultTTL time.Duration
	kindTTL    map[string]time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// New creates a cache and starts its expiry sweeper.
func New(defaultTTL time.Duration) *Cache {
	c := &Cache{
		entries:    make(map[string]entry),
		defaultTTL: defaultTTL,
		kindTTL:    make(map[string]time.Duration),
		stop:       make(chan struct{}),
	}
	go c.sweep()
	return c
}

// SetKindTTL overrides the TTL for one kind.
func (c *Cache) SetKindTTL(kind string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kindTTL[kind] = ttl
}

func key(kind, id string) string {
	return kind + ":" + id
}

// Set stores a value under (kind, id).
func (c *Cache) Set(kind, id string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ttl := c.defaultTTL
	if t, ok := c.kindTTL[kind]; ok {
		ttl = t
	}
	c.entries[key(kind, id)] = entry{value: value, expiresAt: time.Now().Add(ttl)}
}

// Get fetches a live value, reporting whether it was present.
func (c *Cache) Get(kind, id string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key(kind, id)]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Invalidate removes every key matching pattern, e.g. "source:*".
func (c *Cache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k := range c.entries {
		if wildcard.Match(pattern, k) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// InvalidateKind removes every entry of one kind.
func (c *Cache) InvalidateKind(kind string) int {
	return c.Invalidate(kind + ":*")
}

// Len reports the number of stored entries, live or expired.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stop terminates the sweeper.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}
