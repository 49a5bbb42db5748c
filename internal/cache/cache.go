// Package cache provides the in-process, TTL-bounded, tenant-aware cache used
// for decrypted session snapshots. The cache is purely an optimization: the
// store remains the source of truth and every write path invalidates before a
// stale entry can be observed.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/slotbook/bookd/internal/clock"
)

// Key is the compound (tenant, resource) cache key. Tenant is part of the key
// so one tenant can never observe another tenant's entries.
type Key struct {
	Tenant string
	ID     string
}

// Cache is a bounded LRU with lazy TTL expiry. A nil *Cache is valid and
// always misses.
type Cache[V any] struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	clock      clock.Clock
	lru        *list.List
	entries    map[Key]*list.Element
}

type entry[V any] struct {
	key       Key
	value     V
	expiresAt time.Time
}

// New returns a cache holding at most maxEntries values, each fresh for ttl.
// A non-positive maxEntries or ttl disables caching entirely.
func New[V any](maxEntries int, ttl time.Duration, clk clock.Clock) *Cache[V] {
	if maxEntries <= 0 || ttl <= 0 {
		return nil
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Cache[V]{
		maxEntries: maxEntries,
		ttl:        ttl,
		clock:      clk,
		lru:        list.New(),
		entries:    make(map[Key]*list.Element),
	}
}

// Get returns the cached value for (tenant, id) when present and fresh.
// Expired entries are dropped on the way out, never returned.
func (c *Cache[V]) Get(tenant, id string) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[Key{Tenant: tenant, ID: id}]
	if !ok {
		return zero, false
	}
	ent := elem.Value.(*entry[V])
	if !c.clock.Now().Before(ent.expiresAt) {
		c.removeLocked(elem)
		return zero, false
	}
	c.lru.MoveToFront(elem)
	return ent.value, true
}

// Set stores value under (tenant, id), refreshing its TTL and evicting the
// least recently used entry when the cache is full.
func (c *Cache[V]) Set(tenant, id string, value V) {
	if c == nil {
		return
	}
	key := Key{Tenant: tenant, ID: id}
	expires := c.clock.Now().Add(c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		ent := elem.Value.(*entry[V])
		ent.value = value
		ent.expiresAt = expires
		c.lru.MoveToFront(elem)
		return
	}
	elem := c.lru.PushFront(&entry[V]{key: key, value: value, expiresAt: expires})
	c.entries[key] = elem
	for len(c.entries) > c.maxEntries {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
	}
}

// Invalidate drops the entry for (tenant, id) if present.
func (c *Cache[V]) Invalidate(tenant, id string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[Key{Tenant: tenant, ID: id}]; ok {
		c.removeLocked(elem)
	}
}

// InvalidateTenant drops every entry belonging to tenant.
func (c *Cache[V]) InvalidateTenant(tenant string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, elem := range c.entries {
		if key.Tenant == tenant {
			c.removeLocked(elem)
		}
	}
}

// Len reports the number of resident entries, counting expired ones not yet
// lazily collected.
func (c *Cache[V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) removeLocked(elem *list.Element) {
	ent := elem.Value.(*entry[V])
	delete(c.entries, ent.key)
	c.lru.Remove(elem)
}
