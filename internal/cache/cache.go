// Package cache provides a time-bounded, size-bounded cache of read results
// keyed by logical request, with explicit invalidation on mutation.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/stocktide/stocktide/internal/models"
	"github.com/stocktide/stocktide/internal/timex"
)

// Entry is one cached response. Version increments on every overwrite of the
// same key; it is used only for staleness reasoning, never correctness.
type Entry struct {
	Data      any
	FetchedAt time.Time
	Version   int64
}

// Cache is a process-wide response cache. Entries expire after TTL and the
// oldest entry is evicted when capacity is reached. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]Entry
	ttl      time.Duration
	capacity int
	clock    timex.Clock
}

const (
	DefaultTTL      = 10 * time.Minute
	DefaultCapacity = 100
)

// New creates a Cache. Non-positive ttl or capacity fall back to defaults.
func New(ttl time.Duration, capacity int, clock timex.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clock == nil {
		clock = timex.RealClock{}
	}
	return &Cache{
		entries:  make(map[string]Entry),
		ttl:      ttl,
		capacity: capacity,
		clock:    clock,
	}
}

// Key builds a logical request key from a collection and its parameters.
// The collection segment is what InvalidateCollection matches on.
func Key(collection models.Collection, params string) string {
	if params == "" {
		return string(collection)
	}
	return string(collection) + "?" + params
}

// Get returns the entry for key if present and fresh. Expired entries are
// lazily evicted and reported as absent.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if c.clock.Now().Sub(e.FetchedAt) > c.ttl {
		delete(c.entries, key)
		return Entry{}, false
	}
	return e, true
}

// Set stores data under key, bumping the version counter on overwrite and
// evicting the single oldest entry when the cache is full.
func (c *Cache) Set(key string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, existed := c.entries[key]
	if !existed && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}

	version := int64(1)
	if existed {
		version = prev.Version + 1
	}
	c.entries[key] = Entry{Data: data, FetchedAt: c.clock.Now(), Version: version}
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, e := range c.entries {
		if first || e.FetchedAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.FetchedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateCollection removes every entry whose key references the given
// collection. Called whenever a mutation to that collection settles, so a
// stale read is never served after a known write.
func (c *Cache) InvalidateCollection(collection models.Collection) {
	prefix := string(collection)

	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k == prefix || strings.HasPrefix(k, prefix+"?") {
			delete(c.entries, k)
		}
	}
}

// Clear removes everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
}

// Len reports the number of stored entries, counting expired ones that have
// not yet been lazily evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
