package tokens

import (
	"slices"
	"sync"

	"github.com/zeebo/blake3"
)

// Hash identifies cached content.
type Hash [32]byte

// Key hashes text for the cache.
func Key(text string) Hash {
	return blake3.Sum256([]byte(text))
}

type cacheEntry struct {
	count int
	tick  uint64
}

// CacheStats is a point-in-time view of a Cache.
type CacheStats struct {
	Size           int    `json:"size"`
	MaxSize        int    `json:"max_size"`
	Hits           uint64 `json:"hits"`
	Misses         uint64 `json:"misses"`
	Evicted        uint64 `json:"evicted"`
	EvictionPasses uint64 `json:"eviction_passes"`
}

// HitRate is hits / (hits + misses), or 0 before any lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache maps content hashes to token counts. When an insert would exceed
// the ceiling, a single pass evicts the least recently used half. All access
// is serialized, so eviction passes never overlap.
type Cache struct {
	mu      sync.Mutex
	max     int
	clock   uint64
	entries map[Hash]*cacheEntry
	stats   CacheStats
}

// NewCache returns a cache holding at most size entries (minimum 2).
func NewCache(size int) *Cache {
	if size < 2 {
		size = 2
	}
	return &Cache{max: size, entries: make(map[Hash]*cacheEntry, size)}
}

// Get returns the cached count for key.
func (c *Cache) Get(key Hash) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return 0, false
	}
	c.clock++
	e.tick = c.clock
	c.stats.Hits++
	return e.count, true
}

// Put stores count under key.
func (c *Cache) Put(key Hash, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock++
	if e, ok := c.entries[key]; ok {
		e.count, e.tick = count, c.clock
		return
	}
	if len(c.entries) >= c.max {
		c.evictLocked()
	}
	c.entries[key] = &cacheEntry{count: count, tick: c.clock}
}

// evictLocked drops the older half of the entries in one pass.
func (c *Cache) evictLocked() {
	ticks := make([]uint64, 0, len(c.entries))
	for _, e := range c.entries {
		ticks = append(ticks, e.tick)
	}
	slices.Sort(ticks)
	drop := len(ticks) / 2
	cutoff := ticks[drop-1]

	// Ticks are unique, so exactly drop entries are at or below cutoff.
	for k, e := range c.entries {
		if e.tick <= cutoff {
			delete(c.entries, k)
		}
	}
	c.stats.Evicted += uint64(drop)
	c.stats.EvictionPasses++
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	s.MaxSize = c.max
	return s
}

// Reset clears entries and statistics.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Hash]*cacheEntry, c.max)
	c.stats = CacheStats{}
	c.clock = 0
}
