package credential

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// CacheConfig sizes and ages the credential cache. Zero TTL or idle timeout
// disables that bound.
type CacheConfig struct {
	// MaxCapacity is the entry limit. Least-recently-used entries are
	// evicted when full.
	MaxCapacity int `yaml:"max_capacity" json:"max_capacity"`

	// TTL bounds an entry's total age.
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// IdleTimeout bounds the time since an entry was last read.
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// DefaultCacheConfig returns the cache defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{MaxCapacity: 256, TTL: 5 * time.Minute, IdleTimeout: time.Minute}
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Size        int     `json:"size"`
	Utilization float64 `json:"utilization"`
	IsFull      bool    `json:"is_full"`
}

// Cache is an LRU cache of stored credentials with TTL and idle expiry.
// Mutating manager operations invalidate their entry.
type Cache struct {
	config CacheConfig

	hits   atomic.Int64
	misses atomic.Int64

	mu      sync.Mutex
	order   *list.List // front = most recently used
	entries map[types.CredentialID]*list.Element
}

type cacheEntry struct {
	id       types.CredentialID
	cred     StoredCredential
	storedAt time.Time
	readAt   time.Time
}

// NewCache builds a cache from config. Non-positive capacity falls back to
// the default.
func NewCache(config CacheConfig) *Cache {
	if config.MaxCapacity <= 0 {
		config.MaxCapacity = DefaultCacheConfig().MaxCapacity
	}
	return &Cache{
		config:  config,
		order:   list.New(),
		entries: make(map[types.CredentialID]*list.Element),
	}
}

// Get returns the cached credential, counting a hit or a miss. Expired
// entries count as misses and are removed.
func (c *Cache) Get(id types.CredentialID) (*StoredCredential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[id]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	now := time.Now()
	if c.expired(entry, now) {
		c.removeLocked(elem)
		c.misses.Add(1)
		return nil, false
	}

	entry.readAt = now
	c.order.MoveToFront(elem)
	c.hits.Add(1)
	cred := entry.cred
	return &cred, true
}

// Put inserts or replaces an entry, evicting the least recently used entry
// when full.
func (c *Cache) Put(cred *StoredCredential) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if elem, ok := c.entries[cred.Metadata.ID]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.cred = *cred
		entry.storedAt = now
		entry.readAt = now
		c.order.MoveToFront(elem)
		return
	}
	if c.order.Len() >= c.config.MaxCapacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}
	entry := &cacheEntry{id: cred.Metadata.ID, cred: *cred, storedAt: now, readAt: now}
	c.entries[cred.Metadata.ID] = c.order.PushFront(entry)
}

// Invalidate removes an entry. Called on every mutating operation.
func (c *Cache) Invalidate(id types.CredentialID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[id]; ok {
		c.removeLocked(elem)
	}
}

// Clear drops all entries, keeping the counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[types.CredentialID]*list.Element)
}

// Stats returns the counter snapshot and derived metrics.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	size := c.order.Len()
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := CacheStats{
		Hits:        hits,
		Misses:      misses,
		Size:        size,
		Utilization: float64(size) / float64(c.config.MaxCapacity),
		IsFull:      size >= c.config.MaxCapacity,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

func (c *Cache) expired(entry *cacheEntry, now time.Time) bool {
	if c.config.TTL > 0 && now.Sub(entry.storedAt) > c.config.TTL {
		return true
	}
	if c.config.IdleTimeout > 0 && now.Sub(entry.readAt) > c.config.IdleTimeout {
		return true
	}
	return false
}

func (c *Cache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.id)
}
