package engine

import (
	"sync"
	"time"

	"github.com/example/faceverify/internal/store"
)

// CacheStats is a point-in-time view of the descriptor cache.
type CacheStats struct {
	Size      int    `json:"size"`
	Limit     int    `json:"limit"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type cacheEntry struct {
	descriptors []store.FaceDescriptor
	insertedAt  time.Time
}

// descriptorCache is a bounded store of recently fetched descriptor sets.
// When an insertion pushes it past the limit the oldest half of the entries
// is evicted in one pass; a batch compaction, not LRU. Purely a throughput
// optimization: a miss only re-triggers the store lookup.
type descriptorCache struct {
	mu        sync.Mutex
	limit     int
	entries   map[string]cacheEntry
	order     []string
	evictions uint64
}

func newDescriptorCache(limit int) *descriptorCache {
	return &descriptorCache{
		limit:   limit,
		entries: make(map[string]cacheEntry),
	}
}

func (c *descriptorCache) get(key string) ([]store.FaceDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return entry.descriptors, true
}

func (c *descriptorCache) put(key string, descriptors []store.FaceDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{descriptors: descriptors, insertedAt: time.Now()}

	if len(c.entries) > c.limit {
		half := len(c.order) / 2
		for _, old := range c.order[:half] {
			delete(c.entries, old)
		}
		c.order = append([]string(nil), c.order[half:]...)
		c.evictions += uint64(half)
	}
}

func (c *descriptorCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Size:      len(c.entries),
		Limit:     c.limit,
		Evictions: c.evictions,
	}
}
