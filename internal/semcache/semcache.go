// Package semcache is an in-memory semantic cache over embedding vectors.
//
// Lookups try the exact key first; failing that, the query embedding is
// compared against every unexpired entry and the most similar one above the
// caller's threshold is returned. It fronts the semantic search tier so
// near-duplicate queries skip the vector index entirely.
package semcache

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a TTL-bounded semantic cache. Safe for concurrent use.
// Call Close to stop the background eviction goroutine.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]entry
	defaultTTL time.Duration
	maxEntries int
	done       chan struct{}

	hits   atomic.Uint64
	misses atomic.Uint64
}

type entry struct {
	value     []byte
	embedding []float32
	norm      float64 // precomputed embedding magnitude
	expiresAt time.Time
	storedAt  time.Time
}

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

// New creates a Cache. defaultTTL applies to Set calls with a zero TTL;
// maxEntries bounds the cache (0 means unbounded), evicting the entry
// closest to expiry when full.
func New(defaultTTL time.Duration, maxEntries int) *Cache {
	c := &Cache{
		entries:    make(map[string]entry),
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		done:       make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns a cached value for the key or for the most similar unexpired
// entry at or above threshold. Exact key matches win regardless of
// similarity ranking; expired entries never match.
func (c *Cache) Get(key string, embedding []float32, threshold float32) ([]byte, bool) {
	now := time.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.entries[key]; ok && now.Before(e.expiresAt) {
		c.hits.Add(1)
		return e.value, true
	}

	qNorm := norm(embedding)
	if qNorm == 0 {
		c.misses.Add(1)
		return nil, false
	}

	var (
		best    []byte
		bestSim = float64(threshold)
		found   bool
	)
	for _, e := range c.entries {
		if !now.Before(e.expiresAt) || e.norm == 0 {
			continue
		}
		sim := cosine(embedding, qNorm, e.embedding, e.norm)
		if sim > bestSim || (!found && sim == bestSim) {
			best = e.value
			bestSim = sim
			found = true
		}
	}
	if !found {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return best, true
}

// Set stores a value under its exact key with the given TTL (zero means the
// default).
func (c *Cache) Set(key string, value []byte, embedding []float32, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		if _, exists := c.entries[key]; !exists {
			c.evictSoonestLocked()
		}
	}
	c.entries[key] = entry{
		value:     value,
		embedding: embedding,
		norm:      norm(embedding),
		expiresAt: now.Add(ttl),
		storedAt:  now,
	}
}

// Invalidate removes the exact key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateSimilar removes every entry whose embedding is at least
// threshold-similar to the given one, returning how many were dropped.
// Used when a write lands in a region of the embedding space.
func (c *Cache) InvalidateSimilar(embedding []float32, threshold float32) int {
	qNorm := norm(embedding)
	if qNorm == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if e.norm == 0 {
			continue
		}
		if cosine(embedding, qNorm, e.embedding, e.norm) >= float64(threshold) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		Entries: n,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

// Close stops the background eviction goroutine.
func (c *Cache) Close() {
	close(c.done)
}

// evictSoonestLocked drops the entry closest to expiry. Caller must hold c.mu.
func (c *Cache) evictSoonestLocked() {
	var (
		victim string
		oldest time.Time
		first  = true
	)
	for k, e := range c.entries {
		if first || e.expiresAt.Before(oldest) {
			victim = k
			oldest = e.expiresAt
			first = false
		}
	}
	if !first {
		delete(c.entries, victim)
	}
}

func (c *Cache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// cosine computes similarity between two vectors with precomputed norms.
// Mismatched dimensions score 0.
func cosine(a []float32, aNorm float64, b []float32, bNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (aNorm * bNorm)
}
