// Package searchcache keeps directory search results for a short time and
// collapses concurrent identical searches into one directory round trip.
package searchcache

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/contactdir/logger"
	"github.com/migadu/contactdir/pkg/metrics"
	"golang.org/x/sync/singleflight"
	"lukechampine.com/blake3"
)

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
}

// Cache maps search keys to results of type V. Cached values are shared
// between callers and must be treated as read-only.
type Cache[V any] struct {
	mu              sync.RWMutex
	entries         map[string]*entry[V]
	ttl             time.Duration
	maxSize         int
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupStopped  chan struct{}
	stopped         bool

	sfGroup singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64

	now func() time.Time
}

// New creates a cache and starts its cleanup goroutine. Stop releases it.
func New[V any](ttl time.Duration, maxSize int, cleanupInterval time.Duration) *Cache[V] {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	c := &Cache[V]{
		entries:         make(map[string]*entry[V]),
		ttl:             ttl,
		maxSize:         maxSize,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupStopped:  make(chan struct{}),
		now:             time.Now,
	}

	go c.cleanupLoop()

	logger.Info("SearchCache: Initialized", "ttl", ttl, "max_size", maxSize, "cleanup_interval", cleanupInterval)
	return c
}

// Key hashes the parts of a search (base DN, scope, filter, attributes...)
// into a fixed-length cache key. Parts are length-prefixed so that
// ("ab", "c") and ("a", "bc") differ.
func Key(parts ...string) string {
	h := blake3.New(32, nil)
	var lenBuf [8]byte
	for _, p := range parts {
		n := uint64(len(p))
		for i := range lenBuf {
			lenBuf[i] = byte(n >> (8 * i))
		}
		h.Write(lenBuf[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().After(e.expiresAt) {
		c.misses.Add(1)
		metrics.CacheOperationsTotal.WithLabelValues("miss").Inc()
		var zero V
		return zero, false
	}

	c.hits.Add(1)
	metrics.CacheOperationsTotal.WithLabelValues("hit").Inc()
	return e.value, true
}

// Set stores value under key for the cache TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(key, value)
}

func (c *Cache[V]) storeLocked(key string, value V) {
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	now := c.now()
	c.entries[key] = &entry[V]{value: value, createdAt: now, expiresAt: now.Add(c.ttl)}
	metrics.CacheEntriesCurrent.Set(float64(len(c.entries)))
}

// GetOrFetch returns the cached value for key, or runs fetch once for all
// concurrent callers asking for the same key and caches its result. Errors
// are not cached. fromCache reports whether fetch was skipped.
//
// A caller whose ctx ends stops waiting with ctx.Err() while fetch keeps
// running for the others, so fetch must not depend on any one caller's
// context.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, fetch func() (V, error)) (value V, fromCache bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	if err := ctx.Err(); err != nil {
		return value, false, err
	}

	ch := c.sfGroup.DoChan(key, func() (any, error) {
		v, fetchErr := fetch()
		if fetchErr != nil {
			return nil, fetchErr
		}

		c.mu.Lock()
		c.storeLocked(key, v)
		c.mu.Unlock()
		return v, nil
	})

	select {
	case <-ctx.Done():
		logger.Debug("SearchCache: caller stopped waiting for search", "key", key, "error", ctx.Err())
		return value, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return value, false, res.Err
		}
		if res.Shared {
			logger.Debug("SearchCache: shared in-flight search", "key", key)
			metrics.CacheOperationsTotal.WithLabelValues("shared").Inc()
		}
		return res.Val.(V), false, nil
	}
}

// Invalidate removes one key.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	metrics.CacheEntriesCurrent.Set(float64(len(c.entries)))
}

// Clear removes all entries and resets the hit counters.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry[V])
	c.hits.Store(0)
	c.misses.Store(0)
	metrics.CacheEntriesCurrent.Set(0)

	logger.Info("SearchCache: Cache cleared")
}

// Len returns the number of stored entries, expired ones included until the
// next cleanup.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetStats returns cache statistics
func (c *Cache[V]) GetStats() (hits, misses uint64, size int, hitRate float64) {
	hits, misses = c.hits.Load(), c.misses.Load()
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return hits, misses, c.Len(), hitRate
}

// Stop stops the cleanup goroutine
func (c *Cache[V]) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCleanup)

	select {
	case <-c.cleanupStopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evictOldest removes the entry closest to expiry.
// Caller must hold the write lock
func (c *Cache[V]) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true

	for key, e := range c.entries {
		if first || e.expiresAt.Before(oldest) {
			oldestKey = key
			oldest = e.expiresAt
			first = false
		}
	}

	if !first {
		delete(c.entries, oldestKey)
		metrics.CacheEvictionsTotal.Inc()
	}
}

func (c *Cache[V]) cleanupLoop() {
	defer close(c.cleanupStopped)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *Cache[V]) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}

	if removed > 0 {
		metrics.CacheEvictionsTotal.Add(float64(removed))
		metrics.CacheEntriesCurrent.Set(float64(len(c.entries)))
		logger.Debug("SearchCache: Cleanup removed expired entries", "removed", removed, "remaining", len(c.entries))
	}
}
