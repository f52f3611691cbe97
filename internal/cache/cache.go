// Package cache holds a small LRU of recent generation results. A cache hit
// answers the request without acquiring a key, so identical prompts do not
// burn pool capacity.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sergv76/imagegate/internal/monitoring"
	"github.com/sergv76/imagegate/internal/provider"
	"github.com/sergv76/imagegate/internal/utils"
)

type cachedResult struct {
	image    *provider.Image
	cachedAt time.Time
}

// ResultCache is a TTL-guarded LRU of generation results.
// Thread-safe, uses hashicorp/golang-lru under the hood.
type ResultCache struct {
	cache *lru.Cache[string, *cachedResult]
	ttl   time.Duration
	mu    sync.RWMutex

	hits   uint64
	misses uint64
}

// New creates a result cache. A nil *ResultCache is a valid no-op cache, so
// callers can keep a single code path whether caching is enabled or not.
func New(maxSize int, ttl time.Duration) (*ResultCache, error) {
	if maxSize <= 0 {
		maxSize = 128
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	c, err := lru.New[string, *cachedResult](maxSize)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to create result cache: %w", err)
	}

	return &ResultCache{
		cache: c,
		ttl:   ttl,
	}, nil
}

// Key derives the cache key from everything that influences the output.
func Key(req provider.Request) string {
	h := sha256.New()
	h.Write([]byte(req.Prompt))
	h.Write([]byte{0})
	h.Write([]byte(req.Model))
	h.Write([]byte{0})
	h.Write([]byte(req.Size))
	for _, img := range req.Images {
		h.Write([]byte{0})
		h.Write([]byte(img.MIMEType))
		h.Write([]byte{0})
		h.Write(img.Data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a cached image, or nil, false on miss or expired TTL.
func (c *ResultCache) Get(key string) (*provider.Image, bool) {
	if c == nil || c.cache == nil {
		return nil, false
	}

	c.mu.RLock()
	cached, ok := c.cache.Get(key)
	c.mu.RUnlock()

	if !ok {
		atomic.AddUint64(&c.misses, 1)
		monitoring.CacheEventsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}

	if time.Since(cached.cachedAt) > c.ttl {
		// Expired; re-check under the write lock so we don't evict an entry
		// another goroutine refreshed between the two lock acquisitions.
		c.mu.Lock()
		current, stillExists := c.cache.Get(key)
		if stillExists && time.Since(current.cachedAt) > c.ttl {
			c.cache.Remove(key)
		}
		c.mu.Unlock()
		atomic.AddUint64(&c.misses, 1)
		monitoring.CacheEventsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}

	atomic.AddUint64(&c.hits, 1)
	monitoring.CacheEventsTotal.WithLabelValues("hit").Inc()
	return cached.image, true
}

// Set stores a generation result.
func (c *ResultCache) Set(key string, img *provider.Image) {
	if c == nil || c.cache == nil || img == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Add(key, &cachedResult{
		image:    img,
		cachedAt: utils.NowUTC(),
	})
}

// Purge drops every cached entry.
func (c *ResultCache) Purge() {
	if c == nil || c.cache == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// Stats returns hit/miss counters since process start.
func (c *ResultCache) Stats() (hits, misses uint64) {
	if c == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses)
}
