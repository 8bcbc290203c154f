// Package detection de-duplicates detector calls against near-identical frames.
package detection

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/devicelab-dev/vision-runner/pkg/core"
)

// Cache defaults.
const (
	DefaultCacheDuration = 2 * time.Second
	DefaultMaxCacheSize  = 100
)

// CacheConfig configures a Cache.
type CacheConfig struct {
	Duration time.Duration // How long a stored result stays fresh
	MaxSize  int           // Entry count above which the oldest half is evicted
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	TotalCalls int64   `json:"totalCalls"`
	Hits       int64   `json:"hits"`
	HitRate    float64 `json:"hitRate"` // Hits / TotalCalls, 0 when no calls
	Size       int     `json:"size"`
}

type cacheEntry struct {
	result    core.DetectionResult
	createdAt time.Time
	seq       uint64 // insertion order, breaks createdAt ties
}

// Cache holds recent detection results keyed by (target, device, frame signature).
// A single mutex covers reads and writes; call volume is tens per second.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]cacheEntry
	duration time.Duration
	maxSize  int

	totalCalls int64
	hits       int64
	seq        uint64

	now func() time.Time
}

// NewCache creates a cache, filling zero config fields with defaults.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultCacheDuration
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxCacheSize
	}
	return &Cache{
		entries:  make(map[string]cacheEntry),
		duration: cfg.Duration,
		maxSize:  cfg.MaxSize,
		now:      time.Now,
	}
}

// Key returns the fixed-length cache key for a request.
func Key(req core.DetectionRequest) string {
	h := sha256.New()
	h.Write([]byte(req.TargetClass))
	h.Write([]byte{0})
	h.Write([]byte(req.DeviceID))
	h.Write([]byte{0})
	h.Write([]byte(req.FrameSignature))
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the stored result for req if it is younger than the cache duration.
// Expired entries are purged on every call.
func (c *Cache) Lookup(req core.DetectionRequest) (core.DetectionResult, bool) {
	key := Key(req)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalCalls++
	now := c.now()
	c.purgeExpiredLocked(now)

	entry, ok := c.entries[key]
	if !ok || now.Sub(entry.createdAt) >= c.duration {
		return core.DetectionResult{}, false
	}
	c.hits++
	return entry.result, true
}

// Store records result for req, overwriting any previous entry for the same key.
func (c *Cache) Store(req core.DetectionRequest, result core.DetectionResult) {
	key := Key(req)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	c.entries[key] = cacheEntry{result: result, createdAt: c.now(), seq: c.seq}
	if len(c.entries) > c.maxSize {
		c.evictOldestHalfLocked()
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{
		TotalCalls: c.totalCalls,
		Hits:       c.hits,
		Size:       len(c.entries),
	}
	if c.totalCalls > 0 {
		s.HitRate = float64(c.hits) / float64(c.totalCalls)
	}
	return s
}

// Clear drops all entries and resets counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cacheEntry)
	c.totalCalls = 0
	c.hits = 0
}

func (c *Cache) purgeExpiredLocked(now time.Time) {
	for k, e := range c.entries {
		if now.Sub(e.createdAt) >= c.duration {
			delete(c.entries, k)
		}
	}
}

// evictOldestHalfLocked removes the older half of entries by creation time.
func (c *Cache) evictOldestHalfLocked() {
	type aged struct {
		key string
		e   cacheEntry
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e})
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].e, all[j].e
		if !a.createdAt.Equal(b.createdAt) {
			return a.createdAt.Before(b.createdAt)
		}
		return a.seq < b.seq
	})
	for _, a := range all[:len(all)/2] {
		delete(c.entries, a.key)
	}
}
