package worldserver

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

// DefaultCacheMaxSize bounds the cache when no size is configured.
const DefaultCacheMaxSize = 10

// EvictionReason classifies why a scene left the [Cache].
type EvictionReason string

const (
	// EvictStale — the entry outlived its TTL and was removed on access or sweep.
	EvictStale EvictionReason = "stale"

	// EvictLRU — the entry was the least recently used at capacity.
	EvictLRU EvictionReason = "lru"

	// EvictInvalidated — a caller removed the entry explicitly.
	EvictInvalidated EvictionReason = "invalidated"

	// EvictBulkInvalidate — the entry was removed by InvalidateAllExcept.
	EvictBulkInvalidate EvictionReason = "bulk_invalidate"

	// EvictClear — the entry was removed by Clear.
	EvictClear EvictionReason = "clear"

	// EvictCleanupStale — the entry was removed by a CleanupStale sweep.
	EvictCleanupStale EvictionReason = "cleanup_stale"
)

// wastesGeneration reports whether an eviction for this reason wastes an
// uncommitted generation. Explicit control actions (invalidate, bulk
// invalidate, clear) do not count — they are not failures of prediction.
func (r EvictionReason) wastesGeneration() bool {
	switch r {
	case EvictStale, EvictLRU, EvictCleanupStale:
		return true
	}
	return false
}

// CacheConfig configures a [Cache].
type CacheConfig struct {
	// MaxSize bounds the number of simultaneously cached scenes.
	// Zero or negative means [DefaultCacheMaxSize].
	MaxSize int

	// DefaultExpiry is stamped onto scenes cached without an explicit TTL.
	// Zero means [DefaultSceneExpiry].
	DefaultExpiry time.Duration

	// Metrics receives hit/miss/waste events. Nil creates a private instance.
	Metrics *Metrics

	// OnEvict, when set, is called synchronously under the cache lock for
	// every evicted scene. Panics in the callback are swallowed; production
	// callers may leave it nil.
	OnEvict func(*PreGeneratedScene)
}

// Cache is a bounded, TTL-aware, LRU-ordered store of uncommitted
// [PreGeneratedScene]s, keyed by location. A single mutex serialises all
// operations so the generation workers and the game loop can share it.
//
// All operations are O(1) amortised except [Cache.CleanupStale] and
// [Cache.InvalidateAllExcept], which are O(n).
type Cache struct {
	maxSize       int
	defaultExpiry time.Duration
	metrics       *Metrics
	onEvict       func(*PreGeneratedScene)

	mu      sync.Mutex
	order   *list.List               // front = LRU, back = MRU
	entries map[string]*list.Element // location key → element holding *cacheEntry
}

// cacheEntry is the list payload: the key travels with the scene so eviction
// at the LRU end can remove the map entry.
type cacheEntry struct {
	key   string
	scene *PreGeneratedScene
}

// NewCache creates a [Cache] from cfg, applying defaults for zero fields.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultCacheMaxSize
	}
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = DefaultSceneExpiry
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	return &Cache{
		maxSize:       cfg.MaxSize,
		defaultExpiry: cfg.DefaultExpiry,
		metrics:       cfg.Metrics,
		onEvict:       cfg.OnEvict,
		order:         list.New(),
		entries:       make(map[string]*list.Element),
	}
}

// Metrics returns the metrics instance this cache records through.
func (c *Cache) Metrics() *Metrics {
	return c.metrics
}

// MaxSize returns the configured capacity.
func (c *Cache) MaxSize() int {
	return c.maxSize
}

// Get returns the scene for locationKey iff it is present and fresh, moving
// the entry to the most-recently-used position and recording a cache hit.
// A stale entry is evicted with reason [EvictStale] and nil is returned.
// A plain absence returns nil without recording anything — the caller decides
// whether the lookup was a collapse-level miss.
func (c *Cache) Get(locationKey string) *PreGeneratedScene {
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[locationKey]
	if !ok {
		return nil
	}

	entry := el.Value.(*cacheEntry)
	if entry.scene.IsStale() {
		slog.Info("cache entry stale",
			"location", locationKey,
			"age", entry.scene.Age(),
			"ttl", entry.scene.ttl(),
		)
		c.evictLocked(locationKey, EvictStale)
		return nil
	}

	c.order.MoveToBack(el)

	latency := time.Since(start)
	c.metrics.RecordCacheHit(latency)

	slog.Debug("cache hit",
		"location", locationKey,
		"age", entry.scene.Age(),
		"latency", latency,
	)
	return entry.scene
}

// Put upserts a scene. An existing key is replaced in place and moved to the
// MRU end without counting an eviction. A new key evicts LRU entries while
// the cache is at capacity, then is inserted at the MRU end.
func (c *Cache) Put(scene *PreGeneratedScene) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if scene.Expiry <= 0 {
		scene.Expiry = c.defaultExpiry
	}

	if el, ok := c.entries[scene.LocationKey]; ok {
		el.Value.(*cacheEntry).scene = scene
		c.order.MoveToBack(el)
		slog.Debug("cache entry replaced", "location", scene.LocationKey)
		return
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Front().Value.(*cacheEntry)
		c.evictLocked(oldest.key, EvictLRU)
	}

	c.entries[scene.LocationKey] = c.order.PushBack(&cacheEntry{key: scene.LocationKey, scene: scene})
	slog.Debug("cached scene",
		"location", scene.LocationKey,
		"size", len(c.entries),
		"max_size", c.maxSize,
	)
}

// Invalidate removes locationKey from the cache. Returns whether an entry was
// removed. The eviction reason is [EvictInvalidated] and never counts as a
// wasted generation.
func (c *Cache) Invalidate(locationKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[locationKey]; !ok {
		return false
	}
	c.evictLocked(locationKey, EvictInvalidated)
	return true
}

// InvalidateAllExcept removes every entry except keepKey and returns the
// number removed. An empty keepKey keeps nothing. Used on player relocation:
// predictions made from the old location are void, but the new location's
// pre-generated scene (if any) stays usable.
func (c *Cache) InvalidateAllExcept(keepKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var remove []string
	for key := range c.entries {
		if key != keepKey {
			remove = append(remove, key)
		}
	}
	for _, key := range remove {
		c.evictLocked(key, EvictBulkInvalidate)
	}

	slog.Debug("bulk invalidation", "removed", len(remove), "kept", keepKey)
	return len(remove)
}

// Clear removes all entries and returns the count removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := len(c.entries)
	for key := range c.entries {
		c.evictLocked(key, EvictClear)
	}
	return count
}

// CleanupStale sweep-evicts every stale entry and returns the count removed.
// Entries that were never used accrue here as wasted generations.
func (c *Cache) CleanupStale() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stale []string
	for key, el := range c.entries {
		if el.Value.(*cacheEntry).scene.IsStale() {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		c.evictLocked(key, EvictCleanupStale)
	}

	if len(stale) > 0 {
		slog.Debug("cleaned up stale cache entries", "count", len(stale))
	}
	return len(stale)
}

// Contains reports whether locationKey is cached and fresh. It does not
// reorder the LRU list and does not remove a stale entry it encounters —
// removal happens only on Get or CleanupStale.
func (c *Cache) Contains(locationKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[locationKey]
	if !ok {
		return false
	}
	return !el.Value.(*cacheEntry).scene.IsStale()
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns all cached location keys in LRU → MRU order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.entries))
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*cacheEntry).key)
	}
	return keys
}

// CacheEntryStats describes one cached scene for diagnostics.
type CacheEntryStats struct {
	LocationKey      string
	Age              time.Duration
	RemainingTTL     time.Duration
	IsStale          bool
	IsCommitted      bool
	PredictionReason PredictionReason
}

// CacheStats is a point-in-time diagnostic view of the cache.
type CacheStats struct {
	Size    int
	MaxSize int
	Entries []CacheEntryStats
	Metrics MetricsSnapshot
}

// Stats returns a diagnostic snapshot in LRU → MRU order.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:    len(c.entries),
		MaxSize: c.maxSize,
		Metrics: c.metrics.Snapshot(),
	}
	for el := c.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*cacheEntry)
		stats.Entries = append(stats.Entries, CacheEntryStats{
			LocationKey:      entry.key,
			Age:              entry.scene.Age(),
			RemainingTTL:     entry.scene.RemainingTTL(),
			IsStale:          entry.scene.IsStale(),
			IsCommitted:      entry.scene.IsCommitted(),
			PredictionReason: entry.scene.PredictionReason,
		})
	}
	return stats
}

// evictLocked removes locationKey from the cache, classifies waste, and fires
// the eviction callback. Callers must hold c.mu.
func (c *Cache) evictLocked(locationKey string, reason EvictionReason) {
	el, ok := c.entries[locationKey]
	if !ok {
		return
	}
	entry := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.entries, locationKey)

	wasted := !entry.scene.IsCommitted() && reason.wastesGeneration()
	c.metrics.RecordEviction(reason, wasted)
	if wasted {
		slog.Debug("wasted generation",
			"location", locationKey,
			"reason", reason,
			"age", entry.scene.Age(),
		)
	}

	if c.onEvict != nil {
		c.safeOnEvict(entry.scene)
	}

	slog.Debug("evicted scene", "location", locationKey, "reason", reason)
}

// safeOnEvict invokes the eviction callback, containing any panic so a broken
// callback cannot take the cache down with it.
func (c *Cache) safeOnEvict(scene *PreGeneratedScene) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("eviction callback panicked", "location", scene.LocationKey, "panic", r)
		}
	}()
	c.onEvict(scene)
}
