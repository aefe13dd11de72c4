package cache

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/yamlforge/perfcore/pkg/clock"
	"github.com/yamlforge/perfcore/pkg/errors"
	"github.com/yamlforge/perfcore/pkg/types"
	"github.com/yamlforge/perfcore/pkg/utils"
)

// Config represents cache configuration
type Config struct {
	MaxEntries      int                 `yaml:"max_entries"`
	MaxMemory       int64               `yaml:"max_memory"`
	DefaultTTL      time.Duration       `yaml:"default_ttl"`
	DefaultPriority int                 `yaml:"default_priority"`
	HotThreshold    uint64              `yaml:"hot_threshold"`
	CleanupInterval time.Duration       `yaml:"cleanup_interval"`
	SweepChunkSize  int                 `yaml:"sweep_chunk_size"`
	EvictionSamples int                 `yaml:"eviction_samples"`
	Categories      map[string][]string `yaml:"categories"`
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() *Config {
	return &Config{
		MaxEntries:      1000,
		MaxMemory:       50 * 1024 * 1024, // 50MB
		DefaultTTL:      5 * time.Minute,
		DefaultPriority: 5,
		HotThreshold:    5,
		CleanupInterval: time.Minute,
		SweepChunkSize:  256,
		EvictionSamples: 32,
		Categories:      DefaultCategories(),
	}
}

// Deps carries the collaborators of an AdaptiveCache. Zero values get
// defaults.
type Deps[V any] struct {
	Sizer   Sizer[V]
	Policy  EvictionPolicy
	Metrics types.MetricsRecorder
	Logger  *utils.StructuredLogger
	Clock   clock.Clock
}

// Entry is a cached value with its bookkeeping.
type Entry[V any] struct {
	Key            string
	Value          V
	CreatedAt      time.Time
	LastAccessedAt time.Time
	TTL            time.Duration
	AccessCount    uint64
	SizeBytes      int64
	Priority       int

	slot int
}

// Expired reports whether the entry outlived its TTL. A zero TTL never
// expires.
func (e *Entry[V]) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// AdaptiveCache is a bounded key/value store with TTL expiry and
// score-based eviction. It is safe for concurrent use; Get and Set never
// return errors.
type AdaptiveCache[V any] struct {
	mu     sync.Mutex
	items  map[string]*Entry[V]
	memory int64

	// slots lists every key so eviction can sample in O(1); oversized
	// holds keys larger than MaxMemory, which are always evicted first.
	slots     []string
	oversized map[string]struct{}

	config     Config
	categories categorySet

	sizer   Sizer[V]
	policy  EvictionPolicy
	metrics types.MetricsRecorder
	logger  *utils.StructuredLogger
	clock   clock.Clock

	// Statistics
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	// Janitor
	lifecycle sync.Mutex
	started   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a new adaptive cache. It fails only on invalid category
// patterns.
func New[V any](config *Config, deps Deps[V]) (*AdaptiveCache[V], error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	defaults := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaults.MaxEntries
	}
	if cfg.MaxMemory <= 0 {
		cfg.MaxMemory = defaults.MaxMemory
	}
	if cfg.DefaultTTL < 0 {
		cfg.DefaultTTL = 0
	}
	if cfg.DefaultPriority < 1 {
		cfg.DefaultPriority = defaults.DefaultPriority
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}
	if cfg.SweepChunkSize <= 0 {
		cfg.SweepChunkSize = defaults.SweepChunkSize
	}
	if cfg.EvictionSamples <= 0 {
		cfg.EvictionSamples = defaults.EvictionSamples
	}
	if cfg.Categories == nil {
		cfg.Categories = DefaultCategories()
	}

	categories, err := compileCategories(cfg.Categories)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid cache categories").
			WithComponent("cache")
	}

	c := &AdaptiveCache[V]{
		items:      make(map[string]*Entry[V]),
		oversized:  make(map[string]struct{}),
		config:     cfg,
		categories: categories,
		sizer:      deps.Sizer,
		policy:     deps.Policy,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		clock:      deps.Clock,
	}
	if c.sizer == nil {
		c.sizer = DefaultSizer[V]()
	}
	if c.policy == nil {
		c.policy = DefaultWeightedPolicy()
	}
	if c.metrics == nil {
		c.metrics = types.NopRecorder{}
	}
	if c.logger == nil {
		c.logger = utils.DefaultLogger()
	}
	c.logger = c.logger.WithComponent("cache")
	if c.clock == nil {
		c.clock = clock.Real()
	}

	return c, nil
}

// Get returns the value for key. Expired entries are removed and count as
// a miss. Every HotThreshold-th hit promotes the entry's priority by one.
func (c *AdaptiveCache[V]) Get(key string) (V, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	e, ok := c.items[key]
	if ok && e.Expired(now) {
		c.removeLocked(key)
		c.expirations++
		ok = false
	}
	if !ok {
		c.misses++
		c.mu.Unlock()
		c.metrics.RecordMiss()
		var zero V
		return zero, false
	}

	e.AccessCount++
	e.LastAccessedAt = now
	promoted := false
	if c.config.HotThreshold > 0 && e.AccessCount%c.config.HotThreshold == 0 && e.Priority > 1 {
		e.Priority--
		promoted = true
	}
	priority := e.Priority
	value := e.Value
	c.hits++
	c.mu.Unlock()

	c.metrics.RecordHit()
	if promoted {
		c.logger.Debug("Promoted hot entry", map[string]interface{}{
			"key":      key,
			"priority": priority,
		})
	}
	return value, true
}

// Peek returns a copy of the entry without touching access bookkeeping.
func (c *AdaptiveCache[V]) Peek(key string) (Entry[V], bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || e.Expired(now) {
		return Entry[V]{}, false
	}
	return *e, true
}

// Set stores value under key, replacing any previous entry. Priority 1 is
// the most valuable; values below 1 are raised to 1. If the cache is over
// either bound afterwards, entries are evicted until both hold. A value
// larger than MaxMemory is kept with a warning and is evicted first on the
// next breach. Eviction samples EvictionSamples entries per victim once the
// cache holds more than that.
func (c *AdaptiveCache[V]) Set(key string, value V, ttl time.Duration, priority int) {
	if ttl < 0 {
		ttl = 0
	}
	if priority < 1 {
		priority = 1
	}
	size := int64(len(key)) + c.sizeOf(key, value)
	now := c.clock.Now()

	c.mu.Lock()
	maxMemory := c.config.MaxMemory
	oversized := size > maxMemory
	c.insertLocked(&Entry[V]{
		Key:            key,
		Value:          value,
		CreatedAt:      now,
		LastAccessedAt: now,
		TTL:            ttl,
		SizeBytes:      size,
		Priority:       priority,
	}, oversized)

	var exempt int64
	if oversized {
		exempt = size
	}
	evicted := c.evictLocked(now, key, exempt)
	c.mu.Unlock()

	if oversized {
		c.logger.Warn("Accepted oversized entry", map[string]interface{}{
			"key":   key,
			"size":  humanize.IBytes(uint64(size)),
			"limit": humanize.IBytes(uint64(maxMemory)),
			"code":  errors.ErrCodeValueTooLarge,
		})
	}
	c.reportEvictions(evicted, "set")
}

// Config returns the normalized configuration.
func (c *AdaptiveCache[V]) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// SetDefault stores value with the configured default TTL and priority.
func (c *AdaptiveCache[V]) SetDefault(key string, value V) {
	c.Set(key, value, c.config.DefaultTTL, c.config.DefaultPriority)
}

// Invalidate removes key. Removing an absent key is a no-op.
func (c *AdaptiveCache[V]) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	if ok {
		c.removeLocked(key)
	}
	return ok
}

// InvalidateByPattern removes every key matching one of the category's
// patterns and returns how many were removed. Unknown categories are
// logged and ignored.
func (c *AdaptiveCache[V]) InvalidateByPattern(category string) int {
	match, ok := c.categories.matcher(category)
	if !ok {
		c.logger.Warn("Unknown invalidation category", map[string]interface{}{
			"category": category,
			"known":    strings.Join(c.categories.names(), ","),
			"code":     errors.ErrCodeUnknownPattern,
		})
		return 0
	}

	removed := c.sweep(context.Background(), func(key string, _ *Entry[V], _ time.Time) bool {
		return match(key)
	})
	c.logger.Debug("Invalidated category", map[string]interface{}{
		"category": category,
		"removed":  removed,
	})
	return removed
}

// InvalidatePrefix removes every key starting with prefix.
func (c *AdaptiveCache[V]) InvalidatePrefix(prefix string) int {
	return c.sweep(context.Background(), func(key string, _ *Entry[V], _ time.Time) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// PurgeExpired removes expired entries in chunks and returns the count.
func (c *AdaptiveCache[V]) PurgeExpired(ctx context.Context) int {
	purged := c.sweep(ctx, func(_ string, e *Entry[V], now time.Time) bool {
		return e.Expired(now)
	})

	if purged > 0 {
		c.mu.Lock()
		c.expirations += uint64(purged)
		c.mu.Unlock()
	}
	return purged
}

// Trim evicts the most disposable entries until the cache holds at most
// ratio of MaxEntries and of MaxMemory. Work is split into chunks so the
// lock is released periodically. It returns the number of evicted entries.
func (c *AdaptiveCache[V]) Trim(ctx context.Context, ratio float64) int {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	c.mu.Lock()
	targetEntries := int(math.Floor(float64(c.config.MaxEntries) * ratio))
	targetMemory := int64(math.Floor(float64(c.config.MaxMemory) * ratio))
	maxMemory := c.config.MaxMemory
	keys := c.keysLocked()
	c.mu.Unlock()

	over := func() bool {
		return len(c.items) > targetEntries || c.memory > targetMemory
	}

	// Score in chunks, then evict in chunks from a heap built outside the lock
	candidates := make([]scored, 0, len(keys))
	chunk := c.config.SweepChunkSize
	for start := 0; start < len(keys); start += chunk {
		if ctx.Err() != nil {
			return 0
		}
		end := min(start+chunk, len(keys))

		c.mu.Lock()
		now := c.clock.Now()
		for _, key := range keys[start:end] {
			if e, ok := c.items[key]; ok {
				candidates = append(candidates, c.scoreLocked(e, now, maxMemory))
			}
		}
		c.mu.Unlock()
	}

	h := newCandidateHeap(candidates)
	evicted := 0
	for h.Len() > 0 && ctx.Err() == nil {
		c.mu.Lock()
		if !over() {
			c.mu.Unlock()
			break
		}
		for n := 0; n < chunk && h.Len() > 0 && over(); n++ {
			cand := h.pop()
			e, ok := c.items[cand.key]
			// skip entries touched since they were scored
			if !ok || !e.LastAccessedAt.Equal(cand.lastAccessedAt) {
				continue
			}
			c.removeLocked(cand.key)
			c.evictions++
			evicted++
		}
		c.mu.Unlock()
	}

	c.reportEvictions(evicted, "trim")
	return evicted
}

// Resize changes the bounds and evicts until they hold. Non-positive
// values leave the corresponding bound unchanged.
func (c *AdaptiveCache[V]) Resize(maxEntries int, maxMemory int64) int {
	c.mu.Lock()
	if maxEntries > 0 {
		c.config.MaxEntries = maxEntries
	}
	memoryChanged := maxMemory > 0 && maxMemory != c.config.MaxMemory
	if maxMemory > 0 {
		c.config.MaxMemory = maxMemory
	}
	keys := c.keysLocked()
	c.mu.Unlock()

	if memoryChanged {
		c.reclassify(keys)
	}

	c.mu.Lock()
	evicted := c.evictLocked(c.clock.Now(), "", 0)
	c.mu.Unlock()

	c.reportEvictions(evicted, "resize")
	return evicted
}

// Clear removes every entry. Cleared entries are not counted as evictions.
func (c *AdaptiveCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*Entry[V])
	c.slots = nil
	c.oversized = make(map[string]struct{})
	c.memory = 0
}

// Keys returns the current keys in sorted order, expired ones included.
func (c *AdaptiveCache[V]) Keys() []string {
	c.mu.Lock()
	keys := c.keysLocked()
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored entries
func (c *AdaptiveCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// MemoryUsage returns the estimated size of all entries in bytes
func (c *AdaptiveCache[V]) MemoryUsage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memory
}

// Stats returns cache statistics
func (c *AdaptiveCache[V]) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := types.CacheStats{
		TotalEntries: len(c.items),
		MemoryUsage:  c.memory,
		MaxEntries:   c.config.MaxEntries,
		MaxMemory:    c.config.MaxMemory,
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
		Expirations:  c.expirations,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	if c.config.MaxMemory > 0 {
		stats.Utilization = float64(c.memory) / float64(c.config.MaxMemory)
	}
	return stats
}

// Start launches the janitor that purges expired entries every
// CleanupInterval.
func (c *AdaptiveCache[V]) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "cache janitor already running").
			WithComponent("cache")
	}
	c.started = true
	c.stopCh = make(chan struct{})

	ticker := c.clock.NewTicker(c.config.CleanupInterval)
	c.wg.Add(1)
	go c.janitor(ctx, ticker, c.stopCh)
	return nil
}

// Stop halts the janitor and waits for it to exit.
func (c *AdaptiveCache[V]) Stop() {
	c.lifecycle.Lock()
	if !c.started {
		c.lifecycle.Unlock()
		return
	}
	c.started = false
	close(c.stopCh)
	c.lifecycle.Unlock()

	c.wg.Wait()
}

func (c *AdaptiveCache[V]) janitor(ctx context.Context, ticker clock.Ticker, stopCh chan struct{}) {
	defer c.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			if n := c.PurgeExpired(ctx); n > 0 {
				c.logger.Debug("Purged expired entries", map[string]interface{}{"count": n})
			}
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep removes entries matching fn, holding the lock for at most one
// chunk of keys at a time.
func (c *AdaptiveCache[V]) sweep(ctx context.Context, fn func(key string, e *Entry[V], now time.Time) bool) int {
	c.mu.Lock()
	keys := c.keysLocked()
	c.mu.Unlock()

	removed := 0
	chunk := c.config.SweepChunkSize
	for start := 0; start < len(keys); start += chunk {
		if ctx.Err() != nil {
			break
		}
		end := min(start+chunk, len(keys))

		c.mu.Lock()
		now := c.clock.Now()
		for _, key := range keys[start:end] {
			if e, ok := c.items[key]; ok && fn(key, e, now) {
				c.removeLocked(key)
				removed++
			}
		}
		c.mu.Unlock()
	}
	return removed
}

// evictLocked evicts until both bounds hold. protect is never evicted;
// exempt bytes are ignored when checking the memory bound. Each eviction
// scores at most EvictionSamples entries, so the cost per Set does not grow
// with the size of the cache.
func (c *AdaptiveCache[V]) evictLocked(now time.Time, protect string, exempt int64) int {
	over := func() bool {
		return len(c.items) > c.config.MaxEntries || c.memory-exempt > c.config.MaxMemory
	}

	evicted := 0
	for over() {
		victim, ok := c.victimLocked(now, protect)
		if !ok {
			break
		}
		c.removeLocked(victim)
		c.evictions++
		evicted++
	}
	return evicted
}

// victimLocked picks the next entry to evict. Oversized entries go first.
// Small caches are scanned completely; larger ones are sampled.
func (c *AdaptiveCache[V]) victimLocked(now time.Time, protect string) (string, bool) {
	var best scored
	found := false
	consider := func(key string) {
		if key == protect {
			return
		}
		cand := c.scoreLocked(c.items[key], now, c.config.MaxMemory)
		if !found || moreDisposable(cand, best) {
			best, found = cand, true
		}
	}

	for key := range c.oversized {
		consider(key)
	}
	if found {
		return best.key, true
	}

	samples := c.config.EvictionSamples
	if len(c.slots) <= samples+1 {
		for _, key := range c.slots {
			consider(key)
		}
		return best.key, found
	}
	for i := 0; i < samples; i++ {
		consider(c.slots[rand.IntN(len(c.slots))])
	}
	if !found {
		// every draw hit the protected key
		for _, key := range c.slots {
			if key != protect {
				return key, true
			}
		}
	}
	return best.key, found
}

// reclassify rebuilds the oversized set after MaxMemory changed, holding
// the lock for one chunk of keys at a time.
func (c *AdaptiveCache[V]) reclassify(keys []string) {
	chunk := c.config.SweepChunkSize
	for start := 0; start < len(keys); start += chunk {
		end := min(start+chunk, len(keys))

		c.mu.Lock()
		for _, key := range keys[start:end] {
			e, ok := c.items[key]
			if !ok {
				continue
			}
			if e.SizeBytes > c.config.MaxMemory {
				c.oversized[key] = struct{}{}
			} else {
				delete(c.oversized, key)
			}
		}
		c.mu.Unlock()
	}
}

func (c *AdaptiveCache[V]) scoreLocked(e *Entry[V], now time.Time, maxMemory int64) scored {
	s := scored{key: e.Key, lastAccessedAt: e.LastAccessedAt}
	if e.SizeBytes > maxMemory {
		s.score = math.Inf(1)
		return s
	}
	s.score = c.policy.Score(Candidate{
		Key:            e.Key,
		Priority:       e.Priority,
		CreatedAt:      e.CreatedAt,
		LastAccessedAt: e.LastAccessedAt,
		AccessCount:    e.AccessCount,
		SizeBytes:      e.SizeBytes,
	}, now)
	return s
}

// sizeOf never fails; a panicking sizer is charged DefaultValueCost.
func (c *AdaptiveCache[V]) sizeOf(key string, value V) (size int64) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Sizer panicked", map[string]interface{}{
				"key":   key,
				"error": errors.FromPanic("cache", r).Error(),
			})
			size = DefaultValueCost
		}
	}()
	if size = c.sizer(value); size < 0 {
		size = 0
	}
	return size
}

// insertLocked stores e, reusing the slot of any entry it replaces.
func (c *AdaptiveCache[V]) insertLocked(e *Entry[V], oversized bool) {
	if old, ok := c.items[e.Key]; ok {
		c.memory -= old.SizeBytes
		e.slot = old.slot
	} else {
		e.slot = len(c.slots)
		c.slots = append(c.slots, e.Key)
	}
	c.items[e.Key] = e
	c.memory += e.SizeBytes

	if oversized {
		c.oversized[e.Key] = struct{}{}
	} else {
		delete(c.oversized, e.Key)
	}
}

func (c *AdaptiveCache[V]) removeLocked(key string) {
	e, ok := c.items[key]
	if !ok {
		return
	}
	delete(c.items, key)
	delete(c.oversized, key)
	c.memory -= e.SizeBytes

	// move the last key into the freed slot
	last := len(c.slots) - 1
	if e.slot != last {
		moved := c.slots[last]
		c.slots[e.slot] = moved
		c.items[moved].slot = e.slot
	}
	c.slots = c.slots[:last]
}

func (c *AdaptiveCache[V]) keysLocked() []string {
	return append([]string(nil), c.slots...)
}

func (c *AdaptiveCache[V]) reportEvictions(n int, reason string) {
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		c.metrics.RecordEviction()
	}
	c.logger.Debug(fmt.Sprintf("Evicted %d entries", n), map[string]interface{}{
		"reason": reason,
	})
}
