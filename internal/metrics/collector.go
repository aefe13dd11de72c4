package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yamlforge/perfcore/pkg/clock"
	"github.com/yamlforge/perfcore/pkg/types"
)

// Collector counts cache and operation events. Recording is O(1) and
// lock-free; derived values are computed from the raw counters on read.
type Collector struct {
	config *Config
	clock  clock.Clock

	hits           atomic.Uint64
	misses         atomic.Uint64
	evictions      atomic.Uint64
	operations     atomic.Uint64
	slowOperations atomic.Uint64
	latencyTotalNs atomic.Uint64

	registry *prometheus.Registry

	// Prometheus metrics, nil when export is disabled
	cacheRequests      *prometheus.CounterVec
	cacheEvictions     prometheus.Counter
	operationDuration  prometheus.Histogram
	slowOperationTotal prometheus.Counter
	cacheEntries       prometheus.Gauge
	cacheBytes         prometheus.Gauge
	maxConcurrent      prometheus.Gauge
	efficiency         prometheus.Gauge
}

var _ types.MetricsRecorder = (*Collector)(nil)

// Config represents metrics configuration
type Config struct {
	// Enabled turns on Prometheus export. Counters are always kept.
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`

	// SlowThreshold marks operations at or above it as slow.
	SlowThreshold time.Duration `yaml:"slow_threshold"`

	// Efficiency score weights; they are normalized on read.
	MemoryWeight  float64 `yaml:"memory_weight"`
	HitRateWeight float64 `yaml:"hit_rate_weight"`
	LatencyWeight float64 `yaml:"latency_weight"`

	Clock clock.Clock `yaml:"-"`
}

// DefaultConfig returns the default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		Namespace:     "perfcore",
		SlowThreshold: 100 * time.Millisecond,
		MemoryWeight:  0.3,
		HitRateWeight: 0.4,
		LatencyWeight: 0.3,
	}
}

// NewCollector creates a new metrics collector
func NewCollector(cfg *Config) (*Collector, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	copied := *cfg
	config := &copied
	if config.SlowThreshold <= 0 {
		config.SlowThreshold = 100 * time.Millisecond
	}
	if config.MemoryWeight+config.HitRateWeight+config.LatencyWeight <= 0 {
		config.MemoryWeight, config.HitRateWeight, config.LatencyWeight = 0.3, 0.4, 0.3
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	c := &Collector{
		config: config,
		clock:  config.Clock,
	}

	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return c, nil
}

// RecordHit records a cache hit
func (c *Collector) RecordHit() {
	c.hits.Add(1)
	if c.cacheRequests != nil {
		c.cacheRequests.WithLabelValues("hit").Inc()
	}
}

// RecordMiss records a cache miss
func (c *Collector) RecordMiss() {
	c.misses.Add(1)
	if c.cacheRequests != nil {
		c.cacheRequests.WithLabelValues("miss").Inc()
	}
}

// RecordEviction records a cache eviction
func (c *Collector) RecordEviction() {
	c.evictions.Add(1)
	if c.cacheEvictions != nil {
		c.cacheEvictions.Inc()
	}
}

// RecordLatency records the duration of one completed operation
func (c *Collector) RecordLatency(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.operations.Add(1)
	c.latencyTotalNs.Add(uint64(d))
	slow := d >= c.config.SlowThreshold
	if slow {
		c.slowOperations.Add(1)
	}

	if c.operationDuration != nil {
		c.operationDuration.Observe(d.Seconds())
		if slow {
			c.slowOperationTotal.Inc()
		}
	}
}

// UpdateCacheSize publishes the current cache occupancy
func (c *Collector) UpdateCacheSize(entries int, bytes int64) {
	if c.cacheEntries == nil {
		return
	}
	c.cacheEntries.Set(float64(entries))
	c.cacheBytes.Set(float64(bytes))
}

// UpdateConcurrency publishes the scheduler's current ceiling
func (c *Collector) UpdateConcurrency(maxConcurrent int) {
	if c.maxConcurrent == nil {
		return
	}
	c.maxConcurrent.Set(float64(maxConcurrent))
}

// HitRate returns hits/(hits+misses), or 0 before any lookups.
func (c *Collector) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// AvgLatency returns total latency divided by operation count.
func (c *Collector) AvgLatency() time.Duration {
	ops := c.operations.Load()
	if ops == 0 {
		return 0
	}
	return time.Duration(c.latencyTotalNs.Load() / ops)
}

// LatencyFactor buckets the average latency into a score.
func LatencyFactor(avg time.Duration) float64 {
	switch {
	case avg < 50*time.Millisecond:
		return 1.0
	case avg < 100*time.Millisecond:
		return 0.8
	default:
		return 0.6
	}
}

// EfficiencyScore is the weighted average of free memory, hit rate and
// the latency factor. memoryUsageRatio is clamped to [0, 1].
func (c *Collector) EfficiencyScore(memoryUsageRatio float64) float64 {
	if memoryUsageRatio < 0 {
		memoryUsageRatio = 0
	}
	if memoryUsageRatio > 1 {
		memoryUsageRatio = 1
	}

	wm, wh, wl := c.config.MemoryWeight, c.config.HitRateWeight, c.config.LatencyWeight
	total := wm + wh + wl

	score := wm*(1-memoryUsageRatio) + wh*c.HitRate() + wl*LatencyFactor(c.AvgLatency())
	return score / total
}

// Snapshot returns a read-only view of all counters and derived values
func (c *Collector) Snapshot(memoryUsageRatio float64) types.PerformanceMetrics {
	avg := c.AvgLatency()
	score := c.EfficiencyScore(memoryUsageRatio)
	if c.efficiency != nil {
		c.efficiency.Set(score)
	}

	return types.PerformanceMetrics{
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		Evictions:        c.evictions.Load(),
		Operations:       c.operations.Load(),
		SlowOpCount:      c.slowOperations.Load(),
		HitRate:          c.HitRate(),
		AvgLatency:       avg,
		AvgLatencyMs:     float64(avg) / float64(time.Millisecond),
		MemoryUsageRatio: memoryUsageRatio,
		EfficiencyScore:  score,
		Timestamp:        c.clock.Now(),
	}
}

// Reset zeroes the raw counters. Prometheus counters are monotonic and are
// left untouched.
func (c *Collector) Reset() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
	c.operations.Store(0)
	c.slowOperations.Store(0)
	c.latencyTotalNs.Store(0)
}

// Registry returns the Prometheus registry, or nil when export is disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem

	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "cache_requests_total",
			Help:      "Total number of cache lookups by result",
		},
		[]string{"type"},
	)

	c.cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "cache_evictions_total",
		Help:      "Total number of entries evicted from the cache",
	})

	c.operationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "operation_duration_seconds",
		Help:      "Duration of scheduled operations in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
	})

	c.slowOperationTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "slow_operations_total",
		Help:      "Operations that took at least the slow threshold",
	})

	c.cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "cache_entries",
		Help:      "Current number of cache entries",
	})

	c.cacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "cache_size_bytes",
		Help:      "Estimated cache memory usage in bytes",
	})

	c.maxConcurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "scheduler_max_concurrent",
		Help:      "Current scheduler concurrency ceiling",
	})

	c.efficiency = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "efficiency_score",
		Help:      "Last computed efficiency score (0-1)",
	})
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{
		c.cacheRequests,
		c.cacheEvictions,
		c.operationDuration,
		c.slowOperationTotal,
		c.cacheEntries,
		c.cacheBytes,
		c.maxConcurrent,
		c.efficiency,
	}

	for _, metric := range collectors {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}
