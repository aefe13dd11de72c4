// Package engine wires the metrics collector, adaptive cache, operation
// scheduler, batch processor and resource monitor into one Service with a
// shared lifecycle.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yamlforge/perfcore/internal/batch"
	"github.com/yamlforge/perfcore/internal/cache"
	"github.com/yamlforge/perfcore/internal/metrics"
	"github.com/yamlforge/perfcore/internal/scheduler"
	"github.com/yamlforge/perfcore/pkg/clock"
	"github.com/yamlforge/perfcore/pkg/errors"
	"github.com/yamlforge/perfcore/pkg/memmon"
	"github.com/yamlforge/perfcore/pkg/types"
	"github.com/yamlforge/perfcore/pkg/utils"
)

// Config holds the per-component settings. Nil sections use the
// component defaults.
type Config struct {
	Cache     *cache.Config
	Scheduler *scheduler.Config
	Batch     *batch.Config
	Monitor   *memmon.Config
	Metrics   *metrics.Config
}

// HealthCheck reports whether an external dependency is usable
type HealthCheck func(ctx context.Context) error

// Deps are the optional collaborators of a Service
type Deps[V any] struct {
	Logger *utils.StructuredLogger
	Clock  clock.Clock
	Probe  memmon.Probe
	GC     func()
	Sizer  cache.Sizer[V]
	Policy cache.EvictionPolicy

	// HealthChecks are run by Service.HealthCheck, keyed by name
	HealthChecks map[string]HealthCheck
}

// Stats is a read-only snapshot of every component
type Stats struct {
	Cache     types.CacheStats     `json:"cache"`
	Scheduler types.SchedulerStats `json:"scheduler"`
	Batch     batch.Stats          `json:"batch"`
	Resources types.ResourceUsage  `json:"resources"`
	Uptime    time.Duration        `json:"uptime"`
}

// Service composes the performance components around a cache of V
type Service[V any] struct {
	metrics   *metrics.Collector
	cache     *cache.AdaptiveCache[V]
	scheduler *scheduler.Scheduler
	batch     *batch.Processor
	monitor   *memmon.Monitor

	checks map[string]HealthCheck
	logger *utils.StructuredLogger
	clock  clock.Clock

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
}

// New builds every component. Nothing runs until Start.
func New[V any](cfg Config, deps Deps[V]) (*Service[V], error) {
	if deps.Logger == nil {
		deps.Logger = utils.DefaultLogger()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	metricsCfg := metrics.DefaultConfig()
	if cfg.Metrics != nil {
		copied := *cfg.Metrics
		metricsCfg = &copied
	}
	if metricsCfg.Clock == nil {
		metricsCfg.Clock = deps.Clock
	}
	collector, err := metrics.NewCollector(metricsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	c, err := cache.New[V](cfg.Cache, cache.Deps[V]{
		Sizer:   deps.Sizer,
		Policy:  deps.Policy,
		Metrics: collector,
		Logger:  deps.Logger,
		Clock:   deps.Clock,
	})
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(cfg.Scheduler, scheduler.Deps{
		Metrics: collector,
		Logger:  deps.Logger,
		Clock:   deps.Clock,
	})

	proc := batch.NewProcessor(sched, cfg.Batch, batch.Deps{
		Logger: deps.Logger,
		Clock:  deps.Clock,
	})

	monitor := memmon.NewMonitor(cfg.Monitor, memmon.Deps{
		Probe:     deps.Probe,
		Cache:     c,
		Scheduler: sched,
		GC:        deps.GC,
		Logger:    deps.Logger,
		Clock:     deps.Clock,
	})

	checks := make(map[string]HealthCheck, len(deps.HealthChecks))
	for name, check := range deps.HealthChecks {
		checks[name] = check
	}

	return &Service[V]{
		metrics:   collector,
		cache:     c,
		scheduler: sched,
		batch:     proc,
		monitor:   monitor,
		checks:    checks,
		logger:    deps.Logger.WithComponent("engine"),
		clock:     deps.Clock,
	}, nil
}

// Start launches the cache janitor, the batch flush loop and the resource
// monitor. The loops exit when ctx is cancelled or Stop is called.
func (s *Service[V]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return errors.NewError(errors.ErrCodeComponentStopped, "service already stopped").
			WithComponent("engine")
	}
	if s.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "service already started").
			WithComponent("engine")
	}

	var g errgroup.Group
	g.Go(func() error { return s.cache.Start(ctx) })
	g.Go(func() error { return s.batch.Start(ctx) })
	g.Go(func() error { return s.monitor.Start(ctx) })
	if err := g.Wait(); err != nil {
		// tear down whatever did start; the service cannot be restarted
		s.monitor.Stop()
		if stopErr := s.batch.Stop(ctx); stopErr != nil {
			s.logger.Warn("Batch processor did not stop cleanly", map[string]interface{}{
				"error": stopErr.Error(),
			})
		}
		s.cache.Stop()
		s.stopped = true
		return fmt.Errorf("failed to start service: %w", err)
	}

	s.started = true
	s.startedAt = s.clock.Now()
	s.metrics.UpdateConcurrency(s.scheduler.MaxConcurrent())
	s.logger.Info("Service started", map[string]interface{}{
		"max_concurrent": s.scheduler.MaxConcurrent(),
	})
	return nil
}

// Stop halts sampling, flushes pending batches, drains the scheduler and
// stops the janitor. It returns the first error and still stops every
// component.
func (s *Service[V]) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error {
		s.monitor.Stop()
		return nil
	})
	g.Go(func() error {
		// batch callbacks need a live scheduler
		batchErr := s.batch.Stop(ctx)
		schedErr := s.scheduler.Stop(ctx)
		if batchErr != nil {
			return batchErr
		}
		return schedErr
	})
	err := g.Wait()
	s.cache.Stop()

	fields := map[string]interface{}{}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.logger.Info("Service stopped", fields)
	return err
}

// LoadOption customizes how LoadThrough stores a loaded value
type LoadOption func(*loadOptions)

type loadOptions struct {
	ttl      *time.Duration
	priority *int
	retries  *int
}

// WithTTL overrides the cache TTL of the loaded value. Zero never expires.
func WithTTL(ttl time.Duration) LoadOption {
	return func(o *loadOptions) { o.ttl = &ttl }
}

// WithPriority overrides the cache priority of the loaded value
func WithPriority(priority int) LoadOption {
	return func(o *loadOptions) { o.priority = &priority }
}

// WithRetries overrides the scheduler retry budget for the load
func WithRetries(n int) LoadOption {
	return func(o *loadOptions) { o.retries = &n }
}

// LoadThrough returns the cached value for key or runs load through the
// scheduler and caches its result. Concurrent misses for the same key share
// one load. Failed loads are not cached.
func (s *Service[V]) LoadThrough(ctx context.Context, key string, tier scheduler.Tier, load func(ctx context.Context) (V, error), opts ...LoadOption) (V, error) {
	if v, ok := s.cache.Get(key); ok {
		return v, nil
	}

	defaults := s.cache.Config()
	ttl, priority := defaults.DefaultTTL, defaults.DefaultPriority
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl != nil {
		ttl = *o.ttl
	}
	if o.priority != nil {
		priority = *o.priority
	}

	submitOpts := []scheduler.SubmitOption{scheduler.WithID("load:" + key)}
	if o.retries != nil {
		submitOpts = append(submitOpts, scheduler.WithMaxRetries(*o.retries))
	}

	future := s.scheduler.Submit(tier, func(ctx context.Context) (interface{}, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		s.cache.Set(key, v, ttl, priority)
		return v, nil
	}, submitOpts...)

	return scheduler.Await[V](ctx, future)
}

// Cache returns the adaptive cache
func (s *Service[V]) Cache() *cache.AdaptiveCache[V] { return s.cache }

// Scheduler returns the operation scheduler
func (s *Service[V]) Scheduler() *scheduler.Scheduler { return s.scheduler }

// Batch returns the batch processor
func (s *Service[V]) Batch() *batch.Processor { return s.batch }

// Monitor returns the resource monitor
func (s *Service[V]) Monitor() *memmon.Monitor { return s.monitor }

// GetStats returns a snapshot of every component
func (s *Service[V]) GetStats() Stats {
	stats := Stats{
		Cache:     s.cache.Stats(),
		Scheduler: s.scheduler.Stats(),
		Batch:     s.batch.GetStats(),
		Resources: s.monitor.GetResourceUsage(),
	}
	s.mu.Lock()
	if s.started {
		stats.Uptime = s.clock.Since(s.startedAt)
	}
	s.mu.Unlock()
	return stats
}

// GetPerformanceMetrics publishes cache occupancy and returns the metrics
// snapshot scored against the latest memory ratio.
func (s *Service[V]) GetPerformanceMetrics() types.PerformanceMetrics {
	cs := s.cache.Stats()
	s.metrics.UpdateCacheSize(cs.TotalEntries, cs.MemoryUsage)
	return s.metrics.Snapshot(s.monitor.GetResourceUsage().Ratio)
}

// GetResourceUsage returns the resource monitor summary
func (s *Service[V]) GetResourceUsage() types.ResourceUsage {
	return s.monitor.GetResourceUsage()
}

// MetricsHandler serves the Prometheus registry of this service. Cache
// occupancy gauges are refreshed on every scrape.
func (s *Service[V]) MetricsHandler() http.Handler {
	next := s.metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs := s.cache.Stats()
		s.metrics.UpdateCacheSize(cs.TotalEntries, cs.MemoryUsage)
		next.ServeHTTP(w, r)
	})
}

// HealthCheck runs every registered check and fails if any fails or the
// service has been stopped.
func (s *Service[V]) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return errors.NewError(errors.ErrCodeComponentStopped, "service stopped").WithComponent("engine")
	}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var failed []string
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("health checks failed: %s", strings.Join(failed, "; "))
	}
	return nil
}
