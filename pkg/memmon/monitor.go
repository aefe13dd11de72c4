// Package memmon samples host memory and adapts cache size and scheduler
// concurrency when usage crosses configured thresholds.
package memmon

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/yamlforge/perfcore/pkg/clock"
	"github.com/yamlforge/perfcore/pkg/errors"
	"github.com/yamlforge/perfcore/pkg/types"
	"github.com/yamlforge/perfcore/pkg/utils"
)

// Probe reads current heap usage
type Probe interface {
	ReadMemory() (heapUsed, heapTotal uint64, err error)
}

// ProbeFunc adapts a function to Probe
type ProbeFunc func() (heapUsed, heapTotal uint64, err error)

// ReadMemory calls f
func (f ProbeFunc) ReadMemory() (uint64, uint64, error) { return f() }

// RuntimeProbe reads the Go runtime's heap statistics
type RuntimeProbe struct{}

// ReadMemory returns HeapAlloc and HeapSys
func (RuntimeProbe) ReadMemory() (uint64, uint64, error) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return memStats.HeapAlloc, memStats.HeapSys, nil
}

// Config configures resource monitoring behavior
type Config struct {
	// Interval is how often to sample memory
	Interval time.Duration `yaml:"gc_interval"`

	// MemoryThresholdRatio triggers Optimize when heapUsed/heapTotal exceeds it
	MemoryThresholdRatio float64 `yaml:"memory_threshold_ratio"`

	// LowUsageRatio counts toward recovery when usage is below it
	LowUsageRatio float64 `yaml:"low_usage_ratio"`

	// RecoverySamples consecutive low samples raise concurrency by one
	RecoverySamples int `yaml:"recovery_samples"`

	// TrimRatio is the fraction of the cache bounds kept by Optimize
	TrimRatio float64 `yaml:"trim_ratio"`

	// MaxSamples is the number of samples to keep in history
	MaxSamples int `yaml:"max_samples"`

	OptimizationEnabled bool `yaml:"optimization_enabled"`

	// ProfileDir, when set, receives a heap profile on every breach
	ProfileDir string `yaml:"profile_dir"`
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() *Config {
	return &Config{
		Interval:             30 * time.Second,
		MemoryThresholdRatio: 0.8,
		LowUsageRatio:        0.3,
		RecoverySamples:      3,
		TrimRatio:            0.7,
		MaxSamples:           100,
		OptimizationEnabled:  true,
	}
}

// Deps carries the collaborators of a Monitor. Zero values get defaults;
// a nil Cache or Scheduler skips that part of Optimize.
type Deps struct {
	Probe     Probe
	Cache     types.Trimmer
	Scheduler types.Throttler
	GC        func()
	Logger    *utils.StructuredLogger
	Clock     clock.Clock
}

// EventType represents the kind of adaptive action taken
type EventType int

const (
	EventOptimize EventType = iota
	EventRecovery
	EventProbeFailure
)

// String returns the string representation of the event type
func (t EventType) String() string {
	switch t {
	case EventOptimize:
		return "optimize"
	case EventRecovery:
		return "recovery"
	case EventProbeFailure:
		return "probe_failure"
	default:
		return "unknown"
	}
}

// Event records one adaptive action
type Event struct {
	Timestamp     time.Time
	Type          EventType
	Ratio         float64
	Trimmed       int
	MaxConcurrent int
	Message       string
}

const maxEvents = 64

// Monitor samples memory on a timer. A breach of the threshold runs
// Optimize once; it re-arms only after a sample drops below the threshold.
type Monitor struct {
	config Config
	deps   Deps
	logger *utils.StructuredLogger
	clock  clock.Clock

	profiler *Profiler

	mu             sync.Mutex
	samples        []types.ResourceSample
	current        types.ResourceSample
	lastTimestamp  time.Time
	breached       bool
	consecutiveLow int
	optimizeCount  int64
	recoveryCount  int64
	enabled        bool
	lastErr        error
	events         []Event

	lifecycle sync.Mutex
	started   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewMonitor creates a new resource monitor
func NewMonitor(config *Config, deps Deps) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MemoryThresholdRatio <= 0 || cfg.MemoryThresholdRatio > 1 {
		cfg.MemoryThresholdRatio = def.MemoryThresholdRatio
	}
	if cfg.LowUsageRatio < 0 || cfg.LowUsageRatio >= cfg.MemoryThresholdRatio {
		cfg.LowUsageRatio = min(def.LowUsageRatio, cfg.MemoryThresholdRatio/2)
	}
	if cfg.RecoverySamples < 1 {
		cfg.RecoverySamples = def.RecoverySamples
	}
	if cfg.TrimRatio <= 0 || cfg.TrimRatio > 1 {
		cfg.TrimRatio = def.TrimRatio
	}
	if cfg.MaxSamples < 1 {
		cfg.MaxSamples = def.MaxSamples
	}

	if deps.Probe == nil {
		deps.Probe = RuntimeProbe{}
	}
	if deps.GC == nil {
		deps.GC = runtime.GC
	}
	if deps.Logger == nil {
		deps.Logger = utils.DefaultLogger()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	m := &Monitor{
		config:  cfg,
		deps:    deps,
		logger:  deps.Logger.WithComponent("memmon"),
		clock:   deps.Clock,
		samples: make([]types.ResourceSample, 0, cfg.MaxSamples),
		enabled: cfg.OptimizationEnabled,
	}

	if cfg.ProfileDir != "" {
		profiler, err := NewProfiler(cfg.ProfileDir, deps.Clock)
		if err != nil {
			m.logger.Warn("Heap profiles disabled", map[string]interface{}{"error": err.Error()})
		} else {
			m.profiler = profiler
		}
	}
	return m
}

// Start begins periodic sampling
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "monitor already running").
			WithComponent("memmon")
	}
	m.started = true
	m.stopCh = make(chan struct{})

	m.logger.Info("Starting resource monitor", map[string]interface{}{
		"interval":  m.config.Interval.String(),
		"threshold": m.config.MemoryThresholdRatio,
	})

	ticker := m.clock.NewTicker(m.config.Interval)
	m.wg.Add(1)
	go m.monitorLoop(ctx, ticker, m.stopCh)
	return nil
}

// Stop stops periodic sampling and waits for the loop to exit
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	if !m.started {
		m.lifecycle.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	m.lifecycle.Unlock()

	m.wg.Wait()
}

func (m *Monitor) monitorLoop(ctx context.Context, ticker clock.Ticker, stopCh chan struct{}) {
	defer m.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C():
			sample, err := m.Sample()
			if err != nil {
				// sampling stops; cache and scheduler keep their current settings
				return
			}
			m.CheckThreshold(ctx, sample)
		}
	}
}

// Sample reads the probe and appends the result to the history. A probe
// failure disables adaptive optimization.
func (m *Monitor) Sample() (types.ResourceSample, error) {
	used, total, err := m.readProbe()
	now := m.clock.Now()

	if err != nil {
		perr := errors.Wrap(err, errors.ErrCodeProbeUnavailable, "memory probe failed").
			WithComponent("memmon").
			WithOperation("sample")

		m.mu.Lock()
		m.enabled = false
		m.lastErr = perr
		m.recordEventLocked(Event{Timestamp: now, Type: EventProbeFailure, Message: err.Error()})
		m.mu.Unlock()

		m.logger.Error("Memory probe unavailable, adaptive optimization disabled", map[string]interface{}{
			"error": err.Error(),
		})
		return types.ResourceSample{}, perr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !now.After(m.lastTimestamp) {
		now = m.lastTimestamp.Add(time.Nanosecond)
	}
	m.lastTimestamp = now

	sample := types.ResourceSample{HeapUsed: used, HeapTotal: total, Timestamp: now}
	m.current = sample
	m.samples = append(m.samples, sample)
	if len(m.samples) > m.config.MaxSamples {
		m.samples = m.samples[len(m.samples)-m.config.MaxSamples:]
	}
	return sample, nil
}

func (m *Monitor) readProbe() (used, total uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.FromPanic("memmon", r)
		}
	}()
	return m.deps.Probe.ReadMemory()
}

// CheckThreshold applies the breach and recovery rules to sample and
// reports whether Optimize ran.
func (m *Monitor) CheckThreshold(ctx context.Context, sample types.ResourceSample) bool {
	ratio := sample.Ratio()

	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return false
	}

	var optimize, raise bool
	switch {
	case ratio > m.config.MemoryThresholdRatio:
		m.consecutiveLow = 0
		if !m.breached {
			m.breached = true
			optimize = true
		}
	case ratio < m.config.LowUsageRatio:
		m.breached = false
		m.consecutiveLow++
		if m.consecutiveLow >= m.config.RecoverySamples {
			m.consecutiveLow = 0
			raise = true
		}
	default:
		m.breached = false
		m.consecutiveLow = 0
	}
	m.mu.Unlock()

	if optimize {
		m.optimize(ctx, sample)
	}
	if raise {
		m.raiseConcurrency(sample)
	}
	return optimize
}

// Optimize trims the cache, lowers scheduler concurrency by one and
// requests a garbage collection.
func (m *Monitor) Optimize(ctx context.Context) Event {
	m.mu.Lock()
	sample := m.current
	m.mu.Unlock()
	return m.optimize(ctx, sample)
}

func (m *Monitor) optimize(ctx context.Context, sample types.ResourceSample) Event {
	event := Event{
		Timestamp: m.clock.Now(),
		Type:      EventOptimize,
		Ratio:     sample.Ratio(),
	}

	if m.deps.Cache != nil {
		event.Trimmed = m.deps.Cache.Trim(ctx, m.config.TrimRatio)
	}
	if m.deps.Scheduler != nil {
		event.MaxConcurrent = m.deps.Scheduler.DecreaseConcurrency()
	}
	m.runGC()

	if m.profiler != nil {
		if path, err := m.profiler.WriteHeapProfile(""); err != nil {
			m.logger.Warn("Failed to write heap profile", map[string]interface{}{"error": err.Error()})
		} else {
			event.Message = path
		}
	}

	m.mu.Lock()
	m.optimizeCount++
	m.recordEventLocked(event)
	m.mu.Unlock()

	m.logger.Info("Memory threshold exceeded, optimized", map[string]interface{}{
		"ratio":          event.Ratio,
		"heap_used":      humanize.IBytes(sample.HeapUsed),
		"heap_total":     humanize.IBytes(sample.HeapTotal),
		"trimmed":        event.Trimmed,
		"max_concurrent": event.MaxConcurrent,
	})
	return event
}

func (m *Monitor) raiseConcurrency(sample types.ResourceSample) {
	event := Event{
		Timestamp: m.clock.Now(),
		Type:      EventRecovery,
		Ratio:     sample.Ratio(),
	}
	if m.deps.Scheduler != nil {
		event.MaxConcurrent = m.deps.Scheduler.IncreaseConcurrency()
	}

	m.mu.Lock()
	m.recoveryCount++
	m.recordEventLocked(event)
	m.mu.Unlock()

	m.logger.Debug("Memory usage low, concurrency raised", map[string]interface{}{
		"ratio":          event.Ratio,
		"max_concurrent": event.MaxConcurrent,
	})
}

func (m *Monitor) runGC() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("GC trigger panicked", map[string]interface{}{
				"error": errors.FromPanic("memmon", r).Error(),
			})
		}
	}()
	m.deps.GC()
}

func (m *Monitor) recordEventLocked(e Event) {
	m.events = append(m.events, e)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
}

// GetResourceUsage returns a snapshot of the monitor state
func (m *Monitor) GetResourceUsage() types.ResourceUsage {
	m.mu.Lock()
	defer m.mu.Unlock()

	usage := types.ResourceUsage{
		Current:             m.current,
		Ratio:               m.current.Ratio(),
		Breached:            m.breached,
		OptimizationEnabled: m.enabled,
		OptimizeCount:       m.optimizeCount,
		RecoveryCount:       m.recoveryCount,
		ConsecutiveLow:      m.consecutiveLow,
		SampleCount:         len(m.samples),
	}
	if m.lastErr != nil {
		usage.LastError = m.lastErr.Error()
	}
	return usage
}

// GetSamples returns the sample history, oldest first
func (m *Monitor) GetSamples() []types.ResourceSample {
	m.mu.Lock()
	defer m.mu.Unlock()

	samples := make([]types.ResourceSample, len(m.samples))
	copy(samples, m.samples)
	return samples
}

// GetEvents returns the most recent adaptive actions, oldest first
func (m *Monitor) GetEvents() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := make([]Event, len(m.events))
	copy(events, m.events)
	return events
}

// SetOptimizationEnabled turns the adaptive rules on or off. Re-enabling
// clears the breach state.
func (m *Monitor) SetOptimizationEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = enabled
	if enabled {
		m.breached = false
		m.consecutiveLow = 0
	}
}
