package types

import (
	"time"
)

// CacheStats represents cache statistics
type CacheStats struct {
	TotalEntries int     `json:"total_entries"`
	MemoryUsage  int64   `json:"memory_usage"`
	MaxEntries   int     `json:"max_entries"`
	MaxMemory    int64   `json:"max_memory"`
	Hits         uint64  `json:"hits"`
	Misses       uint64  `json:"misses"`
	Evictions    uint64  `json:"evictions"`
	Expirations  uint64  `json:"expirations"`
	HitRate      float64 `json:"hit_rate"`
	Utilization  float64 `json:"utilization"`
}

// PerformanceMetrics is a point-in-time view of the metrics collector.
// Derived values are computed from raw counters when the snapshot is taken.
type PerformanceMetrics struct {
	Hits             uint64        `json:"hits"`
	Misses           uint64        `json:"misses"`
	Evictions        uint64        `json:"evictions"`
	Operations       uint64        `json:"operations"`
	SlowOpCount      uint64        `json:"slow_op_count"`
	HitRate          float64       `json:"hit_rate"`
	AvgLatency       time.Duration `json:"avg_latency"`
	AvgLatencyMs     float64       `json:"avg_latency_ms"`
	MemoryUsageRatio float64       `json:"memory_usage_ratio"`
	EfficiencyScore  float64       `json:"efficiency_score"`
	Timestamp        time.Time     `json:"timestamp"`
}

// ResourceSample is a single reading of host memory
type ResourceSample struct {
	HeapUsed  uint64    `json:"heap_used"`
	HeapTotal uint64    `json:"heap_total"`
	Timestamp time.Time `json:"timestamp"`
}

// Ratio returns HeapUsed/HeapTotal, or 0 when the total is unknown.
func (s ResourceSample) Ratio() float64 {
	if s.HeapTotal == 0 {
		return 0
	}
	return float64(s.HeapUsed) / float64(s.HeapTotal)
}

// ResourceUsage summarizes the resource monitor state for host UIs
type ResourceUsage struct {
	Current             ResourceSample `json:"current"`
	Ratio               float64        `json:"ratio"`
	Breached            bool           `json:"breached"`
	OptimizationEnabled bool           `json:"optimization_enabled"`
	OptimizeCount       int64          `json:"optimize_count"`
	RecoveryCount       int64          `json:"recovery_count"`
	ConsecutiveLow      int            `json:"consecutive_low"`
	SampleCount         int            `json:"sample_count"`
	LastError           string         `json:"last_error,omitempty"`
}

// SchedulerStats represents scheduler state and counters
type SchedulerStats struct {
	MaxConcurrent  int    `json:"max_concurrent"`
	CeilingLimit   int    `json:"ceiling_limit"`
	Running        int    `json:"running"`
	RunningHigh    int    `json:"running_high"`
	RunningMedium  int    `json:"running_medium"`
	RunningLow     int    `json:"running_low"`
	QueuedHigh     int    `json:"queued_high"`
	QueuedMedium   int    `json:"queued_medium"`
	QueuedLow      int    `json:"queued_low"`
	InFlight       int    `json:"in_flight"`
	Submitted      uint64 `json:"submitted"`
	Completed      uint64 `json:"completed"`
	Failed         uint64 `json:"failed"`
	Retries        uint64 `json:"retries"`
	Deduplicated   uint64 `json:"deduplicated"`
	PanicRecovered uint64 `json:"panic_recovered"`
}
