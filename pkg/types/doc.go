/*
Package types holds the data structures and narrow interfaces shared by the
perfcore components.

Snapshot types (CacheStats, PerformanceMetrics, ResourceUsage,
SchedulerStats) are plain values that hosts can render in status bars or
diagnostics views without touching component internals.

The interfaces decouple the resource monitor from the concrete cache and
scheduler:

	memmon.Monitor ──Trimmer──▶ cache.AdaptiveCache
	               ──Throttler─▶ scheduler.Scheduler

and let the cache report events without importing the metrics package:

	cache.AdaptiveCache ──MetricsRecorder──▶ metrics.Collector
*/
package types
