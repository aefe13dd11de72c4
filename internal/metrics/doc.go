/*
Package metrics counts cache and operation events and derives hit rate,
average latency and an efficiency score from them.

Recording is lock-free: each event bumps an atomic counter and, when
export is enabled, the matching Prometheus metric. Nothing is derived at
record time.

	collector, err := metrics.NewCollector(metrics.DefaultConfig())
	if err != nil {
		return err
	}

	collector.RecordHit()
	collector.RecordLatency(time.Since(start))

	snap := collector.Snapshot(memoryUsageRatio)
	fmt.Printf("hit rate %.2f, score %.2f\n", snap.HitRate, snap.EfficiencyScore)

# Efficiency score

The score weighs free memory, hit rate and a latency factor:

	score = 0.3*(1-memoryUsageRatio) + 0.4*hitRate + 0.3*latencyFactor

latencyFactor is 1.0 under 50ms average latency, 0.8 under 100ms and 0.6
otherwise. Weights are configurable and normalized.

# Prometheus

Each collector owns a registry, so several collectors can live in one
process. Handler serves it:

	http.Handle("/metrics", collector.Handler())

Exported series: cache_requests_total{type}, cache_evictions_total,
operation_duration_seconds, slow_operations_total, cache_entries,
cache_size_bytes, scheduler_max_concurrent and efficiency_score.
*/
package metrics
