/*
Package cache provides AdaptiveCache, a bounded in-memory key/value store
with TTL expiry and score-based eviction.

Both bounds are enforced after every Set: at most MaxEntries entries and at
most MaxMemory bytes as measured by the configured Sizer. When a bound is
exceeded the EvictionPolicy scores candidates and the highest score goes
first. Caches larger than EvictionSamples are sampled rather than scanned,
so a Set at capacity costs the same at any size. The default WeightedPolicy
grows with priority number and age and shrinks with idle time and access
frequency. The entry that was just written is never its own victim, and an
entry larger than MaxMemory is always the first to go.

Keys are namespaced ("validation:<uri>", "schema:<id>") so that related
entries can be dropped together:

	c.InvalidateByPattern(cache.CategorySchema)
	c.InvalidatePrefix("document:file:///repo/")

Memory pressure is relieved through Trim, which the resource monitor calls
to shrink the cache to a fraction of its current size.

The janitor started by Start removes expired entries every CleanupInterval,
sweeping in chunks so that readers are never blocked for a full scan.
*/
package cache
