package types

import (
	"context"
	"time"
)

// MetricsRecorder receives cache and operation events. Implementations must
// be O(1) and safe for concurrent use.
type MetricsRecorder interface {
	RecordHit()
	RecordMiss()
	RecordEviction()
	RecordLatency(d time.Duration)
}

// Trimmer shrinks a cache toward a fraction of its configured bounds.
type Trimmer interface {
	Trim(ctx context.Context, ratio float64) int
}

// Throttler adjusts a concurrency ceiling. Both methods return the new
// ceiling.
type Throttler interface {
	DecreaseConcurrency() int
	IncreaseConcurrency() int
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) RecordHit()                  {}
func (NopRecorder) RecordMiss()                 {}
func (NopRecorder) RecordEviction()             {}
func (NopRecorder) RecordLatency(time.Duration) {}
