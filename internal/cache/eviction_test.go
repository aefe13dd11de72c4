package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWeightedPolicy_Score(t *testing.T) {
	p := DefaultWeightedPolicy()
	now := epoch.Add(time.Hour)

	base := Candidate{
		Key:            "k",
		Priority:       5,
		CreatedAt:      now.Add(-10 * time.Minute),
		LastAccessedAt: now.Add(-time.Minute),
		AccessCount:    10,
	}

	t.Run("numerically larger priority is more disposable", func(t *testing.T) {
		low := base
		low.Priority = 9
		assert.Greater(t, p.Score(low, now), p.Score(base, now))
	})

	t.Run("idle time lowers the score", func(t *testing.T) {
		idle := base
		idle.LastAccessedAt = now.Add(-9 * time.Minute)
		assert.InDelta(t, p.Score(base, now)-8*60*0.5, p.Score(idle, now), 1e-9)
	})

	t.Run("among unread entries older ones are more disposable", func(t *testing.T) {
		fresh := Candidate{Priority: 5, CreatedAt: now.Add(-time.Minute), LastAccessedAt: now.Add(-time.Minute)}
		stale := Candidate{Priority: 5, CreatedAt: now.Add(-time.Hour), LastAccessedAt: now.Add(-time.Hour)}
		assert.Greater(t, p.Score(stale, now), p.Score(fresh, now))
	})

	t.Run("frequently used entries are kept", func(t *testing.T) {
		busy := base
		busy.AccessCount = 100
		assert.Less(t, p.Score(busy, now), p.Score(base, now))
	})

	t.Run("young entries use a one minute floor", func(t *testing.T) {
		young := Candidate{Priority: 1, CreatedAt: now, LastAccessedAt: now, AccessCount: 3}
		assert.InDelta(t, 3600-3*60, p.Score(young, now), 1e-9)
	})

	t.Run("clock skew does not produce negative ages", func(t *testing.T) {
		future := Candidate{Priority: 2, CreatedAt: now.Add(time.Hour), LastAccessedAt: now.Add(time.Hour)}
		assert.InDelta(t, 7200, p.Score(future, now), 1e-9)
	})

	t.Run("full formula", func(t *testing.T) {
		// 5·3600 + 600 − 60·0.5 − (10/10)·60
		assert.InDelta(t, 18000+600-30-60, p.Score(base, now), 1e-9)
	})
}

func TestCandidateHeapOrdering(t *testing.T) {
	h := newCandidateHeap([]scored{
		{key: "b", score: 10, lastAccessedAt: epoch},
		{key: "a", score: 10, lastAccessedAt: epoch},
		{key: "c", score: 10, lastAccessedAt: epoch.Add(-time.Second)},
		{key: "d", score: 50, lastAccessedAt: epoch},
		{key: "e", score: 1, lastAccessedAt: epoch},
	})

	var order []string
	for h.Len() > 0 {
		order = append(order, h.pop().key)
	}
	assert.Equal(t, []string{"d", "c", "a", "b", "e"}, order)
}
