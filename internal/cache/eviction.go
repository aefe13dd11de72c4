package cache

import (
	"container/heap"
	"math"
	"time"
)

// Candidate is the read-only view of an entry handed to an EvictionPolicy.
type Candidate struct {
	Key            string
	Priority       int
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    uint64
	SizeBytes      int64
}

// EvictionPolicy scores entries; the highest score is evicted first.
type EvictionPolicy interface {
	Score(c Candidate, now time.Time) float64
}

// WeightedPolicy scores entries as
//
//	priority·PriorityWeight + ageSeconds·AgeWeight − idleSeconds·IdleWeight
//	  − accessFrequency·FrequencyWeight
//
// where accessFrequency is accesses per minute of age, with age floored at
// one minute. Every time term is in seconds. Priority 1 is the most
// valuable, so larger numbers score higher. IdleWeight must stay below
// AgeWeight so that, among entries never read, older ones score higher.
type WeightedPolicy struct {
	PriorityWeight  float64 `yaml:"priority_weight"`
	AgeWeight       float64 `yaml:"age_weight"`
	IdleWeight      float64 `yaml:"idle_weight"`
	FrequencyWeight float64 `yaml:"frequency_weight"`
}

// DefaultWeightedPolicy returns weights where one priority step equals an
// hour of age and one access per minute offsets a minute of age.
func DefaultWeightedPolicy() WeightedPolicy {
	return WeightedPolicy{
		PriorityWeight:  3600,
		AgeWeight:       1,
		IdleWeight:      0.5,
		FrequencyWeight: 60,
	}
}

// Score implements EvictionPolicy
func (p WeightedPolicy) Score(c Candidate, now time.Time) float64 {
	age := nonNegative(now.Sub(c.CreatedAt))
	idle := nonNegative(now.Sub(c.LastAccessedAt))

	ageMinutes := math.Max(age.Minutes(), 1)
	frequency := float64(c.AccessCount) / ageMinutes

	return float64(c.Priority)*p.PriorityWeight +
		age.Seconds()*p.AgeWeight -
		idle.Seconds()*p.IdleWeight -
		frequency*p.FrequencyWeight
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

type scored struct {
	key            string
	score          float64
	lastAccessedAt time.Time
}

// moreDisposable orders candidates by highest score, then earliest
// lastAccessedAt, then smallest key.
func moreDisposable(a, b scored) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if !a.lastAccessedAt.Equal(b.lastAccessedAt) {
		return a.lastAccessedAt.Before(b.lastAccessedAt)
	}
	return a.key < b.key
}

// candidateHeap pops the most disposable entry first.
type candidateHeap []scored

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(i, j int) bool { return moreDisposable(h[i], h[j]) }

func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(scored)) }

func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func newCandidateHeap(items []scored) *candidateHeap {
	h := candidateHeap(items)
	heap.Init(&h)
	return &h
}

func (h *candidateHeap) pop() scored {
	return heap.Pop(h).(scored)
}
