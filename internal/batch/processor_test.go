package batch

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamlforge/perfcore/internal/scheduler"
	"github.com/yamlforge/perfcore/pkg/clock"
	"github.com/yamlforge/perfcore/pkg/errors"
	"github.com/yamlforge/perfcore/pkg/utils"
)

const validate OperationType = "validate"

func newTestProcessor(t *testing.T, batchSize int, clk clock.Clock) *Processor {
	t.Helper()

	schedCfg := scheduler.DefaultConfig()
	schedCfg.LowTierDelay = time.Millisecond
	schedCfg.Retry.BaseDelay = time.Millisecond
	schedCfg.Retry.MaxDelay = 5 * time.Millisecond
	sched := scheduler.New(schedCfg, scheduler.Deps{Logger: utils.NewNopLogger()})

	p := NewProcessor(sched, &Config{BatchSize: batchSize, FlushInterval: time.Hour}, Deps{
		Logger: utils.NewNopLogger(),
		Clock:  clk,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
		_ = sched.Stop(ctx)
	})
	return p
}

// recorder collects callback invocations.
type recorder struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	order   []int
	results map[int]interface{}
	errs    map[int]error
}

func newRecorder() *recorder {
	return &recorder{results: make(map[int]interface{}), errs: make(map[int]error)}
}

func (r *recorder) op(tier scheduler.Tier, payload int) *Operation {
	r.wg.Add(1)
	return &Operation{
		Type:    validate,
		Tier:    tier,
		Payload: payload,
		Callback: func(result interface{}, err error) {
			defer r.wg.Done()
			r.mu.Lock()
			defer r.mu.Unlock()
			r.order = append(r.order, payload)
			r.results[payload] = result
			r.errs[payload] = err
		},
	}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callbacks")
	}
}

func doubler(sizes *[]int, mu *sync.Mutex) BatchFunc {
	return func(_ context.Context, payloads []interface{}) ([]interface{}, error) {
		mu.Lock()
		*sizes = append(*sizes, len(payloads))
		mu.Unlock()

		out := make([]interface{}, len(payloads))
		for i, p := range payloads {
			out[i] = p.(int) * 2
		}
		return out, nil
	}
}

func TestChunksOfBatchSize(t *testing.T) {
	p := newTestProcessor(t, 10, nil)

	var mu sync.Mutex
	var sizes []int
	p.Register(validate, doubler(&sizes, &mu))

	rec := newRecorder()
	for i := 0; i < 25; i++ {
		require.NoError(t, p.Enqueue(rec.op(scheduler.TierMedium, i)))
	}
	assert.Equal(t, 5, p.GetStats().PendingOperations)
	assert.Equal(t, 1, p.Flush())
	rec.wait(t)

	mu.Lock()
	sort.Ints(sizes)
	assert.Equal(t, []int{5, 10, 10}, sizes)
	mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.order, 25)
	for i := 0; i < 25; i++ {
		assert.Equal(t, i*2, rec.results[i], "payload %d gets its own result", i)
		assert.NoError(t, rec.errs[i])
	}

	// callbacks within a chunk arrive in submission order
	for lo := 0; lo < 25; lo += 10 {
		var seen []int
		for _, v := range rec.order {
			if v >= lo && v < lo+10 {
				seen = append(seen, v)
			}
		}
		assert.True(t, sort.IntsAreSorted(seen), "chunk starting at %d: %v", lo, seen)
	}

	stats := p.GetStats()
	assert.Equal(t, uint64(25), stats.TotalOperations)
	assert.Equal(t, uint64(3), stats.BatchCount)
	assert.InDelta(t, 25.0/3.0, stats.AverageBatchSize, 1e-9)
	assert.Equal(t, uint64(3), stats.FlushCount)
	assert.Zero(t, stats.PendingOperations)
}

func TestChunkErrorReachesEveryMember(t *testing.T) {
	p := newTestProcessor(t, 3, nil)

	errBad := stderrors.New("schema not found")
	p.Register(validate, func(_ context.Context, payloads []interface{}) ([]interface{}, error) {
		for _, pl := range payloads {
			if pl.(int) == 4 {
				return nil, errBad
			}
		}
		return payloads, nil
	})

	rec := newRecorder()
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Enqueue(rec.op(scheduler.TierHigh, i)))
	}
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 0; i < 3; i++ {
		assert.NoError(t, rec.errs[i], "first chunk is isolated from the failure")
		assert.Equal(t, i, rec.results[i])
	}
	for i := 3; i < 6; i++ {
		assert.ErrorIs(t, rec.errs[i], errBad)
		assert.Nil(t, rec.results[i])
	}
	assert.Equal(t, uint64(3), p.GetStats().ErrorCount)
}

func TestResultCountMismatch(t *testing.T) {
	p := newTestProcessor(t, 4, nil)
	p.Register(validate, func(_ context.Context, payloads []interface{}) ([]interface{}, error) {
		return payloads[:1], nil
	})

	rec := newRecorder()
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Enqueue(rec.op(scheduler.TierMedium, i)))
	}
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 0; i < 4; i++ {
		assert.True(t, errors.HasCode(rec.errs[i], errors.ErrCodeBatchFailed))
	}
}

func TestTransientChunkErrorIsRetried(t *testing.T) {
	p := newTestProcessor(t, 2, nil)

	var calls atomic.Int32
	p.Register(validate, func(_ context.Context, payloads []interface{}) ([]interface{}, error) {
		if calls.Add(1) == 1 {
			return nil, errors.NewError(errors.ErrCodeConnectionTimeout, "schema store timed out")
		}
		return payloads, nil
	})

	rec := newRecorder()
	require.NoError(t, p.Enqueue(rec.op(scheduler.TierMedium, 1)))
	require.NoError(t, p.Enqueue(rec.op(scheduler.TierMedium, 2)))
	rec.wait(t)

	assert.Equal(t, int32(2), calls.Load())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.NoError(t, rec.errs[1])
	assert.NoError(t, rec.errs[2])
}

func TestUnknownType(t *testing.T) {
	p := newTestProcessor(t, 10, nil)

	err := p.Enqueue(&Operation{Type: "format", Payload: "a.yaml"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnknownBatchType))
	assert.Zero(t, p.GetStats().TotalOperations)
}

func TestGroupsByTypeAndTier(t *testing.T) {
	p := newTestProcessor(t, 10, nil)

	var mu sync.Mutex
	var sizes []int
	p.Register(validate, doubler(&sizes, &mu))
	p.Register("complete", doubler(&sizes, &mu))

	rec := newRecorder()
	require.NoError(t, p.Enqueue(rec.op(scheduler.TierHigh, 1)))
	require.NoError(t, p.Enqueue(rec.op(scheduler.TierHigh, 2)))
	require.NoError(t, p.Enqueue(rec.op(scheduler.TierLow, 3)))

	other := rec.op(scheduler.TierHigh, 4)
	other.Type = "complete"
	require.NoError(t, p.Enqueue(other))

	assert.Equal(t, 3, p.Flush())
	rec.wait(t)

	mu.Lock()
	sort.Ints(sizes)
	assert.Equal(t, []int{1, 1, 2}, sizes)
	mu.Unlock()
}

func TestPeriodicFlush(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	p := newTestProcessor(t, 10, fake)

	var mu sync.Mutex
	var sizes []int
	p.Register(validate, doubler(&sizes, &mu))
	require.NoError(t, p.Start(context.Background()))
	assert.True(t, errors.HasCode(p.Start(context.Background()), errors.ErrCodeAlreadyStarted))

	rec := newRecorder()
	require.NoError(t, p.Enqueue(rec.op(scheduler.TierMedium, 1)))
	require.NoError(t, p.Enqueue(rec.op(scheduler.TierMedium, 2)))

	fake.Add(time.Hour)
	rec.wait(t)

	stats := p.GetStats()
	assert.Equal(t, uint64(1), stats.BatchCount)
	assert.Equal(t, time.Hour, stats.AverageWaitTime)
}

func TestStopFlushesPending(t *testing.T) {
	p := newTestProcessor(t, 10, nil)

	var mu sync.Mutex
	var sizes []int
	p.Register(validate, doubler(&sizes, &mu))

	rec := newRecorder()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Enqueue(rec.op(scheduler.TierLow, i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	rec.mu.Lock()
	assert.Len(t, rec.order, 3, "callbacks delivered before Stop returns")
	rec.mu.Unlock()

	err := p.Enqueue(&Operation{Type: validate, Payload: 9})
	assert.True(t, errors.HasCode(err, errors.ErrCodeComponentStopped))
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	p := newTestProcessor(t, 3, nil)

	var mu sync.Mutex
	var sizes []int
	p.Register(validate, doubler(&sizes, &mu))

	rec := newRecorder()
	require.NoError(t, p.Enqueue(rec.op(scheduler.TierMedium, 0)))

	rec.wg.Add(1)
	require.NoError(t, p.Enqueue(&Operation{
		Type:    validate,
		Tier:    scheduler.TierMedium,
		Payload: 1,
		Callback: func(interface{}, error) {
			defer rec.wg.Done()
			panic("callback bug")
		},
	}))
	require.NoError(t, p.Enqueue(rec.op(scheduler.TierMedium, 2)))
	rec.wait(t)

	rec.mu.Lock()
	assert.Equal(t, []int{0, 2}, rec.order)
	rec.mu.Unlock()

	require.Eventually(t, func() bool { return p.GetStats().CallbackPanics == 1 },
		time.Second, time.Millisecond)
}

func TestStopWaitsForConcurrentEnqueues(t *testing.T) {
	for round := 0; round < 20; round++ {
		p := newTestProcessor(t, 1, nil)
		p.Register(validate, func(_ context.Context, payloads []interface{}) ([]interface{}, error) {
			time.Sleep(time.Millisecond)
			return payloads, nil
		})

		var accepted, delivered atomic.Int32
		start := make(chan struct{})
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for i := 0; i < 5; i++ {
					err := p.Enqueue(&Operation{
						Type:     validate,
						Tier:     scheduler.TierHigh,
						Payload:  i,
						Callback: func(interface{}, error) { delivered.Add(1) },
					})
					if err == nil {
						accepted.Add(1)
					}
				}
			}()
		}

		close(start)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, p.Stop(ctx))
		cancel()

		// every Enqueue that beat Stop was delivered before Stop returned
		got := delivered.Load()
		wg.Wait()
		assert.Equal(t, accepted.Load(), got, "round %d", round)
	}
}
