package retry

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamlforge/perfcore/pkg/clock"
	"github.com/yamlforge/perfcore/pkg/errors"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}.Normalize()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPolicy_DelayJitterBounds(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: true}.Normalize()
	for i := 0; i < 50; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestPolicy_Normalize(t *testing.T) {
	p := Policy{MaxRetries: -2, BaseDelay: time.Second, MaxDelay: time.Millisecond}.Normalize()
	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, time.Second, p.MaxDelay, "max delay never below base")
	assert.Equal(t, 2.0, p.Multiplier)
}

func TestPolicy_ShouldRetry(t *testing.T) {
	p := DefaultPolicy()
	transient := errors.NewError(errors.ErrCodeConnectionTimeout, "slow")
	permanent := errors.NewError(errors.ErrCodeInvalidConfig, "bad")

	assert.True(t, p.ShouldRetry(transient, 0))
	assert.True(t, p.ShouldRetry(transient, 2))
	assert.False(t, p.ShouldRetry(transient, 3), "retries used up")
	assert.False(t, p.ShouldRetry(permanent, 0))
	assert.False(t, p.ShouldRetry(stderrors.New("plain"), 0))
	assert.False(t, p.ShouldRetry(nil, 0))

	p.IsTransient = func(err error) bool { return err.Error() == "flaky" }
	assert.True(t, p.ShouldRetry(stderrors.New("flaky"), 0), "custom predicate wins")
	assert.False(t, p.ShouldRetry(transient, 0))
}

func TestRetryer_Success(t *testing.T) {
	r := New(DefaultPolicy(), clock.NewFake(time.Now()))

	attempts := 0
	err := r.Do(func() error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryer_TransientThenSuccess(t *testing.T) {
	policy := DefaultPolicy()
	policy.BaseDelay = time.Millisecond
	r := New(policy, nil)

	var delays []time.Duration
	r.policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	attempts := 0
	err := r.Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeNetworkError, "reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestRetryer_PermanentFailsImmediately(t *testing.T) {
	r := New(DefaultPolicy(), nil)
	permanent := errors.NewError(errors.ErrCodeObjectNotFound, "missing")

	attempts := 0
	err := r.Do(func() error {
		attempts++
		return permanent
	})

	assert.Equal(t, 1, attempts)
	assert.Same(t, permanent, err)
}

func TestRetryer_Exhausted(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxRetries = 2
	policy.BaseDelay = time.Microsecond
	r := New(policy, nil)

	var attempts atomic.Int32
	err := r.Do(func() error {
		attempts.Add(1)
		return errors.NewError(errors.ErrCodeWorkerBusy, "busy")
	})

	require.Error(t, err)
	assert.Equal(t, int32(3), attempts.Load(), "maxRetries+1 calls")
	assert.True(t, errors.HasCode(err, errors.ErrCodeRetryExhausted))
	assert.True(t, errors.HasCode(err, errors.ErrCodeWorkerBusy), "wraps last error")
	assert.False(t, errors.IsTransient(err))
}

func TestRetryer_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(DefaultPolicy(), nil)
	called := false
	err := r.DoWithContext(ctx, func(context.Context) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExhausted(t *testing.T) {
	last := stderrors.New("boom")
	err := Exhausted(last, 4)

	assert.Equal(t, errors.ErrCodeRetryExhausted, err.Code)
	assert.Equal(t, 4, err.Details["attempts"])
	assert.ErrorIs(t, err, last)
}
