// Package retry provides exponential backoff policies and transient error
// classification for scheduled operations.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/yamlforge/perfcore/pkg/clock"
	"github.com/yamlforge/perfcore/pkg/errors"
)

// Policy defines retry behavior. Attempts are numbered from 0; attempt 0
// is the first retry after the initial run.
type Policy struct {
	// MaxRetries is the number of retries after the initial run.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// MaxDelay caps the delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds ±20% randomness to each delay
	Jitter bool `yaml:"jitter" json:"jitter"`

	// IsTransient classifies errors. Nil means errors.IsTransient.
	IsTransient func(error) bool `yaml:"-" json:"-"`

	// OnRetry is called before each retry
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultPolicy returns the default retry policy
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
	}
}

// Normalize fills zero values with defaults. A negative MaxRetries means no
// retries.
func (p Policy) Normalize() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	return p
}

// Transient reports whether err should be retried under this policy.
func (p Policy) Transient(err error) bool {
	if err == nil {
		return false
	}
	if p.IsTransient != nil {
		return p.IsTransient(err)
	}
	return errors.IsTransient(err)
}

// ShouldRetry reports whether a failure after retryCount previous retries
// may be retried.
func (p Policy) ShouldRetry(err error, retryCount int) bool {
	return retryCount < p.MaxRetries && p.Transient(err)
}

// Delay returns BaseDelay·Multiplier^attempt capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))

	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		jitter := delay * 0.2 * (rand.Float64()*2 - 1)
		delay += jitter
	}

	return time.Duration(delay)
}

// Exhausted builds the error returned once all retries are used up.
func Exhausted(lastErr error, attempts int) *errors.Error {
	return errors.Wrap(lastErr, errors.ErrCodeRetryExhausted,
		fmt.Sprintf("gave up after %d attempts", attempts)).
		WithDetail("attempts", attempts).
		WithRetryable(false)
}

// Retryer runs functions synchronously under a Policy
type Retryer struct {
	policy Policy
	clock  clock.Clock
}

// New creates a new Retryer. A nil clock uses the wall clock.
func New(policy Policy, clk clock.Clock) *Retryer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Retryer{policy: policy.Normalize(), clock: clk}
}

// Policy returns the normalized policy
func (r *Retryer) Policy() Policy {
	return r.policy
}

// Do executes the given function with retry logic
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn until it succeeds, fails permanently or runs
// out of retries. Permanent errors are returned unchanged.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	for retries := 0; ; retries++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("operation canceled: %w", err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		if !r.policy.Transient(err) {
			return err
		}
		if retries >= r.policy.MaxRetries {
			return Exhausted(err, retries+1)
		}

		delay := r.policy.Delay(retries)
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(retries, err, delay)
		}

		if err := r.clock.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("operation canceled after %d attempts: %w", retries+1, err)
		}
	}
}
