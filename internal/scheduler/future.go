package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/yamlforge/perfcore/pkg/errors"
)

// State is the lifecycle state of a scheduled operation
type State int32

const (
	StateQueued State = iota
	StateRunning
	StateRetrying
	StateCompleted
	StateFailed
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateRetrying:
		return "retrying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Future is the eventual result of a submitted task. Every Submit call
// sharing an in-flight id receives the same *Future.
type Future struct {
	id   string
	tier Tier

	done  chan struct{}
	once  sync.Once
	value interface{}
	err   error

	state    atomic.Int32
	attempts atomic.Int32
}

func newFuture(id string, tier Tier) *Future {
	return &Future{
		id:   id,
		tier: tier,
		done: make(chan struct{}),
	}
}

// ID returns the operation id
func (f *Future) ID() string { return f.id }

// Tier returns the tier the operation was submitted at
func (f *Future) Tier() Tier { return f.tier }

// State returns the current lifecycle state
func (f *Future) State() State { return State(f.state.Load()) }

// Attempts returns how many times the task has been started
func (f *Future) Attempts() int { return int(f.attempts.Load()) }

// Done is closed once the operation reaches a terminal state.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the operation finishes or ctx is done. Canceling ctx
// only abandons interest; the task itself keeps running.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while the
// operation is still pending.
func (f *Future) Result() (value interface{}, err error, ok bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	default:
		return nil, nil, false
	}
}

func (f *Future) setState(s State) {
	f.state.Store(int32(s))
}

func (f *Future) complete(value interface{}, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		if err != nil {
			f.setState(StateFailed)
		} else {
			f.setState(StateCompleted)
		}
		close(f.done)
	})
}

// Await waits for f and converts its value to T. A nil value yields the
// zero T.
func Await[T any](ctx context.Context, f *Future) (T, error) {
	var zero T

	value, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, nil
	}

	typed, ok := value.(T)
	if !ok {
		return zero, errors.NewError(errors.ErrCodeInternalError,
			fmt.Sprintf("operation %s returned %T, want %T", f.id, value, zero)).
			WithComponent("scheduler").
			WithOperation("await")
	}
	return typed, nil
}
