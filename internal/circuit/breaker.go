// Package circuit guards remote document loads so that a failing backend is
// rejected quickly instead of tying up scheduler slots with doomed retries.
package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yamlforge/perfcore/pkg/clock"
	"github.com/yamlforge/perfcore/pkg/errors"
	"github.com/yamlforge/perfcore/pkg/utils"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until Timeout elapses
	StateOpen
	// StateHalfOpen admits up to MaxRequests probe calls
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// Probe calls admitted while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Closed-state window after which counts are cleared
	Interval time.Duration `yaml:"interval"`

	// Open-state duration before the breaker goes half-open
	Timeout time.Duration `yaml:"timeout"`

	// Consecutive failures that trip the breaker when ReadyToTrip is unset
	FailureThreshold uint32 `yaml:"failure_threshold"`

	ReadyToTrip func(counts Counts) bool `yaml:"-"`

	// IsFailure decides whether an error counts against the backend
	IsFailure func(err error) bool `yaml:"-"`
}

// DefaultConfig returns the breaker settings used by the loaders
func DefaultConfig() Config {
	return Config{
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// Counts holds the numbers of requests and their outcomes in the current window
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

func (c *Counts) onRequest() { c.Requests++ }

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Deps are the optional collaborators of a Breaker
type Deps struct {
	Clock  clock.Clock
	Logger *utils.StructuredLogger
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name   string
	config Config
	clock  clock.Clock
	logger *utils.StructuredLogger

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
	trips  uint64
}

// New creates a closed breaker
func New(name string, config Config, deps Deps) *Breaker {
	defaults := DefaultConfig()
	if config.MaxRequests == 0 {
		config.MaxRequests = defaults.MaxRequests
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.ReadyToTrip == nil {
		threshold := config.FailureThreshold
		config.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= threshold }
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = utils.DefaultLogger()
	}

	return &Breaker{
		name:   name,
		config: config,
		clock:  deps.Clock,
		logger: deps.Logger.WithComponent("circuit").WithField("breaker", name),
		state:  StateClosed,
		expiry: deps.Clock.Now().Add(config.Interval),
	}
}

// Execute runs fn unless the breaker rejects the call. A rejection is a
// CONNECTION_CIRCUIT_OPEN error and fn is not invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentStateLocked(b.clock.Now())
	switch {
	case state == StateOpen:
		return b.rejection("circuit breaker is open")
	case state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests:
		return b.rejection("too many requests while half-open")
	}
	b.counts.onRequest()
	return nil
}

func (b *Breaker) rejection(msg string) error {
	return errors.NewError(errors.ErrCodeCircuitOpen, msg).
		WithComponent("circuit").
		WithContext("breaker", b.name).
		WithRetryable(false)
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	state := b.currentStateLocked(now)

	if !b.config.IsFailure(err) {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setStateLocked(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.config.ReadyToTrip(b.counts) {
			b.setStateLocked(StateOpen, now)
		}
	case StateHalfOpen:
		b.setStateLocked(StateOpen, now)
	}
}

func (b *Breaker) currentStateLocked(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts = Counts{}
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if !b.expiry.After(now) {
			b.setStateLocked(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setStateLocked(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts = Counts{}

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
		b.trips++
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	b.logger.Warn("Circuit breaker state changed", map[string]interface{}{
		"from": prev.String(),
		"to":   state.String(),
	})
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked(b.clock.Now())
}

// Reset closes the breaker and clears its counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	b.setStateLocked(StateClosed, now)
	b.counts = Counts{}
	b.expiry = now.Add(b.config.Interval)
}

// Stats is a point-in-time view of a breaker
type Stats struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Counts Counts `json:"counts"`
	Trips  uint64 `json:"trips"`
}

// Stats returns a snapshot of the breaker
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.currentStateLocked(b.clock.Now())
	return Stats{Name: b.name, State: state.String(), Counts: b.counts, Trips: b.trips}
}

// HealthCheck fails while the breaker is open
func (b *Breaker) HealthCheck(context.Context) error {
	if s := b.State(); s == StateOpen {
		return fmt.Errorf("circuit breaker %s is %s", b.name, s)
	}
	return nil
}
