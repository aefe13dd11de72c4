package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/yamlforge/perfcore/pkg/clock"
	"github.com/yamlforge/perfcore/pkg/errors"
	"github.com/yamlforge/perfcore/pkg/retry"
	"github.com/yamlforge/perfcore/pkg/types"
	"github.com/yamlforge/perfcore/pkg/utils"
)

// Tier is a coarse scheduling class
type Tier int

const (
	TierHigh Tier = iota
	TierMedium
	TierLow
)

const tierCount = 3

// String returns string representation of the tier
func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParseTier parses "high", "medium" or "low".
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return TierHigh, nil
	case "medium", "":
		return TierMedium, nil
	case "low":
		return TierLow, nil
	default:
		return TierMedium, fmt.Errorf("unknown tier %q", s)
	}
}

// Task is a unit of work. Its context is never canceled by callers.
type Task func(ctx context.Context) (interface{}, error)

// Config represents scheduler configuration
type Config struct {
	// MaxConcurrent is the ceiling for concurrently running tasks. One slot
	// is always kept for the low tier.
	MaxConcurrent int `yaml:"max_concurrent"`

	// HighConcurrency high tier tasks may run regardless of foreground load.
	HighConcurrency int `yaml:"high_concurrency"`

	// LowTierDelay is the minimum spacing between low tier starts.
	LowTierDelay time.Duration `yaml:"low_tier_delay"`

	Retry retry.Policy `yaml:"retry"`
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent:   4,
		HighConcurrency: 2,
		LowTierDelay:    10 * time.Millisecond,
		Retry:           retry.DefaultPolicy(),
	}
}

// Deps carries the collaborators of a Scheduler. Zero values get defaults.
type Deps struct {
	Metrics types.MetricsRecorder
	Logger  *utils.StructuredLogger
	Clock   clock.Clock
}

// concurrencyGauge is implemented by recorders that export the ceiling.
type concurrencyGauge interface {
	UpdateConcurrency(maxConcurrent int)
}

type operation struct {
	id         string
	tier       Tier
	task       Task
	retryCount int
	maxRetries int
	enqueuedAt time.Time
	future     *Future
}

// SubmitOption customizes a single Submit call
type SubmitOption func(*submitOptions)

type submitOptions struct {
	id         string
	maxRetries int
}

// WithID deduplicates against an in-flight operation with the same id.
func WithID(id string) SubmitOption {
	return func(o *submitOptions) { o.id = id }
}

// WithMaxRetries overrides the policy's retry budget for one operation.
func WithMaxRetries(n int) SubmitOption {
	return func(o *submitOptions) {
		if n < 0 {
			n = 0
		}
		o.maxRetries = n
	}
}

type opKey struct{}

// OperationID returns the id of the operation running with ctx.
func OperationID(ctx context.Context) string {
	id, _ := ctx.Value(opKey{}).(string)
	return id
}

// Scheduler runs tasks under a tiered concurrency gate. Waiting operations
// sit in per-tier FIFO queues and are dispatched whenever a slot frees.
type Scheduler struct {
	mu sync.Mutex

	policy          retry.Policy
	highConcurrency int
	ceiling         int
	maxConcurrent   int

	queues   [tierCount][]*operation
	running  [tierCount]int
	inflight map[string]*operation
	backoff  map[*operation]clock.Timer

	limiter  *rate.Limiter
	lowTimer clock.Timer

	stopped bool
	wg      sync.WaitGroup

	metrics types.MetricsRecorder
	logger  *utils.StructuredLogger
	clock   clock.Clock

	// Statistics
	submitted      uint64
	completed      uint64
	failed         uint64
	retries        uint64
	deduplicated   uint64
	panicRecovered uint64
}

// New creates a new scheduler
func New(config *Config, deps Deps) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	maxConcurrent := config.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = DefaultConfig().MaxConcurrent
	}
	high := config.HighConcurrency
	if high < 1 {
		high = 1
	}

	limit := rate.Inf
	if config.LowTierDelay > 0 {
		limit = rate.Every(config.LowTierDelay)
	}

	s := &Scheduler{
		policy:          config.Retry.Normalize(),
		highConcurrency: high,
		ceiling:         maxConcurrent,
		maxConcurrent:   maxConcurrent,
		inflight:        make(map[string]*operation),
		backoff:         make(map[*operation]clock.Timer),
		limiter:         rate.NewLimiter(limit, 1),
		metrics:         deps.Metrics,
		logger:          deps.Logger,
		clock:           deps.Clock,
	}
	if s.metrics == nil {
		s.metrics = types.NopRecorder{}
	}
	if s.logger == nil {
		s.logger = utils.DefaultLogger()
	}
	s.logger = s.logger.WithComponent("scheduler")
	if s.clock == nil {
		s.clock = clock.Real()
	}

	s.publishConcurrency(maxConcurrent)
	return s
}

// Submit queues task at tier and returns its Future. If WithID names an
// operation that is still in flight, that operation's Future is returned
// and task is dropped. After Stop, the Future fails immediately.
func (s *Scheduler) Submit(tier Tier, task Task, opts ...SubmitOption) *Future {
	o := submitOptions{maxRetries: -1}
	for _, opt := range opts {
		opt(&o)
	}
	if tier < TierHigh || tier > TierLow {
		tier = TierMedium
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.submitted++
	if o.id != "" {
		if op, ok := s.inflight[o.id]; ok {
			s.deduplicated++
			return op.future
		}
	} else {
		o.id = uuid.NewString()
	}

	f := newFuture(o.id, tier)
	if s.stopped {
		s.failed++
		f.complete(nil, stoppedError(o.id))
		return f
	}

	maxRetries := s.policy.MaxRetries
	if o.maxRetries >= 0 {
		maxRetries = o.maxRetries
	}

	op := &operation{
		id:         o.id,
		tier:       tier,
		task:       task,
		maxRetries: maxRetries,
		enqueuedAt: s.clock.Now(),
		future:     f,
	}
	s.inflight[op.id] = op
	s.queues[tier] = append(s.queues[tier], op)
	s.dispatchLocked()

	return f
}

// MaxConcurrent returns the current concurrency ceiling
func (s *Scheduler) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxConcurrent
}

// SetMaxConcurrent sets both the configured limit and the current ceiling.
// Values below 1 are raised to 1.
func (s *Scheduler) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.ceiling = n
	s.maxConcurrent = n
	s.dispatchLocked()
	s.mu.Unlock()

	s.publishConcurrency(n)
}

// DecreaseConcurrency lowers the current ceiling by one, never below 1.
// Running tasks are not interrupted.
func (s *Scheduler) DecreaseConcurrency() int {
	s.mu.Lock()
	if s.maxConcurrent > 1 {
		s.maxConcurrent--
	}
	n := s.maxConcurrent
	s.mu.Unlock()

	s.publishConcurrency(n)
	return n
}

// IncreaseConcurrency raises the current ceiling by one, never above the
// configured limit.
func (s *Scheduler) IncreaseConcurrency() int {
	s.mu.Lock()
	if s.maxConcurrent < s.ceiling {
		s.maxConcurrent++
	}
	n := s.maxConcurrent
	s.dispatchLocked()
	s.mu.Unlock()

	s.publishConcurrency(n)
	return n
}

// Stats returns a snapshot of the scheduler state
func (s *Scheduler) Stats() types.SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return types.SchedulerStats{
		MaxConcurrent:  s.maxConcurrent,
		CeilingLimit:   s.ceiling,
		Running:        s.running[TierHigh] + s.running[TierMedium] + s.running[TierLow],
		RunningHigh:    s.running[TierHigh],
		RunningMedium:  s.running[TierMedium],
		RunningLow:     s.running[TierLow],
		QueuedHigh:     len(s.queues[TierHigh]),
		QueuedMedium:   len(s.queues[TierMedium]),
		QueuedLow:      len(s.queues[TierLow]),
		InFlight:       len(s.inflight),
		Submitted:      s.submitted,
		Completed:      s.completed,
		Failed:         s.failed,
		Retries:        s.retries,
		Deduplicated:   s.deduplicated,
		PanicRecovered: s.panicRecovered,
	}
}

// Stop rejects queued and backing-off operations with COMPONENT_STOPPED
// and waits for running tasks to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true

	var rejected []*operation
	for tier := range s.queues {
		rejected = append(rejected, s.queues[tier]...)
		s.queues[tier] = nil
	}
	for op, timer := range s.backoff {
		if timer.Stop() {
			rejected = append(rejected, op)
			delete(s.backoff, op)
			s.wg.Done()
		}
	}
	if s.lowTimer != nil && s.lowTimer.Stop() {
		s.lowTimer = nil
		s.wg.Done()
	}
	for _, op := range rejected {
		delete(s.inflight, op.id)
		s.failed++
	}
	s.mu.Unlock()

	for _, op := range rejected {
		op.future.complete(nil, stoppedError(op.id))
	}
	if len(rejected) > 0 {
		s.logger.Info("Scheduler stopped", map[string]interface{}{"rejected": len(rejected)})
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrCodeOperationTimeout, "timed out waiting for running tasks").
			WithComponent("scheduler").
			WithOperation("stop")
	}
}

// dispatchLocked starts every queued operation the gate admits.
func (s *Scheduler) dispatchLocked() {
	if s.stopped {
		return
	}

	for len(s.queues[TierHigh]) > 0 && s.admitHighLocked() {
		s.startLocked(s.popLocked(TierHigh))
	}
	for len(s.queues[TierMedium]) > 0 && s.admitMediumLocked() {
		s.startLocked(s.popLocked(TierMedium))
	}
	s.scheduleLowLocked()
}

func (s *Scheduler) foregroundCapacityLocked() int {
	return max(s.maxConcurrent-1, 1)
}

func (s *Scheduler) foregroundRunningLocked() int {
	return s.running[TierHigh] + s.running[TierMedium]
}

func (s *Scheduler) admitHighLocked() bool {
	if s.running[TierHigh] < s.highConcurrency {
		return true
	}
	return s.foregroundRunningLocked() < s.foregroundCapacityLocked()
}

func (s *Scheduler) admitMediumLocked() bool {
	mediumCap := max(s.maxConcurrent/2, 1)
	return s.running[TierMedium] < mediumCap &&
		s.foregroundRunningLocked() < s.foregroundCapacityLocked()
}

// scheduleLowLocked starts the head of the low queue once the previous low
// task has finished and the pacing limiter allows it.
func (s *Scheduler) scheduleLowLocked() {
	if len(s.queues[TierLow]) == 0 || s.running[TierLow] > 0 || s.lowTimer != nil {
		return
	}

	now := s.clock.Now()
	delay := s.limiter.ReserveN(now, 1).DelayFrom(now)
	if delay <= 0 {
		s.startLocked(s.popLocked(TierLow))
		return
	}

	s.wg.Add(1)
	s.lowTimer = s.clock.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.lowTimer = nil
		if s.stopped || len(s.queues[TierLow]) == 0 || s.running[TierLow] > 0 {
			return
		}
		s.startLocked(s.popLocked(TierLow))
	})
}

func (s *Scheduler) popLocked(tier Tier) *operation {
	op := s.queues[tier][0]
	s.queues[tier][0] = nil
	s.queues[tier] = s.queues[tier][1:]
	return op
}

func (s *Scheduler) startLocked(op *operation) {
	s.running[op.tier]++
	op.future.setState(StateRunning)
	op.future.attempts.Add(1)

	s.wg.Add(1)
	go s.execute(op)
}

func (s *Scheduler) execute(op *operation) {
	defer s.wg.Done()

	start := s.clock.Now()
	value, err := s.invoke(op)
	s.metrics.RecordLatency(s.clock.Since(start))

	s.mu.Lock()
	s.running[op.tier]--

	if err != nil && !s.stopped && s.policy.Transient(err) && op.retryCount < op.maxRetries {
		delay := s.policy.Delay(op.retryCount)
		op.retryCount++
		attempt := op.retryCount
		s.retries++
		op.future.setState(StateRetrying)

		// the slot is released for the duration of the backoff
		s.wg.Add(1)
		s.backoff[op] = s.clock.AfterFunc(delay, func() { s.requeue(op) })
		s.dispatchLocked()
		s.mu.Unlock()

		s.logger.Debug("Retrying operation", map[string]interface{}{
			"id":      op.id,
			"tier":    op.tier.String(),
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		return
	}

	if err != nil && s.policy.Transient(err) && op.retryCount >= op.maxRetries {
		err = retry.Exhausted(err, op.retryCount+1).
			WithComponent("scheduler").
			WithOperation(op.id)
	}

	delete(s.inflight, op.id)
	if err != nil {
		s.failed++
	} else {
		s.completed++
	}
	s.dispatchLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Operation failed", map[string]interface{}{
			"id":       op.id,
			"tier":     op.tier.String(),
			"attempts": op.retryCount + 1,
			"error":    err.Error(),
		})
	}
	op.future.complete(value, err)
}

func (s *Scheduler) requeue(op *operation) {
	defer s.wg.Done()

	s.mu.Lock()
	delete(s.backoff, op)
	if s.stopped {
		delete(s.inflight, op.id)
		s.failed++
		s.mu.Unlock()
		op.future.complete(nil, stoppedError(op.id))
		return
	}
	op.future.setState(StateQueued)
	s.queues[op.tier] = append(s.queues[op.tier], op)
	s.dispatchLocked()
	s.mu.Unlock()
}

// invoke runs the task and converts panics into PANIC_RECOVERED errors.
func (s *Scheduler) invoke(op *operation) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.FromPanic("scheduler", r).WithOperation(op.id)
			value = nil

			s.mu.Lock()
			s.panicRecovered++
			s.mu.Unlock()
		}
	}()

	ctx := context.WithValue(context.Background(), opKey{}, op.id)
	return op.task(ctx)
}

func (s *Scheduler) publishConcurrency(n int) {
	if g, ok := s.metrics.(concurrencyGauge); ok {
		g.UpdateConcurrency(n)
	}
}

func stoppedError(id string) *errors.Error {
	return errors.NewError(errors.ErrCodeComponentStopped, "scheduler is stopped").
		WithComponent("scheduler").
		WithOperation(id)
}
