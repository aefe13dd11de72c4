package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yamlforge/perfcore/internal/scheduler"
	"github.com/yamlforge/perfcore/pkg/clock"
	"github.com/yamlforge/perfcore/pkg/errors"
	"github.com/yamlforge/perfcore/pkg/utils"
)

// OperationType names a kind of batchable work, e.g. "validate"
type OperationType string

// Operation represents a batched operation
type Operation struct {
	Type     OperationType
	Tier     scheduler.Tier
	Payload  interface{}
	Callback func(result interface{}, err error)

	enqueuedAt time.Time
}

// BatchFunc processes one chunk. It must return exactly one result per
// payload, in the same order.
type BatchFunc func(ctx context.Context, payloads []interface{}) ([]interface{}, error)

// Submitter runs a chunk as one scheduled task
type Submitter interface {
	Submit(tier scheduler.Tier, task scheduler.Task, opts ...scheduler.SubmitOption) *scheduler.Future
}

// Config contains configuration for the batch processor
type Config struct {
	BatchSize     int           `yaml:"batch_size"`     // Maximum operations per chunk
	FlushInterval time.Duration `yaml:"flush_interval"` // Periodic flush of partial groups
}

// DefaultConfig returns the default batch configuration
func DefaultConfig() *Config {
	return &Config{
		BatchSize:     10,
		FlushInterval: 50 * time.Millisecond,
	}
}

// Deps carries the collaborators of a Processor. Zero values get defaults.
type Deps struct {
	Logger *utils.StructuredLogger
	Clock  clock.Clock
}

// Stats tracks batch processor statistics
type Stats struct {
	TotalOperations   uint64        `json:"total_operations"`
	BatchedOperations uint64        `json:"batched_operations"`
	PendingOperations int           `json:"pending_operations"`
	BatchCount        uint64        `json:"batch_count"`
	AverageBatchSize  float64       `json:"average_batch_size"`
	AverageWaitTime   time.Duration `json:"average_wait_time"`
	FlushCount        uint64        `json:"flush_count"`
	ErrorCount        uint64        `json:"error_count"`
	CallbackPanics    uint64        `json:"callback_panics"`
}

type groupKey struct {
	tier   scheduler.Tier
	opType OperationType
}

// Processor coalesces operations of the same type and tier into chunks of
// at most BatchSize and runs each chunk through the scheduler.
type Processor struct {
	config    Config
	scheduler Submitter
	logger    *utils.StructuredLogger
	clock     clock.Clock

	mu       sync.Mutex
	handlers map[OperationType]BatchFunc
	groups   map[groupKey][]*Operation
	stopped  bool
	stats    Stats
	waitSum  time.Duration

	lifecycle sync.Mutex
	started   bool
	stopCh    chan struct{}
	loopWG    sync.WaitGroup

	// deliveries waits for chunk results to reach their callbacks
	deliveries sync.WaitGroup
}

// NewProcessor creates a new batch processor
func NewProcessor(sched Submitter, config *Config, deps Deps) *Processor {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}

	p := &Processor{
		config:    cfg,
		scheduler: sched,
		logger:    deps.Logger,
		clock:     deps.Clock,
		handlers:  make(map[OperationType]BatchFunc),
		groups:    make(map[groupKey][]*Operation),
	}
	if p.logger == nil {
		p.logger = utils.DefaultLogger()
	}
	p.logger = p.logger.WithComponent("batch")
	if p.clock == nil {
		p.clock = clock.Real()
	}
	return p
}

// Register installs the handler for an operation type, replacing any
// previous one.
func (p *Processor) Register(opType OperationType, fn BatchFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[opType] = fn
}

// Enqueue adds op to its (type, tier) group. A group that reaches
// BatchSize is flushed immediately.
func (p *Processor) Enqueue(op *Operation) error {
	p.mu.Lock()

	if p.stopped {
		p.mu.Unlock()
		return errors.NewError(errors.ErrCodeComponentStopped, "batch processor is stopped").
			WithComponent("batch").
			WithOperation(string(op.Type))
	}
	if _, ok := p.handlers[op.Type]; !ok {
		p.mu.Unlock()
		return errors.NewError(errors.ErrCodeUnknownBatchType,
			fmt.Sprintf("no handler registered for %q", op.Type)).
			WithComponent("batch").
			WithOperation("enqueue")
	}

	if op.Tier < scheduler.TierHigh || op.Tier > scheduler.TierLow {
		op.Tier = scheduler.TierMedium
	}
	op.enqueuedAt = p.clock.Now()

	key := groupKey{tier: op.Tier, opType: op.Type}
	p.groups[key] = append(p.groups[key], op)
	p.stats.TotalOperations++

	var chunks []chunk
	if len(p.groups[key]) >= p.config.BatchSize {
		chunks = p.drainLocked(key)
		p.stats.FlushCount++
	}
	p.deliveries.Add(len(chunks))
	p.mu.Unlock()

	p.dispatch(chunks)
	return nil
}

// Flush drains every group and returns the number of chunks dispatched.
func (p *Processor) Flush() int {
	p.mu.Lock()
	chunks := p.drainAllLocked()
	if len(chunks) > 0 {
		p.stats.FlushCount++
	}
	p.deliveries.Add(len(chunks))
	p.mu.Unlock()

	p.dispatch(chunks)
	return len(chunks)
}

// Start starts the periodic flush loop
func (p *Processor) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "batch processor already started").
			WithComponent("batch")
	}
	p.started = true
	p.stopCh = make(chan struct{})

	ticker := p.clock.NewTicker(p.config.FlushInterval)
	p.loopWG.Add(1)
	go p.processLoop(ctx, ticker, p.stopCh)
	return nil
}

// Stop stops the flush loop, flushes pending operations and waits until
// every callback has been delivered or ctx expires. Later Enqueue calls
// fail with COMPONENT_STOPPED.
func (p *Processor) Stop(ctx context.Context) error {
	p.lifecycle.Lock()
	if p.started {
		p.started = false
		close(p.stopCh)
	}
	p.lifecycle.Unlock()
	p.loopWG.Wait()

	p.mu.Lock()
	chunks := p.drainAllLocked()
	if len(chunks) > 0 {
		p.stats.FlushCount++
	}
	p.stopped = true
	p.deliveries.Add(len(chunks))
	p.mu.Unlock()

	p.dispatch(chunks)

	done := make(chan struct{})
	go func() {
		p.deliveries.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrCodeOperationTimeout, "timed out waiting for batch callbacks").
			WithComponent("batch").
			WithOperation("stop")
	}
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	for _, ops := range p.groups {
		stats.PendingOperations += len(ops)
	}
	if stats.BatchCount > 0 {
		stats.AverageBatchSize = float64(stats.BatchedOperations) / float64(stats.BatchCount)
	}
	if stats.BatchedOperations > 0 {
		stats.AverageWaitTime = p.waitSum / time.Duration(stats.BatchedOperations)
	}
	return stats
}

func (p *Processor) processLoop(ctx context.Context, ticker clock.Ticker, stopCh chan struct{}) {
	defer p.loopWG.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			p.Flush()
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

type chunk struct {
	key groupKey
	fn  BatchFunc
	ops []*Operation
}

// drainLocked splits one group into chunks of at most BatchSize.
func (p *Processor) drainLocked(key groupKey) []chunk {
	ops := p.groups[key]
	delete(p.groups, key)

	now := p.clock.Now()
	for _, op := range ops {
		p.waitSum += now.Sub(op.enqueuedAt)
	}

	fn := p.handlers[key.opType]
	var chunks []chunk
	for len(ops) > 0 {
		n := min(len(ops), p.config.BatchSize)
		chunks = append(chunks, chunk{key: key, fn: fn, ops: ops[:n:n]})
		ops = ops[n:]
	}
	for _, c := range chunks {
		p.stats.BatchCount++
		p.stats.BatchedOperations += uint64(len(c.ops))
	}
	return chunks
}

func (p *Processor) drainAllLocked() []chunk {
	keys := make([]groupKey, 0, len(p.groups))
	for key := range p.groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].tier != keys[j].tier {
			return keys[i].tier < keys[j].tier
		}
		return keys[i].opType < keys[j].opType
	})

	var chunks []chunk
	for _, key := range keys {
		chunks = append(chunks, p.drainLocked(key)...)
	}
	return chunks
}

// dispatch submits chunks whose deliveries were counted while p.mu was
// held, so a concurrent Stop always waits for them.
func (p *Processor) dispatch(chunks []chunk) {
	for _, c := range chunks {
		future := p.scheduler.Submit(c.key.tier, func(ctx context.Context) (interface{}, error) {
			return p.run(ctx, c)
		})
		go p.deliver(c, future)
	}
}

// run executes one chunk. A result count that does not match the payload
// count fails the whole chunk.
func (p *Processor) run(ctx context.Context, c chunk) (interface{}, error) {
	payloads := make([]interface{}, len(c.ops))
	for i, op := range c.ops {
		payloads[i] = op.Payload
	}

	results, err := c.fn(ctx, payloads)
	if err != nil {
		return nil, err
	}
	if len(results) != len(payloads) {
		return nil, errors.NewError(errors.ErrCodeBatchFailed,
			fmt.Sprintf("handler returned %d results for %d payloads", len(results), len(payloads))).
			WithComponent("batch").
			WithOperation(string(c.key.opType)).
			WithDetail("payloads", len(payloads)).
			WithDetail("results", len(results))
	}
	return results, nil
}

// deliver waits for the chunk's task and hands every member its own
// result in submission order.
func (p *Processor) deliver(c chunk, future *scheduler.Future) {
	defer p.deliveries.Done()

	<-future.Done()
	value, err, _ := future.Result()

	results, _ := value.([]interface{})
	if err == nil && len(results) != len(c.ops) {
		err = errors.NewError(errors.ErrCodeBatchFailed, "chunk produced no results").
			WithComponent("batch").
			WithOperation(string(c.key.opType))
	}

	if err != nil {
		p.mu.Lock()
		p.stats.ErrorCount += uint64(len(c.ops))
		p.mu.Unlock()

		p.logger.Warn("Batch chunk failed", map[string]interface{}{
			"type":  string(c.key.opType),
			"tier":  c.key.tier.String(),
			"size":  len(c.ops),
			"error": err.Error(),
		})
	}

	for i, op := range c.ops {
		if err != nil {
			p.callback(op, nil, err)
		} else {
			p.callback(op, results[i], nil)
		}
	}
}

func (p *Processor) callback(op *Operation, result interface{}, err error) {
	if op.Callback == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.mu.Lock()
			p.stats.CallbackPanics++
			p.mu.Unlock()

			perr := errors.FromPanic("batch", r).WithOperation(string(op.Type))
			p.logger.Error("Batch callback panicked", map[string]interface{}{
				"type":  string(op.Type),
				"error": perr.Error(),
			})
		}
	}()

	op.Callback(result, err)
}
