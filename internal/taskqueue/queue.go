package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/contextualhq/eventcore/internal/bus"
	"github.com/contextualhq/eventcore/internal/schema"
	"github.com/contextualhq/eventcore/internal/streams"
)

var (
	// ErrUnknownTaskType is returned when no handler is registered for the
	// requested type.
	ErrUnknownTaskType = errors.New("unknown task type")
	// ErrAlreadyStarted is returned by Start and RegisterHandler once the
	// queue is running.
	ErrAlreadyStarted = errors.New("task queue already started")
	// ErrStopped is returned by QueueTask after Stop.
	ErrStopped = errors.New("task queue stopped")
)

// Config holds task queue configuration.
type Config struct {
	// MaxConcurrentTasks bounds simultaneously-running task handlers.
	MaxConcurrentTasks int
	// MaxQueueDepth is the backpressure threshold: beyond it the bus
	// subscription stops consuming task-bearing events (without ACK) so
	// pressure accumulates as durable pending entries, not memory.
	MaxQueueDepth int
	// DefaultRetry applies to tasks without a per-spec or per-type override.
	DefaultRetry RetryConfig
	// DefaultTimeout bounds handler invocations without a per-type timeout.
	DefaultTimeout time.Duration
	// HealthCheckInterval paces the service.health heartbeat.
	HealthCheckInterval time.Duration
	// DeadLetterRetention bounds how long dead tasks stay queryable.
	DeadLetterRetention time.Duration
	// HoldingStream receives residual queued tasks on Stop so they survive
	// restart.
	HoldingStream string
	// GroupName is the logical consumer group for the task-bearing
	// subscription.
	GroupName string
}

// DefaultQueueConfig returns the defaults used when fields are left zero.
func DefaultQueueConfig() Config {
	return Config{
		MaxConcurrentTasks:  10,
		MaxQueueDepth:       1000,
		DefaultRetry:        DefaultRetryConfig(),
		DefaultTimeout:      30 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		DeadLetterRetention: 24 * time.Hour,
		HoldingStream:       "tasks.holding",
		GroupName:           "tasks",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultQueueConfig()
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = def.MaxQueueDepth
	}
	if c.DefaultRetry.MaxAttempts <= 0 {
		c.DefaultRetry = def.DefaultRetry
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.DeadLetterRetention <= 0 {
		c.DeadLetterRetention = def.DeadLetterRetention
	}
	if c.HoldingStream == "" {
		c.HoldingStream = def.HoldingStream
	}
	if c.GroupName == "" {
		c.GroupName = def.GroupName
	}
	return c
}

type registration struct {
	handler Handler
	opts    HandlerOptions
}

// TypeStats are per-task-type terminal counters.
type TypeStats struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dead      int64 `json:"dead"`
}

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	Running        int                  `json:"running"`
	Queued         int                  `json:"queued"`
	CompletedTotal int64                `json:"completed_total"`
	FailedTotal    int64                `json:"failed_total"`
	DeadTotal      int64                `json:"dead_total"`
	AvgLatencyMS   float64              `json:"avg_latency_ms"`
	PerType        map[string]TypeStats `json:"per_type"`
}

// Queue is the in-process task scheduler. It consumes task-bearing events
// from the bus, exposes QueueTask for direct enqueue, and drains through a
// bounded worker pool.
type Queue struct {
	cfg    Config
	logger *zap.Logger
	bus    *bus.Bus
	client streams.Client

	handlers map[string]registration

	mu         sync.Mutex
	ready      *readyQueue
	running    map[string]*Task
	dedup      map[string]string // dedup key -> live task id
	started    bool
	draining   bool
	completed  int64
	failed     int64
	deadCount  int64
	latencySum time.Duration
	perType    map[string]*TypeStats

	deadTasks *expirable.LRU[string, *Task]

	ctx      context.Context
	cancel   context.CancelFunc
	notify   chan struct{}
	drainCh  chan struct{}
	wg       sync.WaitGroup // workers
	bgWg     sync.WaitGroup // health loop
	stopOnce sync.Once
	sub      *bus.Subscription
}

// New creates a queue over the given bus and stream client. The client is
// used only for the holding stream; all event traffic goes through the bus.
func New(b *bus.Bus, client streams.Client, cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:       cfg,
		logger:    logger,
		bus:       b,
		client:    client,
		handlers:  make(map[string]registration),
		ready:     newReadyQueue(),
		running:   make(map[string]*Task),
		dedup:     make(map[string]string),
		perType:   make(map[string]*TypeStats),
		deadTasks: expirable.NewLRU[string, *Task](1024, nil, cfg.DeadLetterRetention),
		ctx:       ctx,
		cancel:    cancel,
		notify:    make(chan struct{}, 1),
		drainCh:   make(chan struct{}),
	}
}

// RegisterHandler binds a handler to a task type. At most one handler per
// type; registration is closed once Start has been called.
func (q *Queue) RegisterHandler(taskType string, handler Handler, opts HandlerOptions) error {
	if taskType == "" || handler == nil {
		return fmt.Errorf("task type and handler are required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return ErrAlreadyStarted
	}
	if _, ok := q.handlers[taskType]; ok {
		return fmt.Errorf("handler for %q already registered", taskType)
	}
	q.handlers[taskType] = registration{handler: handler, opts: opts}
	return nil
}

// QueueTask creates a task from spec and enqueues it. If spec.DedupKey names
// a task that is still queued or running, the existing task's id is returned
// and no new task is created.
func (q *Queue) QueueTask(ctx context.Context, spec TaskSpec) (string, error) {
	if spec.Type == "" {
		return "", fmt.Errorf("task type is required")
	}

	now := time.Now()
	notBefore := spec.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining {
		return "", ErrStopped
	}
	// Registration races with enqueue until Start closes it; look up under
	// the same lock RegisterHandler writes under.
	reg, ok := q.handlers[spec.Type]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTaskType, spec.Type)
	}

	retry := q.cfg.DefaultRetry
	if reg.opts.Retry != nil {
		retry = *reg.opts.Retry
	}
	if spec.Retry != nil {
		retry = *spec.Retry
	}
	if spec.DedupKey != "" {
		if id, ok := q.dedup[spec.DedupKey]; ok {
			return id, nil
		}
	}

	task := &Task{
		ID:         uuid.NewString(),
		Type:       spec.Type,
		Payload:    spec.Payload,
		Priority:   spec.Priority,
		Attempt:    1,
		Retry:      retry,
		EnqueuedAt: now,
		NotBefore:  notBefore,
		UserID:     spec.UserID,
		DedupKey:   spec.DedupKey,
		State:      StateQueued,
	}
	q.ready.push(task)
	if task.DedupKey != "" {
		q.dedup[task.DedupKey] = task.ID
	}
	q.wake()
	return task.ID, nil
}

// wake nudges one idle worker. Callers hold q.mu or have just released it;
// the channel is buffered so the send never blocks.
func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Start restores tasks persisted by a previous Stop, opens the bus
// subscription for task-bearing events, and starts the worker pool.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return ErrAlreadyStarted
	}
	q.started = true
	q.mu.Unlock()

	if err := q.restoreHolding(ctx); err != nil {
		q.logger.Warn("failed to restore holding stream", zap.Error(err))
	}

	if q.bus != nil {
		sub, err := q.bus.Subscribe(schema.StreamSystem, q.cfg.GroupName, q.onTaskEvent, bus.SubscribeOptions{
			FilterTypes: []string{schema.TypeTaskRequested},
			Gate:        q.hasCapacity,
		})
		if err != nil {
			return fmt.Errorf("subscribe task events: %w", err)
		}
		q.sub = sub
	}

	for i := 0; i < q.cfg.MaxConcurrentTasks; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.bgWg.Add(1)
	go q.healthLoop()

	q.logger.Info("task queue started",
		zap.Int("workers", q.cfg.MaxConcurrentTasks),
		zap.Strings("types", q.registeredTypes()))
	return nil
}

func (q *Queue) registeredTypes() []string {
	types := make([]string, 0, len(q.handlers))
	for t := range q.handlers {
		types = append(types, t)
	}
	return types
}

// restoreHolding drains tasks persisted by a previous process into the ready
// set. Entries are deleted as they are restored; a crash mid-restore leaves
// the remainder for the next start.
func (q *Queue) restoreHolding(ctx context.Context) error {
	if q.client == nil {
		return nil
	}
	entries, err := q.client.Range(ctx, q.cfg.HoldingStream, "-", "+", 0)
	if err != nil {
		return err
	}
	restored := 0
	for _, entry := range entries {
		raw, ok := entry.Values["task"]
		if !ok {
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			q.logger.Warn("dropping unreadable held task",
				zap.String("entry_id", entry.ID), zap.Error(err))
			_ = q.client.Delete(ctx, q.cfg.HoldingStream, entry.ID)
			continue
		}
		if _, ok := q.handlers[task.Type]; !ok {
			q.logger.Warn("dropping held task with unregistered type",
				zap.String("task_id", task.ID), zap.String("type", task.Type))
			_ = q.client.Delete(ctx, q.cfg.HoldingStream, entry.ID)
			continue
		}
		task.State = StateQueued
		q.mu.Lock()
		q.ready.push(&task)
		if task.DedupKey != "" {
			q.dedup[task.DedupKey] = task.ID
		}
		q.mu.Unlock()
		_ = q.client.Delete(ctx, q.cfg.HoldingStream, entry.ID)
		restored++
	}
	if restored > 0 {
		q.logger.Info("restored held tasks", zap.Int("count", restored))
		q.wake()
	}
	return nil
}

// hasCapacity reports whether the ready set can take more event-sourced
// work. It gates the bus subscription: while false, the consumer loop pauses
// instead of delivering, so pressure accumulates as backend entries.
func (q *Queue) hasCapacity() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() < q.cfg.MaxQueueDepth
}

// onTaskEvent converts a task.requested envelope into a queued task. The
// envelope id doubles as the default dedup key so at-least-once delivery
// does not create duplicate tasks.
func (q *Queue) onTaskEvent(ctx context.Context, d bus.Delivery) bus.HandlerResult {
	if !q.hasCapacity() {
		// The gate normally prevents delivery while saturated; this covers
		// the window where a batch read before the gate closed fills the
		// ready set. No ACK and no budget spent.
		return bus.Backpressure("ready set saturated")
	}

	data := d.Envelope.Data
	taskType, _ := data["task_type"].(string)
	payload, _ := data["payload"].(map[string]any)
	priority, _ := data["priority"].(string)
	dedupKey, _ := data["dedup_key"].(string)
	if dedupKey == "" {
		dedupKey = "evt:" + d.Envelope.ID
	}

	_, err := q.QueueTask(ctx, TaskSpec{
		Type:     taskType,
		Payload:  payload,
		Priority: ParsePriority(priority),
		UserID:   d.Envelope.UserID,
		DedupKey: dedupKey,
	})
	switch {
	case err == nil:
		return bus.Ack()
	case errors.Is(err, ErrUnknownTaskType):
		return bus.Fatal(err.Error())
	default:
		return bus.Retry(err.Error())
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if q.draining {
			q.mu.Unlock()
			return
		}
		task := q.ready.popReady(time.Now())
		if task != nil {
			task.State = StateRunning
			q.running[task.ID] = task
			q.mu.Unlock()
			q.execute(task)
			continue
		}
		next, scheduled := q.ready.nextWake()
		q.mu.Unlock()

		if scheduled {
			timer := time.NewTimer(time.Until(next))
			select {
			case <-q.ctx.Done():
				timer.Stop()
				return
			case <-q.drainCh:
				timer.Stop()
				return
			case <-q.notify:
				timer.Stop()
			case <-timer.C:
			}
		} else {
			select {
			case <-q.ctx.Done():
				return
			case <-q.drainCh:
				return
			case <-q.notify:
			}
		}
	}
}

// execute runs one attempt under the per-type timeout.
func (q *Queue) execute(task *Task) {
	reg := q.handlers[task.Type]
	timeout := reg.opts.Timeout
	if timeout <= 0 {
		timeout = q.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(q.ctx, timeout)
	defer cancel()

	start := time.Now()
	resCh := make(chan Result, 1)
	// The handler gets its own copy: on timeout the goroutine is abandoned
	// while settle requeues and mutates the original.
	attempt := *task
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- Fail(fmt.Sprintf("handler panic: %v", r))
			}
		}()
		resCh <- reg.handler(ctx, &attempt)
	}()

	var res Result
	select {
	case res = <-resCh:
	case <-ctx.Done():
		if q.ctx.Err() != nil {
			// Shutdown: retryable so the task is requeued and persisted.
			res = RetryResult("cancelled")
		} else {
			res = RetryResult("timeout")
		}
	}
	q.settle(task, res, time.Since(start))
}

func (q *Queue) settle(task *Task, res Result, elapsed time.Duration) {
	var deadTask *Task

	q.mu.Lock()
	delete(q.running, task.ID)
	stats := q.typeStats(task.Type)
	switch {
	case !res.Failed():
		task.State = StateSucceeded
		task.LastError = ""
		q.completed++
		q.latencySum += elapsed
		stats.Completed++
		q.releaseDedupLocked(task)
	case res.Retryable():
		task.LastError = res.Reason()
		q.failed++
		stats.Failed++
		if task.Attempt >= task.Retry.MaxAttempts {
			q.markDeadLocked(task, res.Reason(), stats)
			deadTask = task
		} else {
			task.Attempt++
			task.State = StateQueued
			task.NotBefore = time.Now().Add(task.Retry.Backoff(task.Attempt))
			q.ready.push(task)
		}
	default:
		q.failed++
		stats.Failed++
		q.markDeadLocked(task, res.Reason(), stats)
		deadTask = task
	}
	q.mu.Unlock()

	q.wake()
	if deadTask != nil {
		q.emitDead(deadTask)
	}
}

func (q *Queue) typeStats(taskType string) *TypeStats {
	s, ok := q.perType[taskType]
	if !ok {
		s = &TypeStats{}
		q.perType[taskType] = s
	}
	return s
}

func (q *Queue) markDeadLocked(task *Task, reason string, stats *TypeStats) {
	task.State = StateDead
	task.LastError = reason
	q.deadCount++
	stats.Dead++
	q.deadTasks.Add(task.ID, task)
	q.releaseDedupLocked(task)
}

func (q *Queue) releaseDedupLocked(task *Task) {
	if task.DedupKey == "" {
		return
	}
	if id, ok := q.dedup[task.DedupKey]; ok && id == task.ID {
		delete(q.dedup, task.DedupKey)
	}
}

// emitDead publishes a task.dead event for visibility. Best effort: the task
// is already retained in memory for DeadLetterRetention.
func (q *Queue) emitDead(task *Task) {
	q.logger.Warn("task dead",
		zap.String("task_id", task.ID),
		zap.String("type", task.Type),
		zap.Int("attempts", task.Attempt),
		zap.String("reason", task.LastError))
	if q.bus == nil {
		return
	}
	env := schema.NewEnvelope(schema.StreamSystem, schema.TypeTaskDead, map[string]any{
		"task_id":   task.ID,
		"task_type": task.Type,
		"reason":    task.LastError,
		"attempts":  task.Attempt,
	}, schema.WithUserID(task.UserID))
	if _, err := q.bus.Publish(context.Background(), env); err != nil {
		q.logger.Warn("failed to publish task.dead event", zap.Error(err))
	}
}

func (q *Queue) healthLoop() {
	defer q.bgWg.Done()
	ticker := time.NewTicker(q.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			stats := q.Snapshot()
			q.logger.Debug("task queue health",
				zap.Int("running", stats.Running),
				zap.Int("queued", stats.Queued),
				zap.Int64("dead_total", stats.DeadTotal))
			if q.bus == nil {
				continue
			}
			env := schema.NewEnvelope(schema.StreamSystem, schema.TypeServiceHealth, map[string]any{
				"service": "task-queue",
				"healthy": true,
				"detail":  fmt.Sprintf("running=%d queued=%d", stats.Running, stats.Queued),
			})
			if _, err := q.bus.Publish(q.ctx, env); err != nil {
				q.logger.Warn("failed to publish health event", zap.Error(err))
			}
		}
	}
}

// Snapshot returns current queue statistics.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := Stats{
		Running:        len(q.running),
		Queued:         q.ready.Len(),
		CompletedTotal: q.completed,
		FailedTotal:    q.failed,
		DeadTotal:      q.deadCount,
		PerType:        make(map[string]TypeStats, len(q.perType)),
	}
	if q.completed > 0 {
		stats.AvgLatencyMS = float64(q.latencySum.Milliseconds()) / float64(q.completed)
	}
	for t, s := range q.perType {
		stats.PerType[t] = *s
	}
	return stats
}

// RecentDead returns dead tasks still inside the retention window, newest
// last.
func (q *Queue) RecentDead() []*Task {
	return q.deadTasks.Values()
}

// Stop closes intake, lets running workers complete up to grace, persists
// residual queued tasks into the holding stream, and cancels stragglers.
func (q *Queue) Stop(grace time.Duration) error {
	var persistErr error
	q.stopOnce.Do(func() {
		q.logger.Info("stopping task queue", zap.Duration("grace", grace))

		if q.sub != nil && q.bus != nil {
			q.bus.Unsubscribe(q.sub)
		}
		q.mu.Lock()
		q.draining = true
		q.mu.Unlock()
		close(q.drainCh)

		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(grace):
			q.logger.Warn("drain grace exceeded, cancelling running tasks")
			q.cancel()
			<-done
		}
		q.cancel()
		q.bgWg.Wait()

		persistErr = q.persistResidual()
		q.logger.Info("task queue stopped")
	})
	return persistErr
}

// persistResidual appends remaining queued tasks to the holding stream so a
// fresh process resumes them.
func (q *Queue) persistResidual() error {
	q.mu.Lock()
	residual := q.ready.drain()
	q.mu.Unlock()
	if len(residual) == 0 || q.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	persisted := 0
	for _, task := range residual {
		raw, err := json.Marshal(task)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, err := q.client.Append(ctx, q.cfg.HoldingStream, map[string]string{"task": string(raw)}, 0); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		persisted++
	}
	q.logger.Info("persisted residual tasks",
		zap.Int("persisted", persisted),
		zap.Int("total", len(residual)))
	return firstErr
}
