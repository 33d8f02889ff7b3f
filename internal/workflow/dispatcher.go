package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/opscore/opscore/internal/common/errors"
	"github.com/opscore/opscore/internal/common/logger"
	"github.com/opscore/opscore/internal/events/bus"
	"github.com/opscore/opscore/internal/lifecycle"
	v1 "github.com/opscore/opscore/pkg/api/v1"
)

// RoutingClient abstracts the outbound dispatch call so tests can
// substitute a fake for the HTTP client.
type RoutingClient interface {
	Dispatch(ctx context.Context, task *v1.Task) error
}

// DispatcherConfig tunes the dispatch loop.
type DispatcherConfig struct {
	Workers            int
	RequeueBackoffBase time.Duration // contention re-queue delay, grows linearly
	RequeueBackoffMax  time.Duration
	RetryDelay         time.Duration // delay before a failed task is retried
	StateReadTimeout   time.Duration
}

// DefaultDispatcherConfig returns the production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:            2,
		RequeueBackoffBase: 200 * time.Millisecond,
		RequeueBackoffMax:  2 * time.Second,
		RetryDelay:         time.Second,
		StateReadTimeout:   5 * time.Second,
	}
}

// Dispatcher drains the task queue. Each dequeued task is gated on the
// agent's latest state: idle dispatches, busy states re-queue with a
// bounded linear backoff, and unavailable agents route into failure
// handling. Per-agent ordering is preserved by the queue's shards.
type Dispatcher struct {
	queue     *TaskQueue
	lifecycle *lifecycle.Manager
	client    RoutingClient
	bus       bus.EventBus
	logger    *logger.Logger
	cfg       DispatcherConfig

	// consecutive contention re-queues per task, for backoff sizing
	requeues   map[string]int
	requeuesMu sync.Mutex

	// inflight records, per agent, when a task was last dispatched. A
	// stored idle state older than that record reflects the agent before
	// it received the task, so the agent is not ready again until an idle
	// callback ingested after the dispatch arrives. The map also
	// serializes the gate-check across workers.
	inflight   map[string]time.Time
	inflightMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Zero-valued config fields fall back
// to the defaults.
func NewDispatcher(q *TaskQueue, lm *lifecycle.Manager, client RoutingClient, eventBus bus.EventBus, log *logger.Logger, cfg DispatcherConfig) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.RequeueBackoffBase <= 0 {
		cfg.RequeueBackoffBase = def.RequeueBackoffBase
	}
	if cfg.RequeueBackoffMax <= 0 {
		cfg.RequeueBackoffMax = def.RequeueBackoffMax
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.StateReadTimeout <= 0 {
		cfg.StateReadTimeout = def.StateReadTimeout
	}

	return &Dispatcher{
		queue:     q,
		lifecycle: lm,
		client:    client,
		bus:       eventBus,
		logger:    log,
		cfg:       cfg,
		requeues:  make(map[string]int),
		inflight:  make(map[string]time.Time),
	}
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}

	d.logger.Info("Dispatcher started", zap.Int("workers", d.cfg.Workers))
}

// Stop signals the workers and waits for the current tasks to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.queue.Close()
	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	log := d.logger.WithFields(zap.Int("worker", id))
	for {
		task, err := d.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrQueueClosed) {
				log.Error("Dequeue failed", zap.Error(err))
			}
			return
		}
		d.process(ctx, task)
	}
}

// process applies the readiness gate to one task.
func (d *Dispatcher) process(ctx context.Context, task *v1.Task) {
	log := d.logger.WithAgentID(task.AgentID).WithTaskID(task.TaskID)

	stateCtx, cancel := context.WithTimeout(ctx, d.cfg.StateReadTimeout)
	state, err := d.lifecycle.GetState(stateCtx, task.AgentID)
	cancel()
	if err != nil {
		if apperrors.IsNotFound(err) {
			// registration vanished
			d.handleTaskFailure(ctx, task, "agent '"+task.AgentID+"' is no longer registered")
			return
		}
		// storage trouble or timeout is contention, not failure
		log.Warn("State read failed, re-queueing task", zap.Error(err))
		d.requeueContention(task)
		return
	}

	if state == nil {
		d.handleTaskFailure(ctx, task, "agent '"+task.AgentID+"' has no recorded state")
		return
	}

	switch state.State {
	case v1.StateIdle:
		if !d.claimAgent(task.AgentID, state) {
			log.Debug("Agent has a task in flight, re-queueing",
				zap.String("state", string(state.State)))
			d.requeueContention(task)
			return
		}
		d.dispatch(ctx, task)

	case v1.StateInitializing, v1.StateActive, v1.StateUnknown:
		log.Debug("Agent not ready, re-queueing task",
			zap.String("state", string(state.State)))
		d.requeueContention(task)

	case v1.StateError:
		d.handleTaskFailure(ctx, task, "agent '"+task.AgentID+"' reported error state")

	case v1.StateFinished:
		d.handleTaskFailure(ctx, task, "agent no longer available")

	default:
		d.handleTaskFailure(ctx, task, "agent '"+task.AgentID+"' in unrecognized state '"+string(state.State)+"'")
	}
}

// dispatch calls the routing client for an idle agent. A 2xx leaves the
// task in-flight; progress is observed through state callbacks.
func (d *Dispatcher) dispatch(ctx context.Context, task *v1.Task) {
	log := d.logger.WithAgentID(task.AgentID).WithTaskID(task.TaskID)
	d.clearRequeues(task.TaskID)

	err := d.client.Dispatch(ctx, task)
	if err == nil {
		log.Info("Task dispatched", zap.String("task_name", task.TaskName))
		d.publish(ctx, bus.SubjectTaskDispatched, "task.dispatched", map[string]interface{}{
			"taskId":    task.TaskID,
			"agentId":   task.AgentID,
			"sessionId": task.SessionID,
		})
		d.markSessionRunning(ctx, task.SessionID)
		return
	}

	// nothing reached the agent, free it for the next attempt
	d.releaseAgent(task.AgentID)

	var dispatchErr *apperrors.TaskDispatchError
	if errors.As(err, &dispatchErr) && !dispatchErr.Retryable() {
		// the routing service rejected the request outright; retrying the
		// same payload cannot succeed
		d.fallback(ctx, task, dispatchErr.Error())
		return
	}
	d.handleTaskFailure(ctx, task, err.Error())
}

// claimAgent marks an agent as having a task in flight. The claim fails
// when a previous dispatch is still outstanding, which is the case until
// an idle state ingested after that dispatch is observed.
func (d *Dispatcher) claimAgent(agentID string, state *v1.AgentState) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()

	if since, ok := d.inflight[agentID]; ok && !state.ReceivedTime.After(since) {
		return false
	}
	d.inflight[agentID] = time.Now()
	return true
}

func (d *Dispatcher) releaseAgent(agentID string) {
	d.inflightMu.Lock()
	delete(d.inflight, agentID)
	d.inflightMu.Unlock()
}

// requeueContention puts a task back without touching its retry count.
// Consecutive re-queues back off linearly up to the configured cap.
func (d *Dispatcher) requeueContention(task *v1.Task) {
	d.requeuesMu.Lock()
	d.requeues[task.TaskID]++
	n := d.requeues[task.TaskID]
	d.requeuesMu.Unlock()

	delay := time.Duration(n) * d.cfg.RequeueBackoffBase
	if delay > d.cfg.RequeueBackoffMax {
		delay = d.cfg.RequeueBackoffMax
	}
	task.NotBefore = time.Now().Add(delay)

	if err := d.queue.Requeue(task); err != nil {
		d.logger.WithTaskID(task.TaskID).Error("Failed to re-queue task", zap.Error(err))
	}
}

// handleTaskFailure retries a failed task while budget remains, then
// falls back to terminal failure.
func (d *Dispatcher) handleTaskFailure(ctx context.Context, task *v1.Task, reason string) {
	log := d.logger.WithAgentID(task.AgentID).WithTaskID(task.TaskID)

	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		task.NotBefore = time.Now().Add(d.cfg.RetryDelay)

		log.Warn("Task failed, retrying",
			zap.String("reason", reason),
			zap.Int("retry", task.RetryCount),
			zap.Int("max_retries", task.MaxRetries))
		d.publish(ctx, bus.SubjectTaskFailed, "task.failed", map[string]interface{}{
			"taskId":    task.TaskID,
			"agentId":   task.AgentID,
			"sessionId": task.SessionID,
			"reason":    reason,
			"willRetry": true,
		})

		if err := d.queue.Requeue(task); err != nil {
			log.Error("Failed to re-queue task for retry", zap.Error(err))
			d.fallback(ctx, task, reason)
		}
		return
	}

	d.fallback(ctx, task, reason)
}

// fallback records a terminal task failure and marks the session failed.
func (d *Dispatcher) fallback(ctx context.Context, task *v1.Task, reason string) {
	log := d.logger.WithAgentID(task.AgentID).WithTaskID(task.TaskID)
	d.clearRequeues(task.TaskID)

	log.Error("Task failed terminally",
		zap.String("task_name", task.TaskName),
		zap.String("reason", reason),
		zap.Int("retries", task.RetryCount))

	d.publish(ctx, bus.SubjectTaskFailed, "task.failed", map[string]interface{}{
		"taskId":    task.TaskID,
		"agentId":   task.AgentID,
		"sessionId": task.SessionID,
		"reason":    reason,
		"willRetry": false,
	})

	failed := v1.SessionFailed
	_, err := d.lifecycle.UpdateSession(ctx, task.SessionID, &v1.SessionUpdate{
		Status:   &failed,
		Metadata: map[string]interface{}{"lastError": reason},
		Error:    &reason,
	})
	if err != nil {
		log.Error("Failed to mark session as failed", zap.Error(err))
	}
}

// markSessionRunning advances a freshly started session to running. A
// session already past started (running, or failed by a sibling task) is
// left alone.
func (d *Dispatcher) markSessionRunning(ctx context.Context, sessionID string) {
	session, err := d.lifecycle.GetSession(ctx, sessionID)
	if err != nil || session.Status != v1.SessionStarted {
		return
	}
	running := v1.SessionRunning
	if _, err := d.lifecycle.UpdateSession(ctx, sessionID, &v1.SessionUpdate{Status: &running}); err != nil {
		d.logger.WithSessionID(sessionID).Warn("Failed to mark session running", zap.Error(err))
	}
}

func (d *Dispatcher) clearRequeues(taskID string) {
	d.requeuesMu.Lock()
	delete(d.requeues, taskID)
	d.requeuesMu.Unlock()
}

// publish emits a bus event; bus failures are logged, never propagated.
func (d *Dispatcher) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(ctx, subject, bus.NewEvent(eventType, data)); err != nil {
		d.logger.Warn("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
