package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/opscore/opscore/internal/common/errors"
	"github.com/opscore/opscore/internal/common/logger"
	"github.com/opscore/opscore/internal/events/bus"
	"github.com/opscore/opscore/internal/lifecycle"
	"github.com/opscore/opscore/internal/store"
	v1 "github.com/opscore/opscore/pkg/api/v1"
)

// fakeRoutingClient records dispatch calls and returns scripted errors.
type fakeRoutingClient struct {
	mu    sync.Mutex
	calls []string
	errs  map[string][]error // per task id, consumed in order
}

func newFakeRoutingClient() *fakeRoutingClient {
	return &fakeRoutingClient{errs: make(map[string][]error)}
}

func (f *fakeRoutingClient) Dispatch(ctx context.Context, task *v1.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, task.TaskID)
	if queue := f.errs[task.TaskID]; len(queue) > 0 {
		err := queue[0]
		f.errs[task.TaskID] = queue[1:]
		return err
	}
	return nil
}

func (f *fakeRoutingClient) failWith(taskID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[taskID] = append(f.errs[taskID], errs...)
}

func (f *fakeRoutingClient) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRoutingClient) callCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.calls {
		if id == taskID {
			n++
		}
	}
	return n
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	queue      *TaskQueue
	lifecycle  *lifecycle.Manager
	client     *fakeRoutingClient
	store      store.Store
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(log)
	lm := lifecycle.NewManager(st, eventBus, log)
	q := NewTaskQueue(0)
	client := newFakeRoutingClient()

	d := NewDispatcher(q, lm, client, eventBus, log, DispatcherConfig{
		Workers:            1,
		RequeueBackoffBase: time.Millisecond,
		RequeueBackoffMax:  5 * time.Millisecond,
		RetryDelay:         time.Millisecond,
		StateReadTimeout:   time.Second,
	})
	d.Start()
	t.Cleanup(d.Stop)

	return &dispatcherFixture{dispatcher: d, queue: q, lifecycle: lm, client: client, store: st}
}

// newSessionTask registers the agent, saves a definition, opens a session,
// and returns a task bound to it.
func (f *dispatcherFixture) newSessionTask(t *testing.T, agentID, taskID string, maxRetries int) *v1.Task {
	t.Helper()
	ctx := context.Background()

	if exists, _ := f.store.AgentExists(ctx, agentID); !exists {
		_, err := f.lifecycle.RegisterAgent(ctx, &v1.AgentRegistration{
			AgentID:         agentID,
			AgentName:       "test-agent",
			Version:         "1.0",
			ContactEndpoint: "http://localhost:9000/run",
		})
		require.NoError(t, err)
	}
	if _, err := f.store.GetWorkflowDefinition(ctx, "w1"); err != nil {
		require.NoError(t, f.store.SaveWorkflowDefinition(ctx, &v1.WorkflowDefinition{
			ID: "w1", Name: "test", Version: "1", Tasks: []v1.TaskSpec{{TaskName: "t"}},
		}))
	}

	session, err := f.lifecycle.StartSession(ctx, agentID, "w1", nil)
	require.NoError(t, err)

	return &v1.Task{
		TaskID:     taskID,
		SessionID:  session.SessionID,
		WorkflowID: "w1",
		AgentID:    agentID,
		TaskName:   "t",
		Payload:    map[string]interface{}{"taskName": "t"},
		MaxRetries: maxRetries,
		EnqueuedAt: time.Now().UTC(),
	}
}

func (f *dispatcherFixture) setState(t *testing.T, agentID string, state v1.AgentLifecycleState) {
	t.Helper()
	_, err := f.lifecycle.SetState(context.Background(), agentID, state, time.Now().UTC(), nil)
	require.NoError(t, err)
}

func (f *dispatcherFixture) sessionStatus(t *testing.T, sessionID string) v1.SessionStatus {
	t.Helper()
	session, err := f.lifecycle.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	return session.Status
}

func TestDispatcherDispatchesToIdleAgent(t *testing.T) {
	f := newDispatcherFixture(t)
	task := f.newSessionTask(t, "a1", "t1", 3)
	f.setState(t, "a1", v1.StateIdle)

	require.NoError(t, f.queue.Enqueue(task))

	assert.Eventually(t, func() bool {
		return f.client.callCount("t1") == 1
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return f.sessionStatus(t, task.SessionID) == v1.SessionRunning
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, task.RetryCount)
}

func TestDispatcherSecondTaskWaitsForFreshIdleCallback(t *testing.T) {
	f := newDispatcherFixture(t)
	t1 := f.newSessionTask(t, "a1", "t1", 3)
	t2 := f.newSessionTask(t, "a1", "t2", 3)
	f.setState(t, "a1", v1.StateIdle)

	require.NoError(t, f.queue.Enqueue(t1))
	require.NoError(t, f.queue.Enqueue(t2))

	assert.Eventually(t, func() bool {
		return f.client.callCount("t1") == 1
	}, time.Second, 5*time.Millisecond)

	// the stored idle state predates the dispatch; without a fresh
	// callback the agent is treated as busy and t2 stays queued
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, f.client.callCount("t2"))

	f.setState(t, "a1", v1.StateIdle)
	assert.Eventually(t, func() bool {
		return f.client.callCount("t2") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcherContentionRequeuePreservesAgentOrder(t *testing.T) {
	f := newDispatcherFixture(t)
	t1 := f.newSessionTask(t, "a1", "t1", 3)
	t2 := f.newSessionTask(t, "a1", "t2", 3)
	f.setState(t, "a1", v1.StateActive)

	require.NoError(t, f.queue.Enqueue(t1))
	require.NoError(t, f.queue.Enqueue(t2))

	// let the loop contention-requeue the head a few times
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, f.client.callCount("t1"))

	f.setState(t, "a1", v1.StateIdle)
	assert.Eventually(t, func() bool {
		return f.client.callCount("t1") == 1
	}, time.Second, 5*time.Millisecond)

	// t1 was enqueued first and must dispatch first despite its re-queues
	require.NotEmpty(t, f.client.callOrder())
	assert.Equal(t, "t1", f.client.callOrder()[0])
	assert.Equal(t, 0, t1.RetryCount)
}

func TestDispatcherContentionRequeuesWithoutRetryIncrement(t *testing.T) {
	f := newDispatcherFixture(t)
	task := f.newSessionTask(t, "a1", "t1", 3)
	f.setState(t, "a1", v1.StateActive)

	require.NoError(t, f.queue.Enqueue(task))

	// busy agent: the loop re-queues and never calls the routing client
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, f.client.callCount("t1"))
	assert.Equal(t, 0, task.RetryCount)

	// once the agent reports idle the task dispatches exactly once
	f.setState(t, "a1", v1.StateIdle)
	assert.Eventually(t, func() bool {
		return f.client.callCount("t1") == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.client.callCount("t1"))
	assert.Equal(t, 0, task.RetryCount)
}

func TestDispatcherClientErrorFailsWithoutRetry(t *testing.T) {
	f := newDispatcherFixture(t)
	task := f.newSessionTask(t, "a1", "t1", 3)
	f.setState(t, "a1", v1.StateIdle)
	f.client.failWith("t1", &apperrors.TaskDispatchError{AgentID: "a1", TaskID: "t1", StatusCode: 400})

	require.NoError(t, f.queue.Enqueue(task))

	assert.Eventually(t, func() bool {
		return f.sessionStatus(t, task.SessionID) == v1.SessionFailed
	}, time.Second, 5*time.Millisecond)

	// a 4xx is not retried
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.client.callCount("t1"))

	session, err := f.lifecycle.GetSession(context.Background(), task.SessionID)
	require.NoError(t, err)
	assert.Contains(t, session.Metadata["lastError"], "status 400")
	assert.NotNil(t, session.EndTime)
}

func TestDispatcherServerErrorRetriesThenFallsBack(t *testing.T) {
	f := newDispatcherFixture(t)
	task := f.newSessionTask(t, "a1", "t1", 1)
	f.setState(t, "a1", v1.StateIdle)
	f.client.failWith("t1",
		&apperrors.TaskDispatchError{AgentID: "a1", TaskID: "t1", StatusCode: 502},
		&apperrors.TaskDispatchError{AgentID: "a1", TaskID: "t1", StatusCode: 502},
	)

	require.NoError(t, f.queue.Enqueue(task))

	assert.Eventually(t, func() bool {
		return f.sessionStatus(t, task.SessionID) == v1.SessionFailed
	}, time.Second, 5*time.Millisecond)

	// initial attempt plus one retry, then terminal fallback
	assert.Equal(t, 2, f.client.callCount("t1"))
}

func TestDispatcherFinishedAgentFailsTask(t *testing.T) {
	f := newDispatcherFixture(t)
	task := f.newSessionTask(t, "a1", "t1", 0)
	f.setState(t, "a1", v1.StateFinished)

	require.NoError(t, f.queue.Enqueue(task))

	assert.Eventually(t, func() bool {
		return f.sessionStatus(t, task.SessionID) == v1.SessionFailed
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, f.client.callCount("t1"))

	session, err := f.lifecycle.GetSession(context.Background(), task.SessionID)
	require.NoError(t, err)
	assert.Contains(t, session.Error, "agent no longer available")
}

func TestDispatcherErrorStateRetriesThenFails(t *testing.T) {
	f := newDispatcherFixture(t)
	task := f.newSessionTask(t, "a1", "t1", 2)
	f.setState(t, "a1", v1.StateError)

	require.NoError(t, f.queue.Enqueue(task))

	assert.Eventually(t, func() bool {
		return f.sessionStatus(t, task.SessionID) == v1.SessionFailed
	}, time.Second, 5*time.Millisecond)

	// retries re-observe the error state without calling the client
	assert.Equal(t, 0, f.client.callCount("t1"))
	assert.Equal(t, 2, task.RetryCount)
}
