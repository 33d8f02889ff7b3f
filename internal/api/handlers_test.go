package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opscore/opscore/internal/common/logger"
	"github.com/opscore/opscore/internal/events/bus"
	"github.com/opscore/opscore/internal/lifecycle"
	"github.com/opscore/opscore/internal/store"
	"github.com/opscore/opscore/internal/workflow"
	v1 "github.com/opscore/opscore/pkg/api/v1"
)

const testAPIKey = "test-api-key"

// recordingClient captures dispatch calls from the dispatch loop.
type recordingClient struct {
	mu    sync.Mutex
	tasks []*v1.Task
}

func (r *recordingClient) Dispatch(ctx context.Context, task *v1.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return nil
}

func (r *recordingClient) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *recordingClient) first() *v1.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tasks) == 0 {
		return nil
	}
	return r.tasks[0]
}

type serverFixture struct {
	router    *gin.Engine
	lifecycle *lifecycle.Manager
	engine    *workflow.Engine
	client    *recordingClient
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(log)
	lm := lifecycle.NewManager(st, eventBus, log)
	queue := workflow.NewTaskQueue(0)
	engine := workflow.NewEngine(st, lm, queue, log)
	client := &recordingClient{}

	dispatcher := workflow.NewDispatcher(queue, lm, client, eventBus, log, workflow.DispatcherConfig{
		Workers:            1,
		RequeueBackoffBase: time.Millisecond,
		RequeueBackoffMax:  5 * time.Millisecond,
		RetryDelay:         time.Millisecond,
		StateReadTimeout:   time.Second,
	})
	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	return &serverFixture{
		router:    NewRouter(lm, engine, testAPIKey, log),
		lifecycle: lm,
		engine:    engine,
		client:    client,
	}
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}, authed bool) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *serverFixture) registerAgent(t *testing.T, agentID string) {
	t.Helper()
	w := f.do(t, http.MethodPost, "/v1/opscore/internal/agent/notify", AgentNotifyRequest{
		EventType: EventTypeRegister,
		AgentDetails: v1.AgentRegistration{
			AgentID:         agentID,
			AgentName:       "test-agent",
			Version:         "1.0",
			ContactEndpoint: "http://localhost:9000/run",
		},
	}, false)
	if w.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
}

func (f *serverFixture) saveWorkflow(t *testing.T, id string) {
	t.Helper()
	_, err := f.engine.CreateWorkflow(context.Background(), &v1.WorkflowDefinition{
		ID:      id,
		Name:    "diagnostics",
		Version: "1",
		Tasks:   []v1.TaskSpec{{TaskName: "collect"}, {TaskName: "report"}},
	})
	if err != nil {
		t.Fatalf("failed to save workflow: %v", err)
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body %q: %v", w.Body.String(), err)
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil, false)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestRegistrationYieldsUnknownState(t *testing.T) {
	f := newServerFixture(t)
	f.registerAgent(t, "agent-1")

	w := f.do(t, http.MethodGet, "/v1/opscore/agent/agent-1/state", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["state"] != string(v1.StateUnknown) {
		t.Errorf("expected initial state %q, got %v", v1.StateUnknown, body["state"])
	}
}

func TestStateCallbackUpdatesLatest(t *testing.T) {
	f := newServerFixture(t)
	f.registerAgent(t, "agent-1")

	w := f.do(t, http.MethodPost, "/v1/opscore/agent/agent-1/state", StateUpdateRequest{
		AgentID:   "agent-1",
		Timestamp: time.Now().UTC(),
		State:     string(v1.StateIdle),
	}, true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/v1/opscore/agent/agent-1/state", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["state"] != string(v1.StateIdle) {
		t.Errorf("expected state idle, got %v", body["state"])
	}
}

func TestStateCallbackAgentIDMismatch(t *testing.T) {
	f := newServerFixture(t)
	f.registerAgent(t, "agent-1")

	w := f.do(t, http.MethodPost, "/v1/opscore/agent/agent-1/state", StateUpdateRequest{
		AgentID: "agent-2",
		State:   string(v1.StateIdle),
	}, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestStateCallbackInvalidState(t *testing.T) {
	f := newServerFixture(t)
	f.registerAgent(t, "agent-1")

	w := f.do(t, http.MethodPost, "/v1/opscore/agent/agent-1/state", StateUpdateRequest{
		AgentID: "agent-1",
		State:   "sleeping",
	}, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestUnauthorizedRequests(t *testing.T) {
	f := newServerFixture(t)
	f.registerAgent(t, "agent-1")

	w := f.do(t, http.MethodGet, "/v1/opscore/agent/agent-1/state", nil, false)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/opscore/agent/agent-1/state", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	w2 := httptest.NewRecorder()
	f.router.ServeHTTP(w2, req)
	if w2.Code != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", w2.Code)
	}
	if body := decodeBody(t, w2); body["detail"] == nil {
		t.Errorf("expected a detail field in the 401 body, got %s", w2.Body.String())
	}
}

func TestStateHistoryEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.registerAgent(t, "agent-1")

	base := time.Now().UTC()
	for i, s := range []string{string(v1.StateInitializing), string(v1.StateIdle), string(v1.StateActive)} {
		w := f.do(t, http.MethodPost, "/v1/opscore/agent/agent-1/state", StateUpdateRequest{
			AgentID:   "agent-1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			State:     s,
		}, true)
		if w.Code != http.StatusAccepted {
			t.Fatalf("state update %d: expected 202, got %d", i, w.Code)
		}
	}

	w := f.do(t, http.MethodGet, "/v1/opscore/agent/agent-1/state/history?limit=2", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	history, ok := body["history"].([]interface{})
	if !ok {
		t.Fatalf("expected a history array, got %v", body["history"])
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(history))
	}
	newest := history[0].(map[string]interface{})
	if newest["state"] != string(v1.StateActive) {
		t.Errorf("expected newest record first, got %v", newest["state"])
	}

	w = f.do(t, http.MethodGet, "/v1/opscore/agent/agent-1/state/history?limit=-1", nil, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative limit: expected 400, got %d", w.Code)
	}
}

func TestTriggerWorkflowDispatchesFirstTask(t *testing.T) {
	f := newServerFixture(t)
	f.registerAgent(t, "agent-1")
	f.saveWorkflow(t, "wf-diag")

	w := f.do(t, http.MethodPost, "/v1/opscore/agent/agent-1/state", StateUpdateRequest{
		AgentID: "agent-1",
		State:   string(v1.StateIdle),
	}, true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/opscore/agent/agent-1/workflow", WorkflowTriggerRequest{
		WorkflowDefinitionID: "wf-diag",
		InitialPayload:       map[string]interface{}{"target": "db-7"},
	}, true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	sessionID, _ := body["sessionId"].(string)
	if sessionID == "" {
		t.Fatalf("expected a sessionId in the trigger response, got %s", w.Body.String())
	}
	if msg, _ := body["message"].(string); !strings.Contains(msg, "2 task(s)") {
		t.Errorf("expected enqueue count in message, got %q", msg)
	}

	deadline := time.Now().Add(time.Second)
	for f.client.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.client.count() == 0 {
		t.Fatal("expected the dispatch loop to deliver the first task")
	}
	first := f.client.first()
	if first.TaskName != "collect" {
		t.Errorf("expected first task collect, got %q", first.TaskName)
	}
	if first.Payload["initialPayload"] == nil {
		t.Errorf("expected the first task to carry the initial payload, got %v", first.Payload)
	}

	// the second task stays queued until the agent reports idle again
	time.Sleep(100 * time.Millisecond)
	if f.client.count() != 1 {
		t.Fatalf("expected the second task to wait for a fresh idle callback, got %d dispatches", f.client.count())
	}

	w = f.do(t, http.MethodPost, "/v1/opscore/agent/agent-1/state", StateUpdateRequest{
		AgentID: "agent-1",
		State:   string(v1.StateIdle),
	}, true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	deadline = time.Now().Add(time.Second)
	for f.client.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.client.count() != 2 {
		t.Fatalf("expected the second task after the idle callback, got %d dispatches", f.client.count())
	}

	w = f.do(t, http.MethodGet, "/v1/opscore/session/"+sessionID, nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 reading the session, got %d", w.Code)
	}
}

func TestTriggerContentionDefersDispatch(t *testing.T) {
	f := newServerFixture(t)
	f.registerAgent(t, "agent-1")
	f.saveWorkflow(t, "wf-diag")

	w := f.do(t, http.MethodPost, "/v1/opscore/agent/agent-1/state", StateUpdateRequest{
		AgentID: "agent-1",
		State:   string(v1.StateActive),
	}, true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/opscore/agent/agent-1/workflow", WorkflowTriggerRequest{
		WorkflowDefinitionID: "wf-diag",
	}, true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", w.Code, w.Body.String())
	}

	// busy agent: tasks stay queued
	time.Sleep(100 * time.Millisecond)
	if f.client.count() != 0 {
		t.Fatalf("expected no dispatch while the agent is active, got %d", f.client.count())
	}

	w = f.do(t, http.MethodPost, "/v1/opscore/agent/agent-1/state", StateUpdateRequest{
		AgentID: "agent-1",
		State:   string(v1.StateIdle),
	}, true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	deadline := time.Now().Add(time.Second)
	for f.client.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.client.count() == 0 {
		t.Fatal("expected dispatch once the agent reported idle")
	}
}

func TestTriggerUnknownAgent(t *testing.T) {
	f := newServerFixture(t)
	f.saveWorkflow(t, "wf-diag")

	w := f.do(t, http.MethodPost, "/v1/opscore/agent/ghost/workflow", WorkflowTriggerRequest{
		WorkflowDefinitionID: "wf-diag",
	}, true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	detail, _ := body["detail"].(string)
	if !strings.Contains(detail, "not found") {
		t.Errorf("expected a not-found detail, got %q", detail)
	}
}

func TestTriggerUnknownDefinition(t *testing.T) {
	f := newServerFixture(t)
	f.registerAgent(t, "agent-1")

	w := f.do(t, http.MethodPost, "/v1/opscore/agent/agent-1/workflow", WorkflowTriggerRequest{
		WorkflowDefinitionID: "missing",
	}, true)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestTriggerRequiresExactlyOneDefinition(t *testing.T) {
	f := newServerFixture(t)
	f.registerAgent(t, "agent-1")

	w := f.do(t, http.MethodPost, "/v1/opscore/agent/agent-1/workflow", WorkflowTriggerRequest{}, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestGetSessionNotFound(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodGet, "/v1/opscore/session/sess_missing", nil, true)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestAgentNotifyDeregister(t *testing.T) {
	f := newServerFixture(t)
	f.registerAgent(t, "agent-1")

	w := f.do(t, http.MethodPost, "/v1/opscore/internal/agent/notify", AgentNotifyRequest{
		EventType:    EventTypeDeregister,
		AgentDetails: v1.AgentRegistration{AgentID: "agent-1"},
	}, false)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/v1/opscore/agent/agent-1/state", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["state"] != string(v1.StateFinished) {
		t.Errorf("expected finished after deregistration, got %v", body["state"])
	}
}

func TestAgentNotifyUnknownEvent(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(t, http.MethodPost, "/v1/opscore/internal/agent/notify", AgentNotifyRequest{
		EventType:    "RESTART",
		AgentDetails: v1.AgentRegistration{AgentID: "agent-1"},
	}, false)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestDuplicateRegistrationConflict(t *testing.T) {
	f := newServerFixture(t)
	f.registerAgent(t, "agent-1")

	w := f.do(t, http.MethodPost, "/v1/opscore/internal/agent/notify", AgentNotifyRequest{
		EventType: EventTypeRegister,
		AgentDetails: v1.AgentRegistration{
			AgentID:         "agent-1",
			AgentName:       "test-agent",
			Version:         "1.0",
			ContactEndpoint: "http://localhost:9000/run",
		},
	}, false)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d (%s)", w.Code, w.Body.String())
	}
}
