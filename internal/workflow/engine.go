// Package workflow implements the workflow engine: template loading,
// the pending-task queue, and the dispatch loop with per-agent readiness
// gating and retry handling.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apperrors "github.com/opscore/opscore/internal/common/errors"
	"github.com/opscore/opscore/internal/common/logger"
	"github.com/opscore/opscore/internal/lifecycle"
	"github.com/opscore/opscore/internal/store"
	v1 "github.com/opscore/opscore/pkg/api/v1"
)

// defaultMaxRetries applies to task descriptors without a per-task override.
const defaultMaxRetries = 3

// Engine loads workflow definitions and turns triggers into queued tasks.
type Engine struct {
	store     store.Store
	lifecycle *lifecycle.Manager
	queue     *TaskQueue
	logger    *logger.Logger
}

// NewEngine creates a workflow engine.
func NewEngine(st store.Store, lm *lifecycle.Manager, q *TaskQueue, log *logger.Logger) *Engine {
	return &Engine{
		store:     st,
		lifecycle: lm,
		queue:     q,
		logger:    log,
	}
}

// TriggerRequest names either a stored definition or carries an inline one.
// Exactly one of WorkflowDefinitionID / Definition must be set.
type TriggerRequest struct {
	WorkflowDefinitionID string
	Definition           *v1.WorkflowDefinition
	InitialPayload       map[string]interface{}
}

// TriggerResult reports what a trigger produced.
type TriggerResult struct {
	SessionID     string
	WorkflowID    string
	EnqueuedTasks int
}

// ParseTemplate decodes a serialized workflow definition. JSON and YAML
// are both accepted; the syntax is autodetected.
func ParseTemplate(data []byte) (*v1.WorkflowDefinition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, apperrors.InvalidRequest("workflow template is empty")
	}

	var def v1.WorkflowDefinition
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &def); err != nil {
			return nil, apperrors.InvalidRequest("workflow template is not valid JSON: " + err.Error())
		}
	} else {
		if err := yaml.Unmarshal(trimmed, &def); err != nil {
			return nil, apperrors.InvalidRequest("workflow template is not valid YAML: " + err.Error())
		}
	}

	if err := validateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// validateDefinition enforces the template rules: name, version, and a
// non-empty task list with a taskName per descriptor.
func validateDefinition(def *v1.WorkflowDefinition) error {
	if def.Name == "" {
		return apperrors.InvalidRequest("workflow definition requires a name")
	}
	if def.Version == "" {
		return apperrors.InvalidRequest("workflow definition requires a version")
	}
	if len(def.Tasks) == 0 {
		return apperrors.InvalidRequest("workflow definition requires at least one task")
	}
	for i, task := range def.Tasks {
		if task.TaskName == "" {
			return apperrors.InvalidRequest("workflow definition task " + strconv.Itoa(i) + " is missing taskName")
		}
	}
	return nil
}

// CreateWorkflow validates and persists a definition, assigning a
// wf_<uuid> id when none is supplied. Returns the definition id.
func (e *Engine) CreateWorkflow(ctx context.Context, def *v1.WorkflowDefinition) (string, error) {
	if err := validateDefinition(def); err != nil {
		return "", err
	}
	if def.ID == "" {
		def.ID = "wf_" + uuid.New().String()
	}
	if err := e.store.SaveWorkflowDefinition(ctx, def); err != nil {
		return "", err
	}

	e.logger.Info("Workflow definition saved",
		zap.String("workflow_id", def.ID),
		zap.String("name", def.Name),
		zap.Int("tasks", len(def.Tasks)))
	return def.ID, nil
}

// Trigger resolves the definition, opens a session, and enqueues every
// task of the definition in order.
func (e *Engine) Trigger(ctx context.Context, agentID string, req *TriggerRequest) (*TriggerResult, error) {
	if (req.WorkflowDefinitionID == "") == (req.Definition == nil) {
		return nil, apperrors.InvalidRequest("exactly one of workflowDefinitionId and workflowDefinition must be provided")
	}

	def, err := e.resolveDefinition(ctx, req)
	if err != nil {
		return nil, err
	}

	exists, err := e.store.AgentExists(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperrors.AgentNotFound(agentID)
	}

	session, err := e.lifecycle.StartSession(ctx, agentID, def.ID, map[string]interface{}{
		"workflowName": def.Name,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for i, spec := range def.Tasks {
		payload := map[string]interface{}{
			"taskName":   spec.TaskName,
			"parameters": spec.Parameters,
		}
		if i == 0 && req.InitialPayload != nil {
			payload["initialPayload"] = req.InitialPayload
		}

		maxRetries := defaultMaxRetries
		if spec.MaxRetries != nil {
			maxRetries = *spec.MaxRetries
		}

		task := &v1.Task{
			TaskID:     "task_" + uuid.New().String(),
			SessionID:  session.SessionID,
			WorkflowID: def.ID,
			AgentID:    agentID,
			TaskName:   spec.TaskName,
			Payload:    payload,
			MaxRetries: maxRetries,
			EnqueuedAt: now,
		}
		if err := e.queue.Enqueue(task); err != nil {
			e.failSession(ctx, session.SessionID, "task queue rejected enqueue: "+err.Error())
			return nil, apperrors.InternalError("failed to enqueue workflow tasks", err)
		}
	}

	e.logger.WithAgentID(agentID).WithSessionID(session.SessionID).Info("Workflow triggered",
		zap.String("workflow_id", def.ID),
		zap.Int("enqueued_tasks", len(def.Tasks)))

	return &TriggerResult{
		SessionID:     session.SessionID,
		WorkflowID:    def.ID,
		EnqueuedTasks: len(def.Tasks),
	}, nil
}

// resolveDefinition loads a stored definition or saves an inline one.
// An inline definition whose id maps to a differing stored definition is
// rejected; an identical stored copy is fine.
func (e *Engine) resolveDefinition(ctx context.Context, req *TriggerRequest) (*v1.WorkflowDefinition, error) {
	if req.WorkflowDefinitionID != "" {
		return e.store.GetWorkflowDefinition(ctx, req.WorkflowDefinitionID)
	}

	def := req.Definition
	if err := validateDefinition(def); err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = "wf_" + uuid.New().String()
		if err := e.store.SaveWorkflowDefinition(ctx, def); err != nil {
			return nil, err
		}
		return def, nil
	}

	stored, err := e.store.GetWorkflowDefinition(ctx, def.ID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			if saveErr := e.store.SaveWorkflowDefinition(ctx, def); saveErr != nil {
				return nil, saveErr
			}
			return def, nil
		}
		return nil, err
	}

	if !reflect.DeepEqual(stored, def) {
		return nil, apperrors.WorkflowDefinitionConflict(def.ID)
	}
	return stored, nil
}

// failSession marks a session failed with the terminal reason recorded in
// metadata.lastError. Failures here are logged, not propagated.
func (e *Engine) failSession(ctx context.Context, sessionID, reason string) {
	failed := v1.SessionFailed
	_, err := e.lifecycle.UpdateSession(ctx, sessionID, &v1.SessionUpdate{
		Status:   &failed,
		Metadata: map[string]interface{}{"lastError": reason},
		Error:    &reason,
	})
	if err != nil {
		e.logger.WithSessionID(sessionID).Error("Failed to mark session as failed",
			zap.Error(err))
	}
}

// SeedDir loads every *.json, *.yaml, and *.yml definition in dir. A bad
// file is logged and skipped; only an unreadable directory fails startup.
func (e *Engine) SeedDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return apperrors.ConfigurationError("cannot read workflow seed directory " + dir + ": " + err.Error())
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			e.logger.Warn("Skipping unreadable workflow file",
				zap.String("path", path),
				zap.Error(err))
			continue
		}

		def, err := ParseTemplate(data)
		if err != nil {
			e.logger.Warn("Skipping invalid workflow file",
				zap.String("path", path),
				zap.Error(err))
			continue
		}

		if _, err := e.CreateWorkflow(ctx, def); err != nil {
			e.logger.Warn("Failed to save seeded workflow",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		loaded++
	}

	e.logger.Info("Workflow definitions seeded",
		zap.String("dir", dir),
		zap.Int("loaded", loaded))
	return nil
}
