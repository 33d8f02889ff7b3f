// Package lifecycle owns agent registration, state transitions, and
// workflow sessions. All persistence goes through the state store; the
// manager adds validation, existence checks, and event publishing.
package lifecycle

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/opscore/opscore/internal/common/errors"
	"github.com/opscore/opscore/internal/common/logger"
	"github.com/opscore/opscore/internal/events/bus"
	"github.com/opscore/opscore/internal/store"
	v1 "github.com/opscore/opscore/pkg/api/v1"
)

// Manager coordinates agent lifecycle and session tracking.
type Manager struct {
	store  store.Store
	bus    bus.EventBus
	logger *logger.Logger

	// sessionMu serializes session read-modify-write cycles. Session
	// writes arrive from HTTP handlers and the dispatch loop concurrently.
	sessionMu sync.Mutex
}

// NewManager creates a lifecycle manager.
func NewManager(st store.Store, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		store:  st,
		bus:    eventBus,
		logger: log,
	}
}

// RegisterAgent stores a new registration and appends the initial UNKNOWN
// state. The two writes are not transactional: if the state write fails,
// the registration is kept and the orphan is logged.
func (m *Manager) RegisterAgent(ctx context.Context, reg *v1.AgentRegistration) (*v1.AgentRegistration, error) {
	if reg.AgentID == "" {
		return nil, apperrors.InvalidRequest("agentId is required")
	}
	if reg.RegistrationTime.IsZero() {
		reg.RegistrationTime = time.Now().UTC()
	}

	if err := m.store.SaveAgentRegistration(ctx, reg); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	initial := &v1.AgentState{
		AgentID:      reg.AgentID,
		State:        v1.StateUnknown,
		Timestamp:    now,
		ReceivedTime: now,
	}
	if err := m.store.SaveAgentState(ctx, initial); err != nil {
		m.logger.WithAgentID(reg.AgentID).Error("Registration stored but initial state write failed, registration is orphaned",
			zap.Error(err))
		return reg, nil
	}

	m.publish(ctx, bus.SubjectAgentRegistered, "agent.registered", map[string]interface{}{
		"agentId":   reg.AgentID,
		"agentName": reg.AgentName,
	})

	m.logger.WithAgentID(reg.AgentID).Info("Agent registered",
		zap.String("agent_name", reg.AgentName),
		zap.Strings("capabilities", reg.Capabilities))
	return reg, nil
}

// DeregisterAgent marks an agent as finished. The registration itself is
// kept; the dispatch loop treats finished agents as no longer available.
func (m *Manager) DeregisterAgent(ctx context.Context, agentID string) error {
	_, err := m.SetState(ctx, agentID, v1.StateFinished, time.Now().UTC(), nil)
	return err
}

// SetState validates and records a state callback. The latest record is
// only advanced when the callback timestamp is not older than the stored
// one; stale callbacks still land in history.
func (m *Manager) SetState(ctx context.Context, agentID string, state v1.AgentLifecycleState, timestamp time.Time, details map[string]interface{}) (*v1.AgentState, error) {
	exists, err := m.store.AgentExists(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperrors.AgentNotFound(agentID)
	}
	if !state.Valid() {
		return nil, apperrors.InvalidState(string(state))
	}
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	record := &v1.AgentState{
		AgentID:      agentID,
		State:        state,
		Timestamp:    timestamp,
		Details:      details,
		ReceivedTime: time.Now().UTC(),
	}
	if err := m.store.SaveAgentState(ctx, record); err != nil {
		return nil, err
	}

	m.publish(ctx, bus.SubjectAgentStateChanged, "agent.state.changed", map[string]interface{}{
		"agentId": agentID,
		"state":   string(state),
	})

	m.logger.WithAgentID(agentID).Debug("Agent state recorded",
		zap.String("state", string(state)),
		zap.Time("timestamp", timestamp))
	return record, nil
}

// GetState returns the latest state for a registered agent, or nil when
// no state has been recorded yet. Unregistered agents yield AgentNotFound.
func (m *Manager) GetState(ctx context.Context, agentID string) (*v1.AgentState, error) {
	exists, err := m.store.AgentExists(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperrors.AgentNotFound(agentID)
	}
	return m.store.GetLatestAgentState(ctx, agentID)
}

// GetStateHistory returns up to limit state records, newest first.
func (m *Manager) GetStateHistory(ctx context.Context, agentID string, limit int) ([]*v1.AgentState, error) {
	exists, err := m.store.AgentExists(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperrors.AgentNotFound(agentID)
	}
	return m.store.GetAgentStateHistory(ctx, agentID, limit)
}

// GetRegistration returns the stored registration for an agent.
func (m *Manager) GetRegistration(ctx context.Context, agentID string) (*v1.AgentRegistration, error) {
	return m.store.GetAgentRegistration(ctx, agentID)
}

// StartSession opens a new session after verifying that both the agent
// and the workflow definition exist.
func (m *Manager) StartSession(ctx context.Context, agentID, workflowID string, metadata map[string]interface{}) (*v1.WorkflowSession, error) {
	exists, err := m.store.AgentExists(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperrors.AgentNotFound(agentID)
	}
	if _, err := m.store.GetWorkflowDefinition(ctx, workflowID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &v1.WorkflowSession{
		SessionID:       "sess_" + uuid.New().String(),
		AgentID:         agentID,
		WorkflowID:      workflowID,
		Status:          v1.SessionStarted,
		StartTime:       now,
		LastUpdatedTime: now,
		Metadata:        metadata,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		if stderrors.Is(err, store.ErrSessionExists) {
			return nil, apperrors.SessionAlreadyExists(session.SessionID)
		}
		return nil, err
	}

	m.publish(ctx, bus.SubjectSessionUpdated, "session.started", map[string]interface{}{
		"sessionId":  session.SessionID,
		"agentId":    agentID,
		"workflowId": workflowID,
		"status":     string(session.Status),
	})

	m.logger.WithAgentID(agentID).WithSessionID(session.SessionID).Info("Session started",
		zap.String("workflow_id", workflowID))
	return session, nil
}

// UpdateSession merges a patch into an existing session. Entering a
// terminal status stamps EndTime; LastUpdatedTime always advances.
func (m *Manager) UpdateSession(ctx context.Context, sessionID string, update *v1.SessionUpdate) (*v1.WorkflowSession, error) {
	if update.Status != nil && !update.Status.Valid() {
		return nil, apperrors.InvalidRequest("invalid session status '" + string(*update.Status) + "'")
	}

	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if update.Status != nil {
		session.Status = *update.Status
		if session.Status.Terminal() && session.EndTime == nil {
			session.EndTime = &now
		}
	}
	if update.Metadata != nil {
		if session.Metadata == nil {
			session.Metadata = make(map[string]interface{}, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			session.Metadata[k] = v
		}
	}
	if update.Result != nil {
		session.Result = update.Result
	}
	if update.Error != nil {
		session.Error = *update.Error
	}
	session.LastUpdatedTime = now

	if err := m.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	m.publish(ctx, bus.SubjectSessionUpdated, "session.updated", map[string]interface{}{
		"sessionId": sessionID,
		"status":    string(session.Status),
	})
	return session, nil
}

// GetSession returns a session by id.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*v1.WorkflowSession, error) {
	return m.store.GetSession(ctx, sessionID)
}

// publish emits a bus event; bus failures are logged, never propagated.
func (m *Manager) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(eventType, data)); err != nil {
		m.logger.Warn("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
