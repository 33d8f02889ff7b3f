package store

import (
	"context"
	"sync"

	apperrors "github.com/opscore/opscore/internal/common/errors"
	v1 "github.com/opscore/opscore/pkg/api/v1"
)

// MemoryStore provides in-memory persistence. Each collection is guarded
// by its own RWMutex so agent callbacks and session updates do not
// contend with each other.
type MemoryStore struct {
	registrations map[string]*v1.AgentRegistration
	regMu         sync.RWMutex

	latest  map[string]*v1.AgentState
	history map[string][]*v1.AgentState // newest first
	stateMu sync.RWMutex

	sessions  map[string]*v1.WorkflowSession
	sessionMu sync.RWMutex

	workflows  map[string]*v1.WorkflowDefinition
	workflowMu sync.RWMutex
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		registrations: make(map[string]*v1.AgentRegistration),
		latest:        make(map[string]*v1.AgentState),
		history:       make(map[string][]*v1.AgentState),
		sessions:      make(map[string]*v1.WorkflowSession),
		workflows:     make(map[string]*v1.WorkflowDefinition),
	}
}

// SaveAgentRegistration stores a registration, rejecting duplicates.
func (s *MemoryStore) SaveAgentRegistration(ctx context.Context, reg *v1.AgentRegistration) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	if _, ok := s.registrations[reg.AgentID]; ok {
		return apperrors.AgentAlreadyExists(reg.AgentID)
	}
	cp := *reg
	s.registrations[reg.AgentID] = &cp
	return nil
}

// GetAgentRegistration retrieves a registration by agent id.
func (s *MemoryStore) GetAgentRegistration(ctx context.Context, agentID string) (*v1.AgentRegistration, error) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()

	reg, ok := s.registrations[agentID]
	if !ok {
		return nil, apperrors.AgentNotFound(agentID)
	}
	cp := *reg
	return &cp, nil
}

// AgentExists reports whether a registration exists for the agent id.
func (s *MemoryStore) AgentExists(ctx context.Context, agentID string) (bool, error) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()

	_, ok := s.registrations[agentID]
	return ok, nil
}

// SaveAgentState appends to history unconditionally and updates latest
// iff the new timestamp is not older than the stored one.
func (s *MemoryStore) SaveAgentState(ctx context.Context, state *v1.AgentState) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	cp := *state

	existing, ok := s.latest[state.AgentID]
	if !ok || !cp.Timestamp.Before(existing.Timestamp) {
		s.latest[state.AgentID] = &cp
	}

	h := append([]*v1.AgentState{&cp}, s.history[state.AgentID]...)
	if len(h) > HistoryRetention {
		h = h[:HistoryRetention]
	}
	s.history[state.AgentID] = h
	return nil
}

// GetLatestAgentState returns the latest state for an agent, or nil when
// no state has ever been recorded.
func (s *MemoryStore) GetLatestAgentState(ctx context.Context, agentID string) (*v1.AgentState, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	state, ok := s.latest[agentID]
	if !ok {
		return nil, nil
	}
	cp := *state
	return &cp, nil
}

// GetAgentStateHistory returns up to limit state records, newest first.
// limit <= 0 returns the full retained history.
func (s *MemoryStore) GetAgentStateHistory(ctx context.Context, agentID string, limit int) ([]*v1.AgentState, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	h := s.history[agentID]
	if limit <= 0 || limit > len(h) {
		limit = len(h)
	}
	result := make([]*v1.AgentState, 0, limit)
	for _, st := range h[:limit] {
		cp := *st
		result = append(result, &cp)
	}
	return result, nil
}

// CreateSession stores a new session, rejecting duplicate ids.
func (s *MemoryStore) CreateSession(ctx context.Context, session *v1.WorkflowSession) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if _, ok := s.sessions[session.SessionID]; ok {
		return ErrSessionExists
	}
	cp := *session
	s.sessions[session.SessionID] = &cp
	return nil
}

// GetSession retrieves a session by id.
func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*v1.WorkflowSession, error) {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, apperrors.SessionNotFound(sessionID)
	}
	cp := *session
	return &cp, nil
}

// UpdateSession replaces an existing session record.
func (s *MemoryStore) UpdateSession(ctx context.Context, session *v1.WorkflowSession) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if _, ok := s.sessions[session.SessionID]; !ok {
		return apperrors.SessionNotFound(session.SessionID)
	}
	cp := *session
	s.sessions[session.SessionID] = &cp
	return nil
}

// DeleteSession removes a session by id.
func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return apperrors.SessionNotFound(sessionID)
	}
	delete(s.sessions, sessionID)
	return nil
}

// SaveWorkflowDefinition stores a definition under its id.
func (s *MemoryStore) SaveWorkflowDefinition(ctx context.Context, def *v1.WorkflowDefinition) error {
	s.workflowMu.Lock()
	defer s.workflowMu.Unlock()

	cp := *def
	s.workflows[def.ID] = &cp
	return nil
}

// GetWorkflowDefinition retrieves a definition by id.
func (s *MemoryStore) GetWorkflowDefinition(ctx context.Context, workflowID string) (*v1.WorkflowDefinition, error) {
	s.workflowMu.RLock()
	defer s.workflowMu.RUnlock()

	def, ok := s.workflows[workflowID]
	if !ok {
		return nil, apperrors.WorkflowDefinitionNotFound(workflowID)
	}
	cp := *def
	return &cp, nil
}

// ClearAll wipes every collection.
func (s *MemoryStore) ClearAll(ctx context.Context) error {
	s.regMu.Lock()
	s.registrations = make(map[string]*v1.AgentRegistration)
	s.regMu.Unlock()

	s.stateMu.Lock()
	s.latest = make(map[string]*v1.AgentState)
	s.history = make(map[string][]*v1.AgentState)
	s.stateMu.Unlock()

	s.sessionMu.Lock()
	s.sessions = make(map[string]*v1.WorkflowSession)
	s.sessionMu.Unlock()

	s.workflowMu.Lock()
	s.workflows = make(map[string]*v1.WorkflowDefinition)
	s.workflowMu.Unlock()

	return nil
}

// Ping is a no-op for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
