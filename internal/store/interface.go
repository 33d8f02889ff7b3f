// Package store provides pluggable persistence for agent registrations,
// agent states, workflow sessions, and workflow definitions. Two backends
// exist: in-memory (tests, single-node development) and Redis (production).
package store

import (
	"context"
	"errors"

	v1 "github.com/opscore/opscore/pkg/api/v1"
)

// HistoryRetention caps the per-agent state history kept by both backends.
const HistoryRetention = 100

// ErrSessionExists is returned by CreateSession when the session id is
// already taken.
var ErrSessionExists = errors.New("session already exists")

// Store defines the persistence operations shared by all backends.
//
// Reads for a missing latest state return (nil, nil); missing
// registrations, sessions, and definitions return the typed not-found
// errors from internal/common/errors. Backend I/O failures surface as
// StorageError wrapping the cause.
type Store interface {
	// Agent registrations
	SaveAgentRegistration(ctx context.Context, reg *v1.AgentRegistration) error
	GetAgentRegistration(ctx context.Context, agentID string) (*v1.AgentRegistration, error)
	AgentExists(ctx context.Context, agentID string) (bool, error)

	// Agent states. SaveAgentState always appends to history and updates
	// the latest record iff state.Timestamp >= the stored latest timestamp.
	SaveAgentState(ctx context.Context, state *v1.AgentState) error
	GetLatestAgentState(ctx context.Context, agentID string) (*v1.AgentState, error)
	GetAgentStateHistory(ctx context.Context, agentID string, limit int) ([]*v1.AgentState, error)

	// Workflow sessions
	CreateSession(ctx context.Context, session *v1.WorkflowSession) error
	GetSession(ctx context.Context, sessionID string) (*v1.WorkflowSession, error)
	UpdateSession(ctx context.Context, session *v1.WorkflowSession) error
	DeleteSession(ctx context.Context, sessionID string) error

	// Workflow definitions
	SaveWorkflowDefinition(ctx context.Context, def *v1.WorkflowDefinition) error
	GetWorkflowDefinition(ctx context.Context, workflowID string) (*v1.WorkflowDefinition, error)

	// ClearAll wipes all records. Test and setup use only.
	ClearAll(ctx context.Context) error

	// Ping verifies backend reachability (startup check).
	Ping(ctx context.Context) error

	// Close releases backend connections.
	Close() error
}
