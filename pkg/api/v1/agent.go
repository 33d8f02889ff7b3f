package v1

import "time"

// AgentLifecycleState represents an agent's position in its lifecycle
type AgentLifecycleState string

const (
	StateUnknown      AgentLifecycleState = "UNKNOWN"
	StateInitializing AgentLifecycleState = "initializing"
	StateIdle         AgentLifecycleState = "idle"
	StateActive       AgentLifecycleState = "active"
	StateFinished     AgentLifecycleState = "finished"
	StateError        AgentLifecycleState = "error"
)

// AllowedStates returns the full set of valid lifecycle states
func AllowedStates() []AgentLifecycleState {
	return []AgentLifecycleState{
		StateUnknown,
		StateInitializing,
		StateIdle,
		StateActive,
		StateFinished,
		StateError,
	}
}

// Valid reports whether the state is a member of the allowed set
func (s AgentLifecycleState) Valid() bool {
	switch s {
	case StateUnknown, StateInitializing, StateIdle, StateActive, StateFinished, StateError:
		return true
	}
	return false
}

// AgentRegistration is the immutable record created when an agent registers
// through the notify webhook. Re-registration of the same agentId is rejected.
type AgentRegistration struct {
	AgentID          string                 `json:"agentId"`
	AgentName        string                 `json:"agentName"`
	Version          string                 `json:"version"`
	Capabilities     []string               `json:"capabilities"`
	ContactEndpoint  string                 `json:"contactEndpoint"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	RegistrationTime time.Time              `json:"registrationTime"`
}

// AgentState is one state report from an agent. Timestamp is the agent's
// clock; ReceivedTime is stamped by the server on ingestion.
type AgentState struct {
	AgentID      string                 `json:"agentId"`
	State        AgentLifecycleState    `json:"state"`
	Timestamp    time.Time              `json:"timestamp"`
	Details      map[string]interface{} `json:"details,omitempty"`
	ReceivedTime time.Time              `json:"receivedTime"`
}
