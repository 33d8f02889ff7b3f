package api

import (
	"time"

	v1 "github.com/opscore/opscore/pkg/api/v1"
)

// Webhook event types accepted on the notify endpoint.
const (
	EventTypeRegister   = "REGISTER"
	EventTypeDeregister = "DEREGISTER"
)

// StateUpdateRequest is the body of an agent state callback.
type StateUpdateRequest struct {
	AgentID   string                 `json:"agentId" binding:"required"`
	Timestamp time.Time              `json:"timestamp"`
	State     string                 `json:"state" binding:"required"`
	Details   map[string]interface{} `json:"details"`
}

// WorkflowTriggerRequest is the body of a workflow trigger. Exactly one
// of WorkflowDefinitionID / WorkflowDefinition must be set.
type WorkflowTriggerRequest struct {
	WorkflowDefinitionID string                 `json:"workflowDefinitionId"`
	WorkflowDefinition   *v1.WorkflowDefinition `json:"workflowDefinition"`
	InitialPayload       map[string]interface{} `json:"initialPayload"`
}

// AgentNotifyRequest is the body of the registration webhook posted by
// the routing service.
type AgentNotifyRequest struct {
	EventType    string               `json:"event_type" binding:"required"`
	AgentDetails v1.AgentRegistration `json:"agent_details"`
}

// StatusResponse is the generic success body.
type StatusResponse struct {
	Status string `json:"status"`
}

// TriggerResponse reports a triggered workflow session.
type TriggerResponse struct {
	SessionID  string `json:"sessionId"`
	WorkflowID string `json:"workflowId"`
	Message    string `json:"message"`
}
