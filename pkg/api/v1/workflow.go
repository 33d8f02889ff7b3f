package v1

import "time"

// SessionStatus represents the status of a workflow session
type SessionStatus string

const (
	SessionStarted   SessionStatus = "started"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status ends the session
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// Valid reports whether the status is a member of the allowed set
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStarted, SessionRunning, SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// TaskSpec is one task descriptor inside a workflow definition. Only
// TaskName is required; Parameters is free-form.
type TaskSpec struct {
	TaskName   string                 `json:"taskName" yaml:"taskName"`
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	MaxRetries *int                   `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
}

// WorkflowDefinition is a declarative, named, versioned, ordered list of
// task descriptors. Immutable once saved under an ID.
type WorkflowDefinition struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string     `json:"version" yaml:"version"`
	Tasks       []TaskSpec `json:"tasks" yaml:"tasks"`
}

// WorkflowSession tracks one run of a workflow against one agent.
type WorkflowSession struct {
	SessionID       string                 `json:"sessionId"`
	AgentID         string                 `json:"agentId"`
	WorkflowID      string                 `json:"workflowId"`
	Status          SessionStatus          `json:"status"`
	StartTime       time.Time              `json:"startTime"`
	LastUpdatedTime time.Time              `json:"lastUpdatedTime"`
	EndTime         *time.Time             `json:"endTime,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	Result          map[string]interface{} `json:"result,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// SessionUpdate is a partial patch applied to a session. Nil fields are
// left untouched.
type SessionUpdate struct {
	Status   *SessionStatus         `json:"status,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Result   map[string]interface{} `json:"result,omitempty"`
	Error    *string                `json:"error,omitempty"`
}

// Task is a transient unit of work emitted from a workflow. It lives in
// the queue and in in-flight dispatch state; it is not persisted after a
// successful dispatch.
type Task struct {
	TaskID     string                 `json:"taskId"`
	SessionID  string                 `json:"sessionId"`
	WorkflowID string                 `json:"workflowId"`
	AgentID    string                 `json:"agentId"`
	TaskName   string                 `json:"taskName"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	RetryCount int                    `json:"retryCount"`
	MaxRetries int                    `json:"maxRetries"`
	EnqueuedAt time.Time              `json:"enqueuedAt"`
	// NotBefore is the earliest dispatch time. Zero means immediately
	// eligible. The dispatch loop skips and re-queues future-dated tasks.
	NotBefore time.Time `json:"notBefore,omitempty"`
}
