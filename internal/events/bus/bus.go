// Package bus provides the event bus Ops-Core publishes lifecycle and
// dispatch events on. Operators may tap the subjects below; nothing in
// the core consumes them.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the core.
const (
	SubjectAgentRegistered   = "opscore.agent.registered"
	SubjectAgentStateChanged = "opscore.agent.state.changed"
	SubjectSessionUpdated    = "opscore.session.updated"
	SubjectTaskDispatched    = "opscore.task.dispatched"
	SubjectTaskFailed        = "opscore.task.failed"
)

// Event represents a message on the event bus
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // Service that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    "opscore",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	// (NATS-style wildcards: * single token, > remaining tokens)
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
