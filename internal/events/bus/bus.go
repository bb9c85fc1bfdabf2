// Package bus carries ask lifecycle events between the orchestrator and
// any observers (CLI progress output, the HTTP wrapper's stream
// endpoint). The in-memory bus is the default; NATS is used when a bus
// URL is configured.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by repoask. Subscribers may use NATS-style
// wildcards: "ask.*" matches one token, "ask.>" matches the rest.
const (
	SubjectAskStarted     = "ask.started"
	SubjectAskSession     = "ask.session.created"
	SubjectAskCompleted   = "ask.completed"
	SubjectAskFailed      = "ask.failed"
	SubjectWorkspaceReady = "workspace.ready"
	SubjectWorkspaceGone  = "workspace.cleared"
)

// Event is a message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an event with a fresh ID and the current time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes and delivers events.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close shuts the bus down.
	Close()

	// IsConnected reports whether the bus can deliver events.
	IsConnected() bool
}
