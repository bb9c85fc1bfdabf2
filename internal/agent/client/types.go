// Package client speaks the coding-agent server protocol: a REST API
// for sessions and prompts plus a Server-Sent Events stream for
// incremental output.
package client

import "encoding/json"

// Event types on the /event SSE stream.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventSessionIdle        = "session.idle"
	EventSessionError       = "session.error"
)

// Part types.
const (
	PartTypeText      = "text"
	PartTypeReasoning = "reasoning"
	PartTypeTool      = "tool"
)

// HealthResponse from GET /global/health.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionResponse from POST /session.
type SessionResponse struct {
	ID string `json:"id"`
}

// ModelSpec names a provider/model pair for a prompt.
type ModelSpec struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TextPart is one input part of a prompt.
type TextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest for POST /session/{id}/message.
type PromptRequest struct {
	Model *ModelSpec `json:"model,omitempty"`
	Agent string     `json:"agent,omitempty"`
	Parts []TextPart `json:"parts"`
}

// Event is one envelope from the SSE stream. Properties stay raw until
// a consumer asks for a typed view.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// SessionID extracts the session the event belongs to, or "" when the
// event carries none (server-level events).
func (e *Event) SessionID() string {
	if len(e.Properties) == 0 {
		return ""
	}
	var props map[string]any
	if err := json.Unmarshal(e.Properties, &props); err != nil {
		return ""
	}

	switch e.Type {
	case EventMessageUpdated:
		if info, ok := props["info"].(map[string]any); ok {
			if id, ok := info["sessionID"].(string); ok {
				return id
			}
		}
	case EventMessagePartUpdated:
		if part, ok := props["part"].(map[string]any); ok {
			if id, ok := part["sessionID"].(string); ok {
				return id
			}
		}
	default:
		if id, ok := props["sessionID"].(string); ok {
			return id
		}
	}
	return ""
}

// Part is one message part inside a message.part.updated event.
type Part struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	MessageID string `json:"messageID"`
	SessionID string `json:"sessionID"`
	Text      string `json:"text,omitempty"`
	Tool      string `json:"tool,omitempty"`
}

// PartUpdatedProperties for message.part.updated events.
type PartUpdatedProperties struct {
	Part  Part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

// ParsePartUpdated decodes message.part.updated properties.
func ParsePartUpdated(data json.RawMessage) (*PartUpdatedProperties, error) {
	var props PartUpdatedProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// SessionErrorProperties for session.error events.
type SessionErrorProperties struct {
	SessionID string        `json:"sessionID"`
	Error     *SessionError `json:"error,omitempty"`
}

// SessionError carries the agent-reported failure.
type SessionError struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
	Data    *struct {
		Message string `json:"message,omitempty"`
	} `json:"data,omitempty"`
}

// GetMessage returns the most specific message available.
func (e *SessionError) GetMessage() string {
	if e.Data != nil && e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Message
}

// ParseSessionError decodes session.error properties.
func ParseSessionError(data json.RawMessage) (*SessionErrorProperties, error) {
	var props SessionErrorProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ProviderModel describes one model of a provider.
type ProviderModel struct {
	Name string `json:"name,omitempty"`
}

// Provider is one entry of the provider catalog.
type Provider struct {
	ID     string                   `json:"id"`
	Models map[string]ProviderModel `json:"models,omitempty"`
}

// ProviderList from GET /provider. Connected holds the IDs of
// providers with working credentials.
type ProviderList struct {
	All       []Provider `json:"all"`
	Connected []string   `json:"connected"`
}
