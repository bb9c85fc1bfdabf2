package session

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPortsExhausted is returned when every port in the configured
// window is busy.
var ErrPortsExhausted = errors.New("no free port in the configured window")

// StartError is a failure to boot the agent server on a specific port.
type StartError struct {
	Port   int
	Output string
	Cause  error
}

func (e *StartError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("agent server failed to start on port %d: %s", e.Port, e.Output)
	}
	return fmt.Sprintf("agent server failed to start on port %d: %v", e.Port, e.Cause)
}

func (e *StartError) Unwrap() error { return e.Cause }

// portConflict reports whether the boot failure looks like a port
// collision, in which case the next port in the window is tried.
func (e *StartError) portConflict() bool {
	text := strings.ToLower(e.Output)
	if e.Cause != nil {
		text += " " + strings.ToLower(e.Cause.Error())
	}
	return strings.Contains(text, "port") || strings.Contains(text, "address already in use")
}

// AgentError is a failure reported by the agent itself during a
// session (session.error on the event stream).
type AgentError struct {
	Name    string
	Message string
}

func (e *AgentError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("agent error: %s: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("agent error: %s", e.Message)
}

// IsAgentError reports whether err originated from the agent.
func IsAgentError(err error) bool {
	var ae *AgentError
	return errors.As(err, &ae)
}

// InvalidProviderError means the configured provider is not in the
// agent's catalog.
type InvalidProviderError struct {
	Provider string
	Known    []string
}

func (e *InvalidProviderError) Error() string {
	return fmt.Sprintf("provider %q is not known to the agent (available: %s)",
		e.Provider, strings.Join(e.Known, ", "))
}

// ProviderNotConnectedError means the provider exists but has no
// working credentials. Connected lists the providers that do.
type ProviderNotConnectedError struct {
	Provider  string
	Connected []string
}

func (e *ProviderNotConnectedError) Error() string {
	if len(e.Connected) == 0 {
		return fmt.Sprintf("provider %q has no connected credentials", e.Provider)
	}
	return fmt.Sprintf("provider %q has no connected credentials (connected: %s)",
		e.Provider, strings.Join(e.Connected, ", "))
}

// InvalidModelError means the configured model is not offered by the
// configured provider. Available lists the provider's model IDs.
type InvalidModelError struct {
	Provider  string
	Model     string
	Available []string
}

func (e *InvalidModelError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("model %q is not offered by provider %q", e.Model, e.Provider)
	}
	return fmt.Sprintf("model %q is not offered by provider %q (available: %s)",
		e.Model, e.Provider, strings.Join(e.Available, ", "))
}

// StartFailedError wraps a session-create failure after the agent
// server itself booted. The server is shut down before this is
// returned.
type StartFailedError struct {
	Cause error
}

func (e *StartFailedError) Error() string {
	return fmt.Sprintf("session start failed: %v", e.Cause)
}

func (e *StartFailedError) Unwrap() error { return e.Cause }
