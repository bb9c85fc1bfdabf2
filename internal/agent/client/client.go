package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/repoask/repoask/internal/common/logger"
)

// Client talks to one agent server instance over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// New creates a client for the agent server at baseURL.
func New(baseURL string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log,
	}
}

// BaseURL returns the server address this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// WaitForHealth polls the health endpoint until the server reports
// healthy or the context deadline expires.
func (c *Client) WaitForHealth(ctx context.Context) error {
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("agent server not healthy: %w (last: %v)", ctx.Err(), lastErr)
			}
			return fmt.Errorf("agent server not healthy: %w", ctx.Err())
		default:
		}

		resp, err := c.doRequest(ctx, http.MethodGet, "/global/health", nil)
		if err != nil {
			lastErr = err
			time.Sleep(150 * time.Millisecond)
			continue
		}

		bodyBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil || resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("health check HTTP %d", resp.StatusCode)
			time.Sleep(150 * time.Millisecond)
			continue
		}

		var health HealthResponse
		if err := json.Unmarshal(bodyBytes, &health); err != nil {
			lastErr = fmt.Errorf("parse health response: %w", err)
			time.Sleep(150 * time.Millisecond)
			continue
		}
		if health.Healthy {
			c.logger.Debug("agent server healthy", zap.String("version", health.Version))
			return nil
		}
		lastErr = fmt.Errorf("server reports unhealthy")
		time.Sleep(150 * time.Millisecond)
	}
}

// CreateSession creates a fresh agent session and returns its ID.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/session", strings.NewReader("{}"))
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create session failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var session SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}
	return session.ID, nil
}

// Prompt submits a prompt to the session. Prompts can run for minutes,
// so a dedicated long-timeout client is used for the call.
func (c *Client) Prompt(ctx context.Context, sessionID string, prompt PromptRequest) error {
	body, err := json.Marshal(prompt)
	if err != nil {
		return fmt.Errorf("marshal prompt request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/session/%s/message", c.baseURL, sessionID), strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("create prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	promptClient := &http.Client{Timeout: 60 * time.Minute}
	resp, err := promptClient.Do(req)
	if err != nil {
		return fmt.Errorf("send prompt request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read prompt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prompt failed: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	// The server answers either {info, parts} on success or
	// {name, data} on failure, both with HTTP 200.
	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("parse prompt response: %w", err)
	}
	if name, ok := parsed["name"].(string); ok {
		message := "unknown error"
		if data, ok := parsed["data"].(map[string]any); ok {
			if msg, ok := data["message"].(string); ok {
				message = msg
			}
		}
		return fmt.Errorf("prompt error: %s: %s", name, message)
	}
	return nil
}

// Abort asks the server to stop the session's current work. Errors are
// swallowed; abort is best effort.
func (c *Client) Abort(ctx context.Context, sessionID string) {
	abortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()

	resp, err := c.doRequest(abortCtx, http.MethodPost, fmt.Sprintf("/session/%s/abort", sessionID), nil)
	if err != nil {
		return
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
}

// ListProviders fetches the provider catalog.
func (c *Client) ListProviders(ctx context.Context) (*ProviderList, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/provider", nil)
	if err != nil {
		return nil, fmt.Errorf("list providers request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list providers failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var list ProviderList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("parse provider list: %w", err)
	}
	return &list, nil
}

// SubscribeEvents connects to the SSE stream and delivers every parsed
// event on the returned channel. The channel closes when the stream
// ends or ctx is cancelled.
func (c *Client) SubscribeEvents(ctx context.Context) (<-chan *Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return nil, fmt.Errorf("create event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// No timeout: the stream stays open for the life of the session.
	sseClient := &http.Client{}
	resp, err := sseClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("event stream failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	events := make(chan *Event, 16)
	go c.readEventStream(ctx, resp.Body, events)
	return events, nil
}

// readEventStream parses the SSE wire format: "data: {...}" lines
// terminated by a blank line.
func (c *Client) readEventStream(ctx context.Context, body io.ReadCloser, events chan<- *Event) {
	defer close(events)
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var dataBuffer strings.Builder
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}
		if line != "" || dataBuffer.Len() == 0 {
			continue
		}

		data := strings.TrimSpace(dataBuffer.String())
		dataBuffer.Reset()
		if data == "" {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			c.logger.Warn("failed to parse agent event", zap.Error(err))
			continue
		}

		select {
		case events <- &event:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Warn("agent event stream error", zap.Error(err))
	}
}
