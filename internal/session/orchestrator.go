// Package session runs coding-agent sessions against materialised
// workspaces: it boots one agent server per ask, validates the
// configured provider, submits the prompt, and follows the event
// stream to the final answer.
package session

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	agentclient "github.com/repoask/repoask/internal/agent/client"
	"github.com/repoask/repoask/internal/common/config"
	"github.com/repoask/repoask/internal/common/logger"
	"github.com/repoask/repoask/internal/common/portutil"
	"github.com/repoask/repoask/internal/events/bus"
	"github.com/repoask/repoask/internal/tracing"
	"github.com/repoask/repoask/internal/workspace"
)

// Orchestrator starts agent servers and drives sessions to completion.
type Orchestrator struct {
	cfg    config.AgentConfig
	bus    bus.EventBus
	logger *logger.Logger
}

// NewOrchestrator creates an orchestrator. eventBus may be nil when no
// observers exist.
func NewOrchestrator(cfg config.AgentConfig, eventBus bus.EventBus, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	return &Orchestrator{
		cfg:    cfg,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "orchestrator")),
	}
}

// Session is one live agent session bound to a workspace.
type Session struct {
	ID        string
	Workspace *workspace.Workspace

	client   *agentclient.Client
	launcher *Launcher
	provider string
	model    string
	logger   *logger.Logger
}

// Start boots an agent server in the workspace directory, validates
// the configured provider against the server's catalog, and creates a
// session. Ports are probed from the configured base upward; a boot
// failure that looks like a port collision moves to the next port,
// any other failure aborts.
func (o *Orchestrator) Start(ctx context.Context, ws *workspace.Workspace) (*Session, error) {
	launcher, err := o.launch(ctx, ws)
	if err != nil {
		return nil, err
	}

	cl := agentclient.New(launcher.BaseURL(), o.logger)

	if err := o.validateProvider(ctx, cl); err != nil {
		o.stopLauncher(launcher)
		return nil, err
	}

	sessionID, err := cl.CreateSession(ctx)
	if err != nil {
		o.stopLauncher(launcher)
		return nil, &StartFailedError{Cause: err}
	}

	o.logger.Info("session started",
		zap.String("session_id", sessionID),
		zap.String("workspace", ws.Key),
		zap.Int("port", launcher.Port()))
	o.publish(ctx, bus.SubjectAskSession, map[string]interface{}{
		"session_id": sessionID,
		"workspace":  ws.Key,
		"port":       launcher.Port(),
	})

	return &Session{
		ID:        sessionID,
		Workspace: ws,
		client:    cl,
		launcher:  launcher,
		provider:  o.cfg.Provider,
		model:     o.cfg.Model,
		logger:    o.logger.WithSessionID(sessionID),
	}, nil
}

// launch probes the port window until a server boots or the window is
// exhausted.
func (o *Orchestrator) launch(ctx context.Context, ws *workspace.Workspace) (*Launcher, error) {
	base := o.cfg.BasePort
	for port := base; port < base+o.cfg.PortWindow; port++ {
		if err := portutil.CheckAvailable(port); err != nil {
			o.logger.Debug("port busy, trying next", zap.Int("port", port))
			continue
		}

		launcher := NewLauncher(o.cfg.Binary, port, ws.Path, o.cfg.StartupTimeoutDuration(), o.logger)
		err := launcher.Start(ctx)
		if err == nil {
			return launcher, nil
		}

		var startErr *StartError
		if errors.As(err, &startErr) && startErr.portConflict() {
			// Lost the port between the probe and the bind.
			o.logger.Debug("port collision at boot, trying next", zap.Int("port", port))
			continue
		}
		return nil, err
	}
	return nil, ErrPortsExhausted
}

// validateProvider checks the configured provider and model against
// the server catalog. A failed listing skips validation; an explicit
// contradiction fails the start.
func (o *Orchestrator) validateProvider(ctx context.Context, cl *agentclient.Client) error {
	if o.cfg.Provider == "" {
		return nil
	}

	list, err := cl.ListProviders(ctx)
	if err != nil {
		o.logger.Warn("provider listing failed, skipping validation", zap.Error(err))
		return nil
	}

	var found *agentclient.Provider
	known := make([]string, 0, len(list.All))
	for i := range list.All {
		known = append(known, list.All[i].ID)
		if list.All[i].ID == o.cfg.Provider {
			found = &list.All[i]
		}
	}
	if found == nil {
		return &InvalidProviderError{Provider: o.cfg.Provider, Known: known}
	}

	if len(list.Connected) > 0 {
		connected := false
		for _, id := range list.Connected {
			if id == o.cfg.Provider {
				connected = true
				break
			}
		}
		if !connected {
			return &ProviderNotConnectedError{
				Provider:  o.cfg.Provider,
				Connected: append([]string(nil), list.Connected...),
			}
		}
	}

	if o.cfg.Model != "" && len(found.Models) > 0 {
		if _, ok := found.Models[o.cfg.Model]; !ok {
			available := make([]string, 0, len(found.Models))
			for id := range found.Models {
				available = append(available, id)
			}
			sort.Strings(available)
			return &InvalidModelError{
				Provider:  o.cfg.Provider,
				Model:     o.cfg.Model,
				Available: available,
			}
		}
	}
	return nil
}

// Ask submits the question and returns the live stream. Prompt
// submission runs in the background; a submission failure terminates
// the stream unless a terminal event won the race first.
func (s *Session) Ask(ctx context.Context, question string) (*Stream, error) {
	return s.ask(ctx, question, nil)
}

// ask attaches cleanup to the stream; it runs exactly once when the
// stream terminates, on any path.
func (s *Session) ask(ctx context.Context, question string, cleanup func()) (*Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	source, err := s.client.SubscribeEvents(streamCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	stream := newStream(streamCtx, cancel, s.ID, source, cleanup)

	go func() {
		prompt := agentclient.PromptRequest{
			Parts: []agentclient.TextPart{{Type: agentclient.PartTypeText, Text: question}},
		}
		if s.provider != "" && s.model != "" {
			prompt.Model = &agentclient.ModelSpec{ProviderID: s.provider, ModelID: s.model}
		}
		if err := s.client.Prompt(ctx, s.ID, prompt); err != nil {
			s.logger.Warn("prompt submission failed", zap.Error(err))
			stream.fail(err)
		}
	}()

	return stream, nil
}

// Close aborts any in-flight work and shuts the agent server down.
func (s *Session) Close(ctx context.Context) {
	s.client.Abort(ctx, s.ID)
	if err := s.launcher.Stop(ctx); err != nil {
		s.logger.Warn("agent server shutdown failed", zap.Error(err))
	}
}

// Ask runs the full single-shot flow: boot, session, prompt, collect,
// teardown. The agent server is stopped on every path.
func (o *Orchestrator) Ask(ctx context.Context, ws *workspace.Workspace, question string) (string, error) {
	askID := uuid.New().String()

	ctx, span := tracing.Tracer("repoask/session").Start(ctx, "ask")
	span.SetAttributes(
		attribute.String("ask.id", askID),
		attribute.String("workspace.key", ws.Key))
	defer span.End()

	log := o.logger.WithFields(
		zap.String("ask_id", askID),
		zap.String("workspace", ws.Key))

	o.publish(ctx, bus.SubjectAskStarted, map[string]interface{}{
		"ask_id":    askID,
		"workspace": ws.Key,
	})

	sess, err := o.Start(ctx, ws)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		o.publishFailed(askID, ws.Key, err)
		return "", err
	}

	// The stream's cleanup closes the server once on every
	// termination path, cancellation included.
	closeSession := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sess.Close(stopCtx)
	}

	stream, err := sess.ask(ctx, question, closeSession)
	if err != nil {
		closeSession()
		span.SetStatus(codes.Error, err.Error())
		o.publishFailed(askID, ws.Key, err)
		return "", err
	}

	answer, err := stream.Collect()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		o.publishFailed(askID, ws.Key, err)
		return "", err
	}

	log.Info("ask completed", zap.Int("answer_chars", len(answer)))
	o.publish(context.Background(), bus.SubjectAskCompleted, map[string]interface{}{
		"ask_id":    askID,
		"workspace": ws.Key,
	})
	return answer, nil
}

func (o *Orchestrator) publishFailed(askID, key string, cause error) {
	o.publish(context.Background(), bus.SubjectAskFailed, map[string]interface{}{
		"ask_id":    askID,
		"workspace": key,
		"error":     cause.Error(),
	})
}

func (o *Orchestrator) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "orchestrator", data)
	if err := o.bus.Publish(ctx, subject, event); err != nil {
		o.logger.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (o *Orchestrator) stopLauncher(l *Launcher) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.Stop(stopCtx); err != nil {
		o.logger.Warn("agent server shutdown failed", zap.Error(err))
	}
}
