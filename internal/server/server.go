// Package server is the optional HTTP wrapper around the ask pipeline.
// It exposes the same operations as the CLI plus a websocket feed of
// ask lifecycle events.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/repoask/repoask/internal/common/config"
	"github.com/repoask/repoask/internal/common/logger"
	"github.com/repoask/repoask/internal/events/bus"
	"github.com/repoask/repoask/internal/history"
	"github.com/repoask/repoask/internal/query"
	"github.com/repoask/repoask/internal/registry"
	"github.com/repoask/repoask/internal/session"
	"github.com/repoask/repoask/internal/workspace"
)

// Server wires the registry, workspace engine, and orchestrator behind
// a gin router.
type Server struct {
	cfg      config.ServerConfig
	registry *registry.Registry
	engine   *workspace.Engine
	orch     *session.Orchestrator
	history  *history.Store
	bus      bus.EventBus
	logger   *logger.Logger

	httpServer *http.Server
}

// New creates the server. history may be nil when disabled.
func New(cfg config.ServerConfig, reg *registry.Registry, engine *workspace.Engine, orch *session.Orchestrator, store *history.Store, eventBus bus.EventBus, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		cfg:      cfg,
		registry: reg,
		engine:   engine,
		orch:     orch,
		history:  store,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "http-server")),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.logger))
	router.Use(otelTracing("repoask-http"))

	router.GET("/healthz", s.handleHealth)

	api := router.Group("/api/v1")
	api.POST("/ask", s.handleAsk)
	api.GET("/repos", s.handleListRepos)
	api.POST("/repos", s.handleAddRepo)
	api.DELETE("/repos/:name", s.handleRemoveRepo)
	api.GET("/workspaces", s.handleListWorkspaces)
	api.DELETE("/workspaces/:key", s.handleClearWorkspace)
	api.GET("/history", s.handleHistory)

	router.GET("/ws", s.handleEventSocket)

	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"healthy": true})
}

type askRequest struct {
	Repos    []string `json:"repos"`
	Question string   `json:"question"`
	// Tech is the legacy single-repository field.
	Tech string `json:"tech"`
}

type askResponse struct {
	Answer    string `json:"answer"`
	Workspace string `json:"workspace"`
}

func (s *Server) handleAsk(c *gin.Context) {
	var body askRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Question == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}

	parsed := query.Parse(body.Question)
	names := query.Merge(parsed.Repos, body.Repos, []string{body.Tech})
	if len(names) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no repositories given: use repos, tech, or @mentions"})
		return
	}

	ctx := c.Request.Context()
	started := time.Now()

	ws, err := s.engine.Ensure(ctx, names)
	if err != nil {
		if registry.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("workspace materialisation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.publishEvent(ctx, bus.SubjectWorkspaceReady, map[string]interface{}{"workspace": ws.Key})

	answer, err := s.orch.Ask(ctx, ws, parsed.Prompt)
	s.recordAsk(ws.Key, parsed.Prompt, answer, err, time.Since(started))
	if err != nil {
		s.logger.Error("ask failed", zap.String("workspace", ws.Key), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, askResponse{Answer: answer, Workspace: ws.Key})
}

func (s *Server) recordAsk(key, question, answer string, askErr error, elapsed time.Duration) {
	if s.history == nil {
		return
	}
	ask := &history.Ask{
		WorkspaceKey: key,
		Question:     question,
		Answer:       answer,
		Status:       history.StatusCompleted,
		DurationMS:   elapsed.Milliseconds(),
	}
	if askErr != nil {
		ask.Status = history.StatusFailed
		ask.Error = askErr.Error()
		ask.Answer = ""
	}
	recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.Record(recordCtx, ask); err != nil {
		s.logger.Warn("failed to record ask", zap.Error(err))
	}
}

func (s *Server) handleListRepos(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": s.registry.List()})
}

func (s *Server) handleAddRepo(c *gin.Context) {
	var res registry.Resource
	if err := c.ShouldBindJSON(&res); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	added, err := s.registry.Add(res)
	if err != nil {
		var dup *registry.DuplicateError
		if errors.As(err, &dup) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, added)
}

func (s *Server) handleRemoveRepo(c *gin.Context) {
	if err := s.registry.Remove(c.Param("name")); err != nil {
		if registry.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListWorkspaces(c *gin.Context) {
	keys, err := s.engine.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if keys == nil {
		keys = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": keys})
}

func (s *Server) handleClearWorkspace(c *gin.Context) {
	key := c.Param("key")
	err := s.engine.Clear(c.Request.Context(), key)
	if err != nil {
		if workspace.IsMissing(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.publishEvent(c.Request.Context(), bus.SubjectWorkspaceGone, map[string]interface{}{"workspace": key})
	c.Status(http.StatusNoContent)
}

func (s *Server) publishEvent(ctx context.Context, subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "http-server", data)
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.logger.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusOK, gin.H{"asks": []any{}})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}

	var (
		asks []*history.Ask
		err  error
	)
	if key := c.Query("workspace"); key != "" {
		asks, err = s.history.ListByWorkspace(c.Request.Context(), key, limit)
	} else {
		asks, err = s.history.List(c.Request.Context(), limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if asks == nil {
		asks = []*history.Ask{}
	}
	c.JSON(http.StatusOK, gin.H{"asks": asks})
}
