package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/repoask/repoask/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The wrapper binds to loopback; origin checks stay permissive.
		return true
	},
}

// handleEventSocket streams ask lifecycle events to the client as JSON
// frames. The subscription covers every ask-related subject.
func (s *Server) handleEventSocket(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus disabled"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	// Serialise writes: bus handlers run on their own goroutines.
	outbound := make(chan *bus.Event, 32)
	sub, err := s.bus.Subscribe("ask.>", func(ctx context.Context, event *bus.Event) error {
		select {
		case outbound <- event:
		default:
			// A slow client drops events rather than blocking the bus.
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("event subscription failed", zap.Error(err))
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	// Reader goroutine: detects client disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case event := <-outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
