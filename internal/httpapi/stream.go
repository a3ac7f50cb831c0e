package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kdlbs/issueforge/internal/events"
	"github.com/kdlbs/issueforge/internal/events/bus"
)

func contextWithTimeout(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}

// handleSSE streams every event published for one issue as a Server-Sent
// Event, keeping the connection alive with a periodic "heartbeat" event so
// intermediary proxies don't time the stream out during quiet stretches.
func (s *Server) handleSSE(c *gin.Context) {
	issueID := c.Param("id")

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	msgCh := make(chan []byte, 64)
	unsubscribe, err := s.bus.SubscribeIssue(issueID, func(topic string, evt *bus.Event) {
		payload, marshalErr := json.Marshal(map[string]any{"topic": topic, "data": evt.Data})
		if marshalErr != nil {
			return
		}
		select {
		case msgCh <- payload:
		default:
			s.logger.Warn("sse: dropping event, subscriber too slow", zap.String("issue_id", issueID))
		}
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer func() { _ = unsubscribe() }()

	ticker := time.NewTicker(events.HeartbeatInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case msg := <-msgCh:
			c.SSEvent("message", string(msg))
			return true
		case <-ticker.C:
			c.SSEvent("heartbeat", "")
			return true
		}
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket is the fan-out alternative to SSE for clients that prefer
// a bidirectional socket (browsers behind proxies that buffer SSE, mobile
// clients). It only ever writes; inbound frames are read and discarded so
// that a closed or failed connection is noticed and the handler returns.
func (s *Server) handleWebSocket(c *gin.Context) {
	issueID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("issue_id", issueID), zap.Error(err))
		return
	}
	defer conn.Close()

	msgCh := make(chan []byte, 64)
	unsubscribe, err := s.bus.SubscribeIssue(issueID, func(topic string, evt *bus.Event) {
		payload, marshalErr := json.Marshal(map[string]any{"topic": topic, "data": evt.Data})
		if marshalErr != nil {
			return
		}
		select {
		case msgCh <- payload:
		default:
			s.logger.Warn("websocket: dropping event, subscriber too slow", zap.String("issue_id", issueID))
		}
	})
	if err != nil {
		return
	}
	defer func() { _ = unsubscribe() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(events.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case msg := <-msgCh:
			if writeErr := conn.WriteMessage(websocket.TextMessage, msg); writeErr != nil {
				return
			}
		case <-ticker.C:
			if writeErr := conn.WriteMessage(websocket.PingMessage, nil); writeErr != nil {
				return
			}
		}
	}
}
