// Package ws streams viewer status transitions to the shell over WebSocket.
package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/promptcalc/artifacthost/internal/infrastructure/logging"
	"github.com/promptcalc/artifacthost/internal/viewer"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The CORS middleware gates the shell origin; artifacts have no
		// network access at all, so nothing hostile reaches this endpoint.
		return true
	},
}

// Handler manages WebSocket subscriptions to viewer status.
type Handler struct {
	viewers *viewer.Registry
	log     *logging.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(viewers *viewer.Registry, log *logging.Logger) *Handler {
	return &Handler{
		viewers: viewers,
		log:     log.Named("ws"),
	}
}

// HandleEvents upgrades the connection and pushes the status projection on
// every transition until either side goes away.
func (h *Handler) HandleEvents(c *gin.Context) {
	v, ok := h.viewers.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "viewer not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	updates, cancel, err := v.Subscribe()
	if err != nil {
		conn.WriteJSON(gin.H{"type": "error", "message": "viewer is closed"})
		return
	}
	defer cancel()

	h.log.Debug("status stream opened",
		zap.String("conn_id", connID),
		zap.String("viewer_id", v.ID()),
	)

	// Current state first, so the shell never starts from a gap.
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(statusEvent(v.Status())); err != nil {
		return
	}

	// Reader goroutine: discards inbound frames, surfaces disconnect.
	readErr := make(chan error, 1)
	go func() {
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case status, open := <-updates:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "viewer closed"))
				return
			}
			if err := conn.WriteJSON(statusEvent(status)); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("status stream read error",
					zap.String("conn_id", connID),
					zap.Error(err),
				)
			}
			return
		}
	}
}

func statusEvent(s viewer.Status) gin.H {
	return gin.H{
		"type":      "status",
		"status":    s,
		"timestamp": time.Now().Unix(),
	}
}
