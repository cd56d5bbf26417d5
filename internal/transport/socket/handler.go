package socket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raahi/dispatch/pkg/logger"
	"github.com/raahi/dispatch/pkg/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin apps connect here; auth is the JWT, not the origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades authenticated HTTP requests to socket connections.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes wires the socket endpoint onto an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ws", h.Serve)
}

// Serve upgrades the connection and starts the pumps.
func (h *Handler) Serve(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("socket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h.hub, conn, userID, middleware.UserRole(c))
	h.hub.register(client)

	go client.writePump()
	go client.readPump()
}
