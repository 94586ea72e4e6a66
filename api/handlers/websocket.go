package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/perry-workspaces/backend/internal/ws"
)

// WebSocketHandler serves the live chat websocket.
type WebSocketHandler struct {
	wsHandler *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{
		wsHandler: wsHandler,
	}
}

// Chat handles WS /api/chat. Sessions are chosen per connection with
// connect frames, not by URL.
func (h *WebSocketHandler) Chat(c *gin.Context) {
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request); err != nil {
		// The upgrader has already written the HTTP error.
		c.Abort()
	}
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/chat", h.Chat)
}
