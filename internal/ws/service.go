package ws

import (
	"github.com/perry-workspaces/backend/internal/logger"
)

// Service wires the chat websocket to a session manager. Sessions outlive
// their connections: closing the service closes sockets, not sessions.
type Service struct {
	hub     *Hub
	handler *Handler
}

// NewService creates a new WebSocket service.
func NewService(sessions Sessions, log logger.Logger) *Service {
	hub := NewHub()
	return &Service{
		hub:     hub,
		handler: NewHandler(hub, sessions, log),
	}
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// ClientCount returns the number of open chat connections.
func (s *Service) ClientCount() int {
	return s.hub.ClientCount()
}

// Close closes all WebSocket connections.
func (s *Service) Close() {
	s.hub.Close()
}
