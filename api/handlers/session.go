// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/perry-workspaces/backend/internal/model"
	"github.com/perry-workspaces/backend/internal/registry"
	"github.com/perry-workspaces/backend/internal/session"
)

// SessionHandler handles HTTP requests for session management.
type SessionHandler struct {
	sessionManager *session.Manager
	registry       *registry.Registry
}

// NewSessionHandler creates a new SessionHandler. reg may be nil, in which
// case workspace record listing reports no records.
func NewSessionHandler(sessionManager *session.Manager, reg *registry.Registry) *SessionHandler {
	return &SessionHandler{
		sessionManager: sessionManager,
		registry:       reg,
	}
}

// CreateSessionRequest represents the request body for starting a session.
type CreateSessionRequest struct {
	SessionID      string `json:"sessionId"`
	Workspace      string `json:"workspace"`
	AgentType      string `json:"agentType"`
	AgentSessionID string `json:"agentSessionId"`
	Model          string `json:"model"`
	ProjectPath    string `json:"projectPath"`
}

// ImportSessionRequest represents the request body for importing an agent
// session found outside the server.
type ImportSessionRequest struct {
	Workspace      string `json:"workspace"`
	AgentType      string `json:"agentType"`
	AgentSessionID string `json:"agentSessionId" binding:"required"`
	Model          string `json:"model"`
	ProjectPath    string `json:"projectPath"`
}

// SendMessageRequest represents the request body for sending a message.
type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// SessionResponse represents a live session in API responses.
type SessionResponse struct {
	ID             string `json:"id"`
	Workspace      string `json:"workspace"`
	AgentType      string `json:"agentType"`
	Status         string `json:"status"`
	AgentSessionID string `json:"agentSessionId,omitempty"`
	Model          string `json:"model,omitempty"`
	ProjectPath    string `json:"projectPath,omitempty"`
	Error          string `json:"error,omitempty"`
	ClientCount    int    `json:"clientCount"`
	Duration       string `json:"duration"`
	StartedAt      string `json:"startedAt"`
	LastActivity   string `json:"lastActivity"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// toSessionResponse converts a model.SessionInfo to SessionResponse.
func toSessionResponse(s *model.SessionInfo) *SessionResponse {
	return &SessionResponse{
		ID:             s.ID,
		Workspace:      s.WorkspaceName,
		AgentType:      string(s.AgentType),
		Status:         string(s.Status),
		AgentSessionID: s.AgentSessionID,
		Model:          s.Model,
		ProjectPath:    s.ProjectPath,
		Error:          s.Error,
		ClientCount:    s.ClientCount,
		Duration:       formatDuration(s.Duration()),
		StartedAt:      s.StartedAt.Format(time.RFC3339),
		LastActivity:   s.LastActivity.Format(time.RFC3339),
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendSessionError maps a manager or registry error to a response.
func sendSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrSessionNotFound), errors.Is(err, registry.ErrRecordNotFound):
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error())
	case errors.Is(err, model.ErrAlreadyRunning):
		sendError(c, http.StatusConflict, "SESSION_BUSY", err.Error())
	case errors.Is(err, model.ErrSessionDesync):
		sendError(c, http.StatusConflict, "SESSION_DESYNC", err.Error())
	case errors.Is(err, model.ErrEmptyMessage):
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, model.ErrNotImplemented), errors.Is(err, model.ErrUnknownAgent):
		sendError(c, http.StatusBadRequest, "UNSUPPORTED_AGENT", err.Error())
	case errors.Is(err, model.ErrAdapterStart):
		sendError(c, http.StatusBadGateway, "AGENT_START_FAILED", err.Error())
	case errors.Is(err, registry.ErrLockTimeout):
		sendError(c, http.StatusServiceUnavailable, "REGISTRY_BUSY", err.Error())
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// Create handles POST /api/sessions - starts a session.
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	id, err := h.sessionManager.StartSession(c.Request.Context(), session.StartOptions{
		SessionID:      req.SessionID,
		WorkspaceName:  req.Workspace,
		AgentType:      model.AgentType(req.AgentType),
		AgentSessionID: req.AgentSessionID,
		Model:          req.Model,
		ProjectPath:    req.ProjectPath,
	})
	if err != nil {
		sendSessionError(c, err)
		return
	}

	sess, err := h.sessionManager.GetSession(id)
	if err != nil {
		sendSessionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSessionResponse(sess))
}

// List handles GET /api/sessions - lists the live sessions.
func (h *SessionHandler) List(c *gin.Context) {
	sessions := h.sessionManager.ListSessions()
	response := make([]*SessionResponse, len(sessions))
	for i := range sessions {
		response[i] = toSessionResponse(&sessions[i])
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id - gets a live session.
func (h *SessionHandler) Get(c *gin.Context) {
	sess, err := h.sessionManager.GetSession(c.Param("id"))
	if err != nil {
		sendSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// Messages handles GET /api/sessions/:id/messages?since=N - returns the
// buffered messages, or those after buffer id N.
func (h *SessionHandler) Messages(c *gin.Context) {
	var since *int64
	if raw := c.Query("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "since must be an integer")
			return
		}
		since = &n
	}

	msgs, err := h.sessionManager.GetBufferedMessages(c.Param("id"), since)
	if err != nil {
		sendSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// Send handles POST /api/sessions/:id/messages - starts a turn. The
// outcome is delivered to chat clients and the message buffer.
func (h *SessionHandler) Send(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	if err := h.sessionManager.SendMessage(c.Request.Context(), c.Param("id"), req.Content); err != nil {
		sendSessionError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// Interrupt handles POST /api/sessions/:id/interrupt.
func (h *SessionHandler) Interrupt(c *gin.Context) {
	if err := h.sessionManager.Interrupt(c.Request.Context(), c.Param("id")); err != nil {
		sendSessionError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Delete handles DELETE /api/sessions/:id - disposes a session, and with
// ?deleteRecord=true also forgets its registry record.
func (h *SessionHandler) Delete(c *gin.Context) {
	deleteRecord, _ := strconv.ParseBool(c.Query("deleteRecord"))

	err := h.sessionManager.DisposeSession(c.Request.Context(), c.Param("id"), session.DisposeOptions{
		DeleteRecord: deleteRecord,
	})
	if err != nil {
		sendSessionError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Import handles POST /api/sessions/import - attaches an agent session
// discovered outside the server, reusing an earlier import of it.
func (h *SessionHandler) Import(c *gin.Context) {
	var req ImportSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	sess, err := h.sessionManager.ImportExternalSession(c.Request.Context(), session.ImportOptions{
		WorkspaceName:  req.Workspace,
		AgentType:      model.AgentType(req.AgentType),
		AgentSessionID: req.AgentSessionID,
		ProjectPath:    req.ProjectPath,
		Model:          req.Model,
	})
	if err != nil {
		sendSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// WorkspaceRecords handles GET /api/workspaces/:name/sessions - lists the
// persisted session records of a workspace, most recent first.
func (h *SessionHandler) WorkspaceRecords(c *gin.Context) {
	if h.registry == nil {
		c.JSON(http.StatusOK, []*model.SessionRecord{})
		return
	}

	records, err := h.registry.GetSessionsForWorkspace(c.Request.Context(), c.Param("name"))
	if err != nil {
		sendSessionError(c, err)
		return
	}
	if records == nil {
		records = []*model.SessionRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// DisposeWorkspace handles DELETE /api/workspaces/:name/sessions - disposes
// every live session of a workspace. Records are kept.
func (h *SessionHandler) DisposeWorkspace(c *gin.Context) {
	n := h.sessionManager.DisposeWorkspaceSessions(c.Param("name"))
	c.JSON(http.StatusOK, gin.H{"disposed": n})
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.POST("", h.Create)
		sessions.GET("", h.List)
		sessions.POST("/import", h.Import)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Delete)
		sessions.GET("/:id/messages", h.Messages)
		sessions.POST("/:id/messages", h.Send)
		sessions.POST("/:id/interrupt", h.Interrupt)
	}

	workspaces := rg.Group("/workspaces")
	{
		workspaces.GET("/:name/sessions", h.WorkspaceRecords)
		workspaces.DELETE("/:name/sessions", h.DisposeWorkspace)
	}
}
