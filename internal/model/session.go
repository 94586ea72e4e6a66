package model

import (
	"time"
)

// SessionStatus represents the status of an agent session.
type SessionStatus string

const (
	SessionStatusIdle        SessionStatus = "idle"
	SessionStatusRunning     SessionStatus = "running"
	SessionStatusError       SessionStatus = "error"
	SessionStatusInterrupted SessionStatus = "interrupted"
)

// AgentType names an agent backend.
type AgentType string

const (
	AgentTypeClaude   AgentType = "claude"
	AgentTypeOpenCode AgentType = "opencode"
	AgentTypeCodex    AgentType = "codex"
	AgentTypeGemini   AgentType = "gemini"
)

// HostWorkspace is the workspace name of sessions that run directly on the
// host instead of inside a workspace container.
const HostWorkspace = "@host"

// SessionInfo is the live, in-memory state of a session.
type SessionInfo struct {
	ID             string        `json:"id"`
	WorkspaceName  string        `json:"workspaceName"`
	AgentType      AgentType     `json:"agentType"`
	Status         SessionStatus `json:"status"`
	AgentSessionID string        `json:"agentSessionId,omitempty"`
	Model          string        `json:"model,omitempty"`
	ProjectPath    string        `json:"projectPath,omitempty"`
	StartedAt      time.Time     `json:"startedAt"`
	LastActivity   time.Time     `json:"lastActivity"`
	Error          string        `json:"error,omitempty"`
	ClientCount    int           `json:"clientCount"`
}

// IsHostMode reports whether the session runs on the host.
func (s *SessionInfo) IsHostMode() bool {
	return s.WorkspaceName == HostWorkspace
}

// Duration returns how long the session has been live.
func (s *SessionInfo) Duration() time.Duration {
	return time.Since(s.StartedAt)
}

// SessionRecord is the persisted link between an internal session and the
// agent's own session.
type SessionRecord struct {
	PerrySessionID string    `json:"perrySessionId"`
	WorkspaceName  string    `json:"workspaceName"`
	AgentType      AgentType `json:"agentType"`
	AgentSessionID *string   `json:"agentSessionId"`
	ProjectPath    *string   `json:"projectPath"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivity   time.Time `json:"lastActivity"`
}

// AgentSession returns the agent session id, or "" when unknown.
func (r *SessionRecord) AgentSession() string {
	if r.AgentSessionID == nil {
		return ""
	}
	return *r.AgentSessionID
}

// Project returns the project path, or "" when unknown.
func (r *SessionRecord) Project() string {
	if r.ProjectPath == nil {
		return ""
	}
	return *r.ProjectPath
}

// StringPtr returns nil for an empty string and a pointer otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
