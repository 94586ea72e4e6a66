// Package protocol defines the JSON frames exchanged over the chat
// websocket (GET /api/chat). It has no dependencies on the server internals
// so clients can import it directly.
package protocol

import "time"

// FrameType is the "type" field of a frame.
type FrameType string

// Client -> server frames.
const (
	FrameConnect    FrameType = "connect"
	FrameMessage    FrameType = "message"
	FrameInterrupt  FrameType = "interrupt"
	FrameDisconnect FrameType = "disconnect"
	FrameSetModel   FrameType = "set_model"
	FramePing       FrameType = "ping"
)

// Server -> client control frames. Chat messages are sent with their own
// message type (user, assistant, system, tool_use, tool_result, error, done).
const (
	FrameSessionStarted FrameType = "session_started"
	FramePong           FrameType = "pong"
	FrameError          FrameType = "error"
)

// ClientFrame is a frame sent by a chat client.
type ClientFrame struct {
	Type           FrameType `json:"type"`
	Content        string    `json:"content,omitempty"`
	SessionID      string    `json:"sessionId,omitempty"`
	AgentSessionID string    `json:"agentSessionId,omitempty"`
	AgentType      string    `json:"agentType,omitempty"`
	Model          string    `json:"model,omitempty"`
	ProjectPath    string    `json:"projectPath,omitempty"`
	Workspace      string    `json:"workspace,omitempty"`

	// ResumeFromID replays only messages with a larger Seq on connect.
	ResumeFromID *int64 `json:"resumeFromId,omitempty"`
}

// ServerFrame is a frame sent to a chat client: either a chat message or a
// control frame.
type ServerFrame struct {
	Type      FrameType `json:"type"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId,omitempty"`

	// Seq is the replay buffer id of a chat message. It is absent on
	// control frames and on notices that were never buffered.
	Seq *int64 `json:"seq,omitempty"`

	MessageID      string `json:"messageId,omitempty"`
	ToolName       string `json:"toolName,omitempty"`
	ToolID         string `json:"toolId,omitempty"`
	AgentSessionID string `json:"agentSessionId,omitempty"`

	// Set on session_started.
	AgentType string `json:"agentType,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	Model     string `json:"model,omitempty"`
	Status    string `json:"status,omitempty"`
}
