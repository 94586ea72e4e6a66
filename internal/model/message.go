package model

import "time"

// MessageType is the kind of a ChatMessage.
type MessageType string

const (
	MessageTypeUser       MessageType = "user"
	MessageTypeAssistant  MessageType = "assistant"
	MessageTypeSystem     MessageType = "system"
	MessageTypeToolUse    MessageType = "tool_use"
	MessageTypeToolResult MessageType = "tool_result"
	MessageTypeError      MessageType = "error"
	MessageTypeDone       MessageType = "done"
)

// ChatMessage is a single event in a conversation with an agent.
// Values are never mutated after construction; pass them by value.
type ChatMessage struct {
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	MessageID string      `json:"messageId,omitempty"`
	ToolName  string      `json:"toolName,omitempty"`
	ToolID    string      `json:"toolId,omitempty"`

	// AgentSessionID is only set on the system notice announcing a newly
	// discovered agent session id.
	AgentSessionID string `json:"agentSessionId,omitempty"`
}

// NewMessage builds a ChatMessage stamped with the current time.
func NewMessage(t MessageType, content string) ChatMessage {
	return ChatMessage{
		Type:      t,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// BufferedMessage is a ChatMessage as retained in a session's replay buffer.
type BufferedMessage struct {
	ID        int64       `json:"id"`
	Message   ChatMessage `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

// NoticeID is the BufferedMessage id used for messages that were delivered
// to a client but never entered the replay buffer.
const NoticeID int64 = -1
