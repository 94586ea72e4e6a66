package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/perry-workspaces/backend/internal/model"
)

// claudeEvent is one line of `claude --output-format stream-json` output.
type claudeEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Model     string          `json:"model,omitempty"`
	Message   *claudeMessage  `json:"message,omitempty"`
	Event     *claudeStreamEv `json:"event,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type claudeMessage struct {
	ID      string        `json:"id,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []claudeBlock `json:"content,omitempty"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type claudeStreamEv struct {
	Type    string         `json:"type"`
	Message *claudeMessage `json:"message,omitempty"`
	Delta   *claudeDelta   `json:"delta,omitempty"`
}

type claudeDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// claudeResult is the terminal `result` line of a turn.
type claudeResult struct {
	Text    string
	IsError bool
}

// claudeStream holds parser state for one turn.
type claudeStream struct {
	sessionID string
	messageID string

	// streamed tracks message ids that produced text deltas, so the
	// complete assistant event for them is not emitted twice.
	streamed map[string]bool

	result *claudeResult
}

func newClaudeStream() *claudeStream {
	return &claudeStream{streamed: make(map[string]bool)}
}

// handleLine parses one stdout line and returns the messages it produces.
// A malformed line yields an error wrapping model.ErrProtocol and no
// messages; the caller skips it.
func (s *claudeStream) handleLine(line []byte) ([]model.ChatMessage, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}

	var ev claudeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrProtocol, err)
	}

	switch ev.Type {
	case "system":
		return s.handleSystem(ev), nil
	case "stream_event":
		return s.handleStreamEvent(ev), nil
	case "assistant":
		return s.handleAssistant(ev), nil
	case "user":
		return s.handleUser(ev), nil
	case "result":
		if ev.SessionID != "" {
			s.sessionID = ev.SessionID
		}
		s.result = &claudeResult{Text: ev.Result, IsError: ev.IsError || strings.HasPrefix(ev.Subtype, "error")}
		return nil, nil
	case "":
		return nil, fmt.Errorf("%w: event without type", model.ErrProtocol)
	}
	// Unknown event types are ignored.
	return nil, nil
}

func (s *claudeStream) handleSystem(ev claudeEvent) []model.ChatMessage {
	if ev.Subtype != "init" {
		return nil
	}
	if ev.SessionID != "" {
		s.sessionID = ev.SessionID
	}

	content := "Claude session initialized"
	if ev.Model != "" {
		content = fmt.Sprintf("Claude session initialized (model: %s)", ev.Model)
	}
	return []model.ChatMessage{model.NewMessage(model.MessageTypeSystem, content)}
}

func (s *claudeStream) handleStreamEvent(ev claudeEvent) []model.ChatMessage {
	if ev.Event == nil {
		return nil
	}

	switch ev.Event.Type {
	case "message_start":
		if ev.Event.Message != nil {
			s.messageID = ev.Event.Message.ID
		}
	case "content_block_delta":
		d := ev.Event.Delta
		if d == nil || d.Type != "text_delta" || d.Text == "" {
			return nil
		}
		if s.messageID != "" {
			s.streamed[s.messageID] = true
		}
		msg := model.NewMessage(model.MessageTypeAssistant, d.Text)
		msg.MessageID = s.messageID
		return []model.ChatMessage{msg}
	}
	return nil
}

func (s *claudeStream) handleAssistant(ev claudeEvent) []model.ChatMessage {
	if ev.Message == nil {
		return nil
	}
	id := ev.Message.ID
	if id == "" {
		id = s.messageID
	}

	var out []model.ChatMessage
	for _, block := range ev.Message.Content {
		switch block.Type {
		case "text":
			if s.streamed[id] || block.Text == "" {
				continue
			}
			msg := model.NewMessage(model.MessageTypeAssistant, block.Text)
			msg.MessageID = id
			out = append(out, msg)
		case "tool_use":
			input := "{}"
			if len(block.Input) > 0 {
				input = string(block.Input)
			}
			msg := model.NewMessage(model.MessageTypeToolUse, input)
			msg.MessageID = id
			msg.ToolName = block.Name
			msg.ToolID = block.ID
			out = append(out, msg)
		}
	}
	return out
}

func (s *claudeStream) handleUser(ev claudeEvent) []model.ChatMessage {
	if ev.Message == nil {
		return nil
	}

	var out []model.ChatMessage
	for _, block := range ev.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		msg := model.NewMessage(model.MessageTypeToolResult, toolResultText(block.Content))
		msg.ToolID = block.ToolUseID
		out = append(out, msg)
	}
	return out
}

// toolResultText flattens tool_result content, which is either a string or
// a list of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}
