package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/perry-workspaces/backend/internal/model"
)

// openCodeEvent is the envelope of every /event payload.
type openCodeEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

type openCodeMessageInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Role      string `json:"role"`
}

type openCodePart struct {
	ID        string             `json:"id"`
	SessionID string             `json:"sessionID"`
	MessageID string             `json:"messageID"`
	Type      string             `json:"type"`
	Text      string             `json:"text,omitempty"`
	Synthetic bool               `json:"synthetic,omitempty"`
	Tool      string             `json:"tool,omitempty"`
	CallID    string             `json:"callID,omitempty"`
	State     *openCodeToolState `json:"state,omitempty"`
}

type openCodeToolState struct {
	Status string          `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type openCodeSessionError struct {
	Name string `json:"name"`
	Data struct {
		Message string `json:"message"`
	} `json:"data"`
}

// turnOutcome is what an event means for the running turn.
type turnOutcome int

const (
	turnContinue turnOutcome = iota
	turnIdle
	turnFailed
)

// openCodeTurn correlates the events of one turn on a shared server.
type openCodeTurn struct {
	sessionID string

	userMessages map[string]bool
	texts        map[string]string
	toolsSeen    map[string]bool
	toolsDone    map[string]bool
}

func newOpenCodeTurn(sessionID string) *openCodeTurn {
	return &openCodeTurn{
		sessionID:    sessionID,
		userMessages: make(map[string]bool),
		texts:        make(map[string]string),
		toolsSeen:    make(map[string]bool),
		toolsDone:    make(map[string]bool),
	}
}

// handle processes one event payload. For turnFailed the returned error is
// the session's error; otherwise a non-nil error wraps model.ErrProtocol and
// the event should be skipped.
func (t *openCodeTurn) handle(data string) ([]model.ChatMessage, turnOutcome, error) {
	var ev openCodeEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, turnContinue, fmt.Errorf("%w: %v", model.ErrProtocol, err)
	}

	switch ev.Type {
	case "message.updated":
		var props struct {
			Info openCodeMessageInfo `json:"info"`
		}
		if err := json.Unmarshal(ev.Properties, &props); err != nil {
			return nil, turnContinue, fmt.Errorf("%w: %s: %v", model.ErrProtocol, ev.Type, err)
		}
		if props.Info.SessionID == t.sessionID && props.Info.Role == "user" {
			t.userMessages[props.Info.ID] = true
		}
		return nil, turnContinue, nil

	case "message.part.updated":
		var props struct {
			Part  openCodePart `json:"part"`
			Delta string       `json:"delta,omitempty"`
		}
		if err := json.Unmarshal(ev.Properties, &props); err != nil {
			return nil, turnContinue, fmt.Errorf("%w: %s: %v", model.ErrProtocol, ev.Type, err)
		}
		if props.Part.SessionID != t.sessionID || t.userMessages[props.Part.MessageID] {
			return nil, turnContinue, nil
		}
		return t.handlePart(props.Part, props.Delta), turnContinue, nil

	case "session.idle":
		var props struct {
			SessionID string `json:"sessionID"`
		}
		if err := json.Unmarshal(ev.Properties, &props); err != nil {
			return nil, turnContinue, fmt.Errorf("%w: %s: %v", model.ErrProtocol, ev.Type, err)
		}
		if props.SessionID == t.sessionID {
			return nil, turnIdle, nil
		}
		return nil, turnContinue, nil

	case "session.error":
		var props struct {
			SessionID string                `json:"sessionID"`
			Error     *openCodeSessionError `json:"error"`
		}
		if err := json.Unmarshal(ev.Properties, &props); err != nil {
			return nil, turnContinue, fmt.Errorf("%w: %s: %v", model.ErrProtocol, ev.Type, err)
		}
		if props.SessionID != "" && props.SessionID != t.sessionID {
			return nil, turnContinue, nil
		}
		return nil, turnFailed, sessionErrorText(props.Error)
	}

	return nil, turnContinue, nil
}

func (t *openCodeTurn) handlePart(part openCodePart, delta string) []model.ChatMessage {
	switch part.Type {
	case "text":
		if part.Synthetic {
			return nil
		}
		prev := t.texts[part.ID]
		t.texts[part.ID] = part.Text

		chunk := delta
		if chunk == "" && strings.HasPrefix(part.Text, prev) {
			chunk = part.Text[len(prev):]
		}
		if chunk == "" {
			return nil
		}
		msg := model.NewMessage(model.MessageTypeAssistant, chunk)
		msg.MessageID = part.MessageID
		return []model.ChatMessage{msg}

	case "tool":
		id := part.CallID
		if id == "" {
			id = part.ID
		}

		var out []model.ChatMessage
		if !t.toolsSeen[id] {
			t.toolsSeen[id] = true
			input := "{}"
			if part.State != nil && len(part.State.Input) > 0 && string(part.State.Input) != "null" {
				input = string(part.State.Input)
			}
			msg := model.NewMessage(model.MessageTypeToolUse, input)
			msg.MessageID = part.MessageID
			msg.ToolName = part.Tool
			msg.ToolID = id
			out = append(out, msg)
		}

		if part.State != nil && !t.toolsDone[id] {
			var content string
			switch part.State.Status {
			case "completed":
				content = part.State.Output
			case "error":
				content = "Error: " + part.State.Error
			default:
				return out
			}
			t.toolsDone[id] = true
			msg := model.NewMessage(model.MessageTypeToolResult, content)
			msg.MessageID = part.MessageID
			msg.ToolName = part.Tool
			msg.ToolID = id
			out = append(out, msg)
		}
		return out
	}
	return nil
}

func sessionErrorText(e *openCodeSessionError) error {
	if e == nil {
		return errors.New("opencode session error")
	}
	if e.Data.Message != "" {
		return fmt.Errorf("opencode session error: %s", e.Data.Message)
	}
	if e.Name != "" {
		return fmt.Errorf("opencode session error: %s", e.Name)
	}
	return errors.New("opencode session error")
}
