package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perry-workspaces/backend/internal/logger"
	"github.com/perry-workspaces/backend/internal/model"
	"github.com/perry-workspaces/backend/internal/session"
	"github.com/perry-workspaces/backend/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20
)

// errNotConnected is reported for session frames sent before connect.
var errNotConnected = errors.New("not connected to a session")

// Sessions is the part of the session manager driven by chat clients.
type Sessions interface {
	StartSession(ctx context.Context, opts session.StartOptions) (string, error)
	FindSession(ctx context.Context, id string, opts session.FindOptions) (*model.SessionInfo, error)
	ImportExternalSession(ctx context.Context, opts session.ImportOptions) (*model.SessionInfo, error)
	GetSession(id string) (*model.SessionInfo, error)
	ConnectClient(id string, sink session.Sink, opts session.ConnectOptions) (string, error)
	DisconnectClient(id, clientID string)
	SendMessage(ctx context.Context, id, text string) error
	Interrupt(ctx context.Context, id string) error
	SetModel(id, model string) error
}

// Handler handles chat websocket connections.
type Handler struct {
	hub      *Hub
	sessions Sessions
	log      logger.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. Any origin is accepted until
// SetCheckOrigin is called.
func NewHandler(hub *Hub, sessions Sessions, log logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		hub:      hub,
		sessions: sessions,
		log:      log.With("component", "chat"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetCheckOrigin sets a custom origin checker for the WebSocket upgrader.
func (h *Handler) SetCheckOrigin(fn func(r *http.Request) bool) {
	h.upgrader.CheckOrigin = fn
}

// AllowOrigins returns an origin checker accepting the listed origins. An
// empty list accepts any origin.
func AllowOrigins(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// HandleConnection upgrades the request and serves the connection until it
// closes. The client is not bound to a session until its first connect or
// message frame.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn)
	h.hub.Register(client)
	h.log.Debug("chat client connected", "conn", client.ID(), "remote", r.RemoteAddr)

	go h.writePump(client)
	go h.readPump(client)
	return nil
}

// handleFrame processes one frame from a client.
func (h *Handler) handleFrame(ctx context.Context, c *Client, f *protocol.ClientFrame) {
	switch f.Type {
	case protocol.FrameConnect:
		_, _ = h.connect(ctx, c, f)
	case protocol.FrameMessage:
		h.message(ctx, c, f)
	case protocol.FrameInterrupt:
		h.interrupt(ctx, c)
	case protocol.FrameSetModel:
		h.setModel(c, f)
	case protocol.FrameDisconnect:
		h.detach(c)
	case protocol.FramePing:
		_ = c.SendFrame(protocol.ServerFrame{Type: protocol.FramePong, Timestamp: time.Now()})
	default:
		h.sendError(c, "", errors.New("unknown frame type: "+string(f.Type)))
	}
}

// connect binds the client to the session named by f, starting one if
// needed, and replays its buffer.
func (h *Handler) connect(ctx context.Context, c *Client, f *protocol.ClientFrame) (string, error) {
	info, err := h.resolve(ctx, f)
	if err != nil {
		h.sendError(c, f.SessionID, err)
		return "", err
	}

	h.detach(c)

	err = c.SendFrame(protocol.ServerFrame{
		Type:           protocol.FrameSessionStarted,
		Timestamp:      time.Now(),
		SessionID:      info.ID,
		AgentSessionID: info.AgentSessionID,
		AgentType:      string(info.AgentType),
		Workspace:      info.WorkspaceName,
		Model:          info.Model,
		Status:         string(info.Status),
	})
	if err != nil {
		return "", err
	}

	b := &binding{sessionID: info.ID}
	clientID, err := h.sessions.ConnectClient(info.ID, h.sink(c, info.ID), session.ConnectOptions{
		ResumeFromID: f.ResumeFromID,
		Replay:       h.replaySink(c, info.ID),
		OnDisconnect: func() { c.release(b) },
	})
	if err != nil {
		h.sendError(c, info.ID, err)
		return "", err
	}
	c.bind(b, clientID)

	h.log.Debug("chat client attached", "conn", c.ID(), "sessionID", info.ID, "clientID", clientID)
	return info.ID, nil
}

// resolve finds the session a connect frame refers to: by session id, then
// by agent session id (importing it if unknown), else a new session.
func (h *Handler) resolve(ctx context.Context, f *protocol.ClientFrame) (*model.SessionInfo, error) {
	opts := session.FindOptions{ProjectPath: f.ProjectPath}

	if f.SessionID != "" {
		info, err := h.sessions.FindSession(ctx, f.SessionID, opts)
		if !errors.Is(err, model.ErrSessionNotFound) {
			return info, err
		}
		return h.start(ctx, f, f.SessionID)
	}

	if f.AgentSessionID != "" {
		info, err := h.sessions.FindSession(ctx, f.AgentSessionID, opts)
		if !errors.Is(err, model.ErrSessionNotFound) {
			return info, err
		}
		return h.sessions.ImportExternalSession(ctx, session.ImportOptions{
			WorkspaceName:  f.Workspace,
			AgentType:      model.AgentType(f.AgentType),
			AgentSessionID: f.AgentSessionID,
			ProjectPath:    f.ProjectPath,
			Model:          f.Model,
		})
	}

	return h.start(ctx, f, "")
}

func (h *Handler) start(ctx context.Context, f *protocol.ClientFrame, sessionID string) (*model.SessionInfo, error) {
	id, err := h.sessions.StartSession(ctx, session.StartOptions{
		SessionID:     sessionID,
		WorkspaceName: f.Workspace,
		AgentType:     model.AgentType(f.AgentType),
		Model:         f.Model,
		ProjectPath:   f.ProjectPath,
	})
	if err != nil {
		return nil, err
	}
	return h.sessions.GetSession(id)
}

// message sends a user message, connecting first if the client is unbound
// or names another session.
func (h *Handler) message(ctx context.Context, c *Client, f *protocol.ClientFrame) {
	if f.Content == "" {
		h.sendError(c, f.SessionID, model.ErrEmptyMessage)
		return
	}

	sessionID, _, ok := c.Binding()
	if !ok || (f.SessionID != "" && f.SessionID != sessionID) {
		var err error
		if sessionID, err = h.connect(ctx, c, f); err != nil {
			return
		}
	}

	if err := h.sessions.SendMessage(ctx, sessionID, f.Content); err != nil {
		h.sendError(c, sessionID, err)
	}
}

func (h *Handler) interrupt(ctx context.Context, c *Client) {
	sessionID, _, ok := c.Binding()
	if !ok {
		h.sendError(c, "", errNotConnected)
		return
	}
	if err := h.sessions.Interrupt(ctx, sessionID); err != nil {
		h.sendError(c, sessionID, err)
	}
}

func (h *Handler) setModel(c *Client, f *protocol.ClientFrame) {
	sessionID, _, ok := c.Binding()
	if !ok {
		h.sendError(c, "", errNotConnected)
		return
	}
	if f.Model == "" {
		h.sendError(c, sessionID, errors.New("model is required"))
		return
	}
	if err := h.sessions.SetModel(sessionID, f.Model); err != nil {
		h.sendError(c, sessionID, err)
	}
}

// detach releases the client's session, leaving any running turn alone.
func (h *Handler) detach(c *Client) {
	b := c.take()
	if b == nil {
		return
	}
	h.sessions.DisconnectClient(b.sessionID, b.clientID)
	h.log.Debug("chat client detached", "conn", c.ID(), "sessionID", b.sessionID, "clientID", b.clientID)
}

// sink delivers a session's messages to the client as chat frames.
func (h *Handler) sink(c *Client, sessionID string) session.Sink {
	return func(msg model.BufferedMessage) error {
		return c.SendFrame(messageFrame(sessionID, msg))
	}
}

// replaySink delivers a session's buffer on connect. It waits for the write
// pump rather than dropping the client, since a replay may exceed the send
// queue.
func (h *Handler) replaySink(c *Client, sessionID string) session.Sink {
	return func(msg model.BufferedMessage) error {
		data, err := json.Marshal(messageFrame(sessionID, msg))
		if err != nil {
			return err
		}
		return c.SendWait(data, writeWait)
	}
}

// messageFrame converts a buffered chat message to its wire frame.
func messageFrame(sessionID string, msg model.BufferedMessage) protocol.ServerFrame {
	frame := protocol.ServerFrame{
		Type:           protocol.FrameType(msg.Message.Type),
		Content:        msg.Message.Content,
		Timestamp:      msg.Message.Timestamp,
		SessionID:      sessionID,
		MessageID:      msg.Message.MessageID,
		ToolName:       msg.Message.ToolName,
		ToolID:         msg.Message.ToolID,
		AgentSessionID: msg.Message.AgentSessionID,
	}
	if msg.ID != model.NoticeID {
		seq := msg.ID
		frame.Seq = &seq
	}
	return frame
}

// sendError reports err to this client only.
func (h *Handler) sendError(c *Client, sessionID string, err error) {
	h.log.Debug("chat request failed", "conn", c.ID(), "sessionID", sessionID, "error", err)
	_ = c.SendFrame(protocol.ServerFrame{
		Type:      protocol.FrameError,
		Content:   err.Error(),
		Timestamp: time.Now(),
		SessionID: sessionID,
	})
}

// readPump pumps frames from the WebSocket connection to handleFrame.
func (h *Handler) readPump(client *Client) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.detach(client)
		h.hub.Unregister(client)
		client.Conn().Close()
		h.log.Debug("chat client disconnected", "conn", client.ID())
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read failed", "conn", client.ID(), "error", err)
			}
			return
		}

		var frame protocol.ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			h.sendError(client, "", errors.New("invalid frame"))
			continue
		}

		h.handleFrame(ctx, client, &frame)
	}
}

// writePump pumps queued frames to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Close()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.signalSpace()
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The client was closed
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per message so clients can JSON.parse each one.
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(client.SendChan())
			for i := 0; i < n; i++ {
				queued, ok := <-client.SendChan()
				client.signalSpace()
				if !ok {
					client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.Conn().WriteMessage(websocket.TextMessage, queued); err != nil {
					return
				}
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
