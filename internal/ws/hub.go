package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/perry-workspaces/backend/pkg/protocol"
)

// sendQueueSize is the number of frames buffered per client.
const sendQueueSize = 256

// ErrClientGone is returned when a frame cannot be queued because the
// client is closed or its send queue is full.
var ErrClientGone = errors.New("websocket client gone")

// binding is the session a client is attached to.
type binding struct {
	sessionID string
	clientID  string
}

// Client represents a WebSocket client connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool

	// space is signalled when the write pump takes a frame or the client
	// closes, waking SendWait.
	space chan struct{}

	// bindMu guards bound. It is never held while calling the manager,
	// whose sinks call Send.
	bindMu sync.Mutex
	bound  *binding
}

// NewClient creates a new WebSocket client.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:    uuid.NewString(),
		conn:  conn,
		send:  make(chan []byte, sendQueueSize),
		space: make(chan struct{}, 1),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Send queues data to be written. A full queue closes the client.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientGone
	}

	select {
	case c.send <- data:
		return nil
	default:
		// Buffer full, close the client
		c.closeLocked()
		return ErrClientGone
	}
}

// SendWait queues data like Send, but waits up to timeout for room in a
// full queue instead of dropping the client. It is used for replay, where a
// burst larger than the queue is expected.
func (c *Client) SendWait(data []byte, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClientGone
		}
		select {
		case c.send <- data:
			c.mu.Unlock()
			return nil
		default:
		}
		c.mu.Unlock()

		select {
		case <-c.space:
		case <-deadline.C:
			c.Close()
			return ErrClientGone
		}
	}
}

// signalSpace wakes a pending SendWait.
func (c *Client) signalSpace() {
	select {
	case c.space <- struct{}{}:
	default:
	}
}

// SendFrame marshals and queues a frame.
func (c *Client) SendFrame(frame protocol.ServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Close closes the send queue; the write pump then closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	c.signalSpace()
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Binding returns the session the client is attached to.
func (c *Client) Binding() (sessionID, clientID string, ok bool) {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	if c.bound == nil {
		return "", "", false
	}
	return c.bound.sessionID, c.bound.clientID, true
}

// bind attaches the client to b, which gets clientID.
func (c *Client) bind(b *binding, clientID string) {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	b.clientID = clientID
	c.bound = b
}

// release clears the binding if it is still b.
func (c *Client) release(b *binding) {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	if c.bound == b {
		c.bound = nil
	}
}

// take clears and returns the current binding.
func (c *Client) take() *binding {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	b := c.bound
	c.bound = nil
	return b
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Hub tracks every open chat connection.
type Hub struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
}

// Unregister removes a client from the hub and closes it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	client.Close()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close closes all client connections.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
