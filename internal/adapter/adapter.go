// Package adapter translates the native protocols of external coding agents
// into the chat message vocabulary of the session server.
//
// Each adapter owns one conversation with one agent. Output is delivered
// through a single ordered channel of Events, drained by the session manager
// once Start has returned.
package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/perry-workspaces/backend/internal/logger"
	"github.com/perry-workspaces/backend/internal/model"
	"github.com/perry-workspaces/backend/internal/process"
)

// eventBufferSize is the capacity of an adapter's event channel.
const eventBufferSize = 256

// EventKind identifies the payload of an Event.
type EventKind int

const (
	// EventMessage carries a ChatMessage.
	EventMessage EventKind = iota
	// EventStatus carries a status change and the current agent session id.
	EventStatus
	// EventError carries a turn failure.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventStatus:
		return "status"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one item of adapter output.
type Event struct {
	Kind           EventKind
	Message        model.ChatMessage
	Status         model.SessionStatus
	AgentSessionID string
	Err            error
}

// StartOptions configures an adapter for one session.
type StartOptions struct {
	// SessionID is the internal session id.
	SessionID string

	// Workspace is the workspace name; model.HostWorkspace for host mode.
	Workspace string

	// Target identifies where agent processes run: the container name, or
	// model.HostWorkspace.
	Target string

	// Dir is the working directory for the agent.
	Dir string

	// AgentSessionID resumes an existing agent conversation when set.
	AgentSessionID string

	// Model selects the agent model; empty uses the agent default.
	Model string

	// Runner executes agent processes in the session's environment.
	Runner process.Runner
}

// Adapter is the capability every agent backend implements.
type Adapter interface {
	// Start prepares the adapter. No event is emitted before it returns.
	Start(ctx context.Context, opts StartOptions) error

	// SendMessage runs one turn and blocks until it terminates. It fails with
	// model.ErrAlreadyRunning if a turn is in flight.
	SendMessage(ctx context.Context, text string) error

	// Interrupt cancels the in-flight turn. It is a no-op when idle.
	Interrupt(ctx context.Context) error

	// Dispose releases every resource. Later events are dropped.
	Dispose()

	AgentSessionID() string
	Status() model.SessionStatus
	SetModel(model string)

	// Events returns the ordered output channel.
	Events() <-chan Event
}

// emitter is the ordered event channel shared by the adapter variants.
type emitter struct {
	events   chan Event
	done     chan struct{}
	disposed sync.Once
}

func newEmitter() *emitter {
	return &emitter{
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
	}
}

// Events returns the ordered event channel. Nothing is sent after Dispose.
func (e *emitter) Events() <-chan Event {
	return e.events
}

// emit blocks until the event is queued or the adapter is disposed.
func (e *emitter) emit(ev Event) {
	select {
	case <-e.done:
		return
	default:
	}
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func (e *emitter) emitMessage(msg model.ChatMessage) {
	e.emit(Event{Kind: EventMessage, Message: msg})
}

func (e *emitter) emitStatus(status model.SessionStatus, agentSessionID string) {
	e.emit(Event{Kind: EventStatus, Status: status, AgentSessionID: agentSessionID})
}

func (e *emitter) emitError(err error) {
	e.emit(Event{Kind: EventError, Err: err})
}

func (e *emitter) close() {
	e.disposed.Do(func() { close(e.done) })
}

func (e *emitter) isClosed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Factory builds adapters by agent type.
type Factory struct {
	Claude   ClaudeOptions
	OpenCode OpenCodeOptions
	Servers  *ServerRegistry
	Logger   logger.Logger
}

// NewFactory creates a factory with a fresh server registry.
func NewFactory(claude ClaudeOptions, opencode OpenCodeOptions, log logger.Logger) *Factory {
	if log == nil {
		log = logger.Nop()
	}
	return &Factory{
		Claude:   claude,
		OpenCode: opencode,
		Servers:  NewServerRegistry(log),
		Logger:   log,
	}
}

// New returns a new adapter for agentType.
func (f *Factory) New(agentType model.AgentType) (Adapter, error) {
	switch agentType {
	case model.AgentTypeClaude:
		return NewClaudeAdapter(f.Claude, f.Logger), nil
	case model.AgentTypeOpenCode:
		return NewOpenCodeAdapter(f.OpenCode, f.Servers, f.Logger), nil
	case model.AgentTypeCodex, model.AgentTypeGemini:
		return nil, fmt.Errorf("%w: %s", model.ErrNotImplemented, agentType)
	}
	return nil, fmt.Errorf("%w: %q", model.ErrUnknownAgent, agentType)
}

// Close stops shared agent servers.
func (f *Factory) Close() {
	if f.Servers != nil {
		f.Servers.Close()
	}
}
