package ws

import (
	"context"
	"sync"

	"github.com/perry-workspaces/backend/internal/adapter"
	"github.com/perry-workspaces/backend/internal/model"
)

// holdPrompt makes echoAdapter keep the turn open until interrupted.
const holdPrompt = "hold"

// echoAdapter answers every prompt with "echo: <prompt>".
type echoAdapter struct {
	events chan adapter.Event
	intr   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu             sync.Mutex
	status         model.SessionStatus
	agentSessionID string
	model          string
	interrupts     int
}

func newEchoAdapter() *echoAdapter {
	return &echoAdapter{
		events: make(chan adapter.Event, 256),
		intr:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		status: model.SessionStatusIdle,
	}
}

func (a *echoAdapter) Start(_ context.Context, opts adapter.StartOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agentSessionID = opts.AgentSessionID
	a.model = opts.Model
	return nil
}

func (a *echoAdapter) SendMessage(_ context.Context, text string) error {
	a.mu.Lock()
	if a.status == model.SessionStatusRunning {
		a.mu.Unlock()
		return model.ErrAlreadyRunning
	}
	a.status = model.SessionStatusRunning
	a.mu.Unlock()
	a.emit(adapter.Event{Kind: adapter.EventStatus, Status: model.SessionStatusRunning})

	if text == holdPrompt {
		select {
		case <-a.intr:
			a.setStatus(model.SessionStatusInterrupted)
		case <-a.done:
		}
		return nil
	}

	a.emit(adapter.Event{Kind: adapter.EventMessage, Message: model.NewMessage(model.MessageTypeAssistant, "echo: "+text)})
	a.emit(adapter.Event{Kind: adapter.EventMessage, Message: model.NewMessage(model.MessageTypeDone, "")})
	a.setStatus(model.SessionStatusIdle)
	return nil
}

func (a *echoAdapter) Interrupt(context.Context) error {
	a.mu.Lock()
	a.interrupts++
	a.mu.Unlock()
	select {
	case a.intr <- struct{}{}:
	default:
	}
	return nil
}

func (a *echoAdapter) Dispose() {
	a.once.Do(func() { close(a.done) })
}

func (a *echoAdapter) AgentSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agentSessionID
}

func (a *echoAdapter) Status() model.SessionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *echoAdapter) SetModel(m string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model = m
}

func (a *echoAdapter) Events() <-chan adapter.Event { return a.events }

func (a *echoAdapter) interruptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interrupts
}

func (a *echoAdapter) emit(ev adapter.Event) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *echoAdapter) setStatus(status model.SessionStatus) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
	a.emit(adapter.Event{Kind: adapter.EventStatus, Status: status})
}

type echoFactory struct {
	mu       sync.Mutex
	adapters []*echoAdapter
}

func (f *echoFactory) New(agentType model.AgentType) (adapter.Adapter, error) {
	if agentType != model.AgentTypeClaude && agentType != model.AgentTypeOpenCode {
		return nil, model.ErrNotImplemented
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a := newEchoAdapter()
	f.adapters = append(f.adapters, a)
	return a, nil
}

func (f *echoFactory) last() *echoAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapters[len(f.adapters)-1]
}
