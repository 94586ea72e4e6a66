package session

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/perry-workspaces/backend/internal/adapter"
	"github.com/perry-workspaces/backend/internal/model"
)

// turn is a scripted adapter turn. It runs on the SendMessage goroutine.
type turn func(a *fakeAdapter) error

// fakeAdapter is an adapter whose turns are fed by the test.
type fakeAdapter struct {
	events chan adapter.Event
	turns  chan turn
	intr   chan struct{}

	// startGate and sendGate, when set, hold Start and SendMessage until
	// closed.
	startGate chan struct{}
	sendGate  chan struct{}

	mu             sync.Mutex
	started        adapter.StartOptions
	status         model.SessionStatus
	agentSessionID string
	model          string
	prompts        []string
	interrupts     int
	disposed       bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		events: make(chan adapter.Event, 256),
		turns:  make(chan turn, 16),
		intr:   make(chan struct{}, 1),
		status: model.SessionStatusIdle,
	}
}

func (a *fakeAdapter) Start(_ context.Context, opts adapter.StartOptions) error {
	if a.startGate != nil {
		<-a.startGate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = opts
	a.agentSessionID = opts.AgentSessionID
	a.model = opts.Model
	return nil
}

func (a *fakeAdapter) SendMessage(ctx context.Context, text string) error {
	if a.sendGate != nil {
		<-a.sendGate
	}
	a.mu.Lock()
	if a.status == model.SessionStatusRunning {
		a.mu.Unlock()
		return model.ErrAlreadyRunning
	}
	a.status = model.SessionStatusRunning
	a.prompts = append(a.prompts, text)
	id := a.agentSessionID
	a.mu.Unlock()

	a.emit(adapter.Event{Kind: adapter.EventStatus, Status: model.SessionStatusRunning, AgentSessionID: id})

	if ctx.Err() != nil {
		return a.stopInterrupted()
	}
	select {
	case t := <-a.turns:
		return t(a)
	case <-a.intr:
		return a.stopInterrupted()
	case <-ctx.Done():
		return a.stopInterrupted()
	}
}

// stopInterrupted ends the turn as interrupted, consuming any pending
// interrupt signal so it cannot leak into the next turn.
func (a *fakeAdapter) stopInterrupted() error {
	select {
	case <-a.intr:
	default:
	}
	a.setStatus(model.SessionStatusInterrupted)
	return nil
}

func (a *fakeAdapter) Interrupt(context.Context) error {
	a.mu.Lock()
	a.interrupts++
	running := a.status == model.SessionStatusRunning
	a.mu.Unlock()
	if running {
		select {
		case a.intr <- struct{}{}:
		default:
		}
	}
	return nil
}

func (a *fakeAdapter) Dispose() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disposed = true
}

func (a *fakeAdapter) AgentSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agentSessionID
}

func (a *fakeAdapter) Status() model.SessionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *fakeAdapter) SetModel(m string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model = m
}

func (a *fakeAdapter) Events() <-chan adapter.Event { return a.events }

func (a *fakeAdapter) emit(ev adapter.Event) { a.events <- ev }

func (a *fakeAdapter) say(text string) {
	a.emit(adapter.Event{Kind: adapter.EventMessage, Message: model.NewMessage(model.MessageTypeAssistant, text)})
}

func (a *fakeAdapter) setStatus(status model.SessionStatus) {
	a.mu.Lock()
	a.status = status
	id := a.agentSessionID
	a.mu.Unlock()
	a.emit(adapter.Event{Kind: adapter.EventStatus, Status: status, AgentSessionID: id})
}

func (a *fakeAdapter) snapshot() (adapter.StartOptions, string, []string, int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started, a.model, append([]string(nil), a.prompts...), a.interrupts, a.disposed
}

// reply answers with texts, optionally revealing an agent session id.
func reply(agentSessionID string, texts ...string) turn {
	return func(a *fakeAdapter) error {
		if agentSessionID != "" {
			a.mu.Lock()
			a.agentSessionID = agentSessionID
			a.mu.Unlock()
			a.emit(adapter.Event{Kind: adapter.EventStatus, Status: model.SessionStatusRunning, AgentSessionID: agentSessionID})
		}
		for _, t := range texts {
			a.say(t)
		}
		a.emit(adapter.Event{Kind: adapter.EventMessage, Message: model.NewMessage(model.MessageTypeDone, "")})
		a.setStatus(model.SessionStatusIdle)
		return nil
	}
}

// failAfter streams texts and then fails the turn with err.
func failAfter(err error, texts ...string) turn {
	return func(a *fakeAdapter) error {
		for _, t := range texts {
			a.say(t)
		}
		a.mu.Lock()
		a.status = model.SessionStatusError
		a.mu.Unlock()
		a.emit(adapter.Event{Kind: adapter.EventError, Err: err})
		return err
	}
}

// silent ends the turn without any terminal event.
func silent(err error) turn {
	return func(a *fakeAdapter) error {
		a.mu.Lock()
		a.status = model.SessionStatusIdle
		a.mu.Unlock()
		return err
	}
}

// fakeFactory hands out fakeAdapters and remembers them.
type fakeFactory struct {
	mu       sync.Mutex
	adapters []*fakeAdapter

	// startGate is handed to the next adapter only.
	startGate chan struct{}
}

func (f *fakeFactory) New(agentType model.AgentType) (adapter.Adapter, error) {
	switch agentType {
	case model.AgentTypeClaude, model.AgentTypeOpenCode:
	case model.AgentTypeCodex:
		return nil, model.ErrNotImplemented
	default:
		return nil, errors.Join(model.ErrUnknownAgent, errors.New(string(agentType)))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a := newFakeAdapter()
	a.startGate = f.startGate
	f.startGate = nil
	f.adapters = append(f.adapters, a)
	return a, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adapters)
}

func (f *fakeFactory) last() *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapters[len(f.adapters)-1]
}

// recorder is a client sink that keeps what it receives.
type recorder struct {
	mu   sync.Mutex
	msgs []model.BufferedMessage
	fail bool
}

func (r *recorder) sink(msg model.BufferedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("client gone")
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) all() []model.BufferedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.BufferedMessage(nil), r.msgs...)
}

// lines formats received messages as "id:type:content".
func (r *recorder) lines() []string {
	var out []string
	for _, m := range r.all() {
		out = append(out, formatMessage(m))
	}
	return out
}

func (r *recorder) countType(t model.MessageType) int {
	n := 0
	for _, m := range r.all() {
		if m.Message.Type == t {
			n++
		}
	}
	return n
}

func formatMessage(m model.BufferedMessage) string {
	return fmtID(m.ID) + ":" + string(m.Message.Type) + ":" + m.Message.Content
}

func fmtID(id int64) string {
	if id == model.NoticeID {
		return "-"
	}
	return strconv.FormatInt(id, 10)
}
