package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perry-workspaces/backend/internal/adapter"
	"github.com/perry-workspaces/backend/internal/buffer"
	"github.com/perry-workspaces/backend/internal/config"
	"github.com/perry-workspaces/backend/internal/logger"
	"github.com/perry-workspaces/backend/internal/model"
	"github.com/perry-workspaces/backend/internal/process"
	"github.com/perry-workspaces/backend/internal/registry"
)

const (
	// DefaultSettleTimeout bounds how long a finished turn waits for the
	// adapter's terminal events before the manager settles it itself.
	DefaultSettleTimeout = 2 * time.Second

	registryTimeout = 10 * time.Second
)

// AdapterFactory builds adapters by agent type.
type AdapterFactory interface {
	New(agentType model.AgentType) (adapter.Adapter, error)
}

// Registry is the durable session store used for restore after restart.
type Registry interface {
	CreateSession(ctx context.Context, p registry.CreateParams) (*model.SessionRecord, error)
	LinkAgentSession(ctx context.Context, id, agentSessionID string) error
	TouchSession(ctx context.Context, id string) error
	GetSession(ctx context.Context, id string) (*model.SessionRecord, error)
	FindByAgentSessionID(ctx context.Context, agentType model.AgentType, agentSessionID string) (*model.SessionRecord, error)
	ImportExternalSession(ctx context.Context, p registry.ImportParams) (*model.SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error
}

// Sink receives the messages of one attached client. A live sink must not
// block; an error detaches the client.
type Sink func(msg model.BufferedMessage) error

// StartOptions describes a session to start or rehydrate.
type StartOptions struct {
	SessionID      string
	WorkspaceName  string
	AgentType      model.AgentType
	AgentSessionID string
	Model          string
	ProjectPath    string
}

// ConnectOptions configures a client attachment.
type ConnectOptions struct {
	// ResumeFromID replays only the messages after this buffer id.
	ResumeFromID *int64

	// Replay, if set, receives the replayed messages and the connection
	// notice in place of the live sink. It may block until the client has
	// room; live delivery to the session waits meanwhile.
	Replay Sink

	// OnDisconnect is called when the manager detaches the client, either on
	// session disposal or after a failed send.
	OnDisconnect func()
}

// FindOptions refines FindSession.
type FindOptions struct {
	ProjectPath string
}

// ImportOptions describes an agent session discovered outside the server.
type ImportOptions struct {
	WorkspaceName  string
	AgentType      model.AgentType
	AgentSessionID string
	ProjectPath    string
	Model          string
}

// DisposeOptions configures DisposeSession.
type DisposeOptions struct {
	// DeleteRecord also removes the registry record.
	DeleteRecord bool
}

// Options configures a Manager.
type Options struct {
	Config        *config.Config
	Runner        process.Runner
	Logger        logger.Logger
	SettleTimeout time.Duration
}

// Manager owns the live agent sessions.
type Manager struct {
	factory  AdapterFactory
	registry Registry
	cfg      *config.Config
	runner   process.Runner
	log      logger.Logger
	settle   time.Duration

	// startMu guards starting, the per-id locks that make concurrent starts
	// of one id build a single adapter.
	startMu  sync.Mutex
	starting map[string]*startLock

	mu       sync.RWMutex
	sessions map[string]*session
}

type startLock struct {
	mu   sync.Mutex
	refs int
}

type client struct {
	sink         Sink
	onDisconnect func()
}

// session is the live state of one session. Fields are guarded by mu, which
// is never held across adapter calls.
type session struct {
	adapter adapter.Adapter
	buffer  *buffer.RingBuffer[model.ChatMessage]

	stop     chan struct{}
	pumpDone chan struct{}

	mu       sync.Mutex
	info     model.SessionInfo
	clients  map[string]*client
	turn     *turnState
	disposed bool
}

// turnState tracks the in-flight turn. A turn ends once the adapter call
// has returned and its terminal event has been handled, so late events of
// one turn never land on the next.
type turnState struct {
	settled  chan struct{}
	returned bool
	terminal bool

	// cancel interrupts the adapter call, even before it has begun.
	cancel      context.CancelFunc
	interrupted bool
}

// NewManager creates a session manager.
func NewManager(factory AdapterFactory, reg Registry, opts Options) *Manager {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Runner == nil {
		opts.Runner = process.NewHostRunner()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = DefaultSettleTimeout
	}

	return &Manager{
		factory:  factory,
		registry: reg,
		cfg:      opts.Config,
		runner:   opts.Runner,
		log:      opts.Logger.With("component", "session-manager"),
		settle:   opts.SettleTimeout,
		sessions: make(map[string]*session),
		starting: make(map[string]*startLock),
	}
}

func (m *Manager) lookup(id string) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// StartSession starts a session, or updates the model of a live session
// with the same id.
func (m *Manager) StartSession(ctx context.Context, opts StartOptions) (string, error) {
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	unlock := m.lockStart(id)
	defer unlock()

	if s, ok := m.lookup(id); ok {
		if opts.Model != "" {
			m.applyModel(s, opts.Model)
		}
		return id, nil
	}
	if opts.AgentType == "" {
		opts.AgentType = model.AgentTypeClaude
	}
	if opts.WorkspaceName == "" {
		opts.WorkspaceName = model.HostWorkspace
	}
	log := m.log.With("sessionID", id, "agentType", opts.AgentType, "workspace", opts.WorkspaceName)

	a, err := m.factory.New(opts.AgentType)
	if err != nil {
		return "", err
	}

	dir := opts.ProjectPath
	if dir == "" {
		dir = m.cfg.WorkspaceDir(opts.WorkspaceName)
	}
	modelName := opts.Model
	if modelName == "" {
		modelName = m.cfg.WorkspaceModel(opts.WorkspaceName, opts.AgentType)
	}

	runner := m.runner
	target := model.HostWorkspace
	if opts.WorkspaceName != model.HostWorkspace {
		target = m.cfg.ContainerName(opts.WorkspaceName)
		runner = process.NewContainerRunner(m.runner, m.cfg.Containers.Engine, target, m.cfg.Containers.User)
	}

	agentSessionID := opts.AgentSessionID
	if agentSessionID == "" {
		agentSessionID = m.recordedAgentSession(ctx, id)
	}
	m.persistRecord(ctx, id, opts, agentSessionID, log)

	err = a.Start(ctx, adapter.StartOptions{
		SessionID:      id,
		Workspace:      opts.WorkspaceName,
		Target:         target,
		Dir:            dir,
		AgentSessionID: agentSessionID,
		Model:          modelName,
		Runner:         runner,
	})
	if err != nil {
		a.Dispose()
		return "", fmt.Errorf("start %s session: %w", opts.AgentType, err)
	}

	now := time.Now()
	s := &session{
		adapter:  a,
		buffer:   buffer.NewRingBuffer[model.ChatMessage](m.cfg.Buffer.Capacity),
		stop:     make(chan struct{}),
		pumpDone: make(chan struct{}),
		clients:  make(map[string]*client),
		info: model.SessionInfo{
			ID:             id,
			WorkspaceName:  opts.WorkspaceName,
			AgentType:      opts.AgentType,
			Status:         model.SessionStatusIdle,
			AgentSessionID: agentSessionID,
			Model:          modelName,
			ProjectPath:    dir,
			StartedAt:      now,
			LastActivity:   now,
		},
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go m.pump(s)

	log.Info("session started", "dir", dir, "model", modelName, "agentSessionID", agentSessionID)
	return id, nil
}

// lockStart serializes starts of one session id. Starts of other ids run
// concurrently.
func (m *Manager) lockStart(id string) func() {
	m.startMu.Lock()
	l, ok := m.starting[id]
	if !ok {
		l = &startLock{}
		m.starting[id] = l
	}
	l.refs++
	m.startMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.startMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.starting, id)
		}
		m.startMu.Unlock()
	}
}

// recordedAgentSession returns the agent session id stored for id, if any.
func (m *Manager) recordedAgentSession(ctx context.Context, id string) string {
	if m.registry == nil {
		return ""
	}
	rec, err := m.registry.GetSession(ctx, id)
	if err != nil {
		return ""
	}
	return rec.AgentSession()
}

func (m *Manager) persistRecord(ctx context.Context, id string, opts StartOptions, agentSessionID string, log logger.Logger) {
	if m.registry == nil {
		return
	}
	_, err := m.registry.CreateSession(ctx, registry.CreateParams{
		PerrySessionID: id,
		WorkspaceName:  opts.WorkspaceName,
		AgentType:      opts.AgentType,
		AgentSessionID: agentSessionID,
		ProjectPath:    opts.ProjectPath,
	})
	if err != nil {
		log.Warn("failed to persist session record", "error", err)
	}
}

func (m *Manager) applyModel(s *session, modelName string) {
	s.mu.Lock()
	changed := s.info.Model != modelName
	s.info.Model = modelName
	s.mu.Unlock()

	if changed {
		s.adapter.SetModel(modelName)
	}
}

// SendMessage echoes text to every client and starts a turn. It returns
// once the turn is accepted; the outcome arrives as messages.
func (m *Manager) SendMessage(ctx context.Context, id, text string) error {
	_, err := m.startTurn(ctx, id, text)
	return err
}

// SendMessageAndWait is SendMessage that blocks until the turn finishes and
// returns its error.
func (m *Manager) SendMessageAndWait(ctx context.Context, id, text string) error {
	done, err := m.startTurn(ctx, id, text)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) startTurn(ctx context.Context, id, text string) (<-chan error, error) {
	if text == "" {
		return nil, model.ErrEmptyMessage
	}
	s, ok := m.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}
	if s.turn != nil || s.info.Status == model.SessionStatusRunning {
		s.mu.Unlock()
		return nil, model.ErrAlreadyRunning
	}
	turnCtx, cancel := context.WithCancel(context.Background())
	t := &turnState{settled: make(chan struct{}), cancel: cancel}
	s.turn = t
	s.info.Status = model.SessionStatusRunning
	s.info.Error = ""
	s.info.LastActivity = time.Now()
	dropped := s.publishLocked(model.NewMessage(model.MessageTypeUser, text))
	s.mu.Unlock()
	detach(dropped)

	go m.touch(id)

	done := make(chan error, 1)
	go func() {
		done <- m.runTurn(turnCtx, s, text, t)
	}()
	return done, nil
}

// runTurn drives one adapter turn. Only Interrupt cancels ctx; transport
// disconnects never do.
func (m *Manager) runTurn(ctx context.Context, s *session, text string, t *turnState) error {
	defer t.cancel()
	err := s.adapter.SendMessage(ctx, text)

	s.mu.Lock()
	t.returned = true
	if t.terminal {
		s.endTurnLocked(t)
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	timer := time.NewTimer(m.settle)
	defer timer.Stop()
	select {
	case <-t.settled:
		return err
	case <-s.stop:
		return err
	case <-timer.C:
	}

	// The adapter returned without a terminal event.
	s.mu.Lock()
	if t.terminal {
		s.mu.Unlock()
		return err
	}
	var dropped []*client
	if s.info.Status == model.SessionStatusRunning {
		if err != nil {
			s.info.Status = model.SessionStatusError
			s.info.Error = err.Error()
			dropped = s.publishLocked(model.NewMessage(model.MessageTypeError, err.Error()))
		} else {
			s.info.Status = model.SessionStatusIdle
		}
	}
	s.terminateLocked()
	id := s.info.ID
	s.mu.Unlock()
	detach(dropped)

	m.log.Warn("turn ended without terminal event", "sessionID", id, "error", err)
	return err
}

func (m *Manager) touch(id string) {
	if m.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := m.registry.TouchSession(ctx, id); err != nil && !errors.Is(err, registry.ErrRecordNotFound) {
		m.log.Warn("failed to touch session record", "sessionID", id, "error", err)
	}
}

// pump drains the adapter's events until the session is disposed.
func (m *Manager) pump(s *session) {
	defer close(s.pumpDone)
	events := s.adapter.Events()
	for {
		select {
		case <-s.stop:
			return
		case ev := <-events:
			m.handleEvent(s, ev)
		}
	}
}

func (m *Manager) handleEvent(s *session, ev adapter.Event) {
	var dropped []*client
	var linkID string

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	switch ev.Kind {
	case adapter.EventMessage:
		s.info.LastActivity = time.Now()
		dropped = s.publishLocked(ev.Message)

	case adapter.EventStatus:
		if ev.AgentSessionID != "" && ev.AgentSessionID != s.info.AgentSessionID {
			s.info.AgentSessionID = ev.AgentSessionID
			linkID = ev.AgentSessionID
			notice := model.NewMessage(model.MessageTypeSystem, "Agent session: "+ev.AgentSessionID)
			notice.AgentSessionID = ev.AgentSessionID
			dropped = s.publishLocked(notice)
		}
		// Only the manager moves a session into running, and an interrupted
		// turn stays interrupted even if the agent finished it.
		if ev.Status != "" && ev.Status != model.SessionStatusRunning {
			status := ev.Status
			if status == model.SessionStatusIdle && s.turn != nil && s.turn.interrupted {
				status = model.SessionStatusInterrupted
			}
			s.info.Status = status
			s.terminateLocked()
		}

	case adapter.EventError:
		msg := "agent error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		s.info.LastActivity = time.Now()
		s.info.Status = model.SessionStatusError
		s.info.Error = msg
		dropped = s.publishLocked(model.NewMessage(model.MessageTypeError, msg))
		s.terminateLocked()
	}
	id := s.info.ID
	s.mu.Unlock()
	detach(dropped)

	if linkID != "" {
		go m.link(s, id, linkID)
	}
}

// link persists a newly discovered agent session id. Failures reach the
// clients as an error message.
func (m *Manager) link(s *session, id, agentSessionID string) {
	if m.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	err := m.registry.LinkAgentSession(ctx, id, agentSessionID)
	if errors.Is(err, registry.ErrRecordNotFound) {
		s.mu.Lock()
		info := s.info
		s.mu.Unlock()
		_, err = m.registry.CreateSession(ctx, registry.CreateParams{
			PerrySessionID: id,
			WorkspaceName:  info.WorkspaceName,
			AgentType:      info.AgentType,
			AgentSessionID: agentSessionID,
			ProjectPath:    info.ProjectPath,
		})
	}
	if err == nil {
		return
	}

	m.log.Error("failed to link agent session", "sessionID", id, "agentSessionID", agentSessionID, "error", err)
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	dropped := s.publishLocked(model.NewMessage(model.MessageTypeError, "Failed to save agent session: "+err.Error()))
	s.mu.Unlock()
	detach(dropped)
}

// publishLocked appends msg to the buffer and delivers it to every client.
// Clients whose sink fails are removed and returned. Callers hold s.mu.
func (s *session) publishLocked(msg model.ChatMessage) []*client {
	id := s.buffer.Push(msg)
	return s.deliverLocked(model.BufferedMessage{ID: id, Message: msg, Timestamp: msg.Timestamp})
}

func (s *session) deliverLocked(bm model.BufferedMessage) []*client {
	var dropped []*client
	for cid, c := range s.clients {
		if err := c.sink(bm); err != nil {
			delete(s.clients, cid)
			dropped = append(dropped, c)
		}
	}
	return dropped
}

// terminateLocked marks the current turn's terminal event as handled.
// Callers hold s.mu.
func (s *session) terminateLocked() {
	t := s.turn
	if t == nil || t.terminal {
		return
	}
	t.terminal = true
	close(t.settled)
	if t.returned {
		s.endTurnLocked(t)
	}
}

func (s *session) endTurnLocked(t *turnState) {
	if s.turn == t {
		s.turn = nil
	}
}

func detach(clients []*client) {
	for _, c := range clients {
		if c.onDisconnect != nil {
			c.onDisconnect()
		}
	}
}

// ConnectClient attaches sink to a session. The sink first receives the
// buffered messages (all, or those after opts.ResumeFromID), then a
// connection notice, then live messages.
func (m *Manager) ConnectClient(id string, sink Sink, opts ConnectOptions) (string, error) {
	s, ok := m.lookup(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return "", fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}

	replay := opts.Replay
	if replay == nil {
		replay = sink
	}

	var entries []buffer.Entry[model.ChatMessage]
	if opts.ResumeFromID != nil {
		entries = s.buffer.GetSince(*opts.ResumeFromID)
	} else {
		entries = s.buffer.GetAll()
	}

	for _, e := range entries {
		if err := replay(model.BufferedMessage{ID: e.ID, Message: e.Item, Timestamp: e.Item.Timestamp}); err != nil {
			return "", fmt.Errorf("replay to client: %w", err)
		}
	}

	notice := model.NewMessage(model.MessageTypeSystem, fmt.Sprintf("Connected to session (status: %s)", s.info.Status))
	if err := replay(model.BufferedMessage{ID: model.NoticeID, Message: notice, Timestamp: notice.Timestamp}); err != nil {
		return "", fmt.Errorf("replay to client: %w", err)
	}

	clientID := uuid.NewString()
	s.clients[clientID] = &client{sink: sink, onDisconnect: opts.OnDisconnect}
	m.log.Debug("client connected", "sessionID", id, "clientID", clientID, "replayed", len(entries))
	return clientID, nil
}

// DisconnectClient detaches a client. The session and any running turn are
// left untouched.
func (m *Manager) DisconnectClient(id, clientID string) {
	s, ok := m.lookup(id)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.clients, clientID)
	s.mu.Unlock()
	m.log.Debug("client disconnected", "sessionID", id, "clientID", clientID)
}

// Interrupt cancels the running turn of a session. A turn whose adapter
// call has not begun yet is cancelled before it reaches the agent.
func (m *Manager) Interrupt(ctx context.Context, id string) error {
	s, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}

	// The notice goes out before the adapter is told, so it always precedes
	// the adapter's own interrupted status.
	s.mu.Lock()
	var dropped []*client
	var cancel context.CancelFunc
	if t := s.turn; t != nil && !t.interrupted {
		t.interrupted = true
		cancel = t.cancel
	}
	if s.info.Status == model.SessionStatusRunning {
		s.info.Status = model.SessionStatusInterrupted
		s.info.LastActivity = time.Now()
		dropped = s.publishLocked(model.NewMessage(model.MessageTypeSystem, "Interrupted"))
	}
	s.mu.Unlock()
	detach(dropped)

	err := s.adapter.Interrupt(ctx)
	if cancel != nil {
		cancel()
	}
	if err != nil {
		return fmt.Errorf("interrupt session %s: %w", id, err)
	}
	return nil
}

// SetModel changes the model used by later turns.
func (m *Manager) SetModel(id, modelName string) error {
	s, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}
	m.applyModel(s, modelName)
	return nil
}

// FindSession resolves id as a live session id, a live agent session id, a
// recorded session id or a recorded agent session id, in that order. A
// recorded session is started again transparently.
func (m *Manager) FindSession(ctx context.Context, id string, opts FindOptions) (*model.SessionInfo, error) {
	if id == "" {
		return nil, model.ErrSessionNotFound
	}
	if s, ok := m.lookup(id); ok {
		return s.snapshot(), nil
	}
	if s := m.lookupAgentSession(id); s != nil {
		return s.snapshot(), nil
	}
	if m.registry == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}

	rec, err := m.registry.GetSession(ctx, id)
	if errors.Is(err, registry.ErrRecordNotFound) {
		rec, err = m.registry.FindByAgentSessionID(ctx, "", id)
	}
	if errors.Is(err, registry.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find session %s: %w", id, err)
	}

	projectPath := opts.ProjectPath
	if projectPath == "" {
		projectPath = rec.Project()
	}
	sessionID, err := m.StartSession(ctx, StartOptions{
		SessionID:      rec.PerrySessionID,
		WorkspaceName:  rec.WorkspaceName,
		AgentType:      rec.AgentType,
		AgentSessionID: rec.AgentSession(),
		ProjectPath:    projectPath,
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("session restored from registry", "sessionID", sessionID, "lookup", id)
	return m.GetSession(sessionID)
}

func (m *Manager) lookupAgentSession(agentSessionID string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		s.mu.Lock()
		match := s.info.AgentSessionID == agentSessionID
		s.mu.Unlock()
		if match {
			return s
		}
	}
	return nil
}

// ImportExternalSession starts a session for an agent conversation found in
// the agent's own history, reusing the record if it was imported before.
func (m *Manager) ImportExternalSession(ctx context.Context, opts ImportOptions) (*model.SessionInfo, error) {
	if opts.AgentSessionID == "" {
		return nil, errors.New("agent session id is required")
	}
	if opts.AgentType == "" {
		opts.AgentType = model.AgentTypeClaude
	}
	if opts.WorkspaceName == "" {
		opts.WorkspaceName = model.HostWorkspace
	}
	if s := m.lookupAgentSession(opts.AgentSessionID); s != nil {
		return s.snapshot(), nil
	}

	var sessionID string
	if m.registry != nil {
		rec, err := m.registry.ImportExternalSession(ctx, registry.ImportParams{
			WorkspaceName:  opts.WorkspaceName,
			AgentType:      opts.AgentType,
			AgentSessionID: opts.AgentSessionID,
			ProjectPath:    opts.ProjectPath,
		})
		if err != nil {
			return nil, err
		}
		sessionID = rec.PerrySessionID
		if opts.ProjectPath == "" {
			opts.ProjectPath = rec.Project()
		}
	}

	id, err := m.StartSession(ctx, StartOptions{
		SessionID:      sessionID,
		WorkspaceName:  opts.WorkspaceName,
		AgentType:      opts.AgentType,
		AgentSessionID: opts.AgentSessionID,
		Model:          opts.Model,
		ProjectPath:    opts.ProjectPath,
	})
	if err != nil {
		return nil, err
	}
	return m.GetSession(id)
}

func (s *session) snapshot() *model.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.ClientCount = len(s.clients)
	return &info
}

// GetSession returns a copy of a live session's state.
func (m *Manager) GetSession(id string) (*model.SessionInfo, error) {
	s, ok := m.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}
	return s.snapshot(), nil
}

// ListSessions returns every live session, oldest first.
func (m *Manager) ListSessions() []model.SessionInfo {
	m.mu.RLock()
	list := make([]model.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, *s.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].StartedAt.Before(list[j].StartedAt)
	})
	return list
}

// GetBufferedMessages returns the retained messages of a session, or those
// after since when it is non-nil.
func (m *Manager) GetBufferedMessages(id string, since *int64) ([]model.BufferedMessage, error) {
	s, ok := m.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}

	var entries []buffer.Entry[model.ChatMessage]
	if since != nil {
		entries = s.buffer.GetSince(*since)
	} else {
		entries = s.buffer.GetAll()
	}

	out := make([]model.BufferedMessage, len(entries))
	for i, e := range entries {
		out[i] = model.BufferedMessage{ID: e.ID, Message: e.Item, Timestamp: e.Item.Timestamp}
	}
	return out, nil
}

// DisposeSession detaches every client, stops the adapter and forgets the
// session.
func (m *Manager) DisposeSession(ctx context.Context, id string, opts DisposeOptions) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		m.dispose(s)
	}

	if opts.DeleteRecord && m.registry != nil {
		err := m.registry.DeleteSession(ctx, id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, registry.ErrRecordNotFound) {
			return err
		}
	}
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}
	return nil
}

// DisposeWorkspaceSessions disposes every live session of a workspace and
// returns how many were disposed.
func (m *Manager) DisposeWorkspaceSessions(workspace string) int {
	m.mu.Lock()
	var victims []*session
	for id, s := range m.sessions {
		s.mu.Lock()
		match := s.info.WorkspaceName == workspace
		s.mu.Unlock()
		if match {
			victims = append(victims, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		m.dispose(s)
	}
	return len(victims)
}

// DisposeAll disposes every live session.
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	victims := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		victims = append(victims, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, s := range victims {
		m.dispose(s)
	}
}

func (m *Manager) dispose(s *session) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*client)
	s.terminateLocked()
	id := s.info.ID
	s.mu.Unlock()

	detach(clients)
	close(s.stop)
	s.adapter.Dispose()
	<-s.pumpDone

	m.log.Info("session disposed", "sessionID", id, "clients", len(clients))
}
