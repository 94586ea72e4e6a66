package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/perry-workspaces/backend/internal/logger"
	"github.com/perry-workspaces/backend/internal/model"
	"github.com/perry-workspaces/backend/internal/process"
)

const (
	readinessPollInterval = 200 * time.Millisecond
	abortTimeout          = 5 * time.Second
)

// OpenCodeOptions configures the OpenCode adapter.
type OpenCodeOptions struct {
	// Binary is the opencode executable used to start `opencode serve`.
	Binary string

	// Hostname and Port of spawned servers. Port 0 picks a free port.
	Hostname string
	Port     int

	// URL targets an already running server; nothing is spawned.
	URL string

	// Username and Password enable HTTP basic auth.
	Username string
	Password string

	// ReadinessTimeout bounds server startup.
	ReadinessTimeout time.Duration

	// StreamTimeout is the ceiling on one turn's event stream.
	StreamTimeout time.Duration

	// Client is the HTTP client; nil uses a default without timeout, since
	// the event stream is long lived.
	Client *http.Client
}

func (o OpenCodeOptions) withDefaults() OpenCodeOptions {
	if o.Binary == "" {
		o.Binary = "opencode"
	}
	if o.Hostname == "" {
		o.Hostname = "127.0.0.1"
	}
	if o.ReadinessTimeout <= 0 {
		o.ReadinessTimeout = 30 * time.Second
	}
	if o.StreamTimeout <= 0 {
		o.StreamTimeout = 10 * time.Minute
	}
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	o.URL = strings.TrimRight(o.URL, "/")
	return o
}

// OpenCodeAdapter drives a shared `opencode serve` instance over HTTP and
// its server-sent event stream.
type OpenCodeAdapter struct {
	*emitter

	opts    OpenCodeOptions
	servers *ServerRegistry
	log     logger.Logger

	mu             sync.Mutex
	runner         process.Runner
	key            ServerKey
	model          string
	agentSessionID string
	verified       bool
	status         model.SessionStatus
	baseURL        string
	cancel         context.CancelFunc
	turn           uint64
	interrupted    bool
	disposed       bool
}

// NewOpenCodeAdapter creates an idle OpenCode adapter that shares servers
// through servers.
func NewOpenCodeAdapter(opts OpenCodeOptions, servers *ServerRegistry, log logger.Logger) *OpenCodeAdapter {
	if log == nil {
		log = logger.Nop()
	}
	if servers == nil {
		servers = NewServerRegistry(log)
	}
	return &OpenCodeAdapter{
		emitter: newEmitter(),
		opts:    opts.withDefaults(),
		servers: servers,
		log:     log.With("agentType", model.AgentTypeOpenCode),
		status:  model.SessionStatusIdle,
	}
}

// Start records the server key and session to resume. The server is only
// contacted on the first turn.
func (a *OpenCodeAdapter) Start(ctx context.Context, opts StartOptions) error {
	if opts.Runner == nil && a.opts.URL == "" {
		return fmt.Errorf("%w: no process runner", model.ErrAdapterStart)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.runner = opts.Runner
	a.key = ServerKey{Target: opts.Target, Dir: opts.Dir}
	a.model = opts.Model
	a.agentSessionID = opts.AgentSessionID
	a.verified = false
	a.log = a.log.With("sessionID", opts.SessionID)
	return nil
}

// AgentSessionID returns the OpenCode session id, empty until one is created.
func (a *OpenCodeAdapter) AgentSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agentSessionID
}

// Status returns the adapter status.
func (a *OpenCodeAdapter) Status() model.SessionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// SetModel sets the provider/model sent with later prompts.
func (a *OpenCodeAdapter) SetModel(m string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model = m
}

// SendMessage runs one turn and blocks until the session goes idle, fails
// or is interrupted. Cancelling ctx interrupts the turn.
func (a *OpenCodeAdapter) SendMessage(ctx context.Context, text string) error {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return errAdapterDisposed
	}
	if a.status == model.SessionStatusRunning {
		a.mu.Unlock()
		return model.ErrAlreadyRunning
	}
	turnCtx, cancel := context.WithCancel(ctx)
	a.status = model.SessionStatusRunning
	a.interrupted = false
	a.cancel = cancel
	a.turn++
	turn := a.turn
	agentSessionID := a.agentSessionID
	modelName := a.model
	a.mu.Unlock()
	defer cancel()

	a.emitStatus(model.SessionStatusRunning, agentSessionID)

	// Cancelling ctx interrupts the turn, even one that has not prompted yet.
	stopWatch := context.AfterFunc(ctx, func() { a.interruptTurn(turn) })
	defer stopWatch()

	if ctx.Err() != nil {
		return a.finish(ctx, nil)
	}

	baseURL, err := a.ensureServer(turnCtx)
	if err != nil {
		return a.finish(ctx, err)
	}

	sessionID, err := a.ensureSession(turnCtx, baseURL)
	if err != nil {
		return a.finish(ctx, err)
	}

	return a.finish(ctx, a.stream(turnCtx, baseURL, sessionID, text, modelName))
}

// finish reports the outcome of a turn exactly once. A cancelled ctx counts
// as an interrupt.
func (a *OpenCodeAdapter) finish(ctx context.Context, err error) error {
	a.mu.Lock()
	interrupted := a.interrupted || ctx.Err() != nil
	a.cancel = nil
	a.mu.Unlock()

	if interrupted {
		a.setStatus(model.SessionStatusInterrupted)
		a.log.Info("opencode turn interrupted")
		return nil
	}
	if err != nil {
		a.mu.Lock()
		a.status = model.SessionStatusError
		a.mu.Unlock()
		a.log.Error("opencode turn failed", "error", err)
		a.emitError(err)
		return err
	}

	a.emitMessage(model.NewMessage(model.MessageTypeDone, ""))
	a.setStatus(model.SessionStatusIdle)
	return nil
}

func (a *OpenCodeAdapter) setStatus(status model.SessionStatus) {
	a.mu.Lock()
	a.status = status
	id := a.agentSessionID
	a.mu.Unlock()
	a.emitStatus(status, id)
}

// ensureServer returns the base URL of the server for this session,
// starting a shared one if needed.
func (a *OpenCodeAdapter) ensureServer(ctx context.Context) (string, error) {
	if a.opts.URL != "" {
		a.mu.Lock()
		a.baseURL = a.opts.URL
		a.mu.Unlock()
		return a.opts.URL, nil
	}

	a.mu.Lock()
	key := a.key
	runner := a.runner
	a.mu.Unlock()

	baseURL, err := a.servers.Ensure(ctx, key, func(ctx context.Context) (string, process.Process, error) {
		return a.startServer(ctx, runner, key)
	})
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.baseURL = baseURL
	a.mu.Unlock()
	return baseURL, nil
}

func (a *OpenCodeAdapter) startServer(ctx context.Context, runner process.Runner, key ServerKey) (string, process.Process, error) {
	port := a.opts.Port
	if port == 0 {
		p, err := freePort(a.opts.Hostname)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", model.ErrAdapterStart, err)
		}
		port = p
	}

	proc, err := runner.Spawn(ctx, process.Command{
		Name: a.opts.Binary,
		Args: []string{"serve", "--port", strconv.Itoa(port), "--hostname", a.opts.Hostname},
		Dir:  key.Dir,
	})
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", model.ErrAdapterStart, err)
	}

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		scanner := bufio.NewScanner(proc.Stdout())
		for scanner.Scan() {
			a.log.Debug("opencode server", "line", scanner.Text())
		}
		code, err := proc.Wait()
		a.log.Info("opencode server exited", "target", key.Target, "code", code, "error", err)
		a.servers.Invalidate(key)
	}()

	baseURL := "http://" + net.JoinHostPort(a.opts.Hostname, strconv.Itoa(port))
	if err := a.waitReady(ctx, baseURL, exited); err != nil {
		if killErr := proc.Kill(); killErr != nil {
			a.log.Warn("failed to stop opencode server", "error", killErr)
		}
		return "", nil, err
	}
	return baseURL, proc, nil
}

// waitReady polls GET /session until the server answers or the readiness
// window closes.
func (a *OpenCodeAdapter) waitReady(ctx context.Context, baseURL string, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, a.opts.ReadinessTimeout)
	defer cancel()

	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()

	for {
		if _, err := a.do(ctx, baseURL, http.MethodGet, "/session", nil, nil); err == nil {
			return nil
		}

		select {
		case <-exited:
			return fmt.Errorf("%w: opencode server exited during startup", model.ErrAdapterStart)
		case <-ctx.Done():
			return fmt.Errorf("%w: opencode server not ready within %s", model.ErrAdapterStart, a.opts.ReadinessTimeout)
		case <-ticker.C:
		}
	}
}

// ensureSession verifies or creates the upstream session. A known id that
// no longer exists upstream is refused, never replaced.
func (a *OpenCodeAdapter) ensureSession(ctx context.Context, baseURL string) (string, error) {
	a.mu.Lock()
	id := a.agentSessionID
	verified := a.verified
	a.mu.Unlock()

	if id != "" {
		if verified {
			return id, nil
		}
		code, err := a.do(ctx, baseURL, http.MethodGet, "/session/"+url.PathEscape(id), nil, nil)
		if code == http.StatusNotFound {
			return "", fmt.Errorf("%w: opencode session %s", model.ErrSessionDesync, id)
		}
		if err != nil {
			a.invalidateOnTransportError(code)
			return "", fmt.Errorf("failed to verify opencode session: %w", err)
		}
		a.mu.Lock()
		a.verified = true
		a.mu.Unlock()
		return id, nil
	}

	var created struct {
		ID string `json:"id"`
	}
	code, err := a.do(ctx, baseURL, http.MethodPost, "/session", struct{}{}, &created)
	if err != nil {
		a.invalidateOnTransportError(code)
		return "", fmt.Errorf("failed to create opencode session: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("%w: created session has no id", model.ErrProtocol)
	}

	a.mu.Lock()
	a.agentSessionID = created.ID
	a.verified = true
	a.mu.Unlock()

	a.log.Info("opencode session created", "agentSessionID", created.ID)
	a.emitStatus(model.SessionStatusRunning, created.ID)
	return created.ID, nil
}

// invalidateOnTransportError drops a spawned server that did not answer at
// all, so the next turn starts a fresh one.
func (a *OpenCodeAdapter) invalidateOnTransportError(code int) {
	if code != 0 || a.opts.URL != "" {
		return
	}
	a.mu.Lock()
	key := a.key
	a.mu.Unlock()
	a.servers.Invalidate(key)
}

type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptModel struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

type promptRequest struct {
	Parts []promptPart `json:"parts"`
	Model *promptModel `json:"model,omitempty"`
}

// stream subscribes to events, sends the prompt and consumes events until
// the session goes idle.
func (a *OpenCodeAdapter) stream(ctx context.Context, baseURL, sessionID, text, modelName string) error {
	streamCtx, cancel := context.WithTimeout(ctx, a.opts.StreamTimeout)
	defer cancel()

	// Subscribe before prompting so no early event is missed.
	body, err := a.openEvents(streamCtx, baseURL)
	if err != nil {
		return err
	}
	defer body.Close()

	events := make(chan sseEvent, 64)
	go func() {
		if err := readSSE(streamCtx, body, events); err != nil && streamCtx.Err() == nil {
			a.log.Warn("opencode event stream failed", "error", err)
		}
	}()

	req := promptRequest{Parts: []promptPart{{Type: "text", Text: text}}}
	if m := parseModel(modelName); m != nil {
		req.Model = m
	}

	promptDone := make(chan error, 1)
	go func() {
		_, err := a.do(ctx, baseURL, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message", req, nil)
		promptDone <- err
	}()

	turn := newOpenCodeTurn(sessionID)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if err := streamCtx.Err(); err != nil {
					return a.streamEnded(streamCtx, baseURL, sessionID)
				}
				return fmt.Errorf("%w: opencode event stream closed before the session went idle", model.ErrProtocol)
			}
			msgs, outcome, err := turn.handle(ev.Data)
			if err != nil && outcome != turnFailed {
				a.log.Warn("skipping malformed opencode event", "error", err)
				continue
			}
			for _, msg := range msgs {
				a.emitMessage(msg)
			}
			switch outcome {
			case turnIdle:
				return nil
			case turnFailed:
				return err
			}

		case err := <-promptDone:
			promptDone = nil
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("failed to send prompt: %w", err)
			}

		case <-streamCtx.Done():
			return a.streamEnded(streamCtx, baseURL, sessionID)
		}
	}
}

// streamEnded maps a finished stream context to the turn's error, aborting
// the upstream session on timeout.
func (a *OpenCodeAdapter) streamEnded(streamCtx context.Context, baseURL, sessionID string) error {
	if errors.Is(streamCtx.Err(), context.DeadlineExceeded) {
		a.abort(baseURL, sessionID)
		return fmt.Errorf("%w: no idle event within %s", model.ErrStreamTimeout, a.opts.StreamTimeout)
	}
	return streamCtx.Err()
}

func (a *OpenCodeAdapter) openEvents(ctx context.Context, baseURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/event", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	a.authorize(req)

	resp, err := a.opts.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open opencode event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to open opencode event stream: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (a *OpenCodeAdapter) abort(baseURL, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()

	if _, err := a.do(ctx, baseURL, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/abort", nil, nil); err != nil {
		a.log.Warn("failed to abort opencode session", "agentSessionID", sessionID, "error", err)
	}
}

// Interrupt aborts the running turn upstream and stops reading its events.
func (a *OpenCodeAdapter) Interrupt(ctx context.Context) error {
	a.interruptTurn(0)
	return nil
}

// interruptTurn aborts the running turn. A non-zero turn limits it to that
// turn.
func (a *OpenCodeAdapter) interruptTurn(turn uint64) {
	a.mu.Lock()
	if a.status != model.SessionStatusRunning || (turn != 0 && a.turn != turn) {
		a.mu.Unlock()
		return
	}
	a.interrupted = true
	cancel := a.cancel
	baseURL := a.baseURL
	sessionID := a.agentSessionID
	a.mu.Unlock()

	if baseURL != "" && sessionID != "" {
		a.abort(baseURL, sessionID)
	}
	if cancel != nil {
		cancel()
	}
}

// Dispose cancels any running turn and stops event delivery. Shared
// servers are left to the ServerRegistry.
func (a *OpenCodeAdapter) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	a.interrupted = true
	cancel := a.cancel
	a.mu.Unlock()

	a.close()
	if cancel != nil {
		cancel()
	}
}

func (a *OpenCodeAdapter) authorize(req *http.Request) {
	if a.opts.Username != "" {
		req.SetBasicAuth(a.opts.Username, a.opts.Password)
	}
}

// do performs a JSON request. It returns the status code (0 if the server
// was unreachable) and an error for transport failures and non-2xx codes.
func (a *OpenCodeAdapter) do(ctx context.Context, baseURL, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	a.authorize(req)

	resp, err := a.opts.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp.StatusCode, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: %s %s: %v", model.ErrProtocol, method, path, err)
		}
	}
	return resp.StatusCode, nil
}

// parseModel splits "provider/model". Bare model names are not sent.
func parseModel(name string) *promptModel {
	provider, modelID, ok := strings.Cut(name, "/")
	if !ok || provider == "" || modelID == "" {
		return nil
	}
	return &promptModel{ProviderID: provider, ModelID: modelID}
}

func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
