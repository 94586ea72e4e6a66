package adapter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/perry-workspaces/backend/internal/logger"
	"github.com/perry-workspaces/backend/internal/model"
	"github.com/perry-workspaces/backend/internal/process"
)

const (
	// DefaultKillGrace is how long an interrupted agent gets between SIGTERM
	// and SIGKILL.
	DefaultKillGrace = 3 * time.Second

	// maxLineSize bounds one stream-json line.
	maxLineSize = 16 * 1024 * 1024
)

var errAdapterDisposed = errors.New("adapter disposed")

// ClaudeOptions configures the Claude CLI adapter.
type ClaudeOptions struct {
	// Binary is the claude executable.
	Binary string

	// InitialResponseTimeout bounds the wait for the first output line.
	InitialResponseTimeout time.Duration

	// ActivityTimeout bounds the silence between two output lines.
	ActivityTimeout time.Duration

	// OperationTimeout bounds a whole turn.
	OperationTimeout time.Duration

	// KillGrace is the delay between SIGTERM and SIGKILL.
	KillGrace time.Duration
}

func (o ClaudeOptions) withDefaults() ClaudeOptions {
	if o.Binary == "" {
		o.Binary = "claude"
	}
	if o.InitialResponseTimeout <= 0 {
		o.InitialResponseTimeout = 2 * time.Minute
	}
	if o.ActivityTimeout <= 0 {
		o.ActivityTimeout = 5 * time.Minute
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 30 * time.Minute
	}
	if o.KillGrace <= 0 {
		o.KillGrace = DefaultKillGrace
	}
	return o
}

// ClaudeAdapter drives the Claude CLI, one subprocess per turn. Turns after
// the first resume the conversation with --resume.
type ClaudeAdapter struct {
	*emitter

	opts ClaudeOptions
	log  logger.Logger

	mu             sync.Mutex
	runner         process.Runner
	dir            string
	model          string
	agentSessionID string
	status         model.SessionStatus
	proc           process.Process
	exited         chan struct{}
	interrupted    bool
	disposed       bool
}

// NewClaudeAdapter creates an idle Claude adapter.
func NewClaudeAdapter(opts ClaudeOptions, log logger.Logger) *ClaudeAdapter {
	if log == nil {
		log = logger.Nop()
	}
	return &ClaudeAdapter{
		emitter: newEmitter(),
		opts:    opts.withDefaults(),
		log:     log.With("agentType", model.AgentTypeClaude),
		status:  model.SessionStatusIdle,
	}
}

// Start binds the adapter to its runner and working directory. No process
// is spawned until the first turn.
func (a *ClaudeAdapter) Start(ctx context.Context, opts StartOptions) error {
	if opts.Runner == nil {
		return fmt.Errorf("%w: no process runner", model.ErrAdapterStart)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.runner = opts.Runner
	a.dir = opts.Dir
	a.model = opts.Model
	a.agentSessionID = opts.AgentSessionID
	a.log = a.log.With("sessionID", opts.SessionID)
	return nil
}

// AgentSessionID returns the Claude session id, empty before the first turn.
func (a *ClaudeAdapter) AgentSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agentSessionID
}

// Status returns the adapter status.
func (a *ClaudeAdapter) Status() model.SessionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// SetModel sets the model passed to later turns.
func (a *ClaudeAdapter) SetModel(m string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model = m
}

// args builds the CLI invocation for the next turn.
func (a *ClaudeAdapter) args() []string {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--dangerously-skip-permissions",
	}
	if a.model != "" {
		args = append(args, "--model", a.model)
	}
	if a.agentSessionID != "" {
		args = append(args, "--resume", a.agentSessionID)
	}
	return args
}

// SendMessage runs one turn and blocks until it ends. Cancelling ctx
// interrupts the turn.
func (a *ClaudeAdapter) SendMessage(ctx context.Context, text string) error {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return errAdapterDisposed
	}
	if a.status == model.SessionStatusRunning {
		a.mu.Unlock()
		return model.ErrAlreadyRunning
	}
	a.status = model.SessionStatusRunning
	a.interrupted = false
	a.exited = make(chan struct{})
	cmd := process.Command{Name: a.opts.Binary, Args: a.args(), Dir: a.dir}
	runner := a.runner
	exited := a.exited
	agentSessionID := a.agentSessionID
	a.mu.Unlock()

	defer close(exited)
	a.emitStatus(model.SessionStatusRunning, agentSessionID)

	// Cancelling ctx interrupts the turn, even one that has not spawned yet.
	stopWatch := context.AfterFunc(ctx, func() { a.interruptTurn(exited) })
	defer stopWatch()

	if runner == nil {
		return a.fail(fmt.Errorf("%w: adapter not started", model.ErrAdapterStart))
	}
	if ctx.Err() != nil {
		return a.cancelled()
	}

	proc, err := runner.Spawn(ctx, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return a.cancelled()
		}
		return a.fail(fmt.Errorf("%w: %v", model.ErrAdapterStart, err))
	}

	a.mu.Lock()
	a.proc = proc
	if ctx.Err() != nil {
		a.interrupted = true
	}
	interrupted := a.interrupted
	a.mu.Unlock()
	if interrupted {
		a.terminate(proc)
	}

	a.log.Debug("claude turn started", "pid", proc.PID())

	go func() {
		defer proc.Stdin().Close()
		if _, err := io.WriteString(proc.Stdin(), text); err != nil {
			a.log.Warn("failed to write prompt", "error", err)
		}
	}()

	return a.run(proc)
}

// run reads the turn's output until the process exits and reports exactly
// one terminal outcome.
func (a *ClaudeAdapter) run(proc process.Process) error {
	lines := make(chan []byte, 64)
	go readLines(proc.Stdout(), lines, a.log)

	stream := newClaudeStream()
	gotOutput := false
	var timeoutErr error

	initial := time.NewTimer(a.opts.InitialResponseTimeout)
	defer initial.Stop()
	overall := time.NewTimer(a.opts.OperationTimeout)
	defer overall.Stop()
	var activity *time.Timer
	var activityC <-chan time.Time

	expire := func(err error) {
		if timeoutErr == nil {
			timeoutErr = err
			a.terminate(proc)
		}
	}

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if !gotOutput {
				gotOutput = true
				initial.Stop()
				activity = time.NewTimer(a.opts.ActivityTimeout)
				defer activity.Stop()
				activityC = activity.C
			} else {
				if !activity.Stop() {
					select {
					case <-activity.C:
					default:
					}
				}
				activity.Reset(a.opts.ActivityTimeout)
			}
			a.handleLine(stream, line)

		case <-initial.C:
			expire(fmt.Errorf("%w: no response within %s", model.ErrStreamTimeout, a.opts.InitialResponseTimeout))
		case <-activityC:
			expire(fmt.Errorf("%w: no activity for %s", model.ErrStreamTimeout, a.opts.ActivityTimeout))
		case <-overall.C:
			expire(fmt.Errorf("%w: turn exceeded %s", model.ErrStreamTimeout, a.opts.OperationTimeout))
		}
	}

	code, waitErr := proc.Wait()

	a.mu.Lock()
	a.proc = nil
	interrupted := a.interrupted
	a.mu.Unlock()

	switch {
	case interrupted:
		a.setStatus(model.SessionStatusInterrupted)
		a.log.Info("claude turn interrupted")
		return nil
	case timeoutErr != nil:
		return a.fail(timeoutErr)
	case waitErr != nil:
		return a.fail(fmt.Errorf("claude process failed: %w", waitErr))
	case stream.result != nil && stream.result.IsError:
		return a.fail(fmt.Errorf("claude reported an error: %s", stream.result.Text))
	case code != 0:
		return a.fail(fmt.Errorf("claude exited with code %d: %s", code, strings.TrimSpace(proc.Stderr())))
	case !gotOutput:
		return a.fail(fmt.Errorf("claude exited without output: %s", strings.TrimSpace(proc.Stderr())))
	}

	a.emitMessage(model.NewMessage(model.MessageTypeDone, ""))
	a.setStatus(model.SessionStatusIdle)
	return nil
}

func (a *ClaudeAdapter) handleLine(stream *claudeStream, line []byte) {
	before := stream.sessionID
	msgs, err := stream.handleLine(line)
	if err != nil {
		a.log.Warn("skipping malformed claude output", "error", err)
		return
	}

	if stream.sessionID != "" && stream.sessionID != before {
		a.mu.Lock()
		changed := a.agentSessionID != stream.sessionID
		a.agentSessionID = stream.sessionID
		a.mu.Unlock()
		if changed {
			a.emitStatus(model.SessionStatusRunning, stream.sessionID)
		}
	}

	for _, msg := range msgs {
		a.emitMessage(msg)
	}
}

func (a *ClaudeAdapter) setStatus(status model.SessionStatus) {
	a.mu.Lock()
	a.status = status
	id := a.agentSessionID
	a.mu.Unlock()
	a.emitStatus(status, id)
}

// cancelled ends a turn that was interrupted before its process started.
func (a *ClaudeAdapter) cancelled() error {
	a.mu.Lock()
	a.interrupted = true
	a.mu.Unlock()

	a.setStatus(model.SessionStatusInterrupted)
	a.log.Info("claude turn interrupted before start")
	return nil
}

// fail moves the adapter to error and reports err once.
func (a *ClaudeAdapter) fail(err error) error {
	a.mu.Lock()
	a.status = model.SessionStatusError
	a.mu.Unlock()

	a.log.Error("claude turn failed", "error", err)
	a.emitError(err)
	return err
}

// terminate sends SIGTERM to the process group and SIGKILL after the grace
// period if it is still alive.
func (a *ClaudeAdapter) terminate(proc process.Process) {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		a.log.Warn("failed to signal claude process", "error", err)
	}

	a.mu.Lock()
	exited := a.exited
	a.mu.Unlock()

	go func() {
		select {
		case <-exited:
		case <-time.After(a.opts.KillGrace):
			if err := proc.Kill(); err != nil {
				a.log.Warn("failed to kill claude process", "error", err)
			}
		}
	}()
}

// Interrupt stops the running turn. It is a no-op when no turn runs.
func (a *ClaudeAdapter) Interrupt(ctx context.Context) error {
	a.interruptTurn(nil)
	return nil
}

// interruptTurn stops the running turn. A non-nil exited limits it to the
// turn that owns that channel.
func (a *ClaudeAdapter) interruptTurn(exited chan struct{}) {
	a.mu.Lock()
	if a.status != model.SessionStatusRunning || (exited != nil && a.exited != exited) {
		a.mu.Unlock()
		return
	}
	a.interrupted = true
	proc := a.proc
	a.mu.Unlock()

	// A turn still spawning checks the flag once the process exists.
	if proc != nil {
		a.terminate(proc)
	}
}

// Dispose kills any running process and stops event delivery.
func (a *ClaudeAdapter) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	a.interrupted = true
	proc := a.proc
	a.mu.Unlock()

	a.close()
	if proc != nil {
		if err := proc.Kill(); err != nil {
			a.log.Warn("failed to kill claude process", "error", err)
		}
	}
}

// readLines splits r into newline-terminated lines, delivering a trailing
// partial line at EOF. out is closed when r is exhausted.
func readLines(r io.Reader, out chan<- []byte, log logger.Logger) {
	defer close(out)

	reader := bufio.NewReaderSize(r, 64*1024)
	var pending []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		pending = append(pending, chunk...)
		if len(pending) > maxLineSize {
			log.Warn("discarding oversized output line", "bytes", len(pending))
			pending = nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if len(pending) > 0 && (err == nil || err == io.EOF) {
			out <- pending
			pending = nil
		}
		if err != nil {
			if err != io.EOF {
				log.Debug("stdout closed", "error", err)
			}
			return
		}
	}
}
