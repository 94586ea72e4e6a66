package adapter

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/perry-workspaces/backend/internal/process"
)

// script drives a fakeProcess: it receives the full stdin, writes output,
// and returns the exit code. killed is closed when the process is signalled.
type script func(stdin string, out io.Writer, killed <-chan struct{}) int

type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	killed   chan struct{}
	killOnce sync.Once
	done     chan struct{}
	exitOnce sync.Once

	mu      sync.Mutex
	code    int
	signals []os.Signal
	stderr  string
	stdin   string
}

func newFakeProcess(run script) *fakeProcess {
	p := &fakeProcess{
		killed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()

	go func() {
		data, _ := io.ReadAll(p.stdinR)
		p.mu.Lock()
		p.stdin = string(data)
		p.mu.Unlock()
		p.exit(run(string(data), p.stdoutW, p.killed))
	}()
	return p
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		p.stdoutW.Close()
		close(p.done)
	})
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) PID() int              { return 4242 }

func (p *fakeProcess) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	p.killOnce.Do(func() { close(p.killed) })
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killOnce.Do(func() { close(p.killed) })
	p.exit(-1)
	return nil
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, nil
}

func (p *fakeProcess) signalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.signals)
}

func (p *fakeProcess) receivedStdin() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin
}

// fakeRunner spawns fakeProcesses from a queue of scripts.
type fakeRunner struct {
	mu       sync.Mutex
	scripts  []script
	commands []process.Command
	procs    []*fakeProcess
	spawned  chan *fakeProcess
	spawnErr error
}

func newFakeRunner(scripts ...script) *fakeRunner {
	return &fakeRunner{scripts: scripts, spawned: make(chan *fakeProcess, 16)}
}

func (r *fakeRunner) Exec(ctx context.Context, cmd process.Command) (*process.Result, error) {
	return &process.Result{}, nil
}

func (r *fakeRunner) Spawn(ctx context.Context, cmd process.Command) (process.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.commands = append(r.commands, cmd)
	if r.spawnErr != nil {
		return nil, r.spawnErr
	}

	run := func(string, io.Writer, <-chan struct{}) int { return 0 }
	if len(r.scripts) > 0 {
		run = r.scripts[0]
		r.scripts = r.scripts[1:]
	}
	p := newFakeProcess(run)
	r.procs = append(r.procs, p)
	r.spawned <- p
	return p, nil
}

func (r *fakeRunner) lastCommand() process.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commands[len(r.commands)-1]
}

// emits returns a script that writes each line and exits with code.
func emits(code int, out ...string) script {
	return func(_ string, w io.Writer, _ <-chan struct{}) int {
		for _, l := range out {
			if _, err := io.WriteString(w, l+"\n"); err != nil {
				return -1
			}
		}
		return code
	}
}

// hang writes out and then blocks until killed.
func hang(out ...string) script {
	return func(_ string, w io.Writer, killed <-chan struct{}) int {
		for _, l := range out {
			if _, err := io.WriteString(w, l+"\n"); err != nil {
				return -1
			}
		}
		<-killed
		return -1
	}
}

// drain returns every event currently queued on the adapter.
func drain(events <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func messagesOf(events []Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == EventMessage {
			out = append(out, string(ev.Message.Type)+":"+ev.Message.Content)
		}
	}
	return out
}

func errorsOf(events []Event) []error {
	var out []error
	for _, ev := range events {
		if ev.Kind == EventError {
			out = append(out, ev.Err)
		}
	}
	return out
}
