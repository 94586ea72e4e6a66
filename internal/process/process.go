// Package process runs agent commands either on the host or inside a
// workspace container. It is the runtime collaborator the agent adapters
// spawn their subprocesses through.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// stderrTail bounds how much stderr a spawned process keeps for error reports.
const stderrTail = 4096

// Command describes a command to execute.
type Command struct {
	// Name is the executable.
	Name string

	// Args are the arguments to pass to the command.
	Args []string

	// Env holds extra KEY=VALUE pairs layered over the inherited environment.
	Env []string

	// Dir is the working directory. If empty, the current directory is used.
	Dir string

	// Stdin is fed to the process by Exec. Spawned processes expose a pipe
	// instead.
	Stdin io.Reader
}

// Result is the outcome of a completed command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Process is a running spawned command.
type Process interface {
	// Stdin is the write end of the process's standard input.
	Stdin() io.WriteCloser

	// Stdout streams standard output until the process exits.
	Stdout() io.Reader

	// Stderr returns the tail of standard error captured so far.
	Stderr() string

	// PID returns the process ID.
	PID() int

	// Signal delivers sig to the whole process group.
	Signal(sig os.Signal) error

	// Kill terminates the process group.
	Kill() error

	// Wait waits for the process to exit and returns the exit code.
	// Returns -1 if the process was killed by a signal. Stdout must be
	// drained before calling Wait.
	Wait() (int, error)
}

// Runner executes commands in some environment.
type Runner interface {
	// Exec runs cmd to completion.
	Exec(ctx context.Context, cmd Command) (*Result, error)

	// Spawn starts cmd and returns immediately.
	Spawn(ctx context.Context, cmd Command) (Process, error)
}

// HostRunner runs commands directly on the host.
type HostRunner struct{}

// NewHostRunner creates a runner for the local machine.
func NewHostRunner() *HostRunner {
	return &HostRunner{}
}

func validate(c Command) error {
	if c.Name == "" {
		return errors.New("command name is required")
	}
	return nil
}

func prepare(cmd *exec.Cmd, c Command) {
	// Inherit PATH, HOME, etc.
	cmd.Env = append(os.Environ(), c.Env...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	setProcessGroup(cmd)
}

// Exec runs the command to completion. A non-zero exit is reported in the
// result, not as an error.
func (r *HostRunner) Exec(ctx context.Context, c Command) (*Result, error) {
	if err := validate(c); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Cancel = func() error { return killGroup(cmd) }
	prepare(cmd, c)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = c.Stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("failed to run %s: %w", c.Name, err)
	}
	return result, nil
}

// Spawn starts the command in its own process group. The context only
// bounds startup; the process lives until it exits or is killed.
func (r *HostRunner) Spawn(ctx context.Context, c Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := validate(c); err != nil {
		return nil, err
	}

	cmd := exec.Command(c.Name, c.Args...)
	prepare(cmd, c)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}

	p := &hostProcess{cmd: cmd, stdin: stdin, stdout: stdout}
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}
	p.pid = cmd.Process.Pid
	return p, nil
}

type hostProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr tailBuffer
	pid    int
}

func (p *hostProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *hostProcess) Stdout() io.Reader     { return p.stdout }
func (p *hostProcess) Stderr() string        { return p.stderr.String() }
func (p *hostProcess) PID() int              { return p.pid }

func (p *hostProcess) Signal(sig os.Signal) error {
	return signalGroup(p.cmd, sig)
}

func (p *hostProcess) Kill() error {
	return killGroup(p.cmd)
}

func (p *hostProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// tailBuffer keeps the last stderrTail bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > stderrTail {
		b.buf = b.buf[len(b.buf)-stderrTail:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
