package process

import (
	"context"
	"fmt"
)

// ContainerRunner runs commands inside a workspace container through the
// container engine's exec command, e.g.
//
//	docker exec -i -u workspace -w /home/workspace/app workspace-alpha claude ...
//
// The engine client itself runs on the host through Host, so signalling the
// spawned process signals the exec client.
type ContainerRunner struct {
	Host      Runner
	Engine    string
	Container string
	User      string
}

// NewContainerRunner creates a runner that targets the given container.
func NewContainerRunner(host Runner, engine, container, user string) *ContainerRunner {
	if engine == "" {
		engine = "docker"
	}
	return &ContainerRunner{
		Host:      host,
		Engine:    engine,
		Container: container,
		User:      user,
	}
}

// Wrap translates c into the host-side engine invocation.
func (r *ContainerRunner) Wrap(c Command) Command {
	args := []string{"exec", "-i"}
	if r.User != "" {
		args = append(args, "-u", r.User)
	}
	if c.Dir != "" {
		args = append(args, "-w", c.Dir)
	}
	for _, kv := range c.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, r.Container, c.Name)
	args = append(args, c.Args...)

	return Command{
		Name:  r.Engine,
		Args:  args,
		Stdin: c.Stdin,
	}
}

// Exec runs c inside the container and waits for it.
func (r *ContainerRunner) Exec(ctx context.Context, c Command) (*Result, error) {
	if err := validate(c); err != nil {
		return nil, err
	}
	res, err := r.Host.Exec(ctx, r.Wrap(c))
	if err != nil {
		return res, fmt.Errorf("container %s: %w", r.Container, err)
	}
	return res, nil
}

// Spawn starts c inside the container with stdin attached.
func (r *ContainerRunner) Spawn(ctx context.Context, c Command) (Process, error) {
	if err := validate(c); err != nil {
		return nil, err
	}
	p, err := r.Host.Spawn(ctx, r.Wrap(c))
	if err != nil {
		return nil, fmt.Errorf("container %s: %w", r.Container, err)
	}
	return p, nil
}
