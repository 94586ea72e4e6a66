package adapter

import (
	"context"
	"sync"

	"github.com/perry-workspaces/backend/internal/logger"
	"github.com/perry-workspaces/backend/internal/process"
)

// ServerKey identifies a shared agent server: where it runs and the
// directory it serves.
type ServerKey struct {
	Target string
	Dir    string
}

// StartServerFunc starts a server and returns its base URL and process. The
// process may be nil for externally managed servers.
type StartServerFunc func(ctx context.Context) (string, process.Process, error)

type serverEntry struct {
	ready   chan struct{}
	baseURL string
	proc    process.Process
	err     error
}

// ServerRegistry tracks shared agent servers. Concurrent Ensure calls for
// the same key share one start attempt.
type ServerRegistry struct {
	mu      sync.Mutex
	servers map[ServerKey]*serverEntry
	log     logger.Logger
}

// NewServerRegistry creates an empty registry.
func NewServerRegistry(log logger.Logger) *ServerRegistry {
	if log == nil {
		log = logger.Nop()
	}
	return &ServerRegistry{
		servers: make(map[ServerKey]*serverEntry),
		log:     log,
	}
}

// Ensure returns the base URL of the server for key, calling start if none
// is running or starting. A failed start is forgotten so the next call
// retries.
func (r *ServerRegistry) Ensure(ctx context.Context, key ServerKey, start StartServerFunc) (string, error) {
	r.mu.Lock()
	entry, ok := r.servers[key]
	if !ok {
		entry = &serverEntry{ready: make(chan struct{})}
		r.servers[key] = entry
	}
	r.mu.Unlock()

	if ok {
		select {
		case <-entry.ready:
			return entry.baseURL, entry.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	baseURL, proc, err := start(ctx)
	entry.baseURL, entry.proc, entry.err = baseURL, proc, err
	if err != nil {
		r.mu.Lock()
		if r.servers[key] == entry {
			delete(r.servers, key)
		}
		r.mu.Unlock()
	} else {
		r.log.Info("agent server ready", "target", key.Target, "dir", key.Dir, "url", baseURL)
	}
	close(entry.ready)
	return baseURL, err
}

// Invalidate forgets a ready server, killing its process, so the next
// Ensure starts a new one.
func (r *ServerRegistry) Invalidate(key ServerKey) {
	r.mu.Lock()
	entry, ok := r.servers[key]
	if ok {
		select {
		case <-entry.ready:
			delete(r.servers, key)
		default:
			// Still starting.
			ok = false
		}
	}
	r.mu.Unlock()

	if ok && entry.proc != nil {
		if err := entry.proc.Kill(); err != nil {
			r.log.Warn("failed to stop agent server", "target", key.Target, "error", err)
		}
	}
}

// Len returns the number of known servers, including ones still starting.
func (r *ServerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}

// Close kills every server process the registry started.
func (r *ServerRegistry) Close() {
	r.mu.Lock()
	entries := make(map[ServerKey]*serverEntry, len(r.servers))
	for k, e := range r.servers {
		entries[k] = e
	}
	r.servers = make(map[ServerKey]*serverEntry)
	r.mu.Unlock()

	for key, e := range entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.proc == nil {
			continue
		}
		if err := e.proc.Kill(); err != nil {
			r.log.Warn("failed to stop agent server", "target", key.Target, "error", err)
		}
	}
}
