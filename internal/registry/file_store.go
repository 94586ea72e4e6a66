package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/perry-workspaces/backend/internal/logger"
	"github.com/perry-workspaces/backend/internal/model"
)

const (
	fileVersion = 1

	// DefaultLockTimeout bounds lock acquisition when none is configured.
	DefaultLockTimeout = 5 * time.Second

	lockRetryMin = 10 * time.Millisecond
	lockRetryMax = 250 * time.Millisecond
)

// registryFile is the on-disk document.
type registryFile struct {
	Version  int                             `json:"version"`
	Sessions map[string]*model.SessionRecord `json:"sessions"`
}

// FileStore keeps the registry in a JSON file guarded by a sibling lock file.
type FileStore struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	log         logger.Logger

	// mu orders goroutines of this process; the lock file orders processes.
	mu sync.Mutex
}

// NewFileStore creates a FileStore for the registry at path. The file and
// its directory are created on first write.
func NewFileStore(path string, lockTimeout time.Duration, log logger.Logger) *FileStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &FileStore{
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: lockTimeout,
		log:         log.With("component", "registry-file"),
	}
}

// lock acquires the lock file, retrying with exponential backoff until the
// lock timeout or ctx expires. The returned func releases it.
func (s *FileStore) lock(ctx context.Context, shared bool) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	fl := flock.New(s.lockPath)
	try := fl.TryLock
	if shared {
		try = fl.TryRLock
	}

	deadline := time.NewTimer(s.lockTimeout)
	defer deadline.Stop()

	delay := lockRetryMin
	for {
		locked, err := try()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire registry lock: %w", err)
		}
		if locked {
			return func() {
				if err := fl.Unlock(); err != nil {
					s.log.Warn("failed to release registry lock", "error", err)
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, s.lockPath)
		case <-time.After(delay):
		}
		delay *= 2
		if delay > lockRetryMax {
			delay = lockRetryMax
		}
	}
}

// load reads the registry file. A missing file is empty; a corrupt file is
// logged and treated as empty.
func (s *FileStore) load() *registryFile {
	doc := &registryFile{Version: fileVersion, Sessions: make(map[string]*model.SessionRecord)}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("failed to read registry, treating as empty", "path", s.path, "error", err)
		}
		return doc
	}

	var parsed registryFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		s.log.Warn("corrupt registry file, treating as empty", "path", s.path, "error", err)
		return doc
	}
	for id, rec := range parsed.Sessions {
		if rec == nil {
			continue
		}
		if rec.PerrySessionID == "" {
			rec.PerrySessionID = id
		}
		doc.Sessions[id] = rec
	}
	return doc
}

// save writes doc atomically via a temp file and rename.
func (s *FileStore) save(doc *registryFile) error {
	doc.Version = fileVersion
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename registry file: %w", err)
	}
	return nil
}

// read runs fn over a snapshot taken under a shared lock.
func (s *FileStore) read(ctx context.Context, fn func(doc *registryFile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	return fn(s.load())
}

// update runs fn under the exclusive lock and saves the result when fn
// reports a change.
func (s *FileStore) update(ctx context.Context, fn func(doc *registryFile) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(ctx, false)
	if err != nil {
		return err
	}
	defer unlock()

	doc := s.load()
	changed, err := fn(doc)
	if err != nil || !changed {
		return err
	}
	return s.save(doc)
}

func findAgentSession(doc *registryFile, agentType model.AgentType, agentSessionID string) *model.SessionRecord {
	var found *model.SessionRecord
	for _, rec := range doc.Sessions {
		if rec.AgentSession() != agentSessionID {
			continue
		}
		if agentType != "" && rec.AgentType != agentType {
			continue
		}
		if found == nil || rec.LastActivity.After(found.LastActivity) {
			found = rec
		}
	}
	return found
}

// Insert implements Store.
func (s *FileStore) Insert(ctx context.Context, rec *model.SessionRecord) (*model.SessionRecord, error) {
	var out *model.SessionRecord
	err := s.update(ctx, func(doc *registryFile) (bool, error) {
		if existing, ok := doc.Sessions[rec.PerrySessionID]; ok {
			out = cloneRecord(existing)
			return false, nil
		}
		if id := rec.AgentSession(); id != "" {
			if other := findAgentSession(doc, rec.AgentType, id); other != nil {
				return false, ErrDuplicateAgentSession
			}
		}
		doc.Sessions[rec.PerrySessionID] = cloneRecord(rec)
		out = cloneRecord(rec)
		return true, nil
	})
	return out, err
}

// Link sets the agent session id of record id, failing with
// ErrDuplicateAgentSession when another record already holds it.
func (s *FileStore) Link(ctx context.Context, id, agentSessionID string, at time.Time) error {
	return s.update(ctx, func(doc *registryFile) (bool, error) {
		rec, ok := doc.Sessions[id]
		if !ok {
			return false, ErrRecordNotFound
		}
		if other := findAgentSession(doc, rec.AgentType, agentSessionID); other != nil && other.PerrySessionID != id {
			return false, ErrDuplicateAgentSession
		}
		rec.AgentSessionID = model.StringPtr(agentSessionID)
		rec.LastActivity = at
		return true, nil
	})
}

// Touch updates the last activity of record id.
func (s *FileStore) Touch(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, func(doc *registryFile) (bool, error) {
		rec, ok := doc.Sessions[id]
		if !ok {
			return false, ErrRecordNotFound
		}
		rec.LastActivity = at
		return true, nil
	})
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, id string) (*model.SessionRecord, error) {
	var out *model.SessionRecord
	err := s.read(ctx, func(doc *registryFile) error {
		rec, ok := doc.Sessions[id]
		if !ok {
			return ErrRecordNotFound
		}
		out = cloneRecord(rec)
		return nil
	})
	return out, err
}

// FindByAgentSession implements Store.
func (s *FileStore) FindByAgentSession(ctx context.Context, agentType model.AgentType, agentSessionID string) (*model.SessionRecord, error) {
	var out *model.SessionRecord
	err := s.read(ctx, func(doc *registryFile) error {
		rec := findAgentSession(doc, agentType, agentSessionID)
		if rec == nil {
			return ErrRecordNotFound
		}
		out = cloneRecord(rec)
		return nil
	})
	return out, err
}

// List implements Store. Order is unspecified.
func (s *FileStore) List(ctx context.Context, workspace string) ([]*model.SessionRecord, error) {
	var out []*model.SessionRecord
	err := s.read(ctx, func(doc *registryFile) error {
		for _, rec := range doc.Sessions {
			if workspace == "" || rec.WorkspaceName == workspace {
				out = append(out, cloneRecord(rec))
			}
		}
		return nil
	})
	return out, err
}

// Delete removes record id.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	return s.update(ctx, func(doc *registryFile) (bool, error) {
		if _, ok := doc.Sessions[id]; !ok {
			return false, ErrRecordNotFound
		}
		delete(doc.Sessions, id)
		return true, nil
	})
}

// Import implements Store. The dedupe check and the insert share one lock
// hold.
func (s *FileStore) Import(ctx context.Context, rec *model.SessionRecord) (*model.SessionRecord, bool, error) {
	var out *model.SessionRecord
	var created bool
	err := s.update(ctx, func(doc *registryFile) (bool, error) {
		if existing := findAgentSession(doc, rec.AgentType, rec.AgentSession()); existing != nil {
			out = cloneRecord(existing)
			return false, nil
		}
		doc.Sessions[rec.PerrySessionID] = cloneRecord(rec)
		out = cloneRecord(rec)
		created = true
		return true, nil
	})
	return out, created, err
}

// Close is a no-op; the lock file is never deleted.
// Close is a no-op; the lock is only held during operations.
func (s *FileStore) Close() error { return nil }
