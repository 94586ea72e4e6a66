// Package registry persists the link between internal sessions and the
// agents' own session ids so sessions survive a server restart.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/perry-workspaces/backend/internal/logger"
	"github.com/perry-workspaces/backend/internal/model"
)

var (
	// ErrLockTimeout is returned when the registry lock could not be acquired
	// within the configured timeout.
	ErrLockTimeout = errors.New("timeout acquiring registry lock")

	// ErrRecordNotFound is returned when no record matches a lookup.
	ErrRecordNotFound = errors.New("session record not found")

	// ErrDuplicateAgentSession is returned when an agent session id is
	// already linked to a different record of the same agent type.
	ErrDuplicateAgentSession = errors.New("agent session already linked to another record")
)

// Store is a registry backend. Implementations enforce the (agent type,
// agent session id) uniqueness under their own lock or transaction.
type Store interface {
	// Insert stores rec unless a record with the same id exists, in which
	// case the existing record is returned unchanged.
	Insert(ctx context.Context, rec *model.SessionRecord) (*model.SessionRecord, error)
	Link(ctx context.Context, id, agentSessionID string, at time.Time) error
	Touch(ctx context.Context, id string, at time.Time) error
	Get(ctx context.Context, id string) (*model.SessionRecord, error)
	// FindByAgentSession matches any agent type when agentType is empty.
	FindByAgentSession(ctx context.Context, agentType model.AgentType, agentSessionID string) (*model.SessionRecord, error)
	// List returns every record, or those of one workspace when workspace
	// is non-empty.
	List(ctx context.Context, workspace string) ([]*model.SessionRecord, error)
	Delete(ctx context.Context, id string) error
	// Import inserts rec unless a record with the same agent type and agent
	// session id exists. It reports whether rec was inserted.
	Import(ctx context.Context, rec *model.SessionRecord) (*model.SessionRecord, bool, error)
	Close() error
}

// CreateParams describes a new session record.
type CreateParams struct {
	PerrySessionID string
	WorkspaceName  string
	AgentType      model.AgentType
	AgentSessionID string
	ProjectPath    string
}

// ImportParams describes a session discovered in an agent's own history.
type ImportParams struct {
	WorkspaceName  string
	AgentType      model.AgentType
	AgentSessionID string
	ProjectPath    string
}

// Registry is the durable session map used by the session manager.
type Registry struct {
	store Store
	log   logger.Logger
	now   func() time.Time
}

// New creates a Registry over store.
func New(store Store, log logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		store: store,
		log:   log.With("component", "registry"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession persists a record for a new session. If a record with the
// same id already exists it is returned unchanged.
func (r *Registry) CreateSession(ctx context.Context, p CreateParams) (*model.SessionRecord, error) {
	if p.PerrySessionID == "" {
		return nil, errors.New("session id is required")
	}
	now := r.now()
	rec, err := r.store.Insert(ctx, &model.SessionRecord{
		PerrySessionID: p.PerrySessionID,
		WorkspaceName:  p.WorkspaceName,
		AgentType:      p.AgentType,
		AgentSessionID: model.StringPtr(p.AgentSessionID),
		ProjectPath:    model.StringPtr(p.ProjectPath),
		CreatedAt:      now,
		LastActivity:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("create session record %s: %w", p.PerrySessionID, err)
	}
	return rec, nil
}

// LinkAgentSession records the agent's own session id on an existing record.
func (r *Registry) LinkAgentSession(ctx context.Context, id, agentSessionID string) error {
	if agentSessionID == "" {
		return errors.New("agent session id is required")
	}
	if err := r.store.Link(ctx, id, agentSessionID, r.now()); err != nil {
		return fmt.Errorf("link session %s to %s: %w", id, agentSessionID, err)
	}
	r.log.Debug("linked agent session", "sessionID", id, "agentSessionID", agentSessionID)
	return nil
}

// TouchSession updates a record's last activity time.
func (r *Registry) TouchSession(ctx context.Context, id string) error {
	if err := r.store.Touch(ctx, id, r.now()); err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	return nil
}

// GetSession returns the record with the given id.
func (r *Registry) GetSession(ctx context.Context, id string) (*model.SessionRecord, error) {
	return r.store.Get(ctx, id)
}

// FindByAgentSessionID returns the record linked to agentSessionID. An empty
// agentType matches records of any agent type.
func (r *Registry) FindByAgentSessionID(ctx context.Context, agentType model.AgentType, agentSessionID string) (*model.SessionRecord, error) {
	if agentSessionID == "" {
		return nil, ErrRecordNotFound
	}
	return r.store.FindByAgentSession(ctx, agentType, agentSessionID)
}

// GetSessionsForWorkspace returns a workspace's records, most recently
// active first.
func (r *Registry) GetSessionsForWorkspace(ctx context.Context, workspace string) ([]*model.SessionRecord, error) {
	if workspace == "" {
		return nil, errors.New("workspace name is required")
	}
	recs, err := r.store.List(ctx, workspace)
	if err != nil {
		return nil, err
	}
	sortByActivity(recs)
	return recs, nil
}

// GetAllSessions returns every record, most recently active first.
func (r *Registry) GetAllSessions(ctx context.Context) ([]*model.SessionRecord, error) {
	recs, err := r.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	sortByActivity(recs)
	return recs, nil
}

// DeleteSession removes a record.
func (r *Registry) DeleteSession(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// ImportExternalSession returns the record already linked to the agent
// session, or creates one with a fresh id.
func (r *Registry) ImportExternalSession(ctx context.Context, p ImportParams) (*model.SessionRecord, error) {
	if p.AgentSessionID == "" {
		return nil, errors.New("agent session id is required")
	}
	now := r.now()
	rec, created, err := r.store.Import(ctx, &model.SessionRecord{
		PerrySessionID: uuid.NewString(),
		WorkspaceName:  p.WorkspaceName,
		AgentType:      p.AgentType,
		AgentSessionID: model.StringPtr(p.AgentSessionID),
		ProjectPath:    model.StringPtr(p.ProjectPath),
		CreatedAt:      now,
		LastActivity:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("import %s session %s: %w", p.AgentType, p.AgentSessionID, err)
	}
	if created {
		r.log.Info("imported external session",
			"sessionID", rec.PerrySessionID,
			"agentType", rec.AgentType,
			"agentSessionID", p.AgentSessionID)
	}
	return rec, nil
}

// Close releases the backend.
func (r *Registry) Close() error {
	return r.store.Close()
}

func sortByActivity(recs []*model.SessionRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].LastActivity.After(recs[j].LastActivity)
	})
}

func cloneRecord(rec *model.SessionRecord) *model.SessionRecord {
	c := *rec
	if rec.AgentSessionID != nil {
		c.AgentSessionID = model.StringPtr(*rec.AgentSessionID)
	}
	if rec.ProjectPath != nil {
		c.ProjectPath = model.StringPtr(*rec.ProjectPath)
	}
	return &c
}
