package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perry-workspaces/backend/internal/db"
	"github.com/perry-workspaces/backend/internal/model"
)

func newFileRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.json")
	return New(NewFileStore(path, time.Second, nil), nil), path
}

func newSQLRegistry(t *testing.T) *Registry {
	t.Helper()
	testDB, err := db.NewTestDB()
	require.NoError(t, err)
	r := New(NewSQLStore(testDB), nil)
	t.Cleanup(func() { r.Close() })
	return r
}

// eachBackend runs fn against both registry backends.
func eachBackend(t *testing.T, fn func(t *testing.T, r *Registry)) {
	t.Run("file", func(t *testing.T) {
		r, _ := newFileRegistry(t)
		fn(t, r)
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newSQLRegistry(t))
	})
}

func TestRegistry_CreateAndGet(t *testing.T) {
	eachBackend(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()

		rec, err := r.CreateSession(ctx, CreateParams{
			PerrySessionID: "s1",
			WorkspaceName:  "alpha",
			AgentType:      model.AgentTypeClaude,
			ProjectPath:    "/home/workspace/app",
		})
		require.NoError(t, err)
		assert.Equal(t, "s1", rec.PerrySessionID)
		assert.Nil(t, rec.AgentSessionID)
		assert.Equal(t, "/home/workspace/app", rec.Project())

		got, err := r.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "alpha", got.WorkspaceName)
		assert.Equal(t, model.AgentTypeClaude, got.AgentType)
		assert.True(t, got.CreatedAt.Equal(rec.CreatedAt))

		// Creating the same id again keeps the original record.
		again, err := r.CreateSession(ctx, CreateParams{
			PerrySessionID: "s1",
			WorkspaceName:  "other",
			AgentType:      model.AgentTypeOpenCode,
		})
		require.NoError(t, err)
		assert.Equal(t, "alpha", again.WorkspaceName)

		_, err = r.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})
}

func TestRegistry_LinkAndFind(t *testing.T) {
	eachBackend(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()
		_, err := r.CreateSession(ctx, CreateParams{PerrySessionID: "s1", WorkspaceName: "alpha", AgentType: model.AgentTypeClaude})
		require.NoError(t, err)
		_, err = r.CreateSession(ctx, CreateParams{PerrySessionID: "s2", WorkspaceName: "alpha", AgentType: model.AgentTypeClaude})
		require.NoError(t, err)

		require.NoError(t, r.LinkAgentSession(ctx, "s1", "agent-1"))
		// Relinking the same record is fine.
		require.NoError(t, r.LinkAgentSession(ctx, "s1", "agent-1"))

		rec, err := r.FindByAgentSessionID(ctx, model.AgentTypeClaude, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, "s1", rec.PerrySessionID)

		rec, err = r.FindByAgentSessionID(ctx, "", "agent-1")
		require.NoError(t, err)
		assert.Equal(t, "s1", rec.PerrySessionID)

		_, err = r.FindByAgentSessionID(ctx, model.AgentTypeOpenCode, "agent-1")
		assert.ErrorIs(t, err, ErrRecordNotFound)

		err = r.LinkAgentSession(ctx, "s2", "agent-1")
		assert.ErrorIs(t, err, ErrDuplicateAgentSession)

		err = r.LinkAgentSession(ctx, "nope", "agent-9")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})
}

func TestRegistry_TouchOrdersByActivity(t *testing.T) {
	eachBackend(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()
		clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		r.now = func() time.Time { return clock }

		for _, id := range []string{"a", "b", "c"} {
			_, err := r.CreateSession(ctx, CreateParams{PerrySessionID: id, WorkspaceName: "alpha", AgentType: model.AgentTypeClaude})
			require.NoError(t, err)
			clock = clock.Add(time.Minute)
		}
		_, err := r.CreateSession(ctx, CreateParams{PerrySessionID: "d", WorkspaceName: "beta", AgentType: model.AgentTypeClaude})
		require.NoError(t, err)

		clock = clock.Add(time.Hour)
		require.NoError(t, r.TouchSession(ctx, "a"))
		assert.ErrorIs(t, r.TouchSession(ctx, "zzz"), ErrRecordNotFound)

		recs, err := r.GetSessionsForWorkspace(ctx, "alpha")
		require.NoError(t, err)
		var ids []string
		for _, rec := range recs {
			ids = append(ids, rec.PerrySessionID)
		}
		assert.Equal(t, []string{"a", "c", "b"}, ids)

		all, err := r.GetAllSessions(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})
}

func TestRegistry_Delete(t *testing.T) {
	eachBackend(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()
		_, err := r.CreateSession(ctx, CreateParams{PerrySessionID: "s1", WorkspaceName: "alpha", AgentType: model.AgentTypeClaude})
		require.NoError(t, err)

		require.NoError(t, r.DeleteSession(ctx, "s1"))
		_, err = r.GetSession(ctx, "s1")
		assert.ErrorIs(t, err, ErrRecordNotFound)
		assert.ErrorIs(t, r.DeleteSession(ctx, "s1"), ErrRecordNotFound)
	})
}

func TestRegistry_ImportDedupes(t *testing.T) {
	eachBackend(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()
		params := ImportParams{
			WorkspaceName:  "alpha",
			AgentType:      model.AgentTypeOpenCode,
			AgentSessionID: "ses_abc",
			ProjectPath:    "/home/workspace/app",
		}

		first, err := r.ImportExternalSession(ctx, params)
		require.NoError(t, err)
		assert.NotEmpty(t, first.PerrySessionID)
		assert.Equal(t, "ses_abc", first.AgentSession())

		second, err := r.ImportExternalSession(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, first.PerrySessionID, second.PerrySessionID)

		// Same external id under another agent type is a different session.
		params.AgentType = model.AgentTypeClaude
		third, err := r.ImportExternalSession(ctx, params)
		require.NoError(t, err)
		assert.NotEqual(t, first.PerrySessionID, third.PerrySessionID)

		all, err := r.GetAllSessions(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		_, err = r.ImportExternalSession(ctx, ImportParams{AgentType: model.AgentTypeClaude})
		assert.Error(t, err)
	})
}

func TestRegistry_ConcurrentImportsDedupe(t *testing.T) {
	eachBackend(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()

		var wg sync.WaitGroup
		ids := make([]string, 8)
		errs := make([]error, 8)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec, err := r.ImportExternalSession(ctx, ImportParams{
					WorkspaceName:  "alpha",
					AgentType:      model.AgentTypeClaude,
					AgentSessionID: "shared",
				})
				errs[i] = err
				if err == nil {
					ids[i] = rec.PerrySessionID
				}
			}(i)
		}
		wg.Wait()

		for i := range ids {
			require.NoError(t, errs[i])
			assert.Equal(t, ids[0], ids[i])
		}
		all, err := r.GetAllSessions(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestFileStore_FileFormat(t *testing.T) {
	r, path := newFileRegistry(t)
	ctx := context.Background()

	_, err := r.CreateSession(ctx, CreateParams{PerrySessionID: "s1", WorkspaceName: "alpha", AgentType: model.AgentTypeClaude})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc struct {
		Version  int                        `json:"version"`
		Sessions map[string]json.RawMessage `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, 1, doc.Version)
	assert.Contains(t, doc.Sessions, "s1")
	assert.Contains(t, string(doc.Sessions["s1"]), `"agentSessionId": null`)

	_, err = os.Stat(path + ".lock")
	assert.NoError(t, err, "lock file is created and kept")
}

func TestFileStore_CorruptFileIsEmpty(t *testing.T) {
	r, path := newFileRegistry(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	all, err := r.GetAllSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	// The next write replaces the corrupt document.
	_, err = r.CreateSession(ctx, CreateParams{PerrySessionID: "s1", WorkspaceName: "alpha", AgentType: model.AgentTypeClaude})
	require.NoError(t, err)
	all, err = r.GetAllSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFileStore_SharedAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	a := New(NewFileStore(path, time.Second, nil), nil)
	b := New(NewFileStore(path, time.Second, nil), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i, r := range []*Registry{a, b} {
		wg.Add(1)
		go func(i int, r *Registry) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := r.CreateSession(ctx, CreateParams{
					PerrySessionID: string(rune('a'+i)) + string(rune('0'+j)),
					WorkspaceName:  "alpha",
					AgentType:      model.AgentTypeClaude,
				})
				assert.NoError(t, err)
			}
		}(i, r)
	}
	wg.Wait()

	all, err := a.GetAllSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 20)
}

func TestFileStore_LockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	r := New(NewFileStore(path, 50*time.Millisecond, nil), nil)

	held := flock.New(path + ".lock")
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer held.Unlock()

	_, err = r.CreateSession(context.Background(), CreateParams{PerrySessionID: "s1", AgentType: model.AgentTypeClaude})
	assert.True(t, errors.Is(err, ErrLockTimeout))
}
