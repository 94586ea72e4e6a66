package registry

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/perry-workspaces/backend/internal/db"
	"github.com/perry-workspaces/backend/internal/model"
)

// Importing any sequence of (agent type, agent session id) pairs leaves
// exactly one record per distinct pair, and repeated imports of a pair
// resolve to the same internal session id.
func TestImportDedupeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	agentTypes := []model.AgentType{model.AgentTypeClaude, model.AgentTypeOpenCode}
	pairGen := gen.SliceOf(gen.IntRange(0, 11))

	check := func(r *Registry, pairs []int) bool {
		ctx := context.Background()
		seen := make(map[string]string)

		for _, p := range pairs {
			agentType := agentTypes[p%2]
			agentID := fmt.Sprintf("agent-%d", p/2)

			rec, err := r.ImportExternalSession(ctx, ImportParams{
				WorkspaceName:  "alpha",
				AgentType:      agentType,
				AgentSessionID: agentID,
			})
			if err != nil {
				t.Logf("import failed: %v", err)
				return false
			}

			key := string(agentType) + "/" + agentID
			if prev, ok := seen[key]; ok && prev != rec.PerrySessionID {
				t.Logf("pair %s imported as %s and %s", key, prev, rec.PerrySessionID)
				return false
			}
			seen[key] = rec.PerrySessionID
		}

		all, err := r.GetAllSessions(ctx)
		if err != nil {
			t.Logf("list failed: %v", err)
			return false
		}
		return len(all) == len(seen)
	}

	properties.Property("file backend keeps one record per agent session", prop.ForAll(
		func(pairs []int) bool {
			r, _ := newFileRegistry(t)
			return check(r, pairs)
		},
		pairGen,
	))

	properties.Property("sqlite backend keeps one record per agent session", prop.ForAll(
		func(pairs []int) bool {
			testDB, err := db.NewTestDB()
			if err != nil {
				t.Logf("failed to open db: %v", err)
				return false
			}
			r := New(NewSQLStore(testDB), nil)
			defer r.Close()
			return check(r, pairs)
		},
		pairGen,
	))

	properties.TestingRun(t)
}
