package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/perry-workspaces/backend/internal/model"
)

const recordColumns = `perry_session_id, workspace_name, agent_type, agent_session_id, project_path, created_at, last_activity`

// SQLStore keeps the registry in the session_records table.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a SQLStore over a migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.SessionRecord, error) {
	rec := &model.SessionRecord{}
	var agentType string
	var agentSessionID sql.NullString
	var projectPath sql.NullString

	err := row.Scan(
		&rec.PerrySessionID,
		&rec.WorkspaceName,
		&agentType,
		&agentSessionID,
		&projectPath,
		&rec.CreatedAt,
		&rec.LastActivity,
	)
	if err != nil {
		return nil, err
	}

	rec.AgentType = model.AgentType(agentType)
	if agentSessionID.Valid {
		rec.AgentSessionID = model.StringPtr(agentSessionID.String)
	}
	if projectPath.Valid {
		rec.ProjectPath = model.StringPtr(projectPath.String)
	}
	return rec, nil
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Insert implements Store.
func (s *SQLStore) Insert(ctx context.Context, rec *model.SessionRecord) (*model.SessionRecord, error) {
	query := `
		INSERT INTO session_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(perry_session_id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.PerrySessionID,
		rec.WorkspaceName,
		string(rec.AgentType),
		nullString(rec.AgentSessionID),
		nullString(rec.ProjectPath),
		rec.CreatedAt,
		rec.LastActivity,
	)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateAgentSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert session record: %w", err)
	}

	return s.Get(ctx, rec.PerrySessionID)
}

// Link implements Store.
func (s *SQLStore) Link(ctx context.Context, id, agentSessionID string, at time.Time) error {
	query := `
		UPDATE session_records
		SET agent_session_id = ?, last_activity = ?
		WHERE perry_session_id = ?
	`

	result, err := s.db.ExecContext(ctx, query, agentSessionID, at, id)
	if isUniqueViolation(err) {
		return ErrDuplicateAgentSession
	}
	if err != nil {
		return fmt.Errorf("failed to link session record: %w", err)
	}
	return requireAffected(result)
}

// Touch implements Store.
func (s *SQLStore) Touch(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE session_records SET last_activity = ? WHERE perry_session_id = ?`

	result, err := s.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to touch session record: %w", err)
	}
	return requireAffected(result)
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (*model.SessionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM session_records WHERE perry_session_id = ?`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session record: %w", err)
	}
	return rec, nil
}

// FindByAgentSession implements Store.
func (s *SQLStore) FindByAgentSession(ctx context.Context, agentType model.AgentType, agentSessionID string) (*model.SessionRecord, error) {
	return findByAgentSession(ctx, s.db, agentType, agentSessionID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findByAgentSession(ctx context.Context, q queryRower, agentType model.AgentType, agentSessionID string) (*model.SessionRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM session_records
		WHERE agent_session_id = ? AND (? = '' OR agent_type = ?)
		ORDER BY last_activity DESC
		LIMIT 1
	`

	rec, err := scanRecord(q.QueryRowContext(ctx, query, agentSessionID, string(agentType), string(agentType)))
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session record: %w", err)
	}
	return rec, nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, workspace string) ([]*model.SessionRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM session_records
		WHERE ? = '' OR workspace_name = ?
		ORDER BY last_activity DESC
	`

	rows, err := s.db.QueryContext(ctx, query, workspace, workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to list session records: %w", err)
	}
	defer rows.Close()

	var recs []*model.SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session record: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session records: %w", err)
	}
	return recs, nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM session_records WHERE perry_session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	return requireAffected(result)
}

// Import implements Store inside a transaction.
func (s *SQLStore) Import(ctx context.Context, rec *model.SessionRecord) (*model.SessionRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := findByAgentSession(ctx, tx, rec.AgentType, rec.AgentSession())
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return nil, false, err
	}

	query := `INSERT INTO session_records (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query,
		rec.PerrySessionID,
		rec.WorkspaceName,
		string(rec.AgentType),
		nullString(rec.AgentSessionID),
		nullString(rec.ProjectPath),
		rec.CreatedAt,
		rec.LastActivity,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to import session record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit import: %w", err)
	}
	return cloneRecord(rec), true, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}
