package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/strandhq/strand/internal/db"
	"github.com/strandhq/strand/internal/execution/models"
)

// activeStatesSQL is the IN-list of non-terminal states used by the
// uniqueness indexes and the guarded updates.
const activeStatesSQL = `('pending','planning','planned','executing','synthesizing')`

const execColumns = `id, agent_id, user_id, conversation_id, parent_execution_id, active_key,
	state, input, output, error_message, max_steps, metadata, created_at, started_at, completed_at`

// SQLStore is the sqlx-backed Store. The same queries run on SQLite and
// PostgreSQL; placeholders are rebound per driver.
type SQLStore struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewSQLStore creates a store on the given pool and initializes the schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{writer: pool.Writer(), reader: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize executions schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	if _, err := s.writer.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			conversation_id TEXT,
			parent_execution_id TEXT,
			active_key TEXT,
			state TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT,
			error_message TEXT,
			max_steps INTEGER NOT NULL DEFAULT 10,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`); err != nil {
		return err
	}

	// Scope uniqueness: at most one active top-level execution per
	// (agent, user, conversation, key) tuple. COALESCE folds NULLs so
	// two keyless executions in the same conversation still conflict.
	if _, err := s.writer.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_active_scope
		ON executions (agent_id, user_id, COALESCE(conversation_id, ''), COALESCE(active_key, ''))
		WHERE state IN ` + activeStatesSQL + ` AND parent_execution_id IS NULL`); err != nil {
		return err
	}

	// Nested workflow steps carry their parent in the constraint so they
	// can coexist with the top-level execution in the same scope.
	if _, err := s.writer.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_active_scope_nested
		ON executions (agent_id, user_id, COALESCE(conversation_id, ''), COALESCE(active_key, ''), parent_execution_id)
		WHERE state IN ` + activeStatesSQL + ` AND parent_execution_id IS NOT NULL`); err != nil {
		return err
	}

	if _, err := s.writer.Exec(`
		CREATE INDEX IF NOT EXISTS idx_executions_state_created
		ON executions (state, created_at)`); err != nil {
		return err
	}

	return nil
}

// Create inserts a new execution record.
func (s *SQLStore) Create(ctx context.Context, exec *models.Execution) error {
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	if exec.State == "" {
		exec.State = models.StatePending
	}

	metadataJSON := "{}"
	if exec.Metadata != nil {
		raw, err := json.Marshal(exec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize execution metadata: %w", err)
		}
		metadataJSON = string(raw)
	}

	query := s.writer.Rebind(`
		INSERT INTO executions (` + execColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.writer.ExecContext(ctx, query,
		exec.ID, exec.AgentID, exec.UserID, exec.ConversationID, exec.ParentExecutionID,
		exec.ActiveKey, exec.State, exec.Input, exec.Output, exec.ErrorMessage,
		exec.MaxSteps, metadataJSON, exec.CreatedAt, exec.StartedAt, exec.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateActive
		}
		return err
	}
	return nil
}

// Get returns the execution by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*models.Execution, error) {
	query := s.reader.Rebind(`SELECT ` + execColumns + ` FROM executions WHERE id = ?`)
	return s.queryOne(ctx, query, id)
}

// FindActive returns the active top-level execution in the scope.
func (s *SQLStore) FindActive(ctx context.Context, scope models.Scope) (*models.Execution, error) {
	query := s.reader.Rebind(`
		SELECT ` + execColumns + ` FROM executions
		WHERE agent_id = ? AND user_id = ?
		  AND COALESCE(conversation_id, '') = ?
		  AND COALESCE(active_key, '') = ?
		  AND parent_execution_id IS NULL
		  AND state IN ` + activeStatesSQL + `
		ORDER BY created_at DESC LIMIT 1`)
	return s.queryOne(ctx, query,
		scope.AgentID, scope.UserID, derefOrEmpty(scope.ConversationID), derefOrEmpty(scope.ActiveKey))
}

// List returns executions matching the filter, newest first.
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*models.Execution, error) {
	var conds []string
	var args []interface{}
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ConversationID != "" {
		conds = append(conds, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}

	query := `SELECT ` + execColumns + ` FROM executions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return s.queryMany(ctx, s.reader.Rebind(query), args...)
}

// AdvanceState moves the execution forward via compare-and-set.
func (s *SQLStore) AdvanceState(ctx context.Context, id string, from, to models.State) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("invalid state transition %s -> %s", from, to)
	}

	// started_at is stamped on the first move out of pending.
	query := s.writer.Rebind(`
		UPDATE executions
		SET state = ?, started_at = COALESCE(started_at, ?)
		WHERE id = ? AND state = ?`)
	res, err := s.writer.ExecContext(ctx, query, to, time.Now().UTC(), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Terminalize moves an execution to a terminal state if it is still active.
func (s *SQLStore) Terminalize(ctx context.Context, id string, state models.State, output, errMessage *string, clearKey bool) (bool, error) {
	if !state.IsTerminal() {
		return false, fmt.Errorf("state %s is not terminal", state)
	}

	query := `
		UPDATE executions
		SET state = ?, output = ?, error_message = ?, completed_at = ?`
	args := []interface{}{state, output, errMessage, time.Now().UTC()}
	if clearKey {
		query += ", active_key = NULL"
	}
	query += ` WHERE id = ? AND state IN ` + activeStatesSQL
	args = append(args, id)

	res, err := s.writer.ExecContext(ctx, s.writer.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListActiveOlderThan returns active executions created before the cutoff.
func (s *SQLStore) ListActiveOlderThan(ctx context.Context, cutoff time.Time) ([]*models.Execution, error) {
	query := s.reader.Rebind(`
		SELECT ` + execColumns + ` FROM executions
		WHERE state IN ` + activeStatesSQL + ` AND created_at < ?
		ORDER BY created_at ASC`)
	return s.queryMany(ctx, query, cutoff)
}

// ListActiveInScope returns active executions in the coarse scope.
func (s *SQLStore) ListActiveInScope(ctx context.Context, agentID, userID string, conversationID *string) ([]*models.Execution, error) {
	query := s.reader.Rebind(`
		SELECT ` + execColumns + ` FROM executions
		WHERE agent_id = ? AND user_id = ?
		  AND COALESCE(conversation_id, '') = ?
		  AND state IN ` + activeStatesSQL + `
		ORDER BY created_at ASC`)
	return s.queryMany(ctx, query, agentID, userID, derefOrEmpty(conversationID))
}

func (s *SQLStore) queryOne(ctx context.Context, query string, args ...interface{}) (*models.Execution, error) {
	row := s.reader.QueryRowContext(ctx, query, args...)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return exec, nil
}

func (s *SQLStore) queryMany(ctx context.Context, query string, args ...interface{}) ([]*models.Execution, error) {
	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row scanner) (*models.Execution, error) {
	var (
		exec         models.Execution
		conversation sql.NullString
		parent       sql.NullString
		activeKey    sql.NullString
		output       sql.NullString
		errMessage   sql.NullString
		metadataJSON string
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)

	err := row.Scan(&exec.ID, &exec.AgentID, &exec.UserID, &conversation, &parent,
		&activeKey, &exec.State, &exec.Input, &output, &errMessage,
		&exec.MaxSteps, &metadataJSON, &exec.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	exec.ConversationID = nullableString(conversation)
	exec.ParentExecutionID = nullableString(parent)
	exec.ActiveKey = nullableString(activeKey)
	exec.Output = nullableString(output)
	exec.ErrorMessage = nullableString(errMessage)
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &exec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize execution metadata: %w", err)
		}
	}
	return &exec, nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func derefOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// isUniqueViolation detects a uniqueness-constraint conflict from either
// driver: pgx reports SQLSTATE 23505, mattn/go-sqlite3 reports a message
// containing "UNIQUE constraint failed".
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
