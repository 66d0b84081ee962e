// Package store provides persistence for execution records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/strandhq/strand/internal/execution/models"
)

var (
	// ErrNotFound is returned when no execution matches the query.
	ErrNotFound = errors.New("execution not found")

	// ErrDuplicateActive is returned by Create when an active execution
	// already holds the scope's uniqueness constraint. Callers resolve it
	// by attaching to the existing record; it is contention, not failure.
	ErrDuplicateActive = errors.New("active execution already exists for scope")
)

// Filter narrows List queries. Zero-value fields are ignored.
type Filter struct {
	AgentID        string
	UserID         string
	ConversationID string
	Limit          int
}

// Store persists execution records.
//
// The scope uniqueness constraint is enforced at the store level (atomic
// insert-or-conflict), not by an application mutex, so it holds across
// independent processes sharing the database.
type Store interface {
	// Create inserts a new execution. Returns ErrDuplicateActive when an
	// active execution already exists in the same scope.
	Create(ctx context.Context, exec *models.Execution) error

	// Get returns the execution by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*models.Execution, error)

	// FindActive returns the active execution in the given scope among
	// top-level executions (no parent), or ErrNotFound.
	FindActive(ctx context.Context, scope models.Scope) (*models.Execution, error)

	// List returns executions matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*models.Execution, error)

	// AdvanceState moves the execution from one active state to a later
	// one (compare-and-set). Returns false without error when the record
	// was not in the expected state.
	AdvanceState(ctx context.Context, id string, from, to models.State) (bool, error)

	// Terminalize atomically moves an execution to a terminal state,
	// setting output or error message and completed_at, and optionally
	// clearing the active key. The update is guarded on the record still
	// being active: a record already terminal is left untouched and
	// false is returned. This guard is what makes racing terminal writes
	// (worker completion vs timeout) safe.
	Terminalize(ctx context.Context, id string, state models.State, output, errMessage *string, clearKey bool) (bool, error)

	// ListActiveOlderThan returns active executions created before the
	// cutoff, for the timeout sweeper.
	ListActiveOlderThan(ctx context.Context, cutoff time.Time) ([]*models.Execution, error)

	// ListActiveInScope returns all active executions in the coarse
	// (agent, user, conversation) scope, regardless of active key, for
	// stale-execution cleanup.
	ListActiveInScope(ctx context.Context, agentID, userID string, conversationID *string) ([]*models.Execution, error)
}
