package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/strandhq/strand/internal/execution/models"
)

// MemoryStore is an in-memory Store used by tests. It reproduces the SQL
// store's uniqueness semantics, including the COALESCE folding of NULL
// conversation ids and active keys.
type MemoryStore struct {
	mu    sync.RWMutex
	execs map[string]*models.Execution
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{execs: make(map[string]*models.Execution)}
}

func scopeKeyOf(e *models.Execution) string {
	key := e.AgentID + "\x00" + e.UserID + "\x00" +
		derefOrEmpty(e.ConversationID) + "\x00" + derefOrEmpty(e.ActiveKey)
	if e.ParentExecutionID != nil {
		key += "\x00" + *e.ParentExecutionID
	}
	return key
}

// Create inserts a new execution, enforcing scope uniqueness.
func (m *MemoryStore) Create(ctx context.Context, exec *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	if exec.State == "" {
		exec.State = models.StatePending
	}

	key := scopeKeyOf(exec)
	for _, existing := range m.execs {
		if existing.State.IsActive() && scopeKeyOf(existing) == key {
			return ErrDuplicateActive
		}
	}

	cp := *exec
	m.execs[exec.ID] = &cp
	return nil
}

// Get returns the execution by id.
func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, ok := m.execs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

// FindActive returns the active top-level execution in the scope.
func (m *MemoryStore) FindActive(ctx context.Context, scope models.Scope) (*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *models.Execution
	for _, e := range m.execs {
		if !e.State.IsActive() || e.ParentExecutionID != nil {
			continue
		}
		if e.AgentID != scope.AgentID || e.UserID != scope.UserID {
			continue
		}
		if derefOrEmpty(e.ConversationID) != derefOrEmpty(scope.ConversationID) {
			continue
		}
		if derefOrEmpty(e.ActiveKey) != derefOrEmpty(scope.ActiveKey) {
			continue
		}
		if found == nil || e.CreatedAt.After(found.CreatedAt) {
			found = e
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

// List returns executions matching the filter, newest first.
func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.Execution
	for _, e := range m.execs {
		if filter.AgentID != "" && e.AgentID != filter.AgentID {
			continue
		}
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.ConversationID != "" && derefOrEmpty(e.ConversationID) != filter.ConversationID {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// AdvanceState moves the execution forward via compare-and-set.
func (m *MemoryStore) AdvanceState(ctx context.Context, id string, from, to models.State) (bool, error) {
	if !from.CanTransition(to) {
		return false, &invalidTransitionError{from: from, to: to}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.execs[id]
	if !ok || exec.State != from {
		return false, nil
	}
	exec.State = to
	if exec.StartedAt == nil {
		now := time.Now().UTC()
		exec.StartedAt = &now
	}
	return true, nil
}

// Terminalize moves an execution to a terminal state if it is still active.
func (m *MemoryStore) Terminalize(ctx context.Context, id string, state models.State, output, errMessage *string, clearKey bool) (bool, error) {
	if !state.IsTerminal() {
		return false, &invalidTransitionError{to: state}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.execs[id]
	if !ok || !exec.State.IsActive() {
		return false, nil
	}
	now := time.Now().UTC()
	exec.State = state
	exec.Output = output
	exec.ErrorMessage = errMessage
	exec.CompletedAt = &now
	if clearKey {
		exec.ActiveKey = nil
	}
	return true, nil
}

// ListActiveOlderThan returns active executions created before the cutoff.
func (m *MemoryStore) ListActiveOlderThan(ctx context.Context, cutoff time.Time) ([]*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.Execution
	for _, e := range m.execs {
		if e.State.IsActive() && e.CreatedAt.Before(cutoff) {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ListActiveInScope returns active executions in the coarse scope.
func (m *MemoryStore) ListActiveInScope(ctx context.Context, agentID, userID string, conversationID *string) ([]*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.Execution
	for _, e := range m.execs {
		if !e.State.IsActive() {
			continue
		}
		if e.AgentID != agentID || e.UserID != userID {
			continue
		}
		if derefOrEmpty(e.ConversationID) != derefOrEmpty(conversationID) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

type invalidTransitionError struct {
	from models.State
	to   models.State
}

func (e *invalidTransitionError) Error() string {
	return "invalid state transition " + string(e.from) + " -> " + string(e.to)
}
