// Package models defines the agent execution entities and their state machine.
package models

import (
	"time"
)

// State is the fine-grained lifecycle state of an execution.
// Transitions only move forward; terminal states are final.
type State string

const (
	StatePending      State = "pending"
	StatePlanning     State = "planning"
	StatePlanned      State = "planned"
	StateExecuting    State = "executing"
	StateSynthesizing State = "synthesizing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Status is the coarse view of State reported to external callers.
// It is derived, never stored.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// stateRank orders states for monotonic transition checks. Terminal states
// share the highest rank; no transition may leave them.
var stateRank = map[State]int{
	StatePending:      0,
	StatePlanning:     1,
	StatePlanned:      2,
	StateExecuting:    3,
	StateSynthesizing: 4,
	StateCompleted:    5,
	StateFailed:       5,
	StateCancelled:    5,
}

// ActiveStates lists every non-terminal state, in rank order.
func ActiveStates() []State {
	return []State{StatePending, StatePlanning, StatePlanned, StateExecuting, StateSynthesizing}
}

// IsTerminal reports whether s is completed, failed, or cancelled.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// IsActive reports whether s is a known non-terminal state.
func (s State) IsActive() bool {
	_, known := stateRank[s]
	return known && !s.IsTerminal()
}

// CanTransition reports whether moving from s to next preserves the
// forward-only ordering. Terminal states admit no transitions.
func (s State) CanTransition(next State) bool {
	from, ok := stateRank[s]
	if !ok {
		return false
	}
	to, ok := stateRank[next]
	if !ok {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	return to > from
}

// Status derives the coarse external view of the state.
func (s State) Status() Status {
	switch s {
	case StatePending:
		return StatusPending
	case StateCompleted:
		return StatusCompleted
	case StateFailed:
		return StatusFailed
	case StateCancelled:
		return StatusCancelled
	default:
		return StatusRunning
	}
}

// Execution is one invocation of an agent against a query.
//
// The (AgentID, UserID, ConversationID, ActiveKey) tuple is the unit of
// mutual exclusion: at most one execution in that scope may be active at a
// time. ParentExecutionID allows nested workflow steps to coexist with their
// top-level execution.
type Execution struct {
	ID                string                 `json:"id" db:"id"`
	AgentID           string                 `json:"agent_id" db:"agent_id"`
	UserID            string                 `json:"user_id" db:"user_id"`
	ConversationID    *string                `json:"conversation_id,omitempty" db:"conversation_id"`
	ParentExecutionID *string                `json:"parent_execution_id,omitempty" db:"parent_execution_id"`
	ActiveKey         *string                `json:"active_key,omitempty" db:"active_key"`
	State             State                  `json:"state" db:"state"`
	Input             string                 `json:"input" db:"input"`
	Output            *string                `json:"output,omitempty" db:"output"`
	ErrorMessage      *string                `json:"error_message,omitempty" db:"error_message"`
	MaxSteps          int                    `json:"max_steps" db:"max_steps"`
	Metadata          map[string]interface{} `json:"metadata,omitempty" db:"-"`
	CreatedAt         time.Time              `json:"created_at" db:"created_at"`
	StartedAt         *time.Time             `json:"started_at,omitempty" db:"started_at"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
}

// Status returns the coarse external view of the execution state.
func (e *Execution) Status() Status {
	return e.State.Status()
}

// IsTerminal reports whether the execution has reached a final state.
func (e *Execution) IsTerminal() bool {
	return e.State.IsTerminal()
}

// ConversationKey is the relay key for this execution's conversation scope.
// Executions without a conversation fall back to their own ID so detached
// workers and stream handlers still rendezvous on a unique mailbox.
func (e *Execution) ConversationKey() string {
	if e.ConversationID != nil && *e.ConversationID != "" {
		return *e.ConversationID
	}
	return e.ID
}

// Scope identifies the mutual-exclusion tuple for an execution.
type Scope struct {
	AgentID        string
	UserID         string
	ConversationID *string
	ActiveKey      *string
}
