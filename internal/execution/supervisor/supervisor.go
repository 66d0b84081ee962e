// Package supervisor gates execution creation and enforces lifecycle rules.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/strandhq/strand/internal/common/logger"
	"github.com/strandhq/strand/internal/common/stringutil"
	"github.com/strandhq/strand/internal/events/bus"
	"github.com/strandhq/strand/internal/execution/models"
	"github.com/strandhq/strand/internal/execution/store"
)

const (
	// maxErrorMessageLen bounds what lands in the error_message column.
	maxErrorMessageLen = 1000

	// TimeoutMessage is stored on executions failed by deadline enforcement.
	TimeoutMessage = "execution timed out before completing; try narrowing the request"

	// SupersededMessage is stored on stale executions cancelled to make way
	// for a new request in the same scope.
	SupersededMessage = "superseded by new request"
)

// Config holds supervisor tunables.
type Config struct {
	// Deadline is the wall-clock bound on any execution.
	Deadline time.Duration

	// StaleAfter is how long an active execution may sit in a scope before
	// a new request in that scope is allowed to cancel it.
	StaleAfter time.Duration
}

// Supervisor is the gatekeeper for creating and terminating executions.
//
// Mutual exclusion per scope comes from the store's uniqueness constraint,
// not from any in-process lock, so it holds across processes sharing the
// database. All terminal transitions go through guarded store updates and
// are idempotent: a duplicate completion signal racing a timeout
// cancellation is a logged no-op.
type Supervisor struct {
	store  store.Store
	bus    bus.EventBus
	logger *logger.Logger
	config Config
}

// New creates a supervisor.
func New(st store.Store, eventBus bus.EventBus, log *logger.Logger, config Config) *Supervisor {
	return &Supervisor{
		store:  st,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "supervisor")),
		config: config,
	}
}

// Deadline returns the wall-clock bound applied to executions.
func (s *Supervisor) Deadline() time.Duration {
	return s.config.Deadline
}

// CreateRequest carries the inputs for a new execution.
type CreateRequest struct {
	AgentID           string
	UserID            string
	ConversationID    *string
	ActiveKey         *string
	ParentExecutionID *string
	Input             string
	MaxSteps          int
	Metadata          map[string]interface{}
}

// CreateOrAttach inserts a new pending execution, or attaches to the active
// execution already holding the scope. attached=true means the caller joined
// an in-flight execution and must not dispatch a second worker.
//
// A uniqueness conflict with no active record to attach to means the
// conflicting execution reached a terminal state between our insert and our
// lookup. That race is benign and resolved by retrying the insert once.
func (s *Supervisor) CreateOrAttach(ctx context.Context, req CreateRequest) (*models.Execution, bool, error) {
	if err := s.CleanupStale(ctx, req.AgentID, req.UserID, req.ConversationID); err != nil {
		// Cleanup failure must not block the new request; the uniqueness
		// constraint still protects the scope.
		s.logger.Warn("stale execution cleanup failed",
			zap.String("agent_id", req.AgentID),
			zap.Error(err))
	}

	for attempt := 0; attempt < 2; attempt++ {
		exec := &models.Execution{
			ID:                uuid.New().String(),
			AgentID:           req.AgentID,
			UserID:            req.UserID,
			ConversationID:    req.ConversationID,
			ParentExecutionID: req.ParentExecutionID,
			ActiveKey:         req.ActiveKey,
			State:             models.StatePending,
			Input:             req.Input,
			MaxSteps:          req.MaxSteps,
			Metadata:          req.Metadata,
			CreatedAt:         time.Now().UTC(),
		}

		err := s.store.Create(ctx, exec)
		if err == nil {
			s.logger.Info("created execution",
				zap.String("execution_id", exec.ID),
				zap.String("agent_id", exec.AgentID),
				zap.String("user_id", exec.UserID))
			s.publish(ctx, bus.SubjectExecutionCreated, exec)
			return exec, false, nil
		}
		if !errors.Is(err, store.ErrDuplicateActive) {
			return nil, false, fmt.Errorf("failed to create execution: %w", err)
		}

		existing, findErr := s.store.FindActive(ctx, models.Scope{
			AgentID:        req.AgentID,
			UserID:         req.UserID,
			ConversationID: req.ConversationID,
			ActiveKey:      req.ActiveKey,
		})
		if findErr == nil {
			s.logger.Info("attached to active execution",
				zap.String("execution_id", existing.ID),
				zap.String("agent_id", existing.AgentID),
				zap.String("state", string(existing.State)))
			return existing, true, nil
		}
		if !errors.Is(findErr, store.ErrNotFound) {
			return nil, false, fmt.Errorf("failed to find active execution: %w", findErr)
		}
		// Conflicting record terminalized between insert and lookup.
		s.logger.Debug("active execution vanished after conflict, retrying create",
			zap.String("agent_id", req.AgentID))
	}

	return nil, false, fmt.Errorf("scope contended: could not create or attach execution")
}

// CleanupStale cancels active executions in the scope that have outlived the
// stale cutoff. It keeps a prior stream whose owning process died from
// permanently blocking the scope with a ghost "running" record.
func (s *Supervisor) CleanupStale(ctx context.Context, agentID, userID string, conversationID *string) error {
	stale, err := s.store.ListActiveInScope(ctx, agentID, userID, conversationID)
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-s.config.StaleAfter)
	for _, exec := range stale {
		if exec.CreatedAt.After(cutoff) {
			continue
		}
		s.logger.Warn("cancelling stale execution",
			zap.String("execution_id", exec.ID),
			zap.Time("created_at", exec.CreatedAt))
		if err := s.MarkCancelled(ctx, exec, SupersededMessage); err != nil {
			return err
		}
	}
	return nil
}

// MarkStarted advances a pending execution into its first active working
// state and stamps started_at. Attached callers see false when the worker
// already moved the record forward.
func (s *Supervisor) MarkStarted(ctx context.Context, exec *models.Execution, to models.State) (bool, error) {
	if !models.StatePending.CanTransition(to) || to.IsTerminal() {
		return false, fmt.Errorf("invalid start transition to %q", to)
	}
	applied, err := s.store.AdvanceState(ctx, exec.ID, models.StatePending, to)
	if err != nil {
		return false, err
	}
	if applied {
		exec.State = to
		s.publish(ctx, bus.SubjectExecutionStarted, exec)
	}
	return applied, nil
}

// Advance moves an execution between active states.
func (s *Supervisor) Advance(ctx context.Context, exec *models.Execution, to models.State) (bool, error) {
	applied, err := s.store.AdvanceState(ctx, exec.ID, exec.State, to)
	if err != nil {
		return false, err
	}
	if applied {
		exec.State = to
	}
	return applied, nil
}

// terminalize applies a guarded terminal store write, retrying once on a
// transient store error. The guard outcome itself (record already terminal,
// applied=false) is not an error and is never retried; only a failed write
// gets the second attempt, and a second failure surfaces to the caller.
func (s *Supervisor) terminalize(ctx context.Context, id string, state models.State, output, errMessage *string, clearKey bool) (bool, error) {
	applied, err := s.store.Terminalize(ctx, id, state, output, errMessage, clearKey)
	if err == nil {
		return applied, nil
	}
	s.logger.Warn("terminal write failed, retrying once",
		zap.String("execution_id", id),
		zap.String("state", string(state)),
		zap.Error(err))
	applied, err = s.store.Terminalize(ctx, id, state, output, errMessage, clearKey)
	if err != nil {
		return false, fmt.Errorf("terminal write failed after retry: %w", err)
	}
	return applied, nil
}

// MarkCompleted terminalizes an execution with its output. Calling it on an
// already-terminal record is a no-op.
func (s *Supervisor) MarkCompleted(ctx context.Context, exec *models.Execution, output string) error {
	applied, err := s.terminalize(ctx, exec.ID, models.StateCompleted, &output, nil, true)
	if err != nil {
		return fmt.Errorf("failed to complete execution %s: %w", exec.ID, err)
	}
	if !applied {
		s.logger.Info("completion ignored, execution already terminal",
			zap.String("execution_id", exec.ID))
		return nil
	}
	exec.State = models.StateCompleted
	exec.Output = &output
	s.logger.Info("execution completed", zap.String("execution_id", exec.ID))
	s.publish(ctx, bus.SubjectExecutionCompleted, exec)
	return nil
}

// MarkFailed terminalizes an execution with a truncated error message.
// Idempotent like MarkCompleted.
func (s *Supervisor) MarkFailed(ctx context.Context, exec *models.Execution, message string) error {
	msg := stringutil.TruncateString(stringutil.SanitizeText(message), maxErrorMessageLen)
	applied, err := s.terminalize(ctx, exec.ID, models.StateFailed, nil, &msg, true)
	if err != nil {
		return fmt.Errorf("failed to fail execution %s: %w", exec.ID, err)
	}
	if !applied {
		s.logger.Info("failure ignored, execution already terminal",
			zap.String("execution_id", exec.ID))
		return nil
	}
	exec.State = models.StateFailed
	exec.ErrorMessage = &msg
	s.logger.Warn("execution failed",
		zap.String("execution_id", exec.ID),
		zap.String("error", msg))
	s.publish(ctx, bus.SubjectExecutionFailed, exec)
	return nil
}

// MarkCancelled terminalizes an execution with a cancellation reason.
// Idempotent like MarkCompleted.
func (s *Supervisor) MarkCancelled(ctx context.Context, exec *models.Execution, reason string) error {
	msg := stringutil.TruncateString(reason, maxErrorMessageLen)
	applied, err := s.terminalize(ctx, exec.ID, models.StateCancelled, nil, &msg, true)
	if err != nil {
		return fmt.Errorf("failed to cancel execution %s: %w", exec.ID, err)
	}
	if !applied {
		s.logger.Info("cancellation ignored, execution already terminal",
			zap.String("execution_id", exec.ID))
		return nil
	}
	exec.State = models.StateCancelled
	exec.ErrorMessage = &msg
	s.logger.Info("execution cancelled",
		zap.String("execution_id", exec.ID),
		zap.String("reason", reason))
	s.publish(ctx, bus.SubjectExecutionCancelled, exec)
	return nil
}

// EnforceTimeout fails the execution if its deadline has passed and it is
// still active. The guarded terminal write means a worker completing in the
// same instant wins or loses atomically; whichever side loses becomes a
// no-op. The active key is cleared so a retried request is not blocked by a
// ghost lock.
func (s *Supervisor) EnforceTimeout(ctx context.Context, exec *models.Execution, deadline time.Time) (bool, error) {
	if time.Now().Before(deadline) {
		return false, nil
	}
	fresh, err := s.store.Get(ctx, exec.ID)
	if err != nil {
		return false, err
	}
	if fresh.IsTerminal() {
		// Worker beat the deadline check; honor its result.
		*exec = *fresh
		return false, nil
	}

	msg := TimeoutMessage
	applied, err := s.terminalize(ctx, exec.ID, models.StateFailed, nil, &msg, true)
	if err != nil {
		return false, err
	}
	if !applied {
		// Lost the race to a terminal write after our freshness read.
		if fresh, err := s.store.Get(ctx, exec.ID); err == nil {
			*exec = *fresh
		}
		return false, nil
	}
	exec.State = models.StateFailed
	exec.ErrorMessage = &msg
	exec.ActiveKey = nil
	s.logger.Warn("execution timed out",
		zap.String("execution_id", exec.ID),
		zap.Time("deadline", deadline))
	s.publish(ctx, bus.SubjectExecutionFailed, exec)
	return true, nil
}

// Get returns the current execution record.
func (s *Supervisor) Get(ctx context.Context, id string) (*models.Execution, error) {
	return s.store.Get(ctx, id)
}

func (s *Supervisor) publish(ctx context.Context, subject string, exec *models.Execution) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "supervisor", map[string]interface{}{
		"execution_id": exec.ID,
		"agent_id":     exec.AgentID,
		"user_id":      exec.UserID,
		"state":        string(exec.State),
		"status":       string(exec.Status()),
	})
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("failed to publish execution event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
