package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandhq/strand/internal/execution/models"
)

func newExecution(agentID, userID string, conversationID *string) *models.Execution {
	return &models.Execution{
		ID:             uuid.New().String(),
		AgentID:        agentID,
		UserID:         userID,
		ConversationID: conversationID,
		State:          models.StatePending,
		Input:          "test input",
		MaxSteps:       5,
		CreatedAt:      time.Now().UTC(),
	}
}

func strPtr(s string) *string { return &s }

func TestCreateEnforcesScopeUniqueness(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	conv := strPtr("conv-1")

	t.Run("second active execution in same scope is rejected", func(t *testing.T) {
		first := newExecution("agent-1", "user-1", conv)
		require.NoError(t, st.Create(ctx, first))

		second := newExecution("agent-1", "user-1", conv)
		err := st.Create(ctx, second)
		assert.ErrorIs(t, err, ErrDuplicateActive)
	})

	t.Run("different scope is unaffected", func(t *testing.T) {
		other := newExecution("agent-1", "user-2", conv)
		assert.NoError(t, st.Create(ctx, other))

		otherConv := newExecution("agent-1", "user-1", strPtr("conv-2"))
		assert.NoError(t, st.Create(ctx, otherConv))
	})

	t.Run("nested step coexists with its parent", func(t *testing.T) {
		parent, err := st.FindActive(ctx, models.Scope{
			AgentID: "agent-1", UserID: "user-1", ConversationID: conv,
		})
		require.NoError(t, err)

		child := newExecution("agent-1", "user-1", conv)
		child.ParentExecutionID = &parent.ID
		assert.NoError(t, st.Create(ctx, child))
	})

	t.Run("scope reopens after terminalization", func(t *testing.T) {
		active, err := st.FindActive(ctx, models.Scope{
			AgentID: "agent-1", UserID: "user-1", ConversationID: conv,
		})
		require.NoError(t, err)

		out := "done"
		applied, err := st.Terminalize(ctx, active.ID, models.StateCompleted, &out, nil, true)
		require.NoError(t, err)
		require.True(t, applied)

		replacement := newExecution("agent-1", "user-1", conv)
		assert.NoError(t, st.Create(ctx, replacement))
	})
}

func TestTerminalizeIsGuarded(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	exec := newExecution("agent-1", "user-1", nil)
	require.NoError(t, st.Create(ctx, exec))

	out := "answer"
	applied, err := st.Terminalize(ctx, exec.ID, models.StateCompleted, &out, nil, true)
	require.NoError(t, err)
	assert.True(t, applied)

	t.Run("second terminal write is a no-op", func(t *testing.T) {
		msg := "too late"
		applied, err := st.Terminalize(ctx, exec.ID, models.StateFailed, nil, &msg, true)
		require.NoError(t, err)
		assert.False(t, applied)

		fresh, err := st.Get(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateCompleted, fresh.State)
		require.NotNil(t, fresh.Output)
		assert.Equal(t, "answer", *fresh.Output)
		assert.Nil(t, fresh.ErrorMessage)
	})

	t.Run("terminal record has completed_at set", func(t *testing.T) {
		fresh, err := st.Get(ctx, exec.ID)
		require.NoError(t, err)
		assert.NotNil(t, fresh.CompletedAt)
	})

	t.Run("non-terminal target state is rejected", func(t *testing.T) {
		other := newExecution("agent-2", "user-1", nil)
		require.NoError(t, st.Create(ctx, other))

		_, err := st.Terminalize(ctx, other.ID, models.StateExecuting, nil, nil, false)
		assert.Error(t, err)
	})
}

func TestAdvanceStateCAS(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	exec := newExecution("agent-1", "user-1", nil)
	require.NoError(t, st.Create(ctx, exec))

	applied, err := st.AdvanceState(ctx, exec.ID, models.StatePending, models.StateExecuting)
	require.NoError(t, err)
	assert.True(t, applied)

	t.Run("stale expected state does not apply", func(t *testing.T) {
		applied, err := st.AdvanceState(ctx, exec.ID, models.StatePending, models.StateSynthesizing)
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("started_at is stamped on first advance", func(t *testing.T) {
		fresh, err := st.Get(ctx, exec.ID)
		require.NoError(t, err)
		assert.NotNil(t, fresh.StartedAt)
	})

	t.Run("backward transition is an error", func(t *testing.T) {
		_, err := st.AdvanceState(ctx, exec.ID, models.StateExecuting, models.StatePending)
		assert.Error(t, err)
	})
}

func TestListActiveOlderThan(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	old := newExecution("agent-1", "user-1", nil)
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.Create(ctx, old))

	fresh := newExecution("agent-1", "user-2", nil)
	require.NoError(t, st.Create(ctx, fresh))

	expired, err := st.ListActiveOlderThan(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)
}

func TestListAndFilter(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	for i := 0; i < 3; i++ {
		exec := newExecution("agent-1", "user-1", nil)
		exec.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, st.Create(ctx, exec))
		_, err := st.Terminalize(ctx, exec.ID, models.StateCompleted, strPtr("done"), nil, true)
		require.NoError(t, err)
	}
	require.NoError(t, st.Create(ctx, newExecution("agent-2", "user-1", nil)))

	t.Run("filter by agent", func(t *testing.T) {
		execs, err := st.List(ctx, Filter{AgentID: "agent-1"})
		require.NoError(t, err)
		assert.Len(t, execs, 3)
	})

	t.Run("limit applies after sorting newest first", func(t *testing.T) {
		execs, err := st.List(ctx, Filter{AgentID: "agent-1", Limit: 2})
		require.NoError(t, err)
		require.Len(t, execs, 2)
		assert.True(t, execs[0].CreatedAt.After(execs[1].CreatedAt))
	})
}
