package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandhq/strand/internal/common/logger"
	"github.com/strandhq/strand/internal/events/bus"
	"github.com/strandhq/strand/internal/execution/models"
	"github.com/strandhq/strand/internal/execution/store"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	require.NoError(t, err)
	return log
}

func newTestSupervisor(t *testing.T, st store.Store) *Supervisor {
	return New(st, bus.NewMemoryEventBus(newTestLogger(t)), newTestLogger(t), Config{
		Deadline:   5 * time.Minute,
		StaleAfter: 10 * time.Minute,
	})
}

func strPtr(s string) *string { return &s }

func testRequest(conversationID string) CreateRequest {
	return CreateRequest{
		AgentID:        "agent-1",
		UserID:         "user-1",
		ConversationID: strPtr(conversationID),
		Input:          "what is the answer",
		MaxSteps:       5,
	}
}

func TestCreateOrAttach(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a pending execution", func(t *testing.T) {
		sup := newTestSupervisor(t, store.NewMemoryStore())
		exec, attached, err := sup.CreateOrAttach(ctx, testRequest("conv-1"))
		require.NoError(t, err)
		assert.False(t, attached)
		assert.Equal(t, models.StatePending, exec.State)
		assert.NotEmpty(t, exec.ID)
	})

	t.Run("second request attaches to the active execution", func(t *testing.T) {
		sup := newTestSupervisor(t, store.NewMemoryStore())
		first, attached, err := sup.CreateOrAttach(ctx, testRequest("conv-1"))
		require.NoError(t, err)
		require.False(t, attached)

		second, attached, err := sup.CreateOrAttach(ctx, testRequest("conv-1"))
		require.NoError(t, err)
		assert.True(t, attached)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("create succeeds again after the active execution completes", func(t *testing.T) {
		sup := newTestSupervisor(t, store.NewMemoryStore())
		first, _, err := sup.CreateOrAttach(ctx, testRequest("conv-1"))
		require.NoError(t, err)
		require.NoError(t, sup.MarkCompleted(ctx, first, "done"))

		second, attached, err := sup.CreateOrAttach(ctx, testRequest("conv-1"))
		require.NoError(t, err)
		assert.False(t, attached)
		assert.NotEqual(t, first.ID, second.ID)
	})
}

func TestCreateOrAttachConcurrent(t *testing.T) {
	ctx := context.Background()
	sup := newTestSupervisor(t, store.NewMemoryStore())

	const goroutines = 16
	var wg sync.WaitGroup
	ids := make([]string, goroutines)
	created := make([]bool, goroutines)
	errs := make([]error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exec, attached, err := sup.CreateOrAttach(ctx, testRequest("conv-1"))
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = exec.ID
			created[i] = !attached
		}(i)
	}
	wg.Wait()

	creators := 0
	for i := 0; i < goroutines; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i], "every caller must land on the same execution")
		if created[i] {
			creators++
		}
	}
	assert.Equal(t, 1, creators, "exactly one caller may create")
}

func TestTerminalIdempotence(t *testing.T) {
	ctx := context.Background()
	sup := newTestSupervisor(t, store.NewMemoryStore())

	exec, _, err := sup.CreateOrAttach(ctx, testRequest("conv-1"))
	require.NoError(t, err)

	require.NoError(t, sup.MarkCompleted(ctx, exec, "the answer"))

	t.Run("duplicate completion is a no-op", func(t *testing.T) {
		assert.NoError(t, sup.MarkCompleted(ctx, exec, "a different answer"))
		fresh, err := sup.Get(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, "the answer", *fresh.Output)
	})

	t.Run("failure after completion is a no-op", func(t *testing.T) {
		assert.NoError(t, sup.MarkFailed(ctx, exec, "boom"))
		fresh, err := sup.Get(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateCompleted, fresh.State)
		assert.Nil(t, fresh.ErrorMessage)
	})

	t.Run("cancellation after completion is a no-op", func(t *testing.T) {
		assert.NoError(t, sup.MarkCancelled(ctx, exec, "too slow"))
		fresh, err := sup.Get(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateCompleted, fresh.State)
	})
}

func TestEnforceTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("active execution past deadline is failed and unlocked", func(t *testing.T) {
		st := store.NewMemoryStore()
		sup := newTestSupervisor(t, st)

		req := testRequest("conv-1")
		req.ActiveKey = strPtr("lock-1")
		exec, _, err := sup.CreateOrAttach(ctx, req)
		require.NoError(t, err)

		applied, err := sup.EnforceTimeout(ctx, exec, time.Now().Add(-time.Second))
		require.NoError(t, err)
		assert.True(t, applied)

		fresh, err := sup.Get(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateFailed, fresh.State)
		require.NotNil(t, fresh.ErrorMessage)
		assert.Equal(t, TimeoutMessage, *fresh.ErrorMessage)
		assert.Nil(t, fresh.ActiveKey, "lock token must be cleared")

		// The scope is free again.
		_, attached, err := sup.CreateOrAttach(ctx, req)
		require.NoError(t, err)
		assert.False(t, attached)
	})

	t.Run("deadline in the future is a no-op", func(t *testing.T) {
		sup := newTestSupervisor(t, store.NewMemoryStore())
		exec, _, err := sup.CreateOrAttach(ctx, testRequest("conv-1"))
		require.NoError(t, err)

		applied, err := sup.EnforceTimeout(ctx, exec, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("worker completion beats the timeout", func(t *testing.T) {
		sup := newTestSupervisor(t, store.NewMemoryStore())
		exec, _, err := sup.CreateOrAttach(ctx, testRequest("conv-1"))
		require.NoError(t, err)
		require.NoError(t, sup.MarkCompleted(ctx, exec, "made it"))

		applied, err := sup.EnforceTimeout(ctx, exec, time.Now().Add(-time.Second))
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, models.StateCompleted, exec.State)
		require.NotNil(t, exec.Output)
		assert.Equal(t, "made it", *exec.Output)
	})
}

// A timed-out execution and a racing worker must never produce a record with
// both output and error message set.
func TestWorkerTimeoutRaceLeavesConsistentRecord(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		sup := newTestSupervisor(t, store.NewMemoryStore())
		exec, _, err := sup.CreateOrAttach(ctx, testRequest("conv-race"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			worker := *exec
			_ = sup.MarkCompleted(ctx, &worker, "worker output")
		}()
		go func() {
			defer wg.Done()
			timeout := *exec
			_, _ = sup.EnforceTimeout(ctx, &timeout, time.Now().Add(-time.Second))
		}()
		wg.Wait()

		fresh, err := sup.Get(ctx, exec.ID)
		require.NoError(t, err)
		require.True(t, fresh.IsTerminal())
		if fresh.Output != nil {
			assert.Nil(t, fresh.ErrorMessage, "completed record must not carry an error")
			assert.Equal(t, models.StateCompleted, fresh.State)
		} else {
			require.NotNil(t, fresh.ErrorMessage)
			assert.Equal(t, models.StateFailed, fresh.State)
		}
	}
}

func TestCleanupStale(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	sup := New(st, bus.NewMemoryEventBus(newTestLogger(t)), newTestLogger(t), Config{
		Deadline:   5 * time.Minute,
		StaleAfter: 10 * time.Minute,
	})

	stale := &models.Execution{
		ID:             "stale-1",
		AgentID:        "agent-1",
		UserID:         "user-1",
		ConversationID: strPtr("conv-1"),
		State:          models.StateExecuting,
		Input:          "old request",
		CreatedAt:      time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, st.Create(ctx, stale))

	recent := &models.Execution{
		ID:             "recent-1",
		AgentID:        "agent-1",
		UserID:         "user-1",
		ConversationID: strPtr("conv-2"),
		State:          models.StateExecuting,
		Input:          "current request",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.Create(ctx, recent))

	require.NoError(t, sup.CleanupStale(ctx, "agent-1", "user-1", strPtr("conv-1")))

	t.Run("stale execution is cancelled with a reason", func(t *testing.T) {
		fresh, err := st.Get(ctx, "stale-1")
		require.NoError(t, err)
		assert.Equal(t, models.StateCancelled, fresh.State)
		require.NotNil(t, fresh.ErrorMessage)
		assert.Equal(t, SupersededMessage, *fresh.ErrorMessage)
	})

	t.Run("recent execution in another scope is untouched", func(t *testing.T) {
		fresh, err := st.Get(ctx, "recent-1")
		require.NoError(t, err)
		assert.Equal(t, models.StateExecuting, fresh.State)
	})
}

func TestMarkFailedTruncatesMessage(t *testing.T) {
	ctx := context.Background()
	sup := newTestSupervisor(t, store.NewMemoryStore())

	exec, _, err := sup.CreateOrAttach(ctx, testRequest("conv-1"))
	require.NoError(t, err)

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, sup.MarkFailed(ctx, exec, string(long)))

	fresh, err := sup.Get(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.ErrorMessage)
	assert.LessOrEqual(t, len(*fresh.ErrorMessage), maxErrorMessageLen)
}
