package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateIsTerminal(t *testing.T) {
	for _, s := range ActiveStates() {
		assert.False(t, s.IsTerminal(), "state %s should not be terminal", s)
		assert.True(t, s.IsActive(), "state %s should be active", s)
	}
	for _, s := range []State{StateCompleted, StateFailed, StateCancelled} {
		assert.True(t, s.IsTerminal(), "state %s should be terminal", s)
		assert.False(t, s.IsActive(), "state %s should not be active", s)
	}
}

func TestCanTransition(t *testing.T) {
	t.Run("forward transitions are allowed", func(t *testing.T) {
		assert.True(t, StatePending.CanTransition(StatePlanning))
		assert.True(t, StatePending.CanTransition(StateExecuting))
		assert.True(t, StatePlanning.CanTransition(StatePlanned))
		assert.True(t, StateExecuting.CanTransition(StateSynthesizing))
		assert.True(t, StateSynthesizing.CanTransition(StateCompleted))
		assert.True(t, StatePending.CanTransition(StateFailed))
		assert.True(t, StateExecuting.CanTransition(StateCancelled))
	})

	t.Run("backward transitions are rejected", func(t *testing.T) {
		assert.False(t, StateExecuting.CanTransition(StatePending))
		assert.False(t, StateSynthesizing.CanTransition(StatePlanning))
		assert.False(t, StatePlanned.CanTransition(StatePlanning))
	})

	t.Run("terminal states admit no transitions", func(t *testing.T) {
		for _, terminal := range []State{StateCompleted, StateFailed, StateCancelled} {
			for _, next := range []State{StatePending, StateExecuting, StateCompleted, StateFailed, StateCancelled} {
				assert.False(t, terminal.CanTransition(next),
					"terminal state %s must not transition to %s", terminal, next)
			}
		}
	})

	t.Run("unknown states are rejected", func(t *testing.T) {
		assert.False(t, State("bogus").CanTransition(StateCompleted))
		assert.False(t, StatePending.CanTransition(State("bogus")))
	})
}

func TestStatusDerivation(t *testing.T) {
	assert.Equal(t, StatusPending, StatePending.Status())
	assert.Equal(t, StatusRunning, StatePlanning.Status())
	assert.Equal(t, StatusRunning, StatePlanned.Status())
	assert.Equal(t, StatusRunning, StateExecuting.Status())
	assert.Equal(t, StatusRunning, StateSynthesizing.Status())
	assert.Equal(t, StatusCompleted, StateCompleted.Status())
	assert.Equal(t, StatusFailed, StateFailed.Status())
	assert.Equal(t, StatusCancelled, StateCancelled.Status())
}

func TestConversationKey(t *testing.T) {
	t.Run("uses conversation id when present", func(t *testing.T) {
		conv := "conv-1"
		exec := &Execution{ID: "exec-1", ConversationID: &conv}
		assert.Equal(t, "conv-1", exec.ConversationKey())
	})

	t.Run("falls back to execution id", func(t *testing.T) {
		exec := &Execution{ID: "exec-1"}
		assert.Equal(t, "exec-1", exec.ConversationKey())

		empty := ""
		exec = &Execution{ID: "exec-2", ConversationID: &empty}
		assert.Equal(t, "exec-2", exec.ConversationKey())
	})
}
