package stream

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandhq/strand/internal/common/logger"
	"github.com/strandhq/strand/internal/events/bus"
)

func newHubClient() *Client {
	return &Client{
		ID:            uuid.New().String(),
		send:          make(chan []byte, 4),
		subscriptions: make(map[string]bool),
	}
}

func newTestHub(t *testing.T) *Hub {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return NewHub(log)
}

func waitForCount(t *testing.T, count func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("count never reached %d, got %d", want, count())
}

func TestHubRegisterAndBroadcast(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	h := NewHub(log)
	eventBus := bus.NewMemoryEventBus(log)
	require.NoError(t, h.BindBus(eventBus))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := newHubClient()
	h.Register(client)
	waitForCount(t, h.ClientCount, 1)

	h.Subscribe(client, "exec-1")
	assert.Equal(t, 1, h.SubscriberCount("exec-1"))

	event := bus.NewEvent(bus.SubjectExecutionCompleted, "supervisor",
		map[string]interface{}{"execution_id": "exec-1"})
	require.NoError(t, eventBus.Publish(context.Background(), bus.SubjectExecutionCompleted, event))

	select {
	case data := <-client.send:
		assert.Contains(t, string(data), "exec-1")
	case <-time.After(2 * time.Second):
		t.Fatal("subscribed client never received the broadcast")
	}

	// An unsubscribed client sees nothing.
	h.Unsubscribe(client, "exec-1")
	assert.Equal(t, 0, h.SubscriberCount("exec-1"))

	h.Unregister(client)
	waitForCount(t, h.ClientCount, 0)
}

func TestHubRegisterAfterShutdownDoesNotBlock(t *testing.T) {
	h := newTestHub(t)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(runDone)
	}()

	registered := newHubClient()
	h.Register(registered)
	waitForCount(t, h.ClientCount, 1)

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("hub never stopped")
	}

	// The registered client was released by shutdown.
	_, open := <-registered.send
	assert.False(t, open)

	// A late arrival must not hang its serve goroutine; its send channel is
	// closed so the write pump exits.
	late := newHubClient()
	finished := make(chan struct{})
	go func() {
		h.Register(late)
		h.Unregister(late)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("register/unregister blocked after hub shutdown")
	}
	_, open = <-late.send
	assert.False(t, open)
}
