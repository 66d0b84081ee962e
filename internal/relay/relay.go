// Package relay provides the per-conversation event mailbox that bridges a
// detached worker to a polling stream handler.
//
// The relay is intentionally minimal: append-only publish, atomic
// drain-on-read, per-key FIFO, no replay. A publish racing a drain lands
// entirely before or entirely after the drain boundary, never both.
package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Envelope event types carried through the relay and onto the wire.
const (
	TypeSession      = "session"
	TypeAnswerStream = "answer_stream"
	TypeToolCall     = "tool_call"
	TypeToolResult   = "tool_result"
	TypeError        = "error"
)

// Envelope is one event in a conversation mailbox.
type Envelope struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Final     bool                   `json:"final,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEnvelope creates an envelope with a fresh ID and current timestamp.
func NewEnvelope(eventType string, data map[string]interface{}) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// NewTerminalEnvelope creates an envelope marked as the last event of an
// execution. The stream handler stops polling when it drains one.
func NewTerminalEnvelope(eventType string, data map[string]interface{}) *Envelope {
	env := NewEnvelope(eventType, data)
	env.Final = true
	return env
}

// Relay is the mailbox between a detached worker and a stream handler.
type Relay interface {
	// Publish appends an envelope to the key's queue.
	Publish(ctx context.Context, key string, env *Envelope) error

	// Drain atomically pops all currently queued envelopes for the key,
	// in publish order, and clears the key.
	Drain(ctx context.Context, key string) ([]*Envelope, error)
}
