package relay

import (
	"context"
	"sync"
)

// MemoryRelay is an in-process Relay used for tests and single-process
// deployments where worker and stream handler share memory anyway.
type MemoryRelay struct {
	mu     sync.Mutex
	queues map[string][]*Envelope
}

// NewMemoryRelay creates an empty in-memory relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{queues: make(map[string][]*Envelope)}
}

// Publish appends an envelope to the key's queue.
func (r *MemoryRelay) Publish(ctx context.Context, key string, env *Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[key] = append(r.queues[key], env)
	return nil
}

// Drain pops all queued envelopes for the key.
func (r *MemoryRelay) Drain(ctx context.Context, key string) ([]*Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queued := r.queues[key]
	delete(r.queues, key)
	return queued, nil
}
