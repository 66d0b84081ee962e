package stream

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/strandhq/strand/internal/common/logger"
	"github.com/strandhq/strand/internal/events/bus"
)

// Hub manages websocket observers of execution lifecycle events. Clients
// subscribe by execution ID and receive the bus events the supervisor and
// worker publish. The hub is an observability surface; the SSE stream is the
// authoritative delivery path for answers.
type Hub struct {
	clients              map[*Client]bool
	executionSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *bus.Event
	done       chan struct{}

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a websocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:              make(map[*Client]bool),
		executionSubscribers: make(map[string]map[*Client]bool),
		register:             make(chan *Client),
		unregister:           make(chan *Client),
		broadcast:            make(chan *bus.Event, 256),
		done:                 make(chan struct{}),
		logger:               log.WithFields(zap.String("component", "ws_hub")),
	}
}

// BindBus subscribes the hub to execution events so connected clients see
// lifecycle changes as they happen.
func (h *Hub) BindBus(eventBus bus.EventBus) error {
	_, err := eventBus.Subscribe(bus.SubjectExecutionAll, func(ctx context.Context, event *bus.Event) error {
		select {
		case h.broadcast <- event:
		default:
			h.logger.Warn("hub broadcast buffer full, dropping event",
				zap.String("type", event.Type))
		}
		return nil
	})
	return err
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.executionSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for executionID := range client.subscriptions {
			if clients, ok := h.executionSubscribers[executionID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.executionSubscribers, executionID)
				}
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// broadcastEvent routes an execution event to the clients subscribed to its
// execution ID.
func (h *Hub) broadcastEvent(event *bus.Event) {
	executionID, _ := event.Data["execution_id"].(string)
	if executionID == "" {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal broadcast event", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := h.executionSubscribers[executionID]
	recipients := make([]*Client, 0, len(clients))
	for client := range clients {
		recipients = append(recipients, client)
	}
	h.mu.RUnlock()

	for _, client := range recipients {
		select {
		case client.send <- data:
		default:
			// Buffer full; the write pump cleans up the client.
		}
	}
}

// Register adds a client to the hub. A client arriving after the hub has
// stopped is released immediately instead of blocking its serve goroutine.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		// Run's shutdown already closed every registered client.
	}
}

// Subscribe subscribes a client to one execution's events.
func (h *Hub) Subscribe(client *Client, executionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.executionSubscribers[executionID]; !ok {
		h.executionSubscribers[executionID] = make(map[*Client]bool)
	}
	h.executionSubscribers[executionID][client] = true
	client.subscriptions[executionID] = true

	h.logger.Debug("client subscribed",
		zap.String("client_id", client.ID),
		zap.String("execution_id", executionID))
}

// Unsubscribe removes a client's subscription to one execution.
func (h *Hub) Unsubscribe(client *Client, executionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, executionID)
	if clients, ok := h.executionSubscribers[executionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.executionSubscribers, executionID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns how many clients watch the given execution.
func (h *Hub) SubscriberCount(executionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.executionSubscribers[executionID])
}
