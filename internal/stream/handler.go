package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/strandhq/strand/internal/agent"
	"github.com/strandhq/strand/internal/common/logger"
	"github.com/strandhq/strand/internal/execution/models"
	"github.com/strandhq/strand/internal/execution/supervisor"
	"github.com/strandhq/strand/internal/execution/worker"
	"github.com/strandhq/strand/internal/relay"
)

// recordCheckEvery is how many poll ticks pass between authoritative record
// reads while polling. The relay is the fast path; the record read catches
// terminal envelopes lost to a relay restart or an attach to a stream whose
// worker publishes nowhere.
const recordCheckEvery = 4

// Config holds stream handler timing.
type Config struct {
	Deadline          time.Duration
	PollInterval      time.Duration
	KeepaliveInterval time.Duration
}

// Handler drives the client-facing streaming protocol.
type Handler struct {
	registry   *agent.Registry
	supervisor *supervisor.Supervisor
	runner     *worker.Runner
	relay      relay.Relay
	logger     *logger.Logger
	config     Config
}

// NewHandler creates a stream handler.
func NewHandler(reg *agent.Registry, sup *supervisor.Supervisor, run *worker.Runner, rl relay.Relay, log *logger.Logger, config Config) *Handler {
	return &Handler{
		registry:   reg,
		supervisor: sup,
		runner:     run,
		relay:      rl,
		logger:     log.WithFields(zap.String("component", "stream-handler")),
		config:     config,
	}
}

// RegisterRoutes mounts the streaming endpoint.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/agents/:id/stream", h.httpStream)
}

type httpStreamRequest struct {
	UserID         string                 `json:"user_id"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	ActiveKey      string                 `json:"active_key,omitempty"`
	Input          string                 `json:"input"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// httpStream runs one streaming session. The connection state machine:
// create-or-attach the execution, then either consume an inline generation
// directly or dispatch a detached worker and poll the relay. Every exit path
// ends the stream with the end-of-stream sentinel.
func (h *Handler) httpStream(c *gin.Context) {
	agentID := c.Param("id")

	var body httpStreamRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if body.UserID == "" || body.Input == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and input are required"})
		return
	}

	ag, err := h.registry.Get(agentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	writer, err := NewWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	// The sentinel closes every exit path exactly once.
	defer func() {
		if err := writer.WriteEndOfStream(); err != nil {
			h.logger.Debug("failed to write end-of-stream", zap.Error(err))
		}
	}()

	ctx := c.Request.Context()

	metadata := body.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	if _, ok := metadata["trigger_origin"]; !ok {
		metadata["trigger_origin"] = string(agent.TriggerAPI)
	}

	req := supervisor.CreateRequest{
		AgentID:        agentID,
		UserID:         body.UserID,
		ConversationID: optional(body.ConversationID),
		ActiveKey:      optional(body.ActiveKey),
		Input:          body.Input,
		MaxSteps:       ag.MaxSteps,
		Metadata:       metadata,
	}

	exec, attached, err := h.supervisor.CreateOrAttach(ctx, req)
	if err != nil {
		// Nothing was dispatched; there is no record to clean up beyond
		// what the supervisor already did.
		h.logger.Error("failed to create execution",
			zap.String("agent_id", agentID),
			zap.Error(err))
		h.writeError(writer, "failed to start execution")
		return
	}

	log := h.logger.WithExecutionID(exec.ID)

	if err := writer.WriteEvent(relay.TypeSession, map[string]interface{}{
		"session_id":   exec.ConversationKey(),
		"execution_id": exec.ID,
		"attached":     attached,
	}); err != nil {
		log.Debug("client gone before session event", zap.Error(err))
		return
	}

	if ag.Routing == agent.RoutingInline && !attached {
		h.streamInline(ctx, writer, exec, log)
		return
	}

	if !attached {
		h.runner.Dispatch(exec)
	}
	h.pollLoop(ctx, writer, exec, log)
}

// streamInline consumes the generation in the request goroutine. Worker
// failures here happened before anything detached existed, so the record is
// already failed by the runner and the client gets an error event.
func (h *Handler) streamInline(ctx context.Context, writer *Writer, exec *models.Execution, log *logger.Logger) {
	sink := func(env *relay.Envelope) error {
		return writer.WriteEnvelope(env)
	}

	output, err := h.runner.RunInline(ctx, exec, sink)
	if err != nil {
		log.Warn("inline execution failed", zap.Error(err))
		h.writeError(writer, worker.ClientErrorMessage)
		return
	}

	if err := writer.WriteEvent(relay.TypeAnswerStream, map[string]interface{}{
		"execution_id": exec.ID,
		"text":         output,
	}); err != nil {
		log.Debug("client gone before final answer", zap.Error(err))
	}
}

// pollLoop drains the relay until a terminal envelope arrives, the record is
// observed terminal, or the deadline passes. Write failures mean the client
// is gone; the detached worker owns the record's fate, so the loop just
// exits without touching it.
func (h *Handler) pollLoop(ctx context.Context, writer *Writer, exec *models.Execution, log *logger.Logger) {
	key := exec.ConversationKey()
	deadline := exec.CreatedAt.Add(h.config.Deadline)
	lastKeepalive := time.Now()

	for tick := 0; ; tick++ {
		envs, err := h.relay.Drain(ctx, key)
		if err != nil {
			log.Warn("relay drain failed", zap.Error(err))
		}
		for _, env := range envs {
			if err := writer.WriteEnvelope(env); err != nil {
				log.Debug("client disconnected mid-stream", zap.Error(err))
				return
			}
			if env.Final {
				return
			}
		}

		if tick%recordCheckEvery == recordCheckEvery-1 {
			fresh, err := h.supervisor.Get(ctx, exec.ID)
			if err == nil && fresh.IsTerminal() {
				h.emitTerminal(writer, fresh, log)
				return
			}
		}

		if time.Since(lastKeepalive) >= h.config.KeepaliveInterval {
			if err := writer.WriteKeepalive(); err != nil {
				log.Debug("client disconnected on keepalive", zap.Error(err))
				return
			}
			lastKeepalive = time.Now()
		}

		select {
		case <-ctx.Done():
			log.Debug("client context cancelled, abandoning poll")
			return
		case <-time.After(h.config.PollInterval):
		}

		if time.Now().After(deadline) {
			h.finishDeadline(ctx, writer, exec, deadline, log)
			return
		}
	}
}

// finishDeadline resolves a stream that ran out of wall clock. The record is
// re-read first: a worker that finished inside the final poll window still
// wins (its terminal envelope may be gone from the relay, but the output is
// durable). Only a record still active gets forced down the timeout path.
func (h *Handler) finishDeadline(ctx context.Context, writer *Writer, exec *models.Execution, deadline time.Time, log *logger.Logger) {
	fresh, err := h.supervisor.Get(ctx, exec.ID)
	if err != nil {
		log.Error("failed to re-read execution at deadline", zap.Error(err))
		h.writeError(writer, supervisor.TimeoutMessage)
		return
	}
	if fresh.IsTerminal() {
		h.emitTerminal(writer, fresh, log)
		return
	}

	if _, err := h.supervisor.EnforceTimeout(ctx, fresh, deadline); err != nil {
		log.Error("failed to enforce timeout", zap.Error(err))
	}
	if fresh.State == models.StateCompleted && fresh.Output != nil {
		// The worker's terminal write slipped in under the timeout guard.
		h.emitTerminal(writer, fresh, log)
		return
	}
	h.writeError(writer, supervisor.TimeoutMessage)
}

// emitTerminal reports a terminal record to the client: the persisted answer
// on completion, an error event otherwise.
func (h *Handler) emitTerminal(writer *Writer, exec *models.Execution, log *logger.Logger) {
	if exec.State == models.StateCompleted && exec.Output != nil {
		if err := writer.WriteEvent(relay.TypeAnswerStream, map[string]interface{}{
			"execution_id": exec.ID,
			"text":         *exec.Output,
		}); err != nil {
			log.Debug("client gone before final answer", zap.Error(err))
		}
		return
	}

	message := worker.ClientErrorMessage
	if exec.ErrorMessage != nil && *exec.ErrorMessage == supervisor.TimeoutMessage {
		message = supervisor.TimeoutMessage
	}
	h.writeError(writer, message)
}

func (h *Handler) writeError(writer *Writer, message string) {
	if err := writer.WriteEvent(relay.TypeError, map[string]interface{}{
		"message": message,
	}); err != nil {
		h.logger.Debug("failed to write error event", zap.Error(err))
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
