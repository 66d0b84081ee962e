package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/strandhq/strand/internal/common/logger"
	"github.com/strandhq/strand/internal/common/tracing"
	"github.com/strandhq/strand/internal/events/bus"
	"github.com/strandhq/strand/internal/execution/models"
	"github.com/strandhq/strand/internal/execution/supervisor"
	"github.com/strandhq/strand/internal/relay"
)

// ClientErrorMessage is what streaming clients see when a worker fails. The
// underlying error is stored on the record, not leaked over the wire.
const ClientErrorMessage = "agent execution failed; please try again"

// Sink receives envelopes from an inline worker run, in order.
type Sink func(env *relay.Envelope) error

// Runner drives a Generator through an execution's lifecycle.
//
// Terminal outcomes in detached mode are signaled twice: the record is
// terminalized in the store and a final envelope lands in the relay. The
// stream handler may observe either first. Every exit path of a run,
// including panics, leaves the record terminal.
type Runner struct {
	generator  Generator
	supervisor *supervisor.Supervisor
	relay      relay.Relay
	bus        bus.EventBus
	logger     *logger.Logger
	deadline   time.Duration
}

// NewRunner creates a runner.
func NewRunner(gen Generator, sup *supervisor.Supervisor, rl relay.Relay, eventBus bus.EventBus, log *logger.Logger) *Runner {
	return &Runner{
		generator:  gen,
		supervisor: sup,
		relay:      rl,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "worker")),
		deadline:   sup.Deadline(),
	}
}

// RunInline executes the generator synchronously, forwarding each chunk to
// the sink. It returns the final output after the record has been completed.
// On any failure the record is marked failed before the error is returned.
func (r *Runner) RunInline(ctx context.Context, exec *models.Execution, sink Sink) (output string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("inline worker panicked",
				zap.String("execution_id", exec.ID),
				zap.Any("panic", rec))
			err = fmt.Errorf("worker panic: %v", rec)
			r.failAndWrap(ctx, exec, err)
		}
	}()

	ctx, span := tracing.Tracer("worker").Start(ctx, "worker.run_inline")
	defer span.End()

	if _, err := r.supervisor.MarkStarted(ctx, exec, models.StateExecuting); err != nil {
		r.failAndWrap(ctx, exec, err)
		return "", fmt.Errorf("failed to start execution: %w", err)
	}

	emit := func(chunk Chunk) error {
		return sink(r.envelopeFor(exec, chunk))
	}

	output, genErr := r.generator.Generate(ctx, exec, emit)
	if genErr != nil {
		r.failAndWrap(ctx, exec, genErr)
		return "", genErr
	}

	if _, err := r.supervisor.Advance(ctx, exec, models.StateSynthesizing); err != nil {
		r.failAndWrap(ctx, exec, err)
		return "", fmt.Errorf("failed to advance execution: %w", err)
	}
	if err := r.supervisor.MarkCompleted(ctx, exec, output); err != nil {
		return "", err
	}
	return output, nil
}

// Dispatch launches the generator on its own goroutine. The detached run
// publishes progress into the relay under the execution's conversation key
// and dual-signals its terminal outcome. Nothing is sent back to the caller.
func (r *Runner) Dispatch(exec *models.Execution) {
	go func() {
		// Detached runs outlive the originating request. The deadline here
		// only bounds a cooperative generator; an uninterruptible one is
		// abandoned to the timeout sweeper.
		ctx, cancel := context.WithTimeout(context.Background(), r.deadline)
		defer cancel()
		r.runDetached(ctx, exec)
	}()
}

func (r *Runner) runDetached(ctx context.Context, exec *models.Execution) {
	key := exec.ConversationKey()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("detached worker panicked",
				zap.String("execution_id", exec.ID),
				zap.Any("panic", rec))
			r.terminalizeFailed(ctx, exec, key, fmt.Sprintf("worker panic: %v", rec))
		}
	}()

	ctx, span := tracing.Tracer("worker").Start(ctx, "worker.run_detached")
	defer span.End()

	if _, err := r.supervisor.MarkStarted(ctx, exec, models.StateExecuting); err != nil {
		r.terminalizeFailed(ctx, exec, key, err.Error())
		return
	}

	emit := func(chunk Chunk) error {
		env := r.envelopeFor(exec, chunk)
		if err := r.relay.Publish(ctx, key, env); err != nil {
			return fmt.Errorf("failed to publish progress: %w", err)
		}
		r.publishStreamEvent(ctx, exec, env)
		return nil
	}

	output, genErr := r.generator.Generate(ctx, exec, emit)

	// Everything past the generator must land even when the generator
	// consumed its entire deadline: a terminal write on the expired context
	// would fail against a real store and strand the record in an active
	// state.
	ctx = context.WithoutCancel(ctx)

	if genErr != nil {
		r.logger.Warn("detached worker failed",
			zap.String("execution_id", exec.ID),
			zap.Error(genErr))
		r.terminalizeFailed(ctx, exec, key, genErr.Error())
		return
	}

	if _, err := r.supervisor.Advance(ctx, exec, models.StateSynthesizing); err != nil {
		r.terminalizeFailed(ctx, exec, key, err.Error())
		return
	}

	// Store first, then relay: if the process dies between the two, the
	// stream handler still finds the result on its authoritative re-read.
	if err := r.supervisor.MarkCompleted(ctx, exec, output); err != nil {
		r.terminalizeFailed(ctx, exec, key, err.Error())
		return
	}
	final := relay.NewTerminalEnvelope(relay.TypeAnswerStream, map[string]interface{}{
		"execution_id": exec.ID,
		"text":         output,
	})
	if err := r.relay.Publish(ctx, key, final); err != nil {
		// Record is already terminal; the handler's fallback read covers this.
		r.logger.Warn("failed to publish terminal envelope",
			zap.String("execution_id", exec.ID),
			zap.Error(err))
	}
	r.publishStreamEvent(ctx, exec, final)
}

// terminalizeFailed marks the record failed and pushes a terminal error
// envelope so a polling handler stops immediately instead of waiting for its
// deadline.
func (r *Runner) terminalizeFailed(ctx context.Context, exec *models.Execution, key, message string) {
	// The failure often is the run context expiring; the terminal write and
	// the client-facing error envelope must not die with it.
	ctx = context.WithoutCancel(ctx)
	if err := r.supervisor.MarkFailed(ctx, exec, message); err != nil {
		r.logger.Error("failed to mark execution failed",
			zap.String("execution_id", exec.ID),
			zap.Error(err))
	}
	env := relay.NewTerminalEnvelope(relay.TypeError, map[string]interface{}{
		"execution_id": exec.ID,
		"message":      ClientErrorMessage,
	})
	if err := r.relay.Publish(ctx, key, env); err != nil {
		r.logger.Warn("failed to publish terminal error envelope",
			zap.String("execution_id", exec.ID),
			zap.Error(err))
	}
	r.publishStreamEvent(ctx, exec, env)
}

func (r *Runner) failAndWrap(ctx context.Context, exec *models.Execution, cause error) {
	// An inline run fails most often because the client's request context
	// is gone; the record must still reach a terminal state.
	ctx = context.WithoutCancel(ctx)
	if err := r.supervisor.MarkFailed(ctx, exec, cause.Error()); err != nil {
		r.logger.Error("failed to mark execution failed",
			zap.String("execution_id", exec.ID),
			zap.Error(err))
	}
}

func (r *Runner) envelopeFor(exec *models.Execution, chunk Chunk) *relay.Envelope {
	data := map[string]interface{}{
		"execution_id": exec.ID,
	}
	for k, v := range chunk.Data {
		data[k] = v
	}
	if chunk.Text != "" {
		data["text"] = chunk.Text
	}
	eventType := chunk.Type
	if eventType == "" {
		eventType = relay.TypeAnswerStream
	}
	return relay.NewEnvelope(eventType, data)
}

func (r *Runner) publishStreamEvent(ctx context.Context, exec *models.Execution, env *relay.Envelope) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(bus.SubjectExecutionStream, "worker", map[string]interface{}{
		"execution_id": exec.ID,
		"envelope":     env,
	})
	if err := r.bus.Publish(ctx, bus.SubjectExecutionStream, event); err != nil {
		r.logger.Debug("failed to publish stream event", zap.Error(err))
	}
}
