// Package worker runs agent computations and reports their progress.
package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/strandhq/strand/internal/execution/models"
	"github.com/strandhq/strand/internal/relay"
)

// Chunk is one unit of agent progress: a slice of answer text or a tool
// milestone.
type Chunk struct {
	Type string                 // relay envelope type: answer_stream, tool_call, tool_result
	Text string                 // answer text for answer_stream chunks
	Data map[string]interface{} // milestone payload for tool chunks
}

// Generator produces the agent computation for one execution. Implementations
// call emit for each intermediate chunk and return the final answer. The
// runner owns all state transitions and terminal writes; generators only
// compute.
type Generator interface {
	Generate(ctx context.Context, exec *models.Execution, emit func(Chunk) error) (string, error)
}

// EchoGenerator is the built-in generator used when no model backend is
// configured. It streams the input back in growing prefixes, which keeps the
// full pipeline exercisable end to end.
type EchoGenerator struct {
	// ChunkCount is how many incremental answer_stream chunks to emit
	// before the final answer. Zero means 3.
	ChunkCount int
}

// Generate streams prefixes of the echoed answer and returns the whole of it.
func (g *EchoGenerator) Generate(ctx context.Context, exec *models.Execution, emit func(Chunk) error) (string, error) {
	answer := fmt.Sprintf("You said: %s", strings.TrimSpace(exec.Input))

	count := g.ChunkCount
	if count <= 0 {
		count = 3
	}
	for i := 1; i <= count; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		end := len(answer) * i / count
		if err := emit(Chunk{Type: relay.TypeAnswerStream, Text: answer[:end]}); err != nil {
			return "", err
		}
	}
	return answer, nil
}
