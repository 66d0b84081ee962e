// Package handlers exposes the execution read API.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/strandhq/strand/internal/common/errors"
	"github.com/strandhq/strand/internal/common/logger"
	"github.com/strandhq/strand/internal/execution/models"
	"github.com/strandhq/strand/internal/execution/store"
)

type Handlers struct {
	store  store.Store
	logger *logger.Logger
}

func NewHandlers(st store.Store, log *logger.Logger) *Handlers {
	return &Handlers{
		store:  st,
		logger: log.WithFields(zap.String("component", "execution-handlers")),
	}
}

func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.GET("/executions", h.httpListExecutions)
	api.GET("/executions/:id", h.httpGetExecution)
}

// ExecutionDTO is the external view of an execution. The coarse status is
// derived from the fine-grained state at read time.
type ExecutionDTO struct {
	ID             string                 `json:"id"`
	AgentID        string                 `json:"agent_id"`
	UserID         string                 `json:"user_id"`
	ConversationID *string                `json:"conversation_id,omitempty"`
	State          string                 `json:"state"`
	Status         string                 `json:"status"`
	Input          string                 `json:"input"`
	Output         *string                `json:"output,omitempty"`
	ErrorMessage   *string                `json:"error_message,omitempty"`
	MaxSteps       int                    `json:"max_steps"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

func fromExecution(exec *models.Execution) ExecutionDTO {
	return ExecutionDTO{
		ID:             exec.ID,
		AgentID:        exec.AgentID,
		UserID:         exec.UserID,
		ConversationID: exec.ConversationID,
		State:          string(exec.State),
		Status:         string(exec.Status()),
		Input:          exec.Input,
		Output:         exec.Output,
		ErrorMessage:   exec.ErrorMessage,
		MaxSteps:       exec.MaxSteps,
		Metadata:       exec.Metadata,
		CreatedAt:      exec.CreatedAt,
		StartedAt:      exec.StartedAt,
		CompletedAt:    exec.CompletedAt,
	}
}

func (h *Handlers) httpGetExecution(c *gin.Context) {
	id := c.Param("id")
	exec, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			appErr := apperrors.NotFound("execution", id)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		h.logger.Error("failed to get execution", zap.Error(err))
		appErr := apperrors.InternalError("failed to get execution", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, fromExecution(exec))
}

type listExecutionsResponse struct {
	Executions []ExecutionDTO `json:"executions"`
	Total      int            `json:"total"`
}

func (h *Handlers) httpListExecutions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			appErr := apperrors.BadRequest("limit must be an integer between 1 and 500")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		limit = parsed
	}

	execs, err := h.store.List(c.Request.Context(), store.Filter{
		AgentID:        c.Query("agent_id"),
		UserID:         c.Query("user_id"),
		ConversationID: c.Query("conversation_id"),
		Limit:          limit,
	})
	if err != nil {
		h.logger.Error("failed to list executions", zap.Error(err))
		appErr := apperrors.InternalError("failed to list executions", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	resp := listExecutionsResponse{
		Executions: make([]ExecutionDTO, 0, len(execs)),
		Total:      len(execs),
	}
	for _, exec := range execs {
		resp.Executions = append(resp.Executions, fromExecution(exec))
	}
	c.JSON(http.StatusOK, resp)
}
