package agent

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/strandhq/strand/internal/common/errors"
)

// RegisterRoutes mounts the agent read API.
func (r *Registry) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.GET("/agents", r.httpListAgents)
	api.GET("/agents/:id", r.httpGetAgent)
}

func (r *Registry) httpListAgents(c *gin.Context) {
	agents := r.ListEnabled()
	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"total":  len(agents),
	})
}

func (r *Registry) httpGetAgent(c *gin.Context) {
	id := c.Param("id")
	config, err := r.Get(id)
	if err != nil {
		appErr := apperrors.NotFound("agent", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, config)
}
