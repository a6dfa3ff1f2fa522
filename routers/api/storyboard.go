package api

import (
	"errors"
	"net/http"

	"ViralLaunch-server/models"
	"ViralLaunch-server/service"

	"github.com/gin-gonic/gin"
)

// POST /v1/api/projects/:project_id/storyboard
func (h *Handler) CreateStoryboard(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	err := h.pipeline.StartStoryboard(c.Request.Context(), id)
	if errors.Is(err, service.ErrAlreadyRunning) {
		c.JSON(http.StatusOK, gin.H{"status": "already_generating", "run_id": models.RunID(id, models.RunKindStoryboard)})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started", "run_id": models.RunID(id, models.RunKindStoryboard)})
}

// GET /v1/api/projects/:project_id/storyboard
func (h *Handler) GetStoryboard(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	run, err := h.pipeline.RunStatus(c.Request.Context(), id, models.RunKindStoryboard)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}
