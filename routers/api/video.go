package api

import (
	"errors"
	"net/http"

	"ViralLaunch-server/models"
	"ViralLaunch-server/service"

	"github.com/gin-gonic/gin"
)

// POST /v1/api/projects/:project_id/video-gen
func (h *Handler) GenerateVideo(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	err := h.pipeline.StartClips(c.Request.Context(), id)
	if errors.Is(err, service.ErrAlreadyRunning) {
		c.JSON(http.StatusOK, gin.H{"status": "already_generating", "run_id": models.RunID(id, models.RunKindVideo)})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started", "run_id": models.RunID(id, models.RunKindVideo)})
}

// GET /v1/api/projects/:project_id/video-status
func (h *Handler) GetVideoStatus(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	vs, err := h.pipeline.VideoStatus(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, vs)
}

// POST /v1/api/projects/:project_id/retry-clip/:clip_id
func (h *Handler) RetryClip(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	clipID := c.Param("clip_id")
	if err := h.pipeline.RetryClip(c.Request.Context(), id, clipID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "retrying", "clip_id": clipID})
}
