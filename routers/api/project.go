package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"ViralLaunch-server/models"
	"ViralLaunch-server/service"

	"github.com/gin-gonic/gin"
)

const maxDocumentBytes = 4 << 20

// Handler serves the pipeline API.
type Handler struct {
	pipeline *service.Pipeline
	logger   *slog.Logger
}

func NewHandler(p *service.Pipeline, logger *slog.Logger) *Handler {
	return &Handler{pipeline: p, logger: logger.With("component", "api")}
}

// projectID reads and validates the :project_id parameter.
func projectID(c *gin.Context) (string, bool) {
	id := c.Param("project_id")
	if !service.ValidName(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return "", false
	}
	return id, true
}

// writeError maps service errors to status codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrConfig):
		status = http.StatusInternalServerError
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyRunning),
		errors.Is(err, service.ErrNotRetryable),
		errors.Is(err, service.ErrPrerequisite):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// PUT /v1/api/projects/:project_id/documents/:key
func (h *Handler) PutDocument(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	key := c.Param("key")
	if !models.UploadableDocs[key] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document key not writable: " + key})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDocumentBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body) > maxDocumentBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "document too large"})
		return
	}
	if !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document is not valid JSON"})
		return
	}
	if key == models.DocResearchOutput {
		var r models.Research
		if err := json.Unmarshal(body, &r); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid research_output: " + err.Error()})
			return
		}
	}
	if err := h.pipeline.Docs().Put(c.Request.Context(), id, key, body); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": id, "key": key})
}

// GET /v1/api/projects/:project_id/documents/:key
func (h *Handler) GetDocument(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	key := c.Param("key")
	if !service.ValidName(key) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document key"})
		return
	}
	body, err := h.pipeline.Docs().Get(c.Request.Context(), id, key)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// DELETE /v1/api/projects/:project_id
func (h *Handler) DeleteProject(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	if err := h.pipeline.DeleteProject(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "project deleted", "project_id": id})
}
