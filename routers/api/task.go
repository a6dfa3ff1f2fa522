package api

import (
	"net/http"
	"time"

	"ViralLaunch-server/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	wsWriteTimeout = 10 * time.Second
	// wsRefreshInterval re-reads the run in case a snapshot was dropped.
	wsRefreshInterval = 5 * time.Second
)

// RunProgressWebSocket pushes run snapshots until the run is terminal.
// GET /v1/api/projects/:project_id/runs/:kind/ws
func (h *Handler) RunProgressWebSocket(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}
	kind := models.RunKind(c.Param("kind"))
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown run kind"})
		return
	}

	// Subscribe before reading the current snapshot so no update is missed.
	updates, cancel := h.pipeline.Store().Subscribe(models.RunID(id, kind))
	defer cancel()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(run *models.Run) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(run) == nil
	}

	run, err := h.pipeline.RunStatus(ctx, id, kind)
	if err != nil {
		_ = conn.WriteJSON(gin.H{"error": err.Error()})
		return
	}
	if !send(run) || run.Status.Terminal() {
		return
	}
	refresh := time.NewTicker(wsRefreshInterval)
	defer refresh.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case run = <-updates:
		case <-refresh.C:
			if run, err = h.pipeline.RunStatus(ctx, id, kind); err != nil {
				return
			}
		}
		if !send(run) || run.Status.Terminal() {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
			return
		}
	}
}
