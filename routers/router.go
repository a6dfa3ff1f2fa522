package routers

import (
	"ViralLaunch-server/routers/api"

	"github.com/gin-gonic/gin"
)

// InitRouter wires the API. staticDir, when set, is served under /runs for
// the local artifact store.
func InitRouter(h *api.Handler, staticDir string) *gin.Engine {
	r := gin.Default()
	if staticDir != "" {
		r.Static("/runs", staticDir)
	}
	v1 := r.Group("/v1/api")
	{
		v1.PUT("/projects/:project_id/documents/:key", h.PutDocument)
		v1.GET("/projects/:project_id/documents/:key", h.GetDocument)
		v1.DELETE("/projects/:project_id", h.DeleteProject)
		v1.POST("/projects/:project_id/storyboard", h.CreateStoryboard)
		v1.GET("/projects/:project_id/storyboard", h.GetStoryboard)
		v1.POST("/projects/:project_id/video-gen", h.GenerateVideo)
		v1.GET("/projects/:project_id/video-status", h.GetVideoStatus)
		v1.POST("/projects/:project_id/retry-clip/:clip_id", h.RetryClip)
		v1.GET("/projects/:project_id/runs/:kind/ws", h.RunProgressWebSocket)
	}
	return r
}
