package routers

import (
	"net/http"

	"ltx2-video-server/routers/api"

	"github.com/gin-gonic/gin"
)

// InitRouter wires the job API. metrics may be nil.
func InitRouter(h *api.Handler, metrics http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	v1 := r.Group("/v1/api")
	{
		v1.POST("/jobs", h.CreateJob)
		v1.POST("/jobs/run", h.RunJob)
		v1.GET("/jobs", h.ListJobs)
		v1.GET("/jobs/:job_id", h.GetJob)
		v1.DELETE("/jobs/:job_id", h.CancelJob)
	}
	r.GET("/jobs/:job_id/wss", h.JobProgressWebSocket)
	r.GET("/health", h.Health)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	return r
}
