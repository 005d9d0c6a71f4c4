package api

import (
	"context"
	"net/http"
	"time"

	"ltx2-video-server/comfyui"

	"github.com/gin-gonic/gin"
)

// HealthChecker reports on the rendering server.
type HealthChecker interface {
	SystemStats(ctx context.Context) (*comfyui.SystemStats, error)
}

// Health: GET /health
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	stats, err := h.Stats.SystemStats(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"comfyui": false,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"comfyui": true,
		"system":  stats,
	})
}
