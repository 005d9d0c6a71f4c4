package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// JobProgressWebSocket pushes the job row whenever its status or progress changes and
// closes after the job reaches a terminal state. The database is the only source, the
// consumer writes progress there.
func (h *Handler) JobProgressWebSocket(c *gin.Context) {
	jobID := c.Param("job_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Log.Warn("websocket upgrade failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	defer conn.Close()

	job, err := h.Jobs.Get(jobID)
	if err != nil {
		_ = conn.WriteJSON(gin.H{"error": "job not found: " + err.Error()})
		return
	}
	if err := conn.WriteJSON(job); err != nil || job.Terminal() {
		return
	}

	// The client never sends anything; reading detects when it goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := h.WatchInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prevStatus, prevProgress := job.Status, job.Progress
	for {
		select {
		case <-gone:
			return
		case <-ticker.C:
		}
		cur, err := h.Jobs.Get(jobID)
		if err != nil {
			continue
		}
		if cur.Status == prevStatus && cur.Progress == prevProgress {
			continue
		}
		if err := conn.WriteJSON(cur); err != nil {
			return
		}
		prevStatus, prevProgress = cur.Status, cur.Progress
		if cur.Terminal() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, cur.Status))
			return
		}
	}
}
