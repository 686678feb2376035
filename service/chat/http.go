package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// StatusHandler answers the non-persistent status query: local counters
// plus a cluster-wide presence read.
func StatusHandler(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		c.JSON(http.StatusOK, mgr.StatsSnapshot(ctx))
	}
}

// NotifyRequest is the internal producer surface: push one notification
// envelope cluster-wide, to one channel, or to one user.
type NotifyRequest struct {
	Scope   string         `json:"scope" binding:"required,oneof=all channel user"`
	Target  string         `json:"target"`
	Data    map[string]any `json:"data" binding:"required"`
	Exclude string         `json:"exclude"`
}

func NotifyHandler(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req NotifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var delivered int
		switch req.Scope {
		case "all":
			delivered = mgr.BroadcastAll(NewEnvelope(EventNotification, req.Data, ""))
		case "channel":
			if req.Target == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "channel scope requires target"})
				return
			}
			delivered = mgr.BroadcastChannel(req.Target, NewEnvelope(EventNotification, req.Data, req.Target), req.Exclude)
		case "user":
			if req.Target == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "user scope requires target"})
				return
			}
			delivered = mgr.SendToUser(req.Target, NewEnvelope(EventNotification, req.Data, ""))
		}

		c.JSON(http.StatusOK, gin.H{"local_delivered": delivered})
	}
}
