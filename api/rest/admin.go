package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kotonoha/classchat/server/api/sse"
	"github.com/kotonoha/classchat/server/chat/session"
	"github.com/kotonoha/classchat/server/model"
	"github.com/kotonoha/classchat/server/scheduler"
	"gorm.io/gorm"
)

// AdminAuth gates the admin group behind a static key header.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" || c.GetHeader("X-Admin-Key") != adminKey {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// AdminHandler exposes operational endpoints: metrics, live session
// inspection, kick, and broadcast announcements.
type AdminHandler struct {
	db       *gorm.DB
	sessions *session.Manager
	sse      *sse.Handler
	sched    *scheduler.Scheduler
	started  time.Time
}

func NewAdminHandler(db *gorm.DB, sm *session.Manager, sseH *sse.Handler, sched *scheduler.Scheduler) *AdminHandler {
	return &AdminHandler{db: db, sessions: sm, sse: sseH, sched: sched, started: time.Now()}
}

// Metrics handles GET /api/admin/metrics.
func (h *AdminHandler) Metrics(c *gin.Context) {
	var users, convs, msgs int64
	h.db.Model(&model.User{}).Count(&users)
	h.db.Model(&model.Conversation{}).Count(&convs)
	h.db.Model(&model.Message{}).Count(&msgs)

	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"online_users":   h.sessions.OnlineCount(),
		"connections":    h.sessions.ConnCount(),
		"users":          users,
		"conversations":  convs,
		"messages":       msgs,
		"tasks":          h.sched.TaskNames(),
	})
}

// Sessions handles GET /api/admin/sessions.
func (h *AdminHandler) Sessions(c *gin.Context) {
	type info struct {
		ConnID   string `json:"conn_id"`
		UserID   int64  `json:"user_id"`
		Username string `json:"username"`
		Bound    bool   `json:"bound"`
	}
	all := h.sessions.All()
	out := make([]info, 0, len(all))
	for _, s := range all {
		out = append(out, info{
			ConnID:   s.ConnID,
			UserID:   s.UserID,
			Username: s.Username,
			Bound:    s.IsBound(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// Kick handles POST /api/admin/kick/:id. Closes every connection the user has.
func (h *AdminHandler) Kick(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	n := h.sessions.KickUser(userID)
	c.JSON(http.StatusOK, gin.H{"closed": n})
}

// Announce handles POST /api/admin/announce. The payload is published on the
// announce channel; connected clients receive it over WS and SSE.
func (h *AdminHandler) Announce(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required,max=500"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload, _ := json.Marshal(gin.H{
		"type": "announcement",
		"text": req.Text,
		"at":   time.Now().UTC().Format(time.RFC3339),
	})

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.sse.Announce(ctx, string(payload)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
