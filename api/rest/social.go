package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kotonoha/classchat/server/audit"
	"github.com/kotonoha/classchat/server/chat/session"
	"github.com/kotonoha/classchat/server/chat/social"
	mw "github.com/kotonoha/classchat/server/middleware"
)

// SocialHandler handles friend-graph REST endpoints.
type SocialHandler struct {
	svc   *social.Service
	sm    *session.Manager
	audit *audit.Service
}

// NewSocialHandler creates a new SocialHandler.
func NewSocialHandler(svc *social.Service, sm *session.Manager, auditSvc *audit.Service) *SocialHandler {
	return &SocialHandler{svc: svc, sm: sm, audit: auditSvc}
}

// ListFriends handles GET /api/friends.
func (h *SocialHandler) ListFriends(c *gin.Context) {
	userID := mw.GetUserID(c)

	friends, err := h.svc.ListFriends(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	result := make([]gin.H, len(friends))
	for i, f := range friends {
		result[i] = gin.H{
			"id":           f.ID,
			"username":     f.Username,
			"display_name": f.DisplayName,
			"status":       f.Status,
			"online":       h.sm.IsOnline(f.ID),
		}
	}
	c.JSON(http.StatusOK, gin.H{"friends": result})
}

// ListRequests handles GET /api/friends/requests.
func (h *SocialHandler) ListRequests(c *gin.Context) {
	userID := mw.GetUserID(c)
	reqs, err := h.svc.ListIncoming(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

// SendRequest handles POST /api/friends/request.
func (h *SocialHandler) SendRequest(c *gin.Context) {
	userID := mw.GetUserID(c)

	var req struct {
		ToUserID int64 `json:"to_user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := h.svc.SendRequest(userID, req.ToUserID)
	if err != nil {
		switch {
		case errors.Is(err, social.ErrSelfRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot friend yourself"})
		case errors.Is(err, social.ErrAlreadyFriends):
			c.JSON(http.StatusConflict, gin.H{"error": "already friends"})
		case errors.Is(err, social.ErrDuplicateRequest):
			c.JSON(http.StatusConflict, gin.H{"error": "request already sent"})
		case errors.Is(err, social.ErrUserNotFound):
			// Generic wording: don't leak which IDs exist.
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	h.logAction(c, userID, "friend_request")
	c.JSON(http.StatusCreated, created)
}

// AcceptRequest handles POST /api/friends/accept.
func (h *SocialHandler) AcceptRequest(c *gin.Context) {
	userID := mw.GetUserID(c)

	var req struct {
		RequestID int64 `json:"request_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.Accept(req.RequestID, userID); err != nil {
		if errors.Is(err, social.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	h.logAction(c, userID, "friend_accept")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DeclineRequest handles POST /api/friends/decline.
func (h *SocialHandler) DeclineRequest(c *gin.Context) {
	userID := mw.GetUserID(c)

	var req struct {
		RequestID int64 `json:"request_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.Decline(req.RequestID, userID); err != nil {
		if errors.Is(err, social.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	h.logAction(c, userID, "friend_decline")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *SocialHandler) logAction(c *gin.Context, userID int64, action string) {
	if h.audit == nil {
		return
	}
	uid := userID
	h.audit.Log(audit.Entry{
		TraceID: mw.GetTraceID(c),
		UserID:  &uid,
		Action:  action,
		IP:      c.ClientIP(),
	})
}
