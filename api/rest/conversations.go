package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kotonoha/classchat/server/chat/convo"
	"github.com/kotonoha/classchat/server/chat/message"
	"github.com/kotonoha/classchat/server/config"
	mw "github.com/kotonoha/classchat/server/middleware"
)

// ConversationHandler handles conversation and message REST endpoints.
type ConversationHandler struct {
	convs   *convo.Service
	log     *message.Log
	chatCfg config.ChatConfig
}

// NewConversationHandler creates a new ConversationHandler.
func NewConversationHandler(convs *convo.Service, log *message.Log, chatCfg config.ChatConfig) *ConversationHandler {
	return &ConversationHandler{convs: convs, log: log, chatCfg: chatCfg}
}

// CreateDirect handles POST /api/conversations/direct.
// Idempotent: calling twice for the same peer returns the same conversation.
func (h *ConversationHandler) CreateDirect(c *gin.Context) {
	userID := mw.GetUserID(c)

	var req struct {
		UserID int64 `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.UserID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot message yourself"})
		return
	}

	conv, err := h.convs.CreateDirect(userID, req.UserID)
	if err != nil {
		if errors.Is(err, convo.ErrNotFriends) {
			c.JSON(http.StatusForbidden, gin.H{"error": "not friends"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.JSON(http.StatusOK, conv)
}

// CreateGroup handles POST /api/conversations/group.
func (h *ConversationHandler) CreateGroup(c *gin.Context) {
	userID := mw.GetUserID(c)

	var req struct {
		Name      string  `json:"name" binding:"required,max=64"`
		MemberIDs []int64 `json:"member_ids" binding:"required,min=1"`
		Period    string  `json:"period" binding:"max=32"`
		Subject   string  `json:"subject" binding:"max=64"`
		Teacher   string  `json:"teacher" binding:"max=64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var meta *convo.GroupMeta
	if req.Period != "" || req.Subject != "" || req.Teacher != "" {
		meta = &convo.GroupMeta{Period: req.Period, Subject: req.Subject, Teacher: req.Teacher}
	}

	conv, err := h.convs.CreateGroup(req.Name, userID, req.MemberIDs, meta)
	if err != nil {
		if errors.Is(err, convo.ErrEmptyGroup) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "group needs a name and members"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	// Announce creation in the log so every member sees it in order.
	_, _ = h.log.AppendSystem(c.Request.Context(), conv.ID,
		fmt.Sprintf("Group %q created", conv.Name))

	c.JSON(http.StatusCreated, conv)
}

// List handles GET /api/conversations: the caller's conversations ordered by
// most recent message, annotated with unread counts.
func (h *ConversationHandler) List(c *gin.Context) {
	userID := mw.GetUserID(c)
	summaries, err := h.convs.ListForUser(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

// AddParticipant handles POST /api/conversations/:id/participants.
func (h *ConversationHandler) AddParticipant(c *gin.Context) {
	userID := mw.GetUserID(c)
	convID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var req struct {
		UserID int64 `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Only members can grow a group.
	if !h.convs.IsParticipant(convID, userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	if err := h.convs.AddParticipant(convID, req.UserID); err != nil {
		switch {
		case errors.Is(err, convo.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		case errors.Is(err, convo.ErrAlreadyMember):
			c.JSON(http.StatusConflict, gin.H{"error": "already a participant"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RemoveParticipant handles DELETE /api/conversations/:id/participants/:uid.
// Users may remove themselves (leave) or, in groups, other members.
func (h *ConversationHandler) RemoveParticipant(c *gin.Context) {
	userID := mw.GetUserID(c)
	convID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	targetID, err2 := strconv.ParseInt(c.Param("uid"), 10, 64)
	if err != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	if !h.convs.IsParticipant(convID, userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	if err := h.convs.RemoveParticipant(convID, targetID); err != nil {
		if errors.Is(err, convo.ErrNotParticipant) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Messages handles GET /api/conversations/:id/messages?after=&limit=.
// Cursor pagination over the log: after = last seen position.
func (h *ConversationHandler) Messages(c *gin.Context) {
	userID := mw.GetUserID(c)
	convID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	if !h.convs.IsParticipant(convID, userID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	after, _ := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if max := h.chatCfg.PageLimit; max > 0 && limit > max {
		limit = max
	}

	msgs, err := h.log.ListSince(convID, after, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// MarkRead handles POST /api/conversations/:id/read.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	userID := mw.GetUserID(c)
	convID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var req struct {
		MessageID int64 `json:"message_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	newlyRead, err := h.log.MarkRead(convID, req.MessageID, userID)
	if err != nil {
		switch {
		case errors.Is(err, message.ErrMessageNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		case errors.Is(err, message.ErrNotParticipant):
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "newly_read": newlyRead})
}
