package rest

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kotonoha/classchat/server/config"
	mw "github.com/kotonoha/classchat/server/middleware"
	"github.com/kotonoha/classchat/server/model"
	"gorm.io/gorm"
)

// UserHandler handles user search and profile REST endpoints.
type UserHandler struct {
	db      *gorm.DB
	chatCfg config.ChatConfig
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(db *gorm.DB, chatCfg config.ChatConfig) *UserHandler {
	return &UserHandler{db: db, chatCfg: chatCfg}
}

// Search handles GET /api/users/search?query=.
// Case-insensitive substring match on username or display name, capped result
// count, caller excluded.
func (h *UserHandler) Search(c *gin.Context) {
	userID := mw.GetUserID(c)
	query := strings.TrimSpace(c.Query("query"))
	if query == "" {
		c.JSON(http.StatusOK, []gin.H{})
		return
	}

	limit := h.chatCfg.SearchLimit
	if limit <= 0 {
		limit = 20
	}

	pattern := "%" + strings.ToLower(query) + "%"
	var users []model.User
	err := h.db.
		Where("id <> ?", userID).
		Where("LOWER(username) LIKE ? OR LOWER(display_name) LIKE ?", pattern, pattern).
		Order("username").
		Limit(limit).
		Find(&users).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	result := make([]map[string]interface{}, len(users))
	for i := range users {
		result[i] = users[i].Public()
	}
	c.JSON(http.StatusOK, result)
}

type updateProfileRequest struct {
	DisplayName *string `json:"display_name" binding:"omitempty,max=64"`
	Bio         *string `json:"bio" binding:"omitempty,max=500"`
}

// UpdateMe handles PUT /api/users/me.
func (h *UserHandler) UpdateMe(c *gin.Context) {
	userID := mw.GetUserID(c)

	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := map[string]interface{}{}
	if req.DisplayName != nil {
		updates["display_name"] = strings.TrimSpace(*req.DisplayName)
	}
	if req.Bio != nil {
		updates["bio"] = strings.TrimSpace(*req.Bio)
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}

	if err := h.db.Model(&model.User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	var user model.User
	if err := h.db.First(&user, userID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           user.ID,
		"username":     user.Username,
		"display_name": user.DisplayName,
		"bio":          user.Bio,
		"status":       user.Status,
	})
}

// Me handles GET /api/users/me.
func (h *UserHandler) Me(c *gin.Context) {
	userID := mw.GetUserID(c)
	var user model.User
	if err := h.db.First(&user, userID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           user.ID,
		"username":     user.Username,
		"display_name": user.DisplayName,
		"bio":          user.Bio,
		"status":       user.Status,
		"created_at":   user.CreatedAt,
	})
}
