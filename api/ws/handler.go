package ws

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kotonoha/classchat/server/cache"
	"github.com/kotonoha/classchat/server/chat/session"
	"github.com/kotonoha/classchat/server/chat/social"
	"github.com/kotonoha/classchat/server/config"
	mw "github.com/kotonoha/classchat/server/middleware"
	"github.com/kotonoha/classchat/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handler is the Gin handler for GET /ws.
type Handler struct {
	db       *gorm.DB
	cache    cache.Cache
	sec      config.SecurityConfig
	sm       *session.Manager
	social   *social.Service
	chat     *ChatHandlers
	router   *Router
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket Handler.
// sec.AllowedOrigins controls which WebSocket origins are accepted.
// An empty slice permits all origins (development only).
func NewHandler(
	db *gorm.DB,
	c cache.Cache,
	sec config.SecurityConfig,
	sm *session.Manager,
	socialSvc *social.Service,
	chat *ChatHandlers,
	router *Router,
	logger *zap.Logger,
) *Handler {
	h := &Handler{
		db:     db,
		cache:  c,
		sec:    sec,
		sm:     sm,
		social: socialSvc,
		chat:   chat,
		router: router,
		logger: logger,
	}
	allowed := sec.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true // dev mode: allow all
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// ServeWS handles GET /ws?token=<jwt>.
func (h *Handler) ServeWS(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	// Validate JWT.
	claims, err := mw.ParseToken(tokenStr, h.sec.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	// Validate session cache.
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	exists, err := h.cache.Exists(ctx, "session:"+tokenStr)
	if err != nil || !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
		return
	}

	// Upgrade to WebSocket.
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}

	sess := session.New(claims.UserID, claims.Username, conn, h.logger)

	// Read pump blocks until the connection closes. The session is not in
	// the registry yet; the bind event attaches it.
	h.readPump(sess)
}

// readPump reads messages from the WebSocket connection and dispatches them.
func (h *Handler) readPump(s *session.Session) {
	defer func() {
		h.handleDisconnect(s)
	}()

	s.SetReadDeadline()
	s.Conn.SetPongHandler(func(string) error {
		s.SetReadDeadline()
		return nil
	})

	for {
		_, raw, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("ws unexpected close",
					zap.Int64("user_id", s.UserID),
					zap.Error(err))
			}
			return
		}
		// Reset read deadline on any message (heartbeat or otherwise).
		s.SetReadDeadline()
		h.router.Dispatch(s, raw)
	}
}

// handleDisconnect cleans up after the connection closes. Only the last
// connection of a user flips their presence to offline; closing one tab
// while another stays open changes nothing for their friends.
func (h *Handler) handleDisconnect(s *session.Session) {
	s.Close()

	// The session state is no help here: a kick or displacement already
	// moved it to Closed before the read pump noticed. Unbind is the
	// authority; it returns false for sessions that never registered.
	last := h.sm.Unbind(s)
	h.logger.Info("user disconnected",
		zap.Int64("user_id", s.UserID),
		zap.String("conn_id", s.ConnID),
		zap.Bool("last_connection", last))

	if !last {
		return
	}

	// Async: persist offline status and fan out to friends.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("panic in disconnect cleanup",
					zap.Int64("user_id", s.UserID),
					zap.Any("recover", r),
					zap.String("stack", string(debug.Stack())))
			}
		}()
		h.db.Model(&model.User{}).
			Where("id = ?", s.UserID).
			Update("status", model.StatusOffline)
		h.chat.broadcastPresence(context.Background(), s, model.StatusOffline)
	}()
}
