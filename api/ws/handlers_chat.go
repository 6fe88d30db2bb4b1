package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kotonoha/classchat/server/api/sse"
	"github.com/kotonoha/classchat/server/cache"
	"github.com/kotonoha/classchat/server/chat/convo"
	"github.com/kotonoha/classchat/server/chat/message"
	"github.com/kotonoha/classchat/server/chat/session"
	"github.com/kotonoha/classchat/server/chat/social"
	"github.com/kotonoha/classchat/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ChatHandlers holds the handlers for the real-time chat events.
type ChatHandlers struct {
	db     *gorm.DB
	sm     *session.Manager
	social *social.Service
	convs  *convo.Service
	log    *message.Log
	typing *session.TypingRegistry
	pubsub cache.PubSub
	logger *zap.Logger
}

// NewChatHandlers creates the chat event handlers.
func NewChatHandlers(
	db *gorm.DB,
	sm *session.Manager,
	socialSvc *social.Service,
	convs *convo.Service,
	log *message.Log,
	typing *session.TypingRegistry,
	pubsub cache.PubSub,
	logger *zap.Logger,
) *ChatHandlers {
	return &ChatHandlers{
		db:     db,
		sm:     sm,
		social: socialSvc,
		convs:  convs,
		log:    log,
		typing: typing,
		pubsub: pubsub,
		logger: logger,
	}
}

// Register wires the chat events into the router.
func (h *ChatHandlers) Register(r *Router) {
	r.On(EventOnline, h.HandleUserOnline)
	r.On("send_message", h.HandleSendMessage)
	r.On("typing", h.HandleTyping)
	r.On("mark_read", h.HandleMarkRead)
}

// HandleUserOnline binds the connection to the presence registry. The user
// identity comes from the token validated at upgrade time; any payload is
// ignored. Only the first connection of a user flips them online.
func (h *ChatHandlers) HandleUserOnline(ctx context.Context, s *session.Session, _ json.RawMessage) error {
	if !s.MarkBound() {
		s.SendError("already bound")
		return nil
	}
	first := h.sm.Bind(s)

	h.logger.Info("user online",
		zap.Int64("user_id", s.UserID),
		zap.String("conn_id", s.ConnID),
		zap.Bool("first_connection", first))

	ack, _ := json.Marshal(map[string]interface{}{
		"user_id": s.UserID,
		"conn_id": s.ConnID,
	})
	s.Send(&session.Packet{Type: "online_ack", Payload: ack})

	if !first {
		return nil
	}

	if err := h.db.Model(&model.User{}).
		Where("id = ?", s.UserID).
		Update("status", model.StatusOnline).Error; err != nil {
		h.logger.Error("persist online status failed",
			zap.Int64("user_id", s.UserID),
			zap.Error(err))
	}
	h.broadcastPresence(ctx, s, model.StatusOnline)
	return nil
}

// HandleSendMessage appends a message to the conversation log and fans it
// out to every online participant, the sender's other devices included.
func (h *ChatHandlers) HandleSendMessage(ctx context.Context, s *session.Session, payload json.RawMessage) error {
	var req struct {
		ConversationID int64  `json:"conversation_id"`
		Text           string `json:"text"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		s.SendError("malformed payload")
		return nil
	}

	msg, err := h.log.Append(ctx, req.ConversationID, s.UserID, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, message.ErrEmptyText):
			s.SendError("empty message")
		case errors.Is(err, message.ErrTooLong):
			s.SendError("message too long")
		case errors.Is(err, message.ErrConversationNotFound),
			errors.Is(err, message.ErrNotParticipant):
			s.SendError("conversation not found")
		default:
			s.SendError("internal error")
			return err
		}
		return nil
	}

	ids, err := h.convs.ParticipantIDs(req.ConversationID)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(msg)
	data, _ := json.Marshal(&session.Packet{Type: "message_received", Payload: body})
	h.sm.SendRawToUsers(ids, data)
	return nil
}

// HandleTyping records a typing signal and notifies the other participants.
// Signals are absorbed by the registry window, not persisted.
func (h *ChatHandlers) HandleTyping(ctx context.Context, s *session.Session, payload json.RawMessage) error {
	var req struct {
		ConversationID int64 `json:"conversation_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		s.SendError("malformed payload")
		return nil
	}
	if !h.convs.IsParticipant(req.ConversationID, s.UserID) {
		s.SendError("conversation not found")
		return nil
	}

	h.typing.Touch(req.ConversationID, s.UserID)

	body, _ := json.Marshal(map[string]interface{}{
		"conversation_id": req.ConversationID,
		"user_id":         s.UserID,
		"username":        s.Username,
	})
	data, _ := json.Marshal(&session.Packet{Type: "user_typing", Payload: body})

	ids, err := h.convs.ParticipantIDs(req.ConversationID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == s.UserID {
			continue
		}
		h.sm.SendRawToUser(id, data)
	}
	return nil
}

// HandleMarkRead records a read receipt. Only the first read by a given user
// fans out; repeated mark_read for the same message is silently absorbed.
func (h *ChatHandlers) HandleMarkRead(ctx context.Context, s *session.Session, payload json.RawMessage) error {
	var req struct {
		ConversationID int64 `json:"conversation_id"`
		MessageID      int64 `json:"message_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		s.SendError("malformed payload")
		return nil
	}

	newly, err := h.log.MarkRead(req.ConversationID, req.MessageID, s.UserID)
	if err != nil {
		switch {
		case errors.Is(err, message.ErrMessageNotFound),
			errors.Is(err, message.ErrNotParticipant):
			s.SendError("message not found")
		default:
			s.SendError("internal error")
			return err
		}
		return nil
	}
	if !newly {
		return nil
	}

	body, _ := json.Marshal(map[string]interface{}{
		"conversation_id": req.ConversationID,
		"message_id":      req.MessageID,
		"reader_id":       s.UserID,
	})
	data, _ := json.Marshal(&session.Packet{Type: "message_read", Payload: body})

	ids, err := h.convs.ParticipantIDs(req.ConversationID)
	if err != nil {
		return err
	}
	h.sm.SendRawToUsers(ids, data)
	return nil
}

// broadcastPresence pushes a presence transition to the user's online
// friends over WS, and publishes it for SSE consumers.
func (h *ChatHandlers) broadcastPresence(ctx context.Context, s *session.Session, status string) {
	friendIDs, err := h.social.FriendIDs(s.UserID)
	if err != nil {
		h.logger.Error("presence fanout: friend lookup failed",
			zap.Int64("user_id", s.UserID),
			zap.Error(err))
		return
	}

	body, _ := json.Marshal(map[string]interface{}{
		"user_id":  s.UserID,
		"username": s.Username,
		"status":   status,
	})
	data, _ := json.Marshal(&session.Packet{Type: "user_status_changed", Payload: body})
	h.sm.SendRawToUsers(friendIDs, data)

	if h.pubsub != nil {
		pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := h.pubsub.Publish(pubCtx, sse.PresenceChannel, string(body)); err != nil {
			h.logger.Warn("presence publish failed",
				zap.Int64("user_id", s.UserID),
				zap.Error(err))
		}
	}
}
