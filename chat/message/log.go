package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kotonoha/classchat/server/cache"
	"github.com/kotonoha/classchat/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrEmptyText            = errors.New("message: empty text")
	ErrTooLong              = errors.New("message: text too long")
	ErrConversationNotFound = errors.New("message: conversation not found")
	ErrNotParticipant       = errors.New("message: not a participant")
	ErrMessageNotFound      = errors.New("message: message not found")
)

const defaultMaxLen = 500

// Log is the append-only per-conversation message store. Appends to the same
// conversation are serialized by a keyed mutex so each message gets a final,
// gap-free position; appends to different conversations run in parallel.
// Reads never take the append locks.
type Log struct {
	db            *gorm.DB
	cache         cache.Cache
	maxLen        int
	recentHistory int
	logger        *zap.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex // conversationID → append lock
}

// NewLog creates a message Log. maxLen bounds message text length in runes;
// recentHistory is how many encoded messages to keep in the per-conversation
// cache list (0 disables the cache).
func NewLog(db *gorm.DB, c cache.Cache, maxLen, recentHistory int, logger *zap.Logger) *Log {
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &Log{
		db:            db,
		cache:         c,
		maxLen:        maxLen,
		recentHistory: recentHistory,
		locks:         make(map[int64]*sync.Mutex),
		logger:        logger,
	}
}

// convLock returns the append lock for a conversation, creating it on first
// use. Locks are never removed; the map grows with the number of active
// conversations, which is bounded by the conversations table.
func (l *Log) convLock(conversationID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[conversationID]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[conversationID] = lk
	}
	return lk
}

// Append writes a user message to the conversation log and returns it with
// its final position.
func (l *Log) Append(ctx context.Context, conversationID, senderID int64, text string) (*model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if len([]rune(text)) > l.maxLen {
		return nil, ErrTooLong
	}

	var count int64
	if err := l.db.Model(&model.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, senderID).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		if !l.conversationExists(conversationID) {
			return nil, ErrConversationNotFound
		}
		return nil, ErrNotParticipant
	}

	return l.append(ctx, conversationID, senderID, text, false)
}

// AppendSystem writes a server-generated message (group announcements).
func (l *Log) AppendSystem(ctx context.Context, conversationID int64, text string) (*model.Message, error) {
	if !l.conversationExists(conversationID) {
		return nil, ErrConversationNotFound
	}
	return l.append(ctx, conversationID, model.SystemSenderID, text, true)
}

// append assigns the next sequence number under the conversation's lock and
// writes the row. The lock covers exactly the seq read and the insert; the
// position is immutable once the insert commits.
func (l *Log) append(ctx context.Context, conversationID, senderID int64, text string, system bool) (*model.Message, error) {
	lk := l.convLock(conversationID)
	lk.Lock()
	defer lk.Unlock()

	var lastSeq int64
	row := l.db.Model(&model.Message{}).
		Where("conversation_id = ?", conversationID).
		Select("COALESCE(MAX(seq), 0)").Row()
	if err := row.Scan(&lastSeq); err != nil {
		return nil, err
	}

	msg := &model.Message{
		ConversationID: conversationID,
		Seq:            lastSeq + 1,
		SenderID:       senderID,
		Text:           text,
		IsSystem:       system,
	}
	if err := l.db.Create(msg).Error; err != nil {
		return nil, err
	}

	l.cacheRecent(ctx, msg)
	return msg, nil
}

// cacheRecent pushes the encoded message onto the conversation's recent list.
// Best-effort: cache failures never fail an append.
func (l *Log) cacheRecent(ctx context.Context, msg *model.Message) {
	if l.cache == nil || l.recentHistory <= 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	key := recentKey(msg.ConversationID)
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := l.cache.LPush(cctx, key, string(data)); err != nil {
		l.logger.Warn("recent cache push failed",
			zap.Int64("conversation_id", msg.ConversationID),
			zap.Error(err))
		return
	}
	_ = l.cache.LTrim(cctx, key, 0, int64(l.recentHistory)-1)
}

func recentKey(conversationID int64) string {
	return fmt.Sprintf("conv:%d:recent", conversationID)
}

// Recent returns the cached recent messages for a conversation, newest first.
func (l *Log) Recent(ctx context.Context, conversationID int64) ([]model.Message, error) {
	if l.cache == nil || l.recentHistory <= 0 {
		return nil, nil
	}
	raws, err := l.cache.LRange(ctx, recentKey(conversationID), 0, int64(l.recentHistory)-1)
	if err != nil {
		return nil, err
	}
	msgs := make([]model.Message, 0, len(raws))
	for _, raw := range raws {
		var m model.Message
		if json.Unmarshal([]byte(raw), &m) == nil {
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

// ListSince returns messages with seq > afterSeq in ascending order, capped
// at limit. Reads observe only committed rows and never block appends.
func (l *Log) ListSince(conversationID, afterSeq int64, limit int) ([]model.Message, error) {
	if !l.conversationExists(conversationID) {
		return nil, ErrConversationNotFound
	}
	if limit <= 0 {
		limit = 100
	}
	var msgs []model.Message
	err := l.db.Where("conversation_id = ? AND seq > ?", conversationID, afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// MarkRead records that a user has read a message. Idempotent: re-marking is
// a no-op, never an error. Returns whether the receipt was newly created so
// callers can fan out read events exactly once. A sender's own messages are
// implicitly read; marking them is also a no-op.
func (l *Log) MarkRead(conversationID, messageID, userID int64) (bool, error) {
	var msg model.Message
	err := l.db.Where("id = ? AND conversation_id = ?", messageID, conversationID).First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrMessageNotFound
		}
		return false, err
	}
	if msg.SenderID == userID {
		return false, nil
	}

	var count int64
	if err := l.db.Model(&model.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, ErrNotParticipant
	}

	res := l.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.MessageRead{MessageID: messageID, UserID: userID})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Readers returns the user IDs that have read a message.
func (l *Log) Readers(messageID int64) ([]int64, error) {
	var ids []int64
	err := l.db.Model(&model.MessageRead{}).
		Where("message_id = ?", messageID).
		Pluck("user_id", &ids).Error
	return ids, err
}

// IsFullyRead reports whether every participant other than the sender has
// read the message.
func (l *Log) IsFullyRead(messageID int64) (bool, error) {
	var msg model.Message
	if err := l.db.First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrMessageNotFound
		}
		return false, err
	}

	var participants []int64
	if err := l.db.Model(&model.ConversationParticipant{}).
		Where("conversation_id = ?", msg.ConversationID).
		Pluck("user_id", &participants).Error; err != nil {
		return false, err
	}

	readers, err := l.Readers(messageID)
	if err != nil {
		return false, err
	}
	readSet := make(map[int64]struct{}, len(readers))
	for _, r := range readers {
		readSet[r] = struct{}{}
	}

	for _, p := range participants {
		if p == msg.SenderID {
			continue
		}
		if _, ok := readSet[p]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// UnreadCount counts messages in a conversation the user has neither sent
// nor read.
func (l *Log) UnreadCount(conversationID, userID int64) (int64, error) {
	var count int64
	err := l.db.Model(&model.Message{}).
		Where("conversation_id = ? AND sender_id <> ?", conversationID, userID).
		Where("id NOT IN (?)",
			l.db.Model(&model.MessageRead{}).Select("message_id").Where("user_id = ?", userID)).
		Count(&count).Error
	return count, err
}

func (l *Log) conversationExists(conversationID int64) bool {
	var count int64
	l.db.Model(&model.Conversation{}).Where("id = ?", conversationID).Count(&count)
	return count > 0
}
