package convo

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kotonoha/classchat/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotFound       = errors.New("convo: conversation not found")
	ErrNotParticipant = errors.New("convo: not a participant")
	ErrNotFriends     = errors.New("convo: users are not friends")
	ErrEmptyGroup     = errors.New("convo: group needs a name and at least one member")
	ErrAlreadyMember  = errors.New("convo: already a participant")
)

// friendChecker is the slice of the social service this package needs.
type friendChecker interface {
	AreFriends(a, b int64) bool
}

// Service manages conversations and their participant sets.
type Service struct {
	db      *gorm.DB
	friends friendChecker
	logger  *zap.Logger
}

// New creates a conversation Service.
func New(db *gorm.DB, friends friendChecker, logger *zap.Logger) *Service {
	return &Service{db: db, friends: friends, logger: logger}
}

// pairKey builds the unique key for a direct conversation.
func pairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// CreateDirect returns the direct conversation between two users, creating it
// if absent. The unique index on pair_key makes this idempotent even when two
// calls race: the loser's insert fails and it reads the winner's row.
func (s *Service) CreateDirect(userA, userB int64) (*model.Conversation, error) {
	if s.friends != nil && !s.friends.AreFriends(userA, userB) {
		return nil, ErrNotFriends
	}

	key := pairKey(userA, userB)

	var existing model.Conversation
	err := s.db.Where("pair_key = ?", key).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	conv := &model.Conversation{PairKey: &key}
	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		participants := []model.ConversationParticipant{
			{ConversationID: conv.ID, UserID: userA},
			{ConversationID: conv.ID, UserID: userB},
		}
		return tx.Create(&participants).Error
	})
	if txErr != nil {
		if isUniqueViolation(txErr) {
			// Lost the race; the other caller's conversation is the one.
			if err := s.db.Where("pair_key = ?", key).First(&existing).Error; err != nil {
				return nil, err
			}
			return &existing, nil
		}
		return nil, txErr
	}
	return conv, nil
}

// GroupMeta carries optional class-group fields for CreateGroup.
type GroupMeta struct {
	Period  string
	Subject string
	Teacher string
}

// CreateGroup creates a group conversation with the creator and the given
// members. Returns the conversation; the caller is expected to append the
// creation announcement through the message log so it gets a proper position.
func (s *Service) CreateGroup(name string, creatorID int64, memberIDs []int64, meta *GroupMeta) (*model.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(memberIDs) == 0 {
		return nil, ErrEmptyGroup
	}

	conv := &model.Conversation{Name: name, IsGroup: true}
	if meta != nil {
		conv.IsClassGroup = true
		conv.Period = meta.Period
		conv.Subject = meta.Subject
		conv.Teacher = meta.Teacher
	}

	// Creator is always a participant; dedupe against the member list.
	members := map[int64]struct{}{creatorID: {}}
	for _, id := range memberIDs {
		members[id] = struct{}{}
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		participants := make([]model.ConversationParticipant, 0, len(members))
		for uid := range members {
			participants = append(participants, model.ConversationParticipant{
				ConversationID: conv.ID,
				UserID:         uid,
			})
		}
		return tx.Create(&participants).Error
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// Get returns a conversation by ID.
func (s *Service) Get(conversationID int64) (*model.Conversation, error) {
	var conv model.Conversation
	if err := s.db.First(&conv, conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// IsParticipant reports whether a user belongs to a conversation.
func (s *Service) IsParticipant(conversationID, userID int64) bool {
	var count int64
	s.db.Model(&model.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count)
	return count > 0
}

// ParticipantIDs returns the user IDs in a conversation.
func (s *Service) ParticipantIDs(conversationID int64) ([]int64, error) {
	var ids []int64
	err := s.db.Model(&model.ConversationParticipant{}).
		Where("conversation_id = ?", conversationID).
		Pluck("user_id", &ids).Error
	return ids, err
}

// AddParticipant adds a user to a group conversation.
func (s *Service) AddParticipant(conversationID, userID int64) error {
	conv, err := s.Get(conversationID)
	if err != nil {
		return err
	}
	if !conv.IsGroup {
		return ErrNotFound // direct conversations never grow
	}
	err = s.db.Create(&model.ConversationParticipant{
		ConversationID: conversationID,
		UserID:         userID,
	}).Error
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyMember
	}
	return err
}

// RemoveParticipant removes a user; when the participant set becomes empty
// the conversation and its entire log are deleted.
func (s *Service) RemoveParticipant(conversationID, userID int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("conversation_id = ? AND user_id = ?", conversationID, userID).
			Delete(&model.ConversationParticipant{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotParticipant
		}

		var remaining int64
		if err := tx.Model(&model.ConversationParticipant{}).
			Where("conversation_id = ?", conversationID).
			Count(&remaining).Error; err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}

		// Last one out: drop the conversation, its messages, and their reads.
		if err := tx.Where("message_id IN (?)",
			tx.Model(&model.Message{}).Select("id").Where("conversation_id = ?", conversationID),
		).Delete(&model.MessageRead{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", conversationID).
			Delete(&model.Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Conversation{}, conversationID).Error
	})
}

// Summary is one row of ListForUser: a conversation annotated with its last
// message time and the caller's unread count.
type Summary struct {
	Conversation  model.Conversation `json:"conversation"`
	LastMessageAt *time.Time         `json:"last_message_at"`
	LastMessage   string             `json:"last_message"`
	UnreadCount   int64              `json:"unread_count"`
	Participants  []int64            `json:"participants"`
}

// ListForUser returns the user's conversations ordered by most recent
// message, newest first, each with an unread count (messages from others the
// user has not read).
func (s *Service) ListForUser(userID int64) ([]Summary, error) {
	var convs []model.Conversation
	err := s.db.
		Joins("JOIN conversation_participants cp ON cp.conversation_id = conversations.id").
		Where("cp.user_id = ?", userID).
		Find(&convs).Error
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(convs))
	for _, conv := range convs {
		sum := Summary{Conversation: conv}

		var last model.Message
		if err := s.db.Where("conversation_id = ?", conv.ID).
			Order("seq DESC").Limit(1).First(&last).Error; err == nil {
			t := last.CreatedAt
			sum.LastMessageAt = &t
			sum.LastMessage = last.Text
		}

		s.db.Model(&model.Message{}).
			Where("conversation_id = ? AND sender_id <> ?", conv.ID, userID).
			Where("id NOT IN (?)",
				s.db.Model(&model.MessageRead{}).Select("message_id").Where("user_id = ?", userID)).
			Count(&sum.UnreadCount)

		sum.Participants, _ = s.ParticipantIDs(conv.ID)
		summaries = append(summaries, sum)
	}

	// Most recent activity first; conversations with no messages sort last.
	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i].LastMessageAt, summaries[j].LastMessageAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return summaries, nil
}
