package social

import (
	"errors"

	"github.com/kotonoha/classchat/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrSelfRequest      = errors.New("social: cannot friend yourself")
	ErrAlreadyFriends   = errors.New("social: already friends")
	ErrDuplicateRequest = errors.New("social: request already sent")
	ErrRequestNotFound  = errors.New("social: request not found")
	ErrUserNotFound     = errors.New("social: user not found")
)

// Service manages friend requests and the friendship graph.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New creates a social Service.
func New(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// SendRequest creates a friend request from → to.
func (s *Service) SendRequest(fromID, toID int64) (*model.FriendRequest, error) {
	if fromID == toID {
		return nil, ErrSelfRequest
	}

	var target model.User
	if err := s.db.First(&target, toID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	if s.AreFriends(fromID, toID) {
		return nil, ErrAlreadyFriends
	}

	req := &model.FriendRequest{FromUserID: fromID, ToUserID: toID}
	if err := s.db.Create(req).Error; err != nil {
		// Unique index on (from,to): a concurrent duplicate loses here.
		if isUniqueViolation(err) {
			return nil, ErrDuplicateRequest
		}
		return nil, err
	}
	return req, nil
}

// Accept resolves a request into a friendship. Only the recipient may accept.
// Both friendship directions are inserted and the request (plus any reverse
// request) deleted in one transaction, so no reader ever observes a
// one-directional friendship.
func (s *Service) Accept(requestID, actingUserID int64) error {
	var req model.FriendRequest
	err := s.db.Where("id = ? AND to_user_id = ?", requestID, actingUserID).First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRequestNotFound
		}
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model.Friendship{UserID: req.FromUserID, FriendID: req.ToUserID}).Error; err != nil {
			return err
		}
		if err := tx.Create(&model.Friendship{UserID: req.ToUserID, FriendID: req.FromUserID}).Error; err != nil {
			return err
		}
		// Delete this request and a crossing request in the other direction,
		// if one exists; acceptance collapses both into the friendship.
		return tx.Where(
			"(from_user_id = ? AND to_user_id = ?) OR (from_user_id = ? AND to_user_id = ?)",
			req.FromUserID, req.ToUserID, req.ToUserID, req.FromUserID,
		).Delete(&model.FriendRequest{}).Error
	})
}

// Decline deletes a request without creating any friendship. Only the
// recipient may decline.
func (s *Service) Decline(requestID, actingUserID int64) error {
	res := s.db.Where("id = ? AND to_user_id = ?", requestID, actingUserID).
		Delete(&model.FriendRequest{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// AreFriends reports whether a confirmed friendship exists. One direction is
// enough to check: rows exist in pairs.
func (s *Service) AreFriends(a, b int64) bool {
	var count int64
	s.db.Model(&model.Friendship{}).
		Where("user_id = ? AND friend_id = ?", a, b).
		Count(&count)
	return count > 0
}

// ListFriends returns the users the given user is friends with.
func (s *Service) ListFriends(userID int64) ([]model.User, error) {
	var friends []model.User
	err := s.db.
		Joins("JOIN friendships ON friendships.friend_id = users.id").
		Where("friendships.user_id = ?", userID).
		Order("users.username").
		Find(&friends).Error
	return friends, err
}

// FriendIDs returns just the IDs of a user's friends (presence fan-out path).
func (s *Service) FriendIDs(userID int64) ([]int64, error) {
	var ids []int64
	err := s.db.Model(&model.Friendship{}).
		Where("user_id = ?", userID).
		Pluck("friend_id", &ids).Error
	return ids, err
}

// ListIncoming returns the pending requests addressed to a user.
func (s *Service) ListIncoming(userID int64) ([]model.FriendRequest, error) {
	var reqs []model.FriendRequest
	err := s.db.Where("to_user_id = ?", userID).
		Order("created_at DESC").
		Find(&reqs).Error
	return reqs, err
}
