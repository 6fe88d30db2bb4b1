package model

import "time"

// Friendship is one direction of a confirmed friend relation. Rows always
// exist in pairs: accepting a request inserts (A,B) and (B,A) in the same
// transaction, so "is friend of" and "friends of X" are single-column lookups.
type Friendship struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"uniqueIndex:idx_friend_pair;not null" json:"user_id"`
	FriendID  int64     `gorm:"uniqueIndex:idx_friend_pair;not null" json:"friend_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// FriendRequest is an outstanding friend request. At most one exists per
// ordered (from,to) pair; it is deleted on accept or decline.
type FriendRequest struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	FromUserID int64     `gorm:"uniqueIndex:idx_request_pair;not null" json:"from_user_id"`
	ToUserID   int64     `gorm:"uniqueIndex:idx_request_pair;not null" json:"to_user_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}
