package model

import "time"

// Conversation is a container of participants and an ordered message log.
// Direct conversations (IsGroup false) have exactly two participants and a
// PairKey of "minID:maxID"; the unique index on it guarantees at most one
// direct conversation per unordered pair even under concurrent creation.
// Group conversations leave PairKey NULL.
type Conversation struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"size:64" json:"name"`
	IsGroup   bool      `gorm:"default:false" json:"is_group"`
	PairKey   *string   `gorm:"uniqueIndex;size:42" json:"-"`
	// Class-group metadata, empty for ordinary conversations.
	IsClassGroup bool      `gorm:"default:false" json:"is_class_group"`
	Period       string    `gorm:"size:32" json:"period,omitempty"`
	Subject      string    `gorm:"size:64" json:"subject,omitempty"`
	Teacher      string    `gorm:"size:64" json:"teacher,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ConversationParticipant links a user to a conversation.
type ConversationParticipant struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID int64     `gorm:"uniqueIndex:idx_conv_member;not null" json:"conversation_id"`
	UserID         int64     `gorm:"uniqueIndex:idx_conv_member;not null" json:"user_id"`
	JoinedAt       time.Time `gorm:"autoCreateTime" json:"joined_at"`
}
