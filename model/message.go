package model

import "time"

// SystemSenderID is the reserved sender for server-generated messages
// (group-created announcements and the like).
const SystemSenderID int64 = 0

// Message is one entry in a conversation's append-only log. Seq is the
// message's position within the conversation, assigned under the per-
// conversation append lock; it is final once the row is written. Rows are
// immutable apart from the growth of the associated message_reads set.
type Message struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID int64     `gorm:"uniqueIndex:idx_conv_seq;not null" json:"conversation_id"`
	Seq            int64     `gorm:"uniqueIndex:idx_conv_seq;not null" json:"seq"`
	SenderID       int64     `gorm:"index;not null" json:"sender_id"`
	Text           string    `gorm:"size:500;not null" json:"text"`
	IsSystem       bool      `gorm:"default:false" json:"is_system"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// MessageRead records that a user has observed a message. Inserted at most
// once per (message,user) pair and never deleted.
type MessageRead struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID int64     `gorm:"uniqueIndex:idx_msg_reader;not null" json:"message_id"`
	UserID    int64     `gorm:"uniqueIndex:idx_msg_reader;not null" json:"user_id"`
	ReadAt    time.Time `gorm:"autoCreateTime" json:"read_at"`
}
