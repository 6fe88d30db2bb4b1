package model_test

import (
	"testing"
	"time"

	"github.com/kotonoha/classchat/server/model"
	"github.com/kotonoha/classchat/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoMigrate_InsertAndQuery(t *testing.T) {
	db := testutil.SetupTestDB(t)

	// User
	u := &model.User{Username: "alice", PasswordHash: "hash", DisplayName: "Alice"}
	require.NoError(t, db.Create(u).Error)
	assert.Greater(t, u.ID, int64(0))

	var found model.User
	require.NoError(t, db.First(&found, u.ID).Error)
	assert.Equal(t, "alice", found.Username)
	assert.Equal(t, model.StatusOffline, found.Status)

	// Friendship pair
	require.NoError(t, db.Create(&model.Friendship{UserID: u.ID, FriendID: 2}).Error)
	require.NoError(t, db.Create(&model.Friendship{UserID: 2, FriendID: u.ID}).Error)

	// FriendRequest
	require.NoError(t, db.Create(&model.FriendRequest{FromUserID: u.ID, ToUserID: 3}).Error)

	// Conversation + participant
	pk := "1:2"
	conv := &model.Conversation{PairKey: &pk}
	require.NoError(t, db.Create(conv).Error)
	require.NoError(t, db.Create(&model.ConversationParticipant{ConversationID: conv.ID, UserID: u.ID}).Error)

	// Message + read receipt
	msg := &model.Message{ConversationID: conv.ID, Seq: 1, SenderID: u.ID, Text: "hi"}
	require.NoError(t, db.Create(msg).Error)
	require.NoError(t, db.Create(&model.MessageRead{MessageID: msg.ID, UserID: 2}).Error)

	// AuditLog
	al := &model.AuditLog{TraceID: "trace-001", Action: "login", CreatedAt: time.Now()}
	require.NoError(t, db.Create(al).Error)
}

func TestUniqueUsername(t *testing.T) {
	db := testutil.SetupTestDB(t)

	require.NoError(t, db.Create(&model.User{Username: "bob", PasswordHash: "h"}).Error)
	err := db.Create(&model.User{Username: "bob", PasswordHash: "h2"}).Error
	assert.Error(t, err)
}

func TestUniquePairKey(t *testing.T) {
	db := testutil.SetupTestDB(t)

	pk := "1:2"
	require.NoError(t, db.Create(&model.Conversation{PairKey: &pk}).Error)

	pk2 := "1:2"
	err := db.Create(&model.Conversation{PairKey: &pk2}).Error
	assert.Error(t, err, "second direct conversation for the same pair must be rejected")

	// NULL pair keys (groups) never collide.
	require.NoError(t, db.Create(&model.Conversation{Name: "g1", IsGroup: true}).Error)
	require.NoError(t, db.Create(&model.Conversation{Name: "g2", IsGroup: true}).Error)
}

func TestUniqueConversationSeq(t *testing.T) {
	db := testutil.SetupTestDB(t)

	require.NoError(t, db.Create(&model.Message{ConversationID: 1, Seq: 1, SenderID: 1, Text: "a"}).Error)
	err := db.Create(&model.Message{ConversationID: 1, Seq: 1, SenderID: 2, Text: "b"}).Error
	assert.Error(t, err, "duplicate position in the same conversation must be rejected")

	// Same position in another conversation is fine.
	require.NoError(t, db.Create(&model.Message{ConversationID: 2, Seq: 1, SenderID: 1, Text: "c"}).Error)
}

func TestUniqueMessageRead(t *testing.T) {
	db := testutil.SetupTestDB(t)

	require.NoError(t, db.Create(&model.MessageRead{MessageID: 1, UserID: 2}).Error)
	err := db.Create(&model.MessageRead{MessageID: 1, UserID: 2}).Error
	assert.Error(t, err)
}
