package rest_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createDirect(t *testing.T, app *testApp, token string, peerID int64) int64 {
	t.Helper()
	w := doJSON(app.r, http.MethodPost, "/api/conversations/direct", map[string]int64{"user_id": peerID}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var conv struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conv))
	return conv.ID
}

func TestCreateDirect(t *testing.T) {
	app := newTestApp(t)
	_, aliceTok := app.registerUser(t, "alice")
	bobID, bobTok := app.registerUser(t, "bob")
	sendAndAccept(t, app, aliceTok, bobID, bobTok)

	id := createDirect(t, app, aliceTok, bobID)
	assert.NotZero(t, id)
}

func TestCreateDirect_Idempotent(t *testing.T) {
	app := newTestApp(t)
	aliceID, aliceTok := app.registerUser(t, "alice")
	bobID, bobTok := app.registerUser(t, "bob")
	sendAndAccept(t, app, aliceTok, bobID, bobTok)

	first := createDirect(t, app, aliceTok, bobID)
	// Same pair from the other side lands on the same conversation.
	second := createDirect(t, app, bobTok, aliceID)
	assert.Equal(t, first, second)
}

func TestCreateDirect_RequiresFriendship(t *testing.T) {
	app := newTestApp(t)
	_, aliceTok := app.registerUser(t, "alice")
	bobID, _ := app.registerUser(t, "bob")

	w := doJSON(app.r, http.MethodPost, "/api/conversations/direct", map[string]int64{"user_id": bobID}, aliceTok)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateDirect_Self(t *testing.T) {
	app := newTestApp(t)
	aliceID, aliceTok := app.registerUser(t, "alice")

	w := doJSON(app.r, http.MethodPost, "/api/conversations/direct", map[string]int64{"user_id": aliceID}, aliceTok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateGroup(t *testing.T) {
	app := newTestApp(t)
	_, aliceTok := app.registerUser(t, "alice")
	bobID, _ := app.registerUser(t, "bob")
	carolID, _ := app.registerUser(t, "carol")

	w := doJSON(app.r, http.MethodPost, "/api/conversations/group", map[string]interface{}{
		"name":       "study hall",
		"member_ids": []int64{bobID, carolID},
	}, aliceTok)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var conv struct {
		ID      int64  `json:"id"`
		Name    string `json:"name"`
		IsGroup bool   `json:"is_group"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conv))
	assert.Equal(t, "study hall", conv.Name)
	assert.True(t, conv.IsGroup)

	// The group opens with a system message at position 1.
	w = doJSON(app.r, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", conv.ID), nil, aliceTok)
	require.Equal(t, http.StatusOK, w.Code)
	var msgs struct {
		Messages []struct {
			Seq      int64  `json:"seq"`
			SenderID int64  `json:"sender_id"`
			Text     string `json:"text"`
			IsSystem bool   `json:"is_system"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, int64(1), msgs.Messages[0].Seq)
	assert.True(t, msgs.Messages[0].IsSystem)
	assert.Zero(t, msgs.Messages[0].SenderID)
	assert.Contains(t, msgs.Messages[0].Text, "study hall")
}

func TestCreateGroup_ClassMeta(t *testing.T) {
	app := newTestApp(t)
	_, aliceTok := app.registerUser(t, "alice")
	bobID, _ := app.registerUser(t, "bob")

	w := doJSON(app.r, http.MethodPost, "/api/conversations/group", map[string]interface{}{
		"name":       "Period 3 Biology",
		"member_ids": []int64{bobID},
		"period":     "3",
		"subject":    "Biology",
		"teacher":    "Mx. Finch",
	}, aliceTok)
	require.Equal(t, http.StatusCreated, w.Code)

	var conv map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conv))
	assert.Equal(t, true, conv["is_class_group"])
	assert.Equal(t, "3", conv["period"])
	assert.Equal(t, "Biology", conv["subject"])
	assert.Equal(t, "Mx. Finch", conv["teacher"])
}

func TestCreateGroup_Invalid(t *testing.T) {
	app := newTestApp(t)
	_, aliceTok := app.registerUser(t, "alice")

	w := doJSON(app.r, http.MethodPost, "/api/conversations/group", map[string]interface{}{
		"name":       "",
		"member_ids": []int64{2},
	}, aliceTok)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(app.r, http.MethodPost, "/api/conversations/group", map[string]interface{}{
		"name":       "lonely",
		"member_ids": []int64{},
	}, aliceTok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListConversations(t *testing.T) {
	app := newTestApp(t)
	_, aliceTok := app.registerUser(t, "alice")
	bobID, bobTok := app.registerUser(t, "bob")
	sendAndAccept(t, app, aliceTok, bobID, bobTok)
	convID := createDirect(t, app, aliceTok, bobID)

	// Bob sends two messages Alice has not read.
	for _, text := range []string{"hey", "you there?"} {
		app.appendMessage(t, convID, bobID, text)
	}

	w := doJSON(app.r, http.MethodGet, "/api/conversations", nil, aliceTok)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Conversations []struct {
			Conversation struct {
				ID int64 `json:"id"`
			} `json:"conversation"`
			LastMessage  string  `json:"last_message"`
			UnreadCount  int64   `json:"unread_count"`
			Participants []int64 `json:"participants"`
		} `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, convID, resp.Conversations[0].Conversation.ID)
	assert.Equal(t, "you there?", resp.Conversations[0].LastMessage)
	assert.Equal(t, int64(2), resp.Conversations[0].UnreadCount)
	assert.Len(t, resp.Conversations[0].Participants, 2)
}

func TestMessages_Paging(t *testing.T) {
	app := newTestApp(t)
	aliceID, aliceTok := app.registerUser(t, "alice")
	bobID, bobTok := app.registerUser(t, "bob")
	sendAndAccept(t, app, aliceTok, bobID, bobTok)
	convID := createDirect(t, app, aliceTok, bobID)

	for i := 1; i <= 10; i++ {
		app.appendMessage(t, convID, aliceID, fmt.Sprintf("msg %d", i))
	}

	w := doJSON(app.r, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages?after=4&limit=3", convID), nil, aliceTok)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Messages []struct {
			Seq int64 `json:"seq"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 3)
	assert.Equal(t, int64(5), resp.Messages[0].Seq)
	assert.Equal(t, int64(7), resp.Messages[2].Seq)
}

func TestMessages_NonParticipant(t *testing.T) {
	app := newTestApp(t)
	_, aliceTok := app.registerUser(t, "alice")
	bobID, bobTok := app.registerUser(t, "bob")
	_, carolTok := app.registerUser(t, "carol")
	sendAndAccept(t, app, aliceTok, bobID, bobTok)
	convID := createDirect(t, app, aliceTok, bobID)

	w := doJSON(app.r, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", convID), nil, carolTok)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMarkRead(t *testing.T) {
	app := newTestApp(t)
	_, aliceTok := app.registerUser(t, "alice")
	bobID, bobTok := app.registerUser(t, "bob")
	sendAndAccept(t, app, aliceTok, bobID, bobTok)
	convID := createDirect(t, app, aliceTok, bobID)
	msgID := app.appendMessage(t, convID, bobID, "read me")

	w := doJSON(app.r, http.MethodPost, fmt.Sprintf("/api/conversations/%d/read", convID), map[string]int64{"message_id": msgID}, aliceTok)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success   bool `json:"success"`
		NewlyRead bool `json:"newly_read"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.NewlyRead)

	// Second mark is absorbed.
	w = doJSON(app.r, http.MethodPost, fmt.Sprintf("/api/conversations/%d/read", convID), map[string]int64{"message_id": msgID}, aliceTok)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.False(t, resp.NewlyRead)
}

func TestAddRemoveParticipant(t *testing.T) {
	app := newTestApp(t)
	_, aliceTok := app.registerUser(t, "alice")
	bobID, _ := app.registerUser(t, "bob")
	carolID, carolTok := app.registerUser(t, "carol")

	w := doJSON(app.r, http.MethodPost, "/api/conversations/group", map[string]interface{}{
		"name":       "club",
		"member_ids": []int64{bobID},
	}, aliceTok)
	require.Equal(t, http.StatusCreated, w.Code)
	var conv struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conv))

	// An outsider cannot add themselves.
	w = doJSON(app.r, http.MethodPost, fmt.Sprintf("/api/conversations/%d/participants", conv.ID), map[string]int64{"user_id": carolID}, carolTok)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// A member can.
	w = doJSON(app.r, http.MethodPost, fmt.Sprintf("/api/conversations/%d/participants", conv.ID), map[string]int64{"user_id": carolID}, aliceTok)
	require.Equal(t, http.StatusOK, w.Code)

	// Twice conflicts.
	w = doJSON(app.r, http.MethodPost, fmt.Sprintf("/api/conversations/%d/participants", conv.ID), map[string]int64{"user_id": carolID}, aliceTok)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Carol can now read the log, then leaves.
	w = doJSON(app.r, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", conv.ID), nil, carolTok)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(app.r, http.MethodDelete, fmt.Sprintf("/api/conversations/%d/participants/%d", conv.ID, carolID), nil, carolTok)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(app.r, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", conv.ID), nil, carolTok)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
