package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	apirest "github.com/kotonoha/classchat/server/api/rest"
	apisse "github.com/kotonoha/classchat/server/api/sse"
	apows "github.com/kotonoha/classchat/server/api/ws"
	"github.com/kotonoha/classchat/server/cache"
	"github.com/kotonoha/classchat/server/chat/convo"
	"github.com/kotonoha/classchat/server/chat/message"
	"github.com/kotonoha/classchat/server/chat/session"
	"github.com/kotonoha/classchat/server/chat/social"
	"github.com/kotonoha/classchat/server/config"
	mw "github.com/kotonoha/classchat/server/middleware"
	"github.com/kotonoha/classchat/server/scheduler"
	"github.com/kotonoha/classchat/server/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// TestServer wraps a real HTTP server with every chat subsystem wired together.
type TestServer struct {
	DB     *gorm.DB
	Cache  cache.Cache
	PubSub cache.PubSub
	SM     *session.Manager
	Social *social.Service
	Convs  *convo.Service
	Log    *message.Log
	Server *httptest.Server
	URL    string // http://127.0.0.1:<port>
	WSURL  string // ws://127.0.0.1:<port>/ws
	Sec    config.SecurityConfig
}

// NewTestServer creates a fully wired chat server for integration testing.
// It mirrors the dependency wiring in main.go.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// ---- Infrastructure ----
	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	logger := zap.NewNop()

	sec := config.SecurityConfig{
		JWTSecret:      "integration-test-secret",
		JWTTTLH:        72 * time.Hour,
		RateLimitRPS:   1000,
		RateLimitBurst: 2000,
		AllowedOrigins: []string{}, // allow all origins
	}
	chatCfg := config.ChatConfig{
		MaxMessageLen: 500,
		RecentHistory: 50,
		TypingWindow:  2 * time.Second,
		SearchLimit:   20,
		PageLimit:     100,
	}

	// ---- Core services ----
	sm := session.NewManager(logger)
	t.Cleanup(sm.CloseAll)
	typing := session.NewTypingRegistry(chatCfg.TypingWindow)
	socialSvc := social.New(db, logger)
	convSvc := convo.New(db, socialSvc, logger)
	msgLog := message.NewLog(db, c, chatCfg.MaxMessageLen, chatCfg.RecentHistory, logger)

	sched := scheduler.New(logger)
	t.Cleanup(sched.Stop)

	// ---- WS router ----
	wsRouter := apows.NewRouter(logger)
	chatH := apows.NewChatHandlers(db, sm, socialSvc, convSvc, msgLog, typing, pubsub, logger)
	chatH.Register(wsRouter)

	// ---- Gin HTTP server ----
	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(sec.RateLimitRPS), sec.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	// ---- REST API routes (mirrors main.go) ----
	authH := apirest.NewAuthHandler(db, c, sec, nil)
	userH := apirest.NewUserHandler(db, chatCfg)
	socialH := apirest.NewSocialHandler(socialSvc, sm, nil)
	convH := apirest.NewConversationHandler(convSvc, msgLog, chatCfg)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/register", authH.Register)
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(sec, c), authH.Logout)
		authG.POST("/refresh", mw.Auth(sec, c), authH.Refresh)

		usersG := api.Group("/users")
		usersG.Use(mw.Auth(sec, c))
		usersG.GET("/me", userH.Me)
		usersG.PUT("/me", userH.UpdateMe)
		usersG.GET("/search", userH.Search)

		friendsG := api.Group("/friends")
		friendsG.Use(mw.Auth(sec, c))
		friendsG.GET("", socialH.ListFriends)
		friendsG.GET("/requests", socialH.ListRequests)
		friendsG.POST("/request", socialH.SendRequest)
		friendsG.POST("/accept", socialH.AcceptRequest)
		friendsG.POST("/decline", socialH.DeclineRequest)

		convsG := api.Group("/conversations")
		convsG.Use(mw.Auth(sec, c))
		convsG.GET("", convH.List)
		convsG.POST("/direct", convH.CreateDirect)
		convsG.POST("/group", convH.CreateGroup)
		convsG.POST("/:id/participants", convH.AddParticipant)
		convsG.DELETE("/:id/participants/:uid", convH.RemoveParticipant)
		convsG.GET("/:id/messages", convH.Messages)
		convsG.POST("/:id/read", convH.MarkRead)
	}

	// ---- WebSocket + SSE ----
	wsH := apows.NewHandler(db, c, sec, sm, socialSvc, chatH, wsRouter, logger)
	r.GET("/ws", wsH.ServeWS)
	sseH := apisse.NewHandler(pubsub, c, sec, logger)
	r.GET("/sse", sseH.ServeSSE)

	// ---- Start server ----
	server := httptest.NewServer(r)
	url := server.URL
	wsURL := "ws" + url[len("http"):] + "/ws"

	return &TestServer{
		DB:     db,
		Cache:  c,
		PubSub: pubsub,
		SM:     sm,
		Social: socialSvc,
		Convs:  convSvc,
		Log:    msgLog,
		Server: server,
		URL:    url,
		WSURL:  wsURL,
		Sec:    sec,
	}
}

// Close shuts down the test server and every live session.
func (ts *TestServer) Close() {
	ts.SM.CloseAll()
	ts.Server.Close()
}

// --- HTTP helpers ---

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest("POST", ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("GET", ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Delete sends a DELETE request with optional Bearer token.
func (ts *TestServer) Delete(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("DELETE", ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// --- Auth helpers ---

// Register creates an account and returns the token and user ID.
func (ts *TestServer) Register(t *testing.T, username string) (token string, userID int64) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/register", map[string]string{
		"username": username,
		"password": username + "pass",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		Token string `json:"token"`
		User  struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	ReadJSON(t, resp, &result)
	require.NotEmpty(t, result.Token)
	return result.Token, result.User.ID
}

// MakeFriends runs the request/accept flow between two registered users.
func (ts *TestServer) MakeFriends(t *testing.T, fromToken string, toID int64, toToken string) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/friends/request", map[string]int64{"to_user_id": toID}, fromToken)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID int64 `json:"id"`
	}
	ReadJSON(t, resp, &created)

	resp = ts.PostJSON(t, "/api/friends/accept", map[string]int64{"request_id": created.ID}, toToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

// CreateDirect opens (or returns) the direct conversation with the given peer.
func (ts *TestServer) CreateDirect(t *testing.T, token string, peerID int64) int64 {
	t.Helper()
	resp := ts.PostJSON(t, "/api/conversations/direct", map[string]int64{"user_id": peerID}, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conv struct {
		ID int64 `json:"id"`
	}
	ReadJSON(t, resp, &conv)
	return conv.ID
}

// --- WebSocket client ---

// WSClient wraps a gorilla/websocket connection for integration testing.
// A background readLoop feeds a channel so receives can be raced against
// timeouts without touching read deadlines.
type WSClient struct {
	Conn   *websocket.Conn
	t      *testing.T
	readCh chan readResult
}

type readResult struct {
	data []byte
	err  error
}

// ConnectWS dials the test server's WS endpoint with the given JWT token.
func (ts *TestServer) ConnectWS(t *testing.T, token string) *WSClient {
	t.Helper()
	url := ts.WSURL + "?token=" + token
	dialer := websocket.Dialer{}
	conn, resp, err := dialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "WS dial failed")
	wc := &WSClient{Conn: conn, t: t, readCh: make(chan readResult, 256)}
	go wc.readLoop()
	return wc
}

func (wc *WSClient) readLoop() {
	for {
		_, data, err := wc.Conn.ReadMessage()
		wc.readCh <- readResult{data, err}
		if err != nil {
			return
		}
	}
}

// Send writes a JSON event packet to the WebSocket.
func (wc *WSClient) Send(eventType string, payload interface{}) {
	wc.t.Helper()
	payloadJSON, err := json.Marshal(payload)
	require.NoError(wc.t, err)
	pkt := map[string]interface{}{
		"type":    eventType,
		"payload": json.RawMessage(payloadJSON),
	}
	data, err := json.Marshal(pkt)
	require.NoError(wc.t, err)
	require.NoError(wc.t, wc.Conn.WriteMessage(websocket.TextMessage, data))
}

// RecvAny reads one packet with a timeout, returning an error instead of
// failing the test on timeout.
func (wc *WSClient) RecvAny(timeout time.Duration) (map[string]interface{}, error) {
	select {
	case res := <-wc.readCh:
		if res.err != nil {
			return nil, res.err
		}
		var pkt map[string]interface{}
		if err := json.Unmarshal(res.data, &pkt); err != nil {
			return nil, err
		}
		return pkt, nil
	case <-time.After(timeout):
		return nil, &timeoutError{}
	}
}

type timeoutError struct{}

func (e *timeoutError) Error() string   { return "read timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// RecvType reads packets until one with the given type arrives (within timeout).
func (wc *WSClient) RecvType(eventType string, timeout time.Duration) map[string]interface{} {
	wc.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		pkt, err := wc.RecvAny(remaining)
		if err != nil {
			wc.t.Fatalf("WS recv failed while waiting for %q: %v", eventType, err)
		}
		if pkt["type"] == eventType {
			return pkt
		}
	}
	wc.t.Fatalf("timed out waiting for event type %q", eventType)
	return nil
}

// Close closes the WebSocket connection.
func (wc *WSClient) Close() {
	_ = wc.Conn.Close()
}

// PayloadMap extracts the payload from a received WS packet as a map.
func PayloadMap(t *testing.T, pkt map[string]interface{}) map[string]interface{} {
	t.Helper()
	p := pkt["payload"]
	if p == nil {
		return map[string]interface{}{}
	}
	switch v := p.(type) {
	case map[string]interface{}:
		return v
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	}
}

// --- Composite helper ---

// Connect registers (if needed), dials WS, and completes the bind handshake.
// Returns the token, user ID, and connected client.
func (ts *TestServer) Connect(t *testing.T, username string) (string, int64, *WSClient) {
	t.Helper()
	token, userID := ts.Register(t, username)
	ws := ts.ConnectWS(t, token)
	ws.Send("user_online", map[string]interface{}{})
	pkt := ws.RecvType("online_ack", 5*time.Second)
	require.NotNil(t, pkt)
	return token, userID, ws
}

// ConnectExisting dials WS for an already registered user and binds.
func (ts *TestServer) ConnectExisting(t *testing.T, token string) *WSClient {
	t.Helper()
	ws := ts.ConnectWS(t, token)
	ws.Send("user_online", map[string]interface{}{})
	ws.RecvType("online_ack", 5*time.Second)
	return ws
}

// UniqueID returns a short unique string suitable for usernames.
var testCounter uint64

func UniqueID(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano()%100000, n)
}
