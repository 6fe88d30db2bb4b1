package rest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kotonoha/classchat/server/api/rest"
	"github.com/kotonoha/classchat/server/api/sse"
	"github.com/kotonoha/classchat/server/cache"
	"github.com/kotonoha/classchat/server/chat/session"
	"github.com/kotonoha/classchat/server/config"
	"github.com/kotonoha/classchat/server/scheduler"
	"github.com/kotonoha/classchat/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testAdminKey = "test-admin-key"

func newAdminApp(t *testing.T) (*gin.Engine, cache.PubSub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.SetupTestDB(t)
	c, ps := testutil.SetupTestCache(t)
	logger, _ := zap.NewDevelopment()

	sm := session.NewManager(logger)
	sched := scheduler.New(logger)
	t.Cleanup(sched.Stop)

	sseH := sse.NewHandler(ps, c, config.SecurityConfig{JWTSecret: "test-secret"}, logger)
	h := rest.NewAdminHandler(db, sm, sseH, sched)
	r := gin.New()
	admin := r.Group("/api/admin", rest.AdminAuth(testAdminKey))
	admin.GET("/metrics", h.Metrics)
	admin.GET("/sessions", h.Sessions)
	admin.POST("/kick/:id", h.Kick)
	admin.POST("/announce", h.Announce)
	return r, ps
}

func TestAdminAuth(t *testing.T) {
	r, _ := newAdminApp(t)

	w := doJSON(r, http.MethodGet, "/api/admin/metrics", nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = postJSON(r, "/api/admin/announce", map[string]string{"text": "x"}, "X-Admin-Key", "wrong")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminAuth_EmptyKeyDisablesAccess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", rest.AdminAuth(""), func(c *gin.Context) { c.Status(http.StatusOK) })

	// Even an empty header must not match an empty configured key.
	w := doJSON(r, http.MethodGet, "/x", nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func adminGet(r *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Admin-Key", testAdminKey)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAdminMetrics(t *testing.T) {
	r, _ := newAdminApp(t)

	w := adminGet(r, "/api/admin/metrics")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp, "uptime_seconds")
	assert.Equal(t, float64(0), resp["online_users"])
	assert.Equal(t, float64(0), resp["users"])
	assert.Contains(t, resp, "tasks")
}

func TestAdminSessions_Empty(t *testing.T) {
	r, _ := newAdminApp(t)

	w := adminGet(r, "/api/admin/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessions":[]}`, w.Body.String())
}

func TestAdminKick_InvalidID(t *testing.T) {
	r, _ := newAdminApp(t)

	w := postJSON(r, "/api/admin/kick/abc", nil, "X-Admin-Key", testAdminKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminAnnounce_Publishes(t *testing.T) {
	r, ps := newAdminApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, unsub, err := ps.Subscribe(ctx, sse.AnnounceChannel)
	require.NoError(t, err)
	defer unsub()

	w := postJSON(r, "/api/admin/announce", map[string]string{"text": "assembly at noon"}, "X-Admin-Key", testAdminKey)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case msg := <-sub:
		var payload map[string]string
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &payload))
		assert.Equal(t, "announcement", payload["type"])
		assert.Equal(t, "assembly at noon", payload["text"])
		assert.NotEmpty(t, payload["at"])
	case <-time.After(time.Second):
		t.Fatal("announcement was not published")
	}
}

func TestAdminAnnounce_Validation(t *testing.T) {
	r, _ := newAdminApp(t)

	w := postJSON(r, "/api/admin/announce", map[string]string{}, "X-Admin-Key", testAdminKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
