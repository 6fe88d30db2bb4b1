package ws

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/kotonoha/classchat/server/chat/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nop() *zap.Logger { l, _ := zap.NewDevelopment(); return l }

// newTestSession creates a connection-less session. The write pump is not
// running, so anything sent to it stays queued in SendChan.
func newTestSession(userID int64) *session.Session {
	return &session.Session{
		UserID:   userID,
		Username: "tester",
		ConnID:   uuid.NewString(),
		SendChan: make(chan []byte, 64),
		Done:     make(chan struct{}),
	}
}

func bind(s *session.Session) {
	s.MarkBound()
}

func makePacket(t *testing.T, eventType string, payload interface{}) []byte {
	t.Helper()
	p, _ := json.Marshal(payload)
	b, err := json.Marshal(session.Packet{Type: eventType, Payload: p})
	require.NoError(t, err)
	return b
}

// recvType pops one queued packet and returns its type.
func recvType(t *testing.T, s *session.Session) string {
	t.Helper()
	select {
	case data := <-s.SendChan:
		var pkt session.Packet
		require.NoError(t, json.Unmarshal(data, &pkt))
		return pkt.Type
	default:
		t.Fatal("no packet queued")
		return ""
	}
}

func TestRouter_On_Dispatch_Basic(t *testing.T) {
	r := NewRouter(nop())
	called := false
	r.On("typing", func(ctx context.Context, s *session.Session, payload json.RawMessage) error {
		called = true
		return nil
	})

	s := newTestSession(1)
	bind(s)
	r.Dispatch(s, makePacket(t, "typing", nil))
	assert.True(t, called)
}

func TestRouter_Dispatch_MalformedJSON(t *testing.T) {
	r := NewRouter(nop())
	s := newTestSession(1)
	bind(s)

	r.Dispatch(s, []byte("not json"))
	assert.Equal(t, "error", recvType(t, s))
}

func TestRouter_Dispatch_UnknownType(t *testing.T) {
	r := NewRouter(nop())
	called := false
	r.On("known", func(_ context.Context, _ *session.Session, _ json.RawMessage) error {
		called = true
		return nil
	})
	s := newTestSession(1)
	bind(s)
	r.Dispatch(s, makePacket(t, "unknown", nil))
	assert.False(t, called)
}

func TestRouter_Dispatch_RejectsUnbound(t *testing.T) {
	r := NewRouter(nop())
	called := false
	r.On("send_message", func(_ context.Context, _ *session.Session, _ json.RawMessage) error {
		called = true
		return nil
	})

	s := newTestSession(1) // authenticated but never bound
	r.Dispatch(s, makePacket(t, "send_message", map[string]interface{}{
		"conversation_id": 1,
		"text":            "too early",
	}))

	assert.False(t, called, "events before bind must not reach handlers")
	assert.Equal(t, "error", recvType(t, s))
}

func TestRouter_Dispatch_AllowsBindEventUnbound(t *testing.T) {
	r := NewRouter(nop())
	called := false
	r.On(EventOnline, func(_ context.Context, _ *session.Session, _ json.RawMessage) error {
		called = true
		return nil
	})

	s := newTestSession(1)
	r.Dispatch(s, makePacket(t, EventOnline, nil))
	assert.True(t, called)
}

func TestRouter_Dispatch_PayloadPassed(t *testing.T) {
	r := NewRouter(nop())
	var got struct {
		ConversationID int64  `json:"conversation_id"`
		Text           string `json:"text"`
	}
	r.On("send_message", func(_ context.Context, _ *session.Session, payload json.RawMessage) error {
		return json.Unmarshal(payload, &got)
	})

	s := newTestSession(1)
	bind(s)
	r.Dispatch(s, makePacket(t, "send_message", map[string]interface{}{
		"conversation_id": 7,
		"text":            "hello",
	}))

	assert.Equal(t, int64(7), got.ConversationID)
	assert.Equal(t, "hello", got.Text)
}

func TestRouter_Dispatch_AssignsTraceID(t *testing.T) {
	r := NewRouter(nop())
	var traceFromCtx string
	r.On("typing", func(ctx context.Context, _ *session.Session, _ json.RawMessage) error {
		traceFromCtx = TraceIDFromCtx(ctx)
		return nil
	})

	s := newTestSession(1)
	bind(s)
	r.Dispatch(s, makePacket(t, "typing", nil))

	assert.NotEmpty(t, traceFromCtx)
	assert.Equal(t, s.TraceID, traceFromCtx)

	first := traceFromCtx
	r.Dispatch(s, makePacket(t, "typing", nil))
	assert.NotEqual(t, first, traceFromCtx, "each dispatch gets a fresh trace ID")
}

func TestRouter_Dispatch_HandlerError(t *testing.T) {
	r := NewRouter(nop())
	r.On("typing", func(_ context.Context, _ *session.Session, _ json.RawMessage) error {
		return assert.AnError
	})
	s := newTestSession(1)
	bind(s)
	// Handler errors are logged, never panic the dispatcher.
	r.Dispatch(s, makePacket(t, "typing", nil))
}
