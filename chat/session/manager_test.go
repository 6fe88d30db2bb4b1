package session

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger { l, _ := zap.NewDevelopment(); return l }

// testSession builds a session without a live WebSocket connection. The write
// pump is not started, so queued packets stay in SendChan for inspection.
func testSession(userID int64, username string) *Session {
	return &Session{
		UserID:   userID,
		Username: username,
		ConnID:   uuid.NewString(),
		SendChan: make(chan []byte, sendChanBuf),
		Done:     make(chan struct{}),
		state:    StateAuthenticated,
		logger:   testLogger(),
	}
}

func TestBind_FirstConnection(t *testing.T) {
	m := NewManager(testLogger())
	s := testSession(1, "alice")

	first := m.Bind(s)
	assert.True(t, first)
	assert.True(t, m.IsOnline(1))
	assert.Equal(t, 1, m.OnlineCount())
	assert.Equal(t, 1, m.ConnCount())
}

func TestBind_SecondDevice(t *testing.T) {
	m := NewManager(testLogger())
	phone := testSession(1, "alice")
	laptop := testSession(1, "alice")

	assert.True(t, m.Bind(phone))
	assert.False(t, m.Bind(laptop), "second device must not flip presence again")
	assert.Equal(t, 1, m.OnlineCount())
	assert.Equal(t, 2, m.ConnCount())
}

func TestUnbind_LastConnection(t *testing.T) {
	m := NewManager(testLogger())
	phone := testSession(1, "alice")
	laptop := testSession(1, "alice")
	m.Bind(phone)
	m.Bind(laptop)

	assert.False(t, m.Unbind(phone), "one device left, still online")
	assert.True(t, m.IsOnline(1))
	assert.True(t, m.Unbind(laptop), "last device gone, offline")
	assert.False(t, m.IsOnline(1))
	assert.Equal(t, 0, m.OnlineCount())
}

func TestUnbind_UnknownSession(t *testing.T) {
	m := NewManager(testLogger())
	s := testSession(1, "alice")
	assert.False(t, m.Unbind(s))
}

func TestUnbind_Idempotent(t *testing.T) {
	m := NewManager(testLogger())
	s := testSession(1, "alice")
	m.Bind(s)

	assert.True(t, m.Unbind(s))
	assert.False(t, m.Unbind(s), "second unbind of the same session is a no-op")
}

func TestSendToUser_AllDevices(t *testing.T) {
	m := NewManager(testLogger())
	phone := testSession(1, "alice")
	laptop := testSession(1, "alice")
	m.Bind(phone)
	m.Bind(laptop)

	payload, _ := json.Marshal(map[string]string{"text": "hi"})
	m.SendToUser(1, &Packet{Type: "message_received", Payload: payload})

	for _, s := range []*Session{phone, laptop} {
		select {
		case data := <-s.SendChan:
			var pkt Packet
			require.NoError(t, json.Unmarshal(data, &pkt))
			assert.Equal(t, "message_received", pkt.Type)
		default:
			t.Fatal("device did not receive the packet")
		}
	}
}

func TestSendToUser_Offline(t *testing.T) {
	m := NewManager(testLogger())
	// No sessions bound; must not panic.
	m.SendToUser(42, &Packet{Type: "message_received"})
}

func TestSendRawToUsers_FanOut(t *testing.T) {
	m := NewManager(testLogger())
	a := testSession(1, "alice")
	b := testSession(2, "bob")
	m.Bind(a)
	m.Bind(b)

	m.SendRawToUsers([]int64{1, 2, 3}, []byte(`{"type":"user_status_changed"}`))

	assert.Len(t, a.SendChan, 1)
	assert.Len(t, b.SendChan, 1)
}

func TestSendRaw_DropsWhenFull(t *testing.T) {
	s := testSession(1, "alice")
	for i := 0; i < sendChanBuf; i++ {
		s.SendRaw([]byte("x"))
	}
	// Queue full: this one is dropped, not blocked on.
	s.SendRaw([]byte("overflow"))
	assert.Len(t, s.SendChan, sendChanBuf)
}

func TestSendRaw_ClosedSession(t *testing.T) {
	s := testSession(1, "alice")
	s.Close()
	s.SendRaw([]byte("late"))
	assert.Empty(t, s.SendChan)
}

func TestKickUser(t *testing.T) {
	m := NewManager(testLogger())
	phone := testSession(1, "alice")
	laptop := testSession(1, "alice")
	m.Bind(phone)
	m.Bind(laptop)

	n := m.KickUser(1)
	assert.Equal(t, 2, n)
	assert.True(t, phone.IsClosed())
	assert.True(t, laptop.IsClosed())
}

func TestMarkBound_Once(t *testing.T) {
	s := testSession(1, "alice")
	assert.False(t, s.IsBound())
	assert.True(t, s.MarkBound())
	assert.True(t, s.IsBound())
	assert.False(t, s.MarkBound(), "second bind attempt must fail")
}

func TestMarkBound_AfterClose(t *testing.T) {
	s := testSession(1, "alice")
	s.Close()
	assert.False(t, s.MarkBound())
}
