package session

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendChanBuf   = 256
	writeDeadline = 10 * time.Second
	readDeadlineS = 60 * time.Second
	pingInterval  = 30 * time.Second // server-side WS ping
)

// Connection states. A session is created Authenticated (the token was
// already validated during the upgrade), becomes Bound once it is attached
// to the registry, and Closed on any transport-level disconnect.
const (
	StateAuthenticated int32 = iota
	StateBound
	StateClosed
)

// Packet is the unified WS message envelope.
type Packet struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Session represents one live WebSocket connection of a user. A user may
// hold several sessions at once (multi-device); each has its own connection
// ID and its own bounded outbound queue.
type Session struct {
	UserID   int64
	Username string
	ConnID   string

	Conn     *websocket.Conn
	SendChan chan []byte
	Done     chan struct{}
	TraceID  string

	state  int32
	logger *zap.Logger
}

// New creates a Session in the Authenticated state and starts its write pump.
func New(userID int64, username string, conn *websocket.Conn, logger *zap.Logger) *Session {
	s := &Session{
		UserID:   userID,
		Username: username,
		ConnID:   uuid.NewString(),
		Conn:     conn,
		SendChan: make(chan []byte, sendChanBuf),
		Done:     make(chan struct{}),
		state:    StateAuthenticated,
		logger:   logger,
	}
	go s.writePump()
	return s
}

// writePump drains SendChan and writes to the WebSocket connection.
// Also sends periodic WebSocket pings to detect dead connections quickly.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.Conn.Close()
	for {
		select {
		case data, ok := <-s.SendChan:
			if !ok {
				return
			}
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("ws write error",
					zap.Int64("user_id", s.UserID),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.Done:
			_ = s.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send encodes pkt and sends it non-blocking. Drops if the queue is full or
// the session is closed; queued packets for a closed session are discarded,
// never retried.
func (s *Session) Send(pkt *Packet) {
	if s.IsClosed() {
		return
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		return
	}
	s.SendRaw(data)
}

// SendRaw sends pre-encoded bytes non-blocking. Drops if full or closed.
func (s *Session) SendRaw(data []byte) {
	if s.IsClosed() {
		return
	}
	select {
	case s.SendChan <- data:
	case <-s.Done:
		// Session closed while sending
	default:
		if !s.IsClosed() {
			s.logger.Warn("send channel full, dropping packet",
				zap.Int64("user_id", s.UserID),
				zap.String("conn_id", s.ConnID))
		}
	}
}

// SendError sends an error acknowledgment to this connection only.
func (s *Session) SendError(msg string) {
	payload, _ := json.Marshal(map[string]string{"message": msg})
	s.Send(&Packet{Type: "error", Payload: payload})
}

// MarkBound transitions Authenticated → Bound. Returns false if the session
// was already bound or closed.
func (s *Session) MarkBound() bool {
	return atomic.CompareAndSwapInt32(&s.state, StateAuthenticated, StateBound)
}

// IsBound reports whether the session is in the Bound state.
func (s *Session) IsBound() bool {
	return atomic.LoadInt32(&s.state) == StateBound
}

// Close transitions to Closed and signals the writePump to shut down.
// Callers race here (read pump teardown, kicks, duplicate-bind displacement),
// so the swap decides a single winner and only that caller closes Done.
func (s *Session) Close() {
	if atomic.SwapInt32(&s.state, StateClosed) == StateClosed {
		return
	}
	close(s.Done)
}

// IsClosed returns true if the session has been closed.
func (s *Session) IsClosed() bool {
	select {
	case <-s.Done:
		return true
	default:
		return false
	}
}

// SetReadDeadline resets the WebSocket read deadline to 60s from now.
func (s *Session) SetReadDeadline() {
	_ = s.Conn.SetReadDeadline(time.Now().Add(readDeadlineS))
}
