package session

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager is the registry of bound sessions. A user is online iff they have
// at least one bound connection; the same user may be bound from several
// devices at once.
type Manager struct {
	mu     sync.RWMutex
	users  map[int64]map[string]*Session // userID → connID → session
	logger *zap.Logger
}

// NewManager creates a new Manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		users:  make(map[int64]map[string]*Session),
		logger: logger,
	}
}

// Bind attaches a session to the registry. Returns true if this is the
// user's first live connection, i.e. presence just flipped to online.
// A session already registered under the same connID is displaced.
func (m *Manager) Bind(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.users[s.UserID]
	if !ok {
		conns = make(map[string]*Session)
		m.users[s.UserID] = conns
	}
	if old, exists := conns[s.ConnID]; exists && old != s {
		old.Close()
		m.logger.Info("duplicate connection displaced",
			zap.Int64("user_id", s.UserID),
			zap.String("conn_id", s.ConnID))
	}
	first := len(conns) == 0
	conns[s.ConnID] = s
	m.logger.Info("session bound",
		zap.Int64("user_id", s.UserID),
		zap.String("conn_id", s.ConnID),
		zap.Int("connections", len(conns)))
	return first
}

// Unbind removes a session. Returns true if this was the user's last live
// connection, i.e. presence just flipped to offline.
func (m *Manager) Unbind(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.users[s.UserID]
	if !ok {
		return false
	}
	if cur, exists := conns[s.ConnID]; !exists || cur != s {
		return false
	}
	delete(conns, s.ConnID)
	if len(conns) == 0 {
		delete(m.users, s.UserID)
		m.logger.Info("last session unbound, user offline",
			zap.Int64("user_id", s.UserID))
		return true
	}
	m.logger.Info("session unbound",
		zap.Int64("user_id", s.UserID),
		zap.Int("connections", len(conns)))
	return false
}

// IsOnline reports whether a user has at least one bound connection.
func (m *Manager) IsOnline(userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users[userID]) > 0
}

// SessionsFor returns a snapshot of all bound sessions for a user.
func (m *Manager) SessionsFor(userID int64) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := m.users[userID]
	out := make([]*Session, 0, len(conns))
	for _, s := range conns {
		out = append(out, s)
	}
	return out
}

// All returns a snapshot of every bound session.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, conns := range m.users {
		for _, s := range conns {
			out = append(out, s)
		}
	}
	return out
}

// OnlineCount returns the number of distinct online users.
func (m *Manager) OnlineCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

// ConnCount returns the total number of bound connections.
func (m *Manager) ConnCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, conns := range m.users {
		n += len(conns)
	}
	return n
}

// SendToUser delivers a packet to every bound connection of a user
// (multi-device). Non-blocking per connection.
func (m *Manager) SendToUser(userID int64, pkt *Packet) {
	data, err := json.Marshal(pkt)
	if err != nil {
		m.logger.Error("failed to marshal packet", zap.Error(err))
		return
	}
	m.SendRawToUser(userID, data)
}

// SendRawToUser delivers pre-encoded bytes to every bound connection of a user.
func (m *Manager) SendRawToUser(userID int64, data []byte) {
	for _, s := range m.SessionsFor(userID) {
		s.SendRaw(data)
	}
}

// SendRawToUsers fans pre-encoded bytes out to every bound connection of the
// given users. Slow consumers drop packets rather than blocking the caller.
func (m *Manager) SendRawToUsers(userIDs []int64, data []byte) {
	for _, uid := range userIDs {
		m.SendRawToUser(uid, data)
	}
}

// KickUser closes every connection of a user. Returns the number closed.
func (m *Manager) KickUser(userID int64) int {
	sessions := m.SessionsFor(userID)
	for _, s := range sessions {
		s.Close()
	}
	return len(sessions)
}

// CloseAll gracefully closes every bound session and waits (bounded) for the
// read pumps to unbind them.
func (m *Manager) CloseAll() {
	sessions := m.All()
	m.logger.Info("closing all sessions", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		s.Close()
	}

	maxWait := 10 * time.Second
	start := time.Now()
	for time.Since(start) < maxWait {
		if m.ConnCount() == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
}
