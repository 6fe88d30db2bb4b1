package session

import (
	"sync"
	"time"
)

// TypingRegistry tracks who is typing in which conversation. Entries carry
// an expiry and are filtered lazily on read; correctness does not depend on
// the periodic Sweep, which exists only to bound memory.
type TypingRegistry struct {
	mu      sync.RWMutex
	entries map[int64]map[int64]time.Time // conversationID → userID → expiry
	window  time.Duration
}

// NewTypingRegistry creates a registry with the given expiry window.
func NewTypingRegistry(window time.Duration) *TypingRegistry {
	if window <= 0 {
		window = 2 * time.Second
	}
	return &TypingRegistry{
		entries: make(map[int64]map[int64]time.Time),
		window:  window,
	}
}

// Touch records or refreshes a typing entry for (conversation, user).
func (t *TypingRegistry) Touch(conversationID, userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.entries[conversationID]
	if !ok {
		users = make(map[int64]time.Time)
		t.entries[conversationID] = users
	}
	users[userID] = time.Now().Add(t.window)
}

// IsTyping reports whether a user has a live typing entry in a conversation.
func (t *TypingRegistry) IsTyping(conversationID, userID int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	expiry, ok := t.entries[conversationID][userID]
	return ok && time.Now().Before(expiry)
}

// Active returns the users with a live typing entry in a conversation.
func (t *TypingRegistry) Active(conversationID int64) []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := time.Now()
	var out []int64
	for uid, expiry := range t.entries[conversationID] {
		if now.Before(expiry) {
			out = append(out, uid)
		}
	}
	return out
}

// Sweep removes expired entries. Intended to run on a scheduler tick.
func (t *TypingRegistry) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	removed := 0
	for convID, users := range t.entries {
		for uid, expiry := range users {
			if !now.Before(expiry) {
				delete(users, uid)
				removed++
			}
		}
		if len(users) == 0 {
			delete(t.entries, convID)
		}
	}
	return removed
}
