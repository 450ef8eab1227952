package router

import (
	"fmt"
	"sync"
	"time"
)

// FormState tracks a subscriber's progress through a custom command's form.
type FormState struct {
	CommandName string
	Fields      []FormField
	Next        int
	Answers     map[string]string
}

// Session is per-chat conversational state. Sessions live only in memory:
// losing one degrades a form flow back to the default reply, nothing else.
type Session struct {
	TenantID string
	ChatID   int64
	Form     *FormState

	touched time.Time
}

// Sessions is an in-memory session store with a TTL. Expired sessions are
// dropped lazily on access and in bulk by the cleanup task.
type Sessions struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*Session
}

// NewSessions creates a session store that expires entries after ttl of
// inactivity.
func NewSessions(ttl time.Duration) *Sessions {
	return &Sessions{
		ttl:     ttl,
		entries: make(map[string]*Session),
	}
}

func sessionKey(tenantID string, chatID int64) string {
	return fmt.Sprintf("%s/%d", tenantID, chatID)
}

// Get returns the live session for a chat, or nil when none exists or the
// session has expired.
func (s *Sessions) Get(tenantID string, chatID int64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(tenantID, chatID)
	sess, ok := s.entries[key]
	if !ok {
		return nil
	}
	if time.Since(sess.touched) > s.ttl {
		delete(s.entries, key)
		return nil
	}
	return sess
}

// Put stores a session and refreshes its expiry.
func (s *Sessions) Put(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.touched = time.Now()
	s.entries[sessionKey(sess.TenantID, sess.ChatID)] = sess
}

// Delete removes a chat's session.
func (s *Sessions) Delete(tenantID string, chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, sessionKey(tenantID, chatID))
}

// Cleanup removes all expired sessions and returns how many were dropped.
func (s *Sessions) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, sess := range s.entries {
		if time.Since(sess.touched) > s.ttl {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored sessions, expired or not.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
