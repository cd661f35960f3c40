package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Session is one live authenticated session.
type Session struct {
	Principal    Principal
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
	ClientIP     string
	UserAgent    string
	duration     time.Duration
}

// SessionStore holds sessions in memory, keyed by the SHA-256 of the
// bearer token. Expired sessions are invalidated by a background sweeper.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	timeout  time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSessionStore creates a store and starts its sweeper (5 minute tick).
func NewSessionStore(timeout time.Duration) *SessionStore {
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	s := &SessionStore{
		sessions: make(map[string]*Session),
		timeout:  timeout,
		stop:     make(chan struct{}),
	}
	go s.sweeper()
	return s
}

func sessionHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create mints a new session token for principal.
func (s *SessionStore) Create(principal Principal, clientIP, userAgent string) string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand only fails when the platform RNG is broken.
		panic(err)
	}
	token := hex.EncodeToString(raw)

	now := time.Now()
	s.mu.Lock()
	s.sessions[sessionHash(token)] = &Session{
		Principal:    principal,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.timeout),
		LastActivity: now,
		ClientIP:     clientIP,
		UserAgent:    userAgent,
		duration:     s.timeout,
	}
	s.mu.Unlock()

	log.Info().Str("user", principal.Username).Str("ip", clientIP).Msg("Session created")
	return token
}

// Validate checks a token and, when valid, extends the session's sliding
// expiration.
func (s *SessionStore) Validate(token string) (Principal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionHash(token)]
	if !ok {
		return Principal{}, false
	}
	now := time.Now()
	if now.After(sess.ExpiresAt) {
		delete(s.sessions, sessionHash(token))
		return Principal{}, false
	}
	sess.ExpiresAt = now.Add(sess.duration)
	sess.LastActivity = now
	return sess.Principal, true
}

// Delete removes a session on explicit logout.
func (s *SessionStore) Delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionHash(token))
}

// InvalidateUser drops every session belonging to userID and returns the
// count removed.
func (s *SessionStore) InvalidateUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, sess := range s.sessions {
		if sess.Principal.UserID == userID {
			delete(s.sessions, key)
			removed++
		}
	}
	if removed > 0 {
		log.Info().Str("userId", userID).Int("sessions", removed).Msg("Invalidated user sessions")
	}
	return removed
}

// Count returns the number of live sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stop terminates the sweeper.
func (s *SessionStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *SessionStore) sweeper() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, sess := range s.sessions {
				if now.After(sess.ExpiresAt) {
					delete(s.sessions, key)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}
