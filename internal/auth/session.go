package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	sessionCookieName = "cuedeck_session"
	sweepInterval     = time.Hour
)

// Session is a logged-in operator browser
type Session struct {
	ID        string
	Username  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (s Session) expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// SessionManager keeps operator cookie sessions in memory. Sessions slide:
// every authorized request pushes the expiry out by the full duration.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]Session
	duration time.Duration
	secure   bool
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewSessionManager creates the manager and starts the expiry sweep
func NewSessionManager(duration time.Duration, secureCookies bool) *SessionManager {
	sm := &SessionManager{
		sessions: make(map[string]Session),
		duration: duration,
		secure:   secureCookies,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go sm.sweepLoop()
	return sm
}

// CreateSession opens a session for username
func (sm *SessionManager) CreateSession(username string) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.now()
	s := Session{ID: id, Username: username, CreatedAt: now, ExpiresAt: now.Add(sm.duration)}
	sm.sessions[id] = s
	return &s, nil
}

// GetSession returns the live session with the given ID. An expired one is
// dropped on the way.
func (sm *SessionManager) GetSession(id string) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	if s.expired(sm.now()) {
		delete(sm.sessions, id)
		return nil, false
	}
	return &s, true
}

// RefreshSession slides the expiry of a live session
func (sm *SessionManager) RefreshSession(id string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s, ok := sm.sessions[id]
	now := sm.now()
	if !ok || s.expired(now) {
		delete(sm.sessions, id)
		return false
	}
	s.ExpiresAt = now.Add(sm.duration)
	sm.sessions[id] = s
	return true
}

// DeleteSession ends a session
func (sm *SessionManager) DeleteSession(id string) {
	sm.mu.Lock()
	delete(sm.sessions, id)
	sm.mu.Unlock()
}

// Count returns the number of stored sessions
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// SetSessionCookie hands the session to the browser
func (sm *SessionManager) SetSessionCookie(w http.ResponseWriter, s *Session) {
	http.SetCookie(w, sm.cookie(s.ID, s.ExpiresAt))
}

// ClearSessionCookie expires the browser's cookie
func (sm *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, sm.cookie("", time.Unix(0, 0)))
}

func (sm *SessionManager) cookie(value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// GetSessionFromRequest resolves the session named by the request cookie
func (sm *SessionManager) GetSessionFromRequest(r *http.Request) (*Session, bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil || c.Value == "" {
		return nil, false
	}
	return sm.GetSession(c.Value)
}

// sweep drops every session expired at now and reports how many went
func (sm *SessionManager) sweep(now time.Time) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	n := 0
	for id, s := range sm.sessions {
		if s.expired(now) {
			delete(sm.sessions, id)
			n++
		}
	}
	return n
}

func (sm *SessionManager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.stop:
			return
		case <-ticker.C:
			sm.sweep(sm.now())
		}
	}
}

// Close stops the expiry sweep
func (sm *SessionManager) Close() {
	sm.stopOnce.Do(func() { close(sm.stop) })
}

func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
