package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"cuedeck/internal/config"
)

// ErrInvalidCredentials is returned by Login for a wrong username or password
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service guards the remote-control surface
type Service struct {
	config         *config.AuthConfig
	operator       *Operator
	sessionManager *SessionManager
	enabled        bool
}

// NewService creates the auth service. changed reports that cfg now holds a
// freshly hashed password and should be saved.
func NewService(cfg *config.AuthConfig) (s *Service, changed bool, err error) {
	if !cfg.Enabled {
		return &Service{config: cfg, enabled: false}, false, nil
	}

	duration, err := time.ParseDuration(cfg.SessionDuration)
	if err != nil {
		return nil, false, fmt.Errorf("invalid session duration: %w", err)
	}

	op, changed, err := NewOperator(cfg)
	if err != nil {
		return nil, false, err
	}

	return &Service{
		config:         cfg,
		operator:       op,
		sessionManager: NewSessionManager(duration, cfg.SecureCookies),
		enabled:        true,
	}, changed, nil
}

// IsEnabled returns whether authentication is enabled
func (s *Service) IsEnabled() bool {
	return s.enabled
}

// Login checks the credential and opens a cookie session
func (s *Service) Login(username, password string) (*Session, error) {
	if !s.enabled {
		return nil, fmt.Errorf("authentication is disabled")
	}
	if !s.operator.Authenticate(username, password) {
		return nil, ErrInvalidCredentials
	}

	session, err := s.sessionManager.CreateSession(username)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// Logout invalidates a session
func (s *Service) Logout(sessionID string) {
	if !s.enabled {
		return
	}
	s.sessionManager.DeleteSession(sessionID)
}

// Authorize accepts a valid session cookie or HTTP basic credentials. It
// always succeeds when auth is disabled.
func (s *Service) Authorize(r *http.Request) bool {
	if !s.enabled {
		return true
	}
	if session, ok := s.sessionManager.GetSessionFromRequest(r); ok {
		s.sessionManager.RefreshSession(session.ID)
		return true
	}
	if username, password, ok := r.BasicAuth(); ok {
		return s.operator.Authenticate(username, password)
	}
	return false
}

// GetSessionManager returns the session manager (for handlers)
func (s *Service) GetSessionManager() *SessionManager {
	return s.sessionManager
}

// Close stops background session cleanup
func (s *Service) Close() {
	if s.sessionManager != nil {
		s.sessionManager.Close()
	}
}
