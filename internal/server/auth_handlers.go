package server

import (
	"errors"
	"net/http"

	"cuedeck/internal/auth"
)

// handleAuthLogin checks the operator credential and sets the session cookie
func (cs *ConsoleServer) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if !cs.authService.IsEnabled() {
		cs.respondOK(w, http.StatusOK, map[string]interface{}{"success": true, "auth": false})
		return
	}

	var credentials struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if verr := decodeBody(r, &credentials); verr != nil {
		cs.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	if credentials.Username == "" || credentials.Password == "" {
		cs.respondWithValidationError(w, r, []ValidationError{{
			Field:   "credentials",
			Message: "Username and password required",
			Code:    "MISSING_CREDENTIALS",
		}})
		return
	}

	session, err := cs.authService.Login(credentials.Username, credentials.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		cs.logger.WithField("username", credentials.Username).Warn("Failed login attempt")
		cs.respondWithError(w, r, http.StatusUnauthorized, "Invalid credentials", nil)
		return
	}
	if err != nil {
		cs.respondWithError(w, r, http.StatusInternalServerError, "Login failed", err)
		return
	}

	cs.authService.GetSessionManager().SetSessionCookie(w, session)
	cs.logger.WithField("username", session.Username).Info("Operator logged in")

	cs.respondOK(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"expiresAt": session.ExpiresAt,
	})
}

func (cs *ConsoleServer) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if cs.authService.IsEnabled() {
		sm := cs.authService.GetSessionManager()
		if session, ok := sm.GetSessionFromRequest(r); ok {
			cs.authService.Logout(session.ID)
		}
		sm.ClearSessionCookie(w)
	}
	cs.respondOK(w, http.StatusOK, map[string]bool{"success": true})
}
