package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/logwarden/logwarden/internal/audit"
	"github.com/logwarden/logwarden/internal/auth"
	apperrors "github.com/logwarden/logwarden/internal/errors"
)

const (
	maxLoginAttempts = 5
	lockoutDuration  = 15 * time.Minute
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	audited := func(eventType audit.EventType, success bool, detail string) {
		rt.sink.Log(r.Context(), audit.Entry{
			EventType:   eventType,
			Severity:    "info",
			Username:    req.Username,
			ClientIP:    clientIP(r),
			Action:      "login",
			Description: detail,
			Success:     success,
		})
	}

	user, err := rt.store.GetUserByUsername(req.Username)
	if err != nil {
		auth.BurnPasswordCheck(req.Password)
		audited(audit.EventAuthLoginFailed, false, "unknown user")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if !user.Enabled {
		audited(audit.EventAuthLoginFailed, false, "account disabled")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if user.LockedUntil.After(time.Now()) {
		audited(audit.EventAuthLoginFailed, false, "account locked")
		writeError(w, http.StatusUnauthorized, "account temporarily locked")
		return
	}

	if !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		if err := rt.store.RecordLoginFailure(user.ID, maxLoginAttempts, lockoutDuration); err != nil {
			writeError(w, http.StatusInternalServerError, "login failed")
			return
		}
		audited(audit.EventAuthLoginFailed, false, "bad password")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := rt.store.RecordLoginSuccess(user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	principal := auth.Principal{
		UserID:   user.ID,
		Username: user.Username,
		Role:     auth.Role(user.Role),
	}
	token := rt.sessions.Create(principal, clientIP(r), r.UserAgent())

	http.SetCookie(w, &http.Cookie{
		Name:     "logwarden_session",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(rt.cfg.SessionTimeout / time.Second),
	})

	audited(audit.EventAuthLogin, true, "login succeeded")
	writeJSON(w, http.StatusOK, map[string]any{
		"token":       token,
		"username":    user.Username,
		"role":        user.Role,
		"permissions": auth.PermissionsFor(principal.Role),
	})
}

func (rt *Router) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	rt.sessions.Delete(bearerToken(r))

	// Logout is a hard disconnect: close live connections and purge
	// subscriber state so nothing is replayed on the next login.
	rt.ws.CloseUser(principal.UserID)
	rt.broadcaster.RemoveByUser(principal.UserID)

	http.SetCookie(w, &http.Cookie{
		Name:     "logwarden_session",
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})

	rt.sink.Log(r.Context(), audit.Entry{
		EventType:   audit.EventAuthLogout,
		Severity:    "info",
		UserID:      principal.UserID,
		Username:    principal.Username,
		ClientIP:    clientIP(r),
		Action:      "logout",
		Description: "session terminated",
		Success:     true,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (rt *Router) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, apperrors.ErrUnauthorized.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":      principal.UserID,
		"username":    principal.Username,
		"role":        string(principal.Role),
		"permissions": auth.PermissionsFor(principal.Role),
	})
}

// handlePermissionCheck answers whether the caller's role grants one named
// permission, without requiring it.
func (rt *Router) handlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, apperrors.ErrUnauthorized.Error())
		return
	}
	perm := auth.Permission(r.URL.Query().Get("permission"))
	if perm == "" {
		writeError(w, http.StatusBadRequest, "permission parameter required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"permission": perm,
		"allowed":    principal.Can(perm),
	})
}
