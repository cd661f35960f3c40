package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/logwarden/logwarden/internal/audit"
	"github.com/logwarden/logwarden/internal/auth"
	apperrors "github.com/logwarden/logwarden/internal/errors"
	"github.com/logwarden/logwarden/internal/logging"
)

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// correlationMiddleware threads a correlation id from the request header
// into the context, minting one when absent.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Correlation-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		ctx := logging.WithCorrelationID(r.Context(), id)
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitMiddleware applies the dual-gate limiter per client IP. The
// websocket endpoint is exempt; its lifetime is not request-shaped.
func (rt *Router) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		client := clientIP(r)
		rt.limiter.MarkAgent(client, r.UserAgent())
		if !rt.limiter.Check(client, r.URL.Path) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requirePerm authenticates the session token and checks perm. An empty
// perm only requires a valid session.
func (rt *Router) requirePerm(perm auth.Permission, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		principal, ok := rt.sessions.Validate(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if perm != "" && !principal.Can(perm) {
			rt.sink.Log(r.Context(), audit.Entry{
				EventType:   audit.EventSecurityViolation,
				Severity:    "warning",
				UserID:      principal.UserID,
				Username:    principal.Username,
				ClientIP:    clientIP(r),
				Action:      r.Method + " " + r.URL.Path,
				Description: "permission denied: " + string(perm),
				Success:     false,
			})
			writeError(w, http.StatusForbidden, apperrors.ErrForbidden.Error())
			return
		}
		ctx := auth.WithPrincipal(r.Context(), principal)
		handler(w, r.WithContext(ctx))
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	if cookie, err := r.Cookie("logwarden_session"); err == nil {
		return cookie.Value
	}
	return ""
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	return host
}
