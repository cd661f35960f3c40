// Package api exposes the HTTP surface: authentication, source
// management, notification rules, audit queries, health and metrics, and
// the websocket upgrade endpoint.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/logwarden/logwarden/internal/audit"
	"github.com/logwarden/logwarden/internal/auth"
	"github.com/logwarden/logwarden/internal/broadcast"
	"github.com/logwarden/logwarden/internal/cache"
	"github.com/logwarden/logwarden/internal/config"
	"github.com/logwarden/logwarden/internal/health"
	"github.com/logwarden/logwarden/internal/metrics"
	"github.com/logwarden/logwarden/internal/models"
	"github.com/logwarden/logwarden/internal/notifications"
	"github.com/logwarden/logwarden/internal/queue"
	"github.com/logwarden/logwarden/internal/ratelimit"
	"github.com/logwarden/logwarden/internal/recovery"
	"github.com/logwarden/logwarden/internal/sandbox"
	"github.com/logwarden/logwarden/internal/store"
	"github.com/logwarden/logwarden/internal/tailer"
	"github.com/logwarden/logwarden/internal/websocket"
)

// SourceManager is the tailer surface the API drives.
type SourceManager interface {
	AddSource(cfg models.SourceConfig) error
	RemoveSource(name string)
	SourceSnapshot(name string) (models.SourceConfig, bool)
}

var _ SourceManager = (*tailer.Tailer)(nil)

// Router owns the HTTP mux and every handler's collaborators.
type Router struct {
	cfg         *config.Config
	store       *store.Store
	sessions    *auth.SessionStore
	sandbox     *sandbox.Sandbox
	sources     SourceManager
	dispatcher  *notifications.Dispatcher
	sink        *audit.Sink
	limiter     *ratelimit.Limiter
	broadcaster *broadcast.Broadcaster
	monitor     *health.Monitor
	queue       *queue.Queue
	recovery    *recovery.Handler
	ws          *websocket.Handler
	cache       *cache.Cache

	settingsMu sync.Mutex
	extraRoots []string // operator-added sandbox roots, persisted in settings

	mux *http.ServeMux
}

// Deps bundles everything the router needs.
type Deps struct {
	Config      *config.Config
	Store       *store.Store
	Sessions    *auth.SessionStore
	Sandbox     *sandbox.Sandbox
	Sources     SourceManager
	Dispatcher  *notifications.Dispatcher
	Audit       *audit.Sink
	Limiter     *ratelimit.Limiter
	Broadcaster *broadcast.Broadcaster
	Health      *health.Monitor
	Queue       *queue.Queue
	Recovery    *recovery.Handler
	WS          *websocket.Handler
	Cache       *cache.Cache
}

// NewRouter builds the mux with all routes registered.
func NewRouter(deps Deps) *Router {
	r := &Router{
		cfg:         deps.Config,
		store:       deps.Store,
		sessions:    deps.Sessions,
		sandbox:     deps.Sandbox,
		sources:     deps.Sources,
		dispatcher:  deps.Dispatcher,
		sink:        deps.Audit,
		limiter:     deps.Limiter,
		broadcaster: deps.Broadcaster,
		monitor:     deps.Health,
		queue:       deps.Queue,
		recovery:    deps.Recovery,
		ws:          deps.WS,
		cache:       deps.Cache,
		mux:         http.NewServeMux(),
	}
	if r.cache != nil {
		r.cache.SetKindTTL("sources", 30*time.Second)
	}
	r.routes()
	return r
}

func (r *Router) routes() {
	// Unauthenticated.
	r.mux.HandleFunc("POST /api/login", r.handleLogin)
	r.mux.HandleFunc("GET /api/health", r.handleHealth)
	r.mux.Handle("GET /metrics", metrics.Handler())

	// The websocket handler authenticates its own handshake token.
	r.mux.Handle("GET /ws", r.ws)

	// Session-scoped.
	r.mux.HandleFunc("POST /api/logout", r.requirePerm("", r.handleLogout))
	r.mux.HandleFunc("GET /api/me", r.requirePerm("", r.handleMe))
	r.mux.HandleFunc("GET /api/auth/check", r.requirePerm("", r.handlePermissionCheck))

	r.mux.HandleFunc("GET /api/sources", r.requirePerm(auth.PermSourcesRead, r.handleListSources))
	r.mux.HandleFunc("POST /api/sources", r.requirePerm(auth.PermSourcesWrite, r.handleCreateSource))
	r.mux.HandleFunc("GET /api/sources/{name}", r.requirePerm(auth.PermSourcesRead, r.handleGetSource))
	r.mux.HandleFunc("PUT /api/sources/{name}", r.requirePerm(auth.PermSourcesWrite, r.handleUpdateSource))
	r.mux.HandleFunc("DELETE /api/sources/{name}", r.requirePerm(auth.PermSourcesDelete, r.handleDeleteSource))

	r.mux.HandleFunc("GET /api/notifications/rules", r.requirePerm(auth.PermConfigRead, r.handleListRules))
	r.mux.HandleFunc("POST /api/notifications/rules", r.requirePerm(auth.PermConfigWrite, r.handleSetRule))
	r.mux.HandleFunc("DELETE /api/notifications/rules/{id}", r.requirePerm(auth.PermConfigWrite, r.handleDeleteRule))

	r.mux.HandleFunc("GET /api/config", r.requirePerm(auth.PermConfigRead, r.handleGetSettings))
	r.mux.HandleFunc("PUT /api/config", r.requirePerm(auth.PermConfigWrite, r.handlePutSettings))

	r.mux.HandleFunc("GET /api/subscribers", r.requirePerm(auth.PermUsersManage, r.handleListSubscribers))
	r.mux.HandleFunc("DELETE /api/subscribers/{id}", r.requirePerm(auth.PermUsersManage, r.handleBootSubscriber))

	r.mux.HandleFunc("GET /api/audit", r.requirePerm(auth.PermAuditRead, r.handleAuditQuery))
	r.mux.HandleFunc("GET /api/queue/stats", r.requirePerm(auth.PermHealthRead, r.handleQueueStats))
	r.mux.HandleFunc("GET /api/errors/recent", r.requirePerm(auth.PermHealthRead, r.handleRecentErrors))
	r.mux.HandleFunc("GET /api/ratelimit/{client}", r.requirePerm(auth.PermRateAdmin, r.handleRateStatus))
	r.mux.HandleFunc("DELETE /api/ratelimit/{client}", r.requirePerm(auth.PermRateAdmin, r.handleRateClear))
}

// Handler wraps the mux in the outer middleware chain.
func (r *Router) Handler() http.Handler {
	var h http.Handler = r.mux
	h = r.rateLimitMiddleware(h)
	h = correlationMiddleware(h)
	h = securityHeaders(h)
	return h
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down with
// a bounded grace period.
func (r *Router) Serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              r.cfg.ListenAddr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", r.cfg.ListenAddr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
