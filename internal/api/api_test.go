package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logwarden/logwarden/internal/audit"
	"github.com/logwarden/logwarden/internal/auth"
	"github.com/logwarden/logwarden/internal/broadcast"
	"github.com/logwarden/logwarden/internal/cache"
	"github.com/logwarden/logwarden/internal/config"
	"github.com/logwarden/logwarden/internal/health"
	"github.com/logwarden/logwarden/internal/models"
	"github.com/logwarden/logwarden/internal/notifications"
	"github.com/logwarden/logwarden/internal/queue"
	"github.com/logwarden/logwarden/internal/ratelimit"
	"github.com/logwarden/logwarden/internal/recovery"
	"github.com/logwarden/logwarden/internal/sandbox"
	"github.com/logwarden/logwarden/internal/store"
	"github.com/logwarden/logwarden/internal/websocket"
)

// fakeSources stands in for the tailer; AddSource on the real one blocks
// until its run loop starts.
type fakeSources struct {
	mu      sync.Mutex
	added   map[string]models.SourceConfig
	removed []string
	failAdd error
}

func newFakeSources() *fakeSources {
	return &fakeSources{added: make(map[string]models.SourceConfig)}
}

func (f *fakeSources) AddSource(cfg models.SourceConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd != nil {
		return f.failAdd
	}
	f.added[cfg.Name] = cfg
	return nil
}

func (f *fakeSources) RemoveSource(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.added, name)
	f.removed = append(f.removed, name)
}

func (f *fakeSources) SourceSnapshot(name string) (models.SourceConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.added[name]
	return cfg, ok
}

func (f *fakeSources) monitoring(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.added[name]
	return ok
}

type testEnv struct {
	router      *Router
	handler     http.Handler
	store       *store.Store
	sessions    *auth.SessionStore
	sandbox     *sandbox.Sandbox
	sources     *fakeSources
	broadcaster *broadcast.Broadcaster
	dispatcher  *notifications.Dispatcher
	allowDir    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "api_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Defaults()
	cfg.SessionTimeout = time.Hour
	allowDir := t.TempDir()
	cfg.AllowedRoots = []string{allowDir}

	env := &testEnv{
		store:       st,
		sessions:    auth.NewSessionStore(cfg.SessionTimeout),
		sandbox:     sandbox.New(cfg.AllowedRoots, false),
		sources:     newFakeSources(),
		broadcaster: broadcast.New(broadcast.Options{}),
		dispatcher:  notifications.NewDispatcher(notifications.SMTPConfig{}),
		allowDir:    allowDir,
	}
	t.Cleanup(env.sessions.Stop)

	sink := audit.NewSink(st, 100, false) // sync flush keeps assertions simple
	t.Cleanup(sink.Close)

	limiter := ratelimit.New(ratelimit.Options{RequestsPerMinute: 100000, BurstLimit: 100000})
	t.Cleanup(limiter.Stop)

	ch := cache.New(time.Minute)
	t.Cleanup(ch.Stop)

	q := queue.New(queue.Options{Capacity: 100})
	rec := recovery.NewHandler(env.broadcaster.Broadcast)
	ws := websocket.NewHandler(env.sessions, env.broadcaster, sink, nil, websocket.Options{})

	env.router = NewRouter(Deps{
		Config:      &cfg,
		Store:       st,
		Sessions:    env.sessions,
		Sandbox:     env.sandbox,
		Sources:     env.sources,
		Dispatcher:  env.dispatcher,
		Audit:       sink,
		Limiter:     limiter,
		Broadcaster: env.broadcaster,
		Health:      health.NewMonitor(),
		Queue:       q,
		Recovery:    rec,
		WS:          ws,
		Cache:       ch,
	})
	env.handler = env.router.Handler()
	return env
}

// sessionFor mints a live session for a synthetic user of the given role.
func (env *testEnv) sessionFor(role auth.Role) string {
	principal := auth.Principal{
		UserID:   "u-" + string(role),
		Username: string(role),
		Role:     role,
	}
	return env.sessions.Create(principal, "127.0.0.1", "test-agent")
}

func (env *testEnv) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func sourceBody(name, path string) map[string]any {
	return map[string]any{
		"name":     name,
		"path":     path,
		"type":     "file",
		"enabled":  true,
		"priority": 5,
	}
}

func TestLoginIssuesSessionAndRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)

	hash, err := auth.HashPassword("hunter2hunter2")
	require.NoError(t, err)
	require.NoError(t, env.store.CreateUser(store.User{
		ID: "u1", Username: "alice", PasswordHash: hash,
		Role: string(auth.RoleAdmin), Enabled: true,
	}))

	rec := env.request(t, http.MethodPost, "/api/login", "",
		map[string]string{"username": "alice", "password": "hunter2hunter2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[map[string]any](t, rec)
	token, _ := resp["token"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, "alice", resp["username"])
	assert.NotEmpty(t, resp["permissions"])

	// The token works against a session-scoped endpoint.
	rec = env.request(t, http.MethodGet, "/api/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "admin", me["role"])

	rec = env.request(t, http.MethodPost, "/api/login", "",
		map[string]string{"username": "alice", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.request(t, http.MethodPost, "/api/login", "",
		map[string]string{"username": "nobody", "password": "whatever"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRequiredAndPermissionEnforced(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/api/sources", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	viewer := env.sessionFor(auth.RoleViewer)
	rec = env.request(t, http.MethodPost, "/api/sources", viewer,
		sourceBody("app", filepath.Join(env.allowDir, "app.log")))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The denial is audited.
	records, err := env.store.QueryAudit(store.AuditQuery{EventType: string(audit.EventSecurityViolation)})
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Contains(t, records[0].Description, "sources:write")
}

func TestPermissionCheckEndpoint(t *testing.T) {
	env := newTestEnv(t)
	viewer := env.sessionFor(auth.RoleViewer)
	admin := env.sessionFor(auth.RoleAdmin)

	rec := env.request(t, http.MethodGet, "/api/auth/check?permission=sources:write", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[map[string]any](t, rec)
	assert.Equal(t, false, resp["allowed"])

	rec = env.request(t, http.MethodGet, "/api/auth/check?permission=sources:write", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, resp["allowed"])

	rec = env.request(t, http.MethodGet, "/api/auth/check", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSourceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	admin := env.sessionFor(auth.RoleAdmin)
	path := filepath.Join(env.allowDir, "app.log")

	rec := env.request(t, http.MethodPost, "/api/sources", admin, sourceBody("app", path))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[models.SourceConfig](t, rec)
	assert.Equal(t, 1.0, created.PollingInterval, "default filled in")
	assert.Equal(t, 100, created.BatchSize, "default filled in")
	assert.True(t, env.sources.monitoring("app"), "enabled source starts monitoring")

	rec = env.request(t, http.MethodGet, "/api/sources", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]models.SourceConfig](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "app", list[0].Name)

	rec = env.request(t, http.MethodGet, "/api/sources/app", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Disabling stops monitoring and lands a source.disabled audit entry.
	body := sourceBody("app", path)
	body["enabled"] = false
	rec = env.request(t, http.MethodPut, "/api/sources/app", admin, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, env.sources.monitoring("app"))
	records, err := env.store.QueryAudit(store.AuditQuery{EventType: string(audit.EventSourceDisabled)})
	require.NoError(t, err)
	assert.Len(t, records, 1)

	rec = env.request(t, http.MethodDelete, "/api/sources/app", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.request(t, http.MethodGet, "/api/sources/app", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSourceRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	admin := env.sessionFor(auth.RoleAdmin)
	good := filepath.Join(env.allowDir, "ok.log")

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"shell metacharacters in name", sourceBody("app;rm", good), http.StatusBadRequest},
		{"path traversal", sourceBody("app", env.allowDir+"/../../etc/passwd"), http.StatusBadRequest},
		{"outside sandbox", sourceBody("app", "/somewhere/else/app.log"), http.StatusBadRequest},
		{"bad type", map[string]any{"name": "app", "path": good, "type": "socket"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.request(t, http.MethodPost, "/api/sources", admin, tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}

	badInterval := sourceBody("app", good)
	badInterval["pollingIntervalSeconds"] = 0.01
	rec := env.request(t, http.MethodPost, "/api/sources", admin, badInterval)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "polling interval")

	badBatch := sourceBody("app", good)
	badBatch["batchSize"] = 20000
	rec = env.request(t, http.MethodPost, "/api/sources", admin, badBatch)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "batch size")
}

func TestCreateSourceConflicts(t *testing.T) {
	env := newTestEnv(t)
	admin := env.sessionFor(auth.RoleAdmin)
	path := filepath.Join(env.allowDir, "app.log")

	rec := env.request(t, http.MethodPost, "/api/sources", admin, sourceBody("app", path))
	require.Equal(t, http.StatusCreated, rec.Code)

	// Same name.
	rec = env.request(t, http.MethodPost, "/api/sources", admin, sourceBody("app", filepath.Join(env.allowDir, "other.log")))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Same path under a different name.
	rec = env.request(t, http.MethodPost, "/api/sources", admin, sourceBody("app2", path))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already monitored")
}

func TestSettingsRoundTripAndValidation(t *testing.T) {
	env := newTestEnv(t)
	admin := env.sessionFor(auth.RoleAdmin)
	extraRoot := t.TempDir()
	probe := filepath.Join(extraRoot, "svc.log")

	_, err := env.sandbox.Validate(probe)
	require.Error(t, err, "root not allowed before the update")

	rec := env.request(t, http.MethodPut, "/api/config", admin, map[string]any{
		"throttle":   map[string]float64{"health_check": 5, "system_status": 30},
		"allowRoots": []string{extraRoot},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := decodeBody[Settings](t, rec)
	assert.Equal(t, 5.0, doc.Throttle["health_check"])
	assert.Equal(t, []string{extraRoot}, doc.AllowRoots)

	_, err = env.sandbox.Validate(probe)
	assert.NoError(t, err, "runtime root accepted immediately")
	assert.Len(t, env.broadcaster.Throttles(), 2)

	// Persisted for the next boot.
	var persisted Settings
	found, err := env.store.LoadMonitoringConfig(&persisted)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 30.0, persisted.Throttle["system_status"])

	rec = env.request(t, http.MethodGet, "/api/config", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc = decodeBody[Settings](t, rec)
	assert.Equal(t, []string{extraRoot}, doc.AllowRoots)

	// Dropping the root from the list revokes it.
	rec = env.request(t, http.MethodPut, "/api/config", admin, map[string]any{
		"allowRoots": []string{},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	_, err = env.sandbox.Validate(probe)
	assert.Error(t, err)
	assert.Len(t, env.broadcaster.Throttles(), 2, "omitted field left untouched")

	for name, body := range map[string]string{
		"unknown key":        `{"throtle": {"health_check": 5}}`,
		"unknown event type": `{"throttle": {"no_such_event": 5}}`,
		"interval too large": `{"throttle": {"health_check": 7200}}`,
		"interval zero":      `{"throttle": {"health_check": 0}}`,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/api/config", bytes.NewReader([]byte(body)))
			req.Header.Set("Authorization", "Bearer "+admin)
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	viewer := env.sessionFor(auth.RoleViewer)
	rec = env.request(t, http.MethodPut, "/api/config", viewer, map[string]any{"throttle": map[string]float64{}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSettingsRestoreAfterRestart(t *testing.T) {
	env := newTestEnv(t)
	admin := env.sessionFor(auth.RoleAdmin)
	extraRoot := t.TempDir()

	rec := env.request(t, http.MethodPut, "/api/config", admin, map[string]any{
		"throttle":   map[string]float64{"health_check": 15},
		"allowRoots": []string{extraRoot},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.request(t, http.MethodPost, "/api/notifications/rules", admin, notifications.Rule{
		Name: "sev-alerts", Enabled: true,
		Channel: notifications.ChannelWebhook, Target: "https://example.com/hook",
		MinPriority: 8,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A new component graph over the same store stands in for a restart.
	freshBroadcaster := broadcast.New(broadcast.Options{})
	freshDispatcher := notifications.NewDispatcher(notifications.SMTPConfig{})
	freshSandbox := sandbox.New(nil, false)
	fresh := NewRouter(Deps{
		Config:      env.router.cfg,
		Store:       env.store,
		Sessions:    env.sessions,
		Sandbox:     freshSandbox,
		Sources:     newFakeSources(),
		Dispatcher:  freshDispatcher,
		Audit:       env.router.sink,
		Limiter:     env.router.limiter,
		Broadcaster: freshBroadcaster,
		Health:      health.NewMonitor(),
		Queue:       env.router.queue,
		Recovery:    env.router.recovery,
		WS:          env.router.ws,
		Cache:       env.router.cache,
	})
	require.NoError(t, fresh.RestoreSettings(context.Background()))

	rules := freshBroadcaster.Throttles()
	require.Len(t, rules, 1)
	assert.Equal(t, models.EventHealthCheck, rules[0].EventType)
	assert.Equal(t, 15*time.Second, rules[0].MinInterval)

	restored := freshDispatcher.Rules()
	require.Len(t, restored, 1)
	assert.Equal(t, "sev-alerts", restored[0].Name)

	_, err := freshSandbox.Validate(filepath.Join(extraRoot, "svc.log"))
	assert.NoError(t, err)
}

func TestNotificationRuleEndpoints(t *testing.T) {
	env := newTestEnv(t)
	admin := env.sessionFor(auth.RoleAdmin)

	rec := env.request(t, http.MethodPost, "/api/notifications/rules", admin, notifications.Rule{
		Name: "hook", Enabled: true,
		Channel: notifications.ChannelWebhook, Target: "https://example.com/hook",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decodeBody[notifications.Rule](t, rec)
	require.NotEmpty(t, saved.ID)

	rec = env.request(t, http.MethodPost, "/api/notifications/rules", admin, notifications.Rule{
		Name: "bad", Enabled: true, Channel: "carrier-pigeon", Target: "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.request(t, http.MethodGet, "/api/notifications/rules", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]notifications.Rule](t, rec), 1)

	rec = env.request(t, http.MethodDelete, "/api/notifications/rules/"+saved.ID, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	records, err := env.store.QueryAudit(store.AuditQuery{EventType: string(audit.EventNotificationRule)})
	require.NoError(t, err)
	assert.Len(t, records, 2, "set and delete both audited")

	rec = env.request(t, http.MethodDelete, "/api/notifications/rules/"+saved.ID, admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditQueryEndpoint(t *testing.T) {
	env := newTestEnv(t)
	admin := env.sessionFor(auth.RoleAdmin)

	rec := env.request(t, http.MethodPost, "/api/sources", admin,
		sourceBody("app", filepath.Join(env.allowDir, "app.log")))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.request(t, http.MethodGet, "/api/audit?event_type=source.created", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	records := decodeBody[[]store.AuditRecord](t, rec)
	require.Len(t, records, 1)
	assert.Equal(t, "app", records[0].ResourceID)
	assert.Equal(t, string(auth.RoleAdmin), records[0].Username)

	// Viewers cannot read the audit log.
	viewer := env.sessionFor(auth.RoleViewer)
	rec = env.request(t, http.MethodGet, "/api/audit", viewer, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthAndStatsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[health.Report](t, rec)
	assert.Equal(t, health.StatusHealthy, report.Status)

	analyst := env.sessionFor(auth.RoleAnalyst)
	rec = env.request(t, http.MethodGet, "/api/queue/stats", analyst, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[map[string]any](t, rec)
	assert.Contains(t, stats, "queue")
	assert.Contains(t, stats, "broadcast")

	rec = env.request(t, http.MethodGet, "/api/errors/recent", analyst, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)
	admin := env.sessionFor(auth.RoleAdmin)

	rec := env.request(t, http.MethodGet, "/api/ratelimit/203.0.113.9", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodDelete, "/api/ratelimit/203.0.113.9", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	records, err := env.store.QueryAudit(store.AuditQuery{EventType: string(audit.EventRateLimited)})
	require.NoError(t, err)
	assert.Len(t, records, 1)

	analyst := env.sessionFor(auth.RoleAnalyst)
	rec = env.request(t, http.MethodGet, "/api/ratelimit/203.0.113.9", analyst, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLogoutPurgesSessionsAndSubscribers(t *testing.T) {
	env := newTestEnv(t)
	viewer := env.sessionFor(auth.RoleViewer)

	env.broadcaster.Register("sub-1", auth.Principal{UserID: "u-viewer", Username: "viewer"})
	_, ok := env.broadcaster.Principal("sub-1")
	require.True(t, ok)

	rec := env.request(t, http.MethodPost, "/api/logout", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok = env.broadcaster.Principal("sub-1")
	assert.False(t, ok, "logout hard-purges subscriber state")

	rec = env.request(t, http.MethodGet, "/api/me", viewer, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "token no longer valid")
}

func TestSubscriberAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)
	admin := env.sessionFor(auth.RoleAdmin)

	env.broadcaster.Register("sub-boot", auth.Principal{UserID: "u2", Username: "bob"})

	rec := env.request(t, http.MethodGet, "/api/subscribers", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	infos := decodeBody[[]broadcast.SubscriberInfo](t, rec)
	require.Len(t, infos, 1)
	assert.Equal(t, "sub-boot", infos[0].ID)
	assert.False(t, infos[0].Attached)

	rec = env.request(t, http.MethodDelete, "/api/subscribers/sub-boot", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := env.broadcaster.Principal("sub-boot")
	assert.False(t, ok)

	rec = env.request(t, http.MethodDelete, "/api/subscribers/sub-boot", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	analyst := env.sessionFor(auth.RoleAnalyst)
	rec = env.request(t, http.MethodGet, "/api/subscribers", analyst, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMiddlewareHeadersAndCorrelation(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Correlation-ID", "corr-42")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, "corr-42", rec.Header().Get("X-Correlation-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	// Minted when the caller does not send one.
	rec = env.request(t, http.MethodGet, "/api/health", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}
