// Package monitor assembles the service: it wires every subsystem
// together, starts them in dependency order, and tears them down in
// reverse on shutdown.
package monitor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/logwarden/logwarden/internal/analyzer"
	"github.com/logwarden/logwarden/internal/api"
	"github.com/logwarden/logwarden/internal/audit"
	"github.com/logwarden/logwarden/internal/auth"
	"github.com/logwarden/logwarden/internal/broadcast"
	"github.com/logwarden/logwarden/internal/cache"
	"github.com/logwarden/logwarden/internal/config"
	apperrors "github.com/logwarden/logwarden/internal/errors"
	"github.com/logwarden/logwarden/internal/health"
	"github.com/logwarden/logwarden/internal/metrics"
	"github.com/logwarden/logwarden/internal/models"
	"github.com/logwarden/logwarden/internal/notifications"
	"github.com/logwarden/logwarden/internal/pipeline"
	"github.com/logwarden/logwarden/internal/queue"
	"github.com/logwarden/logwarden/internal/ratelimit"
	"github.com/logwarden/logwarden/internal/recovery"
	"github.com/logwarden/logwarden/internal/sandbox"
	"github.com/logwarden/logwarden/internal/store"
	"github.com/logwarden/logwarden/internal/tailer"
	"github.com/logwarden/logwarden/internal/websocket"
)

const statusInterval = 30 * time.Second

// Monitor owns every long-lived component of the service.
type Monitor struct {
	cfg *config.Config

	store       *store.Store
	sessions    *auth.SessionStore
	sandbox     *sandbox.Sandbox
	queue       *queue.Queue
	broadcaster *broadcast.Broadcaster
	dispatcher  *notifications.Dispatcher
	recovery    *recovery.Handler
	pipeline    *pipeline.Pipeline
	tailer      *tailer.Tailer
	sink        *audit.Sink
	limiter     *ratelimit.Limiter
	health      *health.Monitor
	ws          *websocket.Handler
	cache       *cache.Cache
	router      *api.Router

	cancel context.CancelFunc
}

// countingSink wraps the queue so admission results feed the metrics
// registry without the tailer knowing about it.
type countingSink struct {
	queue *queue.Queue
}

func (s countingSink) Enqueue(entry *models.LogEntry) queue.Admission {
	admission := s.queue.Enqueue(entry)
	switch admission {
	case queue.Accepted:
		metrics.RecordIngested(entry.Priority.String())
	case queue.RejectedBackpressure:
		metrics.RecordDropped("backpressure")
	case queue.RejectedFull:
		metrics.RecordDropped("queue_full")
	}
	return admission
}

// New builds the full component graph. Nothing runs until Start.
func New(cfg *config.Config) (*Monitor, error) {
	st, err := store.Open(cfg.DataDir + "/logwarden.db")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	m := &Monitor{cfg: cfg, store: st}

	m.sessions = auth.NewSessionStore(cfg.SessionTimeout)
	m.sandbox = sandbox.New(cfg.AllowedRoots, cfg.StrictPaths)
	m.sink = audit.NewSink(st, cfg.AuditBufferSize, cfg.AuditBatchFlush)

	m.queue = queue.New(queue.Options{
		Capacity:              cfg.QueueCapacity,
		BackpressureThreshold: cfg.BackpressureThreshold,
		MaxRetries:            cfg.MaxRetries,
		MinBatchSize:          cfg.MinBatchSize,
		MaxBatchSize:          cfg.MaxBatchSize,
		HistoryRetention:      cfg.HistoryRetention,
	})

	m.broadcaster = broadcast.New(broadcast.Options{
		CatchupBuffer: cfg.CatchupBuffer,
		CatchupMaxAge: cfg.CatchupMaxAge,
	})
	// Health checks are chatty; persisted settings may override this.
	m.broadcaster.SetThrottle(models.ThrottleRule{
		EventType:   models.EventHealthCheck,
		MinInterval: 10 * time.Second,
	})

	m.dispatcher = notifications.NewDispatcher(notifications.SMTPConfig{})

	// Every event reaches subscribers, notification rules, and metrics
	// through this single choke point.
	emit := func(update models.EventUpdate) {
		m.broadcaster.Broadcast(update)
		m.dispatcher.Notify(update)
		metrics.RecordBroadcast(string(update.Type))
	}

	m.recovery = recovery.NewHandler(emit)

	m.pipeline = pipeline.New(m.queue, analyzer.LineParser{}, analyzer.Heuristic{},
		analyzer.Heuristic{}, st, emit, m.recovery, pipeline.Options{
			Workers: cfg.MaxConcurrentBatches,
		})

	tl, err := tailer.New(countingSink{queue: m.queue}, st, tailer.Options{
		Debounce:      cfg.DebounceInterval,
		SweepInterval: cfg.SweepInterval,
		MaxOpenFiles:  cfg.MaxOpenFiles,
		MaxSources:    cfg.MaxSources,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create tailer: %w", err)
	}
	tl.OnSourceStatus = func(name string, status models.SourceStatus, message string) {
		if err := st.UpdateSourceStatus(name, status, message); err != nil {
			log.Warn().Err(err).Str("source", name).Msg("Failed to persist source status")
		}
		emit(models.NewEvent(models.SourceStatusPayload{
			Source:  name,
			Status:  string(status),
			Message: message,
		}, 4))
	}
	tl.OnError = func(err error) {
		m.recovery.Handle(err, nil, "tailer", nil)
	}
	m.tailer = tl

	m.limiter = ratelimit.New(ratelimit.Options{
		RequestsPerMinute: cfg.RequestsPerMinute,
		BurstLimit:        cfg.BurstLimit,
	})
	m.limiter.OnViolation = func(client, endpoint, reason string) {
		metrics.RecordViolation(reason)
		m.sink.Log(context.Background(), audit.Entry{
			EventType:   audit.EventRateLimited,
			Severity:    "warning",
			ClientIP:    client,
			Action:      endpoint,
			Description: "rate limit violation: " + reason,
			Success:     false,
		})
	}

	m.health = health.NewMonitor()
	m.registerHealthChecks()

	m.cache = cache.New(cfg.CacheTTL)

	m.ws = websocket.NewHandler(m.sessions, m.broadcaster, m.sink, func() map[string]any {
		return map[string]any{
			"queue":     m.queue.Stats(),
			"broadcast": m.broadcaster.Stats(),
		}
	}, websocket.Options{
		PingInterval:   cfg.PingInterval,
		PingMissLimit:  cfg.PingMissLimit,
		MaxConnections: cfg.MaxConnections,
	})

	m.router = api.NewRouter(api.Deps{
		Config:      cfg,
		Store:       st,
		Sessions:    m.sessions,
		Sandbox:     m.sandbox,
		Sources:     tl,
		Dispatcher:  m.dispatcher,
		Audit:       m.sink,
		Limiter:     m.limiter,
		Broadcaster: m.broadcaster,
		Health:      m.health,
		Queue:       m.queue,
		Recovery:    m.recovery,
		WS:          m.ws,
		Cache:       m.cache,
	})

	return m, nil
}

// Run starts every component in dependency order, restores persisted
// sources, and blocks until ctx is cancelled or the HTTP server fails.
func (m *Monitor) Run(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)
	defer m.cancel()

	if err := m.bootstrapAdmin(); err != nil {
		return err
	}

	m.recovery.Start(ctx)
	m.pipeline.Start(ctx)
	m.tailer.Start(ctx)
	m.dispatcher.Start(ctx)

	if err := m.restoreSources(); err != nil {
		log.Error().Err(err).Msg("Failed to restore monitored sources")
	}
	if err := m.router.RestoreSettings(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to restore persisted settings")
	}

	m.sink.Log(ctx, audit.Entry{
		EventType:   audit.EventSystemStart,
		Severity:    "info",
		Description: "service started",
		Success:     true,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return m.router.Serve(groupCtx) })
	group.Go(func() error {
		m.statusLoop(groupCtx)
		return nil
	})

	err := group.Wait()
	m.shutdown()
	return err
}

// shutdown stops components in reverse start order.
func (m *Monitor) shutdown() {
	m.tailer.Stop()
	m.pipeline.Stop()
	m.recovery.Stop()
	m.dispatcher.Stop()

	m.sink.Log(context.Background(), audit.Entry{
		EventType:   audit.EventSystemStop,
		Severity:    "info",
		Description: "service stopping",
		Success:     true,
	})
	m.sink.Close()

	m.limiter.Stop()
	m.cache.Stop()
	m.sessions.Stop()
	if err := m.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Store close failed")
	}
	log.Info().Msg("Shutdown complete")
}

// restoreSources resumes monitoring for every enabled persisted source.
func (m *Monitor) restoreSources() error {
	sources, err := m.store.ListSources()
	if err != nil {
		return err
	}
	for _, cfg := range sources {
		if !cfg.Enabled {
			continue
		}
		if _, err := m.sandbox.Validate(cfg.Path); err != nil {
			log.Warn().Err(err).Str("source", cfg.Name).
				Msg("Persisted source no longer passes the sandbox, skipping")
			continue
		}
		if err := m.tailer.AddSource(cfg); err != nil {
			log.Error().Err(err).Str("source", cfg.Name).Msg("Failed to resume source")
		}
	}
	log.Info().Int("sources", len(sources)).Msg("Persisted sources restored")
	return nil
}

// statusLoop publishes periodic system_status and health_check events,
// refreshes the queue gauges, and expires detached subscriber state.
func (m *Monitor) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := m.queue.Stats()
			metrics.SetQueueDepth(stats.Size)
			metrics.SetBackpressure(stats.Backpressure)
			metrics.SetWSConnections(m.ws.ConnectionCount())

			m.broadcaster.Broadcast(models.NewEvent(models.StatusPayload{
				Component: "server",
				Status:    "running",
				Details: map[string]any{
					"queue":     stats,
					"broadcast": m.broadcaster.Stats(),
					"sessions":  m.sessions.Count(),
				},
			}, 3))

			report := m.health.Report(ctx)
			components := make(map[string]any, len(report.Components))
			for name, component := range report.Components {
				components[name] = component
			}
			m.broadcaster.Broadcast(models.NewEvent(models.HealthCheckPayload{
				Healthy:    report.Status != health.StatusDown,
				Components: components,
			}, 2))

			m.broadcaster.Sweep(m.cfg.CatchupMaxAge)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) registerHealthChecks() {
	m.health.Register("queue", func() health.ComponentStatus {
		stats := m.queue.Stats()
		status := health.ComponentStatus{
			Status: health.StatusHealthy,
			Detail: map[string]any{"size": stats.Size, "capacity": stats.Capacity},
		}
		if stats.Backpressure {
			status.Status = health.StatusDegraded
			status.Message = "backpressure engaged"
		}
		return status
	})
	m.health.Register("store", func() health.ComponentStatus {
		if _, err := m.store.ListSources(); err != nil {
			return health.ComponentStatus{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentStatus{Status: health.StatusHealthy}
	})
	m.health.Register("broadcast", func() health.ComponentStatus {
		stats := m.broadcaster.Stats()
		return health.ComponentStatus{
			Status: health.StatusHealthy,
			Detail: map[string]any{
				"subscribers": stats.Subscribers,
				"attached":    stats.Attached,
				"delivered":   stats.Delivered,
				"throttled":   stats.Throttled,
			},
		}
	})
	m.health.Register("tailer", func() health.ComponentStatus {
		status := health.ComponentStatus{
			Status: health.StatusHealthy,
			Detail: map[string]any{"pending": m.tailer.PendingCount()},
		}
		if m.tailer.PendingCount() > 0 {
			status.Status = health.StatusDegraded
			status.Message = "entries pending behind backpressure"
		}
		return status
	})
}

// bootstrapAdmin creates the initial admin account on first run. The
// password comes from configuration or is generated and logged once.
func (m *Monitor) bootstrapAdmin() error {
	_, err := m.store.GetUserByUsername("admin")
	if err == nil {
		return nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("admin lookup: %w", err)
	}

	password := m.cfg.AuthSecret
	generated := false
	if password == "" {
		raw := make([]byte, 16)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("generate admin password: %w", err)
		}
		password = hex.EncodeToString(raw)
		generated = true
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if err := m.store.CreateUser(store.User{
		ID:           uuid.NewString(),
		Username:     "admin",
		PasswordHash: hash,
		Role:         string(auth.RoleAdmin),
		Enabled:      true,
	}); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	if generated {
		log.Warn().Str("username", "admin").Str("password", password).
			Msg("Generated initial admin credentials, change them immediately")
	} else {
		log.Info().Str("username", "admin").Msg("Created initial admin user")
	}
	return nil
}
