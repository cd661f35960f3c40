// Package config loads runtime configuration from the environment, with an
// optional .env file in the data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the full runtime configuration.
type Config struct {
	DataDir    string
	ListenAddr string

	LogLevel  string
	LogFormat string

	// Authentication.
	AuthSecret     string
	SessionTimeout time.Duration

	// Sandbox.
	AllowedRoots []string
	StrictPaths  bool

	// Queue.
	QueueCapacity         int
	MinBatchSize          int
	MaxBatchSize          int
	MaxConcurrentBatches  int
	MaxRetries            int
	HistoryRetention      time.Duration
	BackpressureThreshold float64

	// Tailer.
	DebounceInterval time.Duration
	SweepInterval    time.Duration
	MaxOpenFiles     int
	MaxSources       int

	// Broadcast / transport.
	MaxConnections  int
	CatchupBuffer   int
	CatchupMaxAge   time.Duration
	PingInterval    time.Duration
	PingMissLimit   int

	// Rate limiting.
	RequestsPerMinute int
	BurstLimit        int

	// Audit.
	AuditBufferSize int
	AuditBatchFlush bool

	// Caching.
	CacheTTL time.Duration
}

// Defaults returns the configuration baseline before env overrides.
func Defaults() Config {
	return Config{
		DataDir:               "/var/lib/logwarden",
		ListenAddr:            ":7745",
		LogLevel:              "info",
		LogFormat:             "auto",
		SessionTimeout:        24 * time.Hour,
		StrictPaths:           false,
		QueueCapacity:         10000,
		MinBatchSize:          10,
		MaxBatchSize:          500,
		MaxConcurrentBatches:  4,
		MaxRetries:            3,
		HistoryRetention:      24 * time.Hour,
		BackpressureThreshold: 0.8,
		DebounceInterval:      100 * time.Millisecond,
		SweepInterval:         60 * time.Second,
		MaxOpenFiles:          256,
		MaxSources:            100,
		MaxConnections:        500,
		CatchupBuffer:         100,
		CatchupMaxAge:         time.Hour,
		PingInterval:          30 * time.Second,
		PingMissLimit:         2,
		RequestsPerMinute:     120,
		BurstLimit:            30,
		AuditBufferSize:       100,
		AuditBatchFlush:       false,
		CacheTTL:              5 * time.Minute,
	}
}

// Load builds the configuration from defaults, the data dir .env file, and
// process environment, in increasing precedence.
func Load() (*Config, error) {
	cfg := Defaults()

	if dir := os.Getenv("LOGWARDEN_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	envPath := filepath.Join(cfg.DataDir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			log.Warn().Err(err).Str("path", envPath).Msg("Failed to load env file")
		}
	}

	cfg.ListenAddr = envString("LOGWARDEN_LISTEN", cfg.ListenAddr)
	cfg.LogLevel = envString("LOGWARDEN_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envString("LOGWARDEN_LOG_FORMAT", cfg.LogFormat)
	cfg.AuthSecret = envString("LOGWARDEN_AUTH_SECRET", cfg.AuthSecret)
	cfg.SessionTimeout = envDuration("LOGWARDEN_SESSION_TIMEOUT", cfg.SessionTimeout)
	cfg.StrictPaths = envBool("LOGWARDEN_STRICT_PATHS", cfg.StrictPaths)
	cfg.QueueCapacity = envInt("LOGWARDEN_QUEUE_CAPACITY", cfg.QueueCapacity)
	cfg.MinBatchSize = envInt("LOGWARDEN_MIN_BATCH", cfg.MinBatchSize)
	cfg.MaxBatchSize = envInt("LOGWARDEN_MAX_BATCH", cfg.MaxBatchSize)
	cfg.MaxConcurrentBatches = envInt("LOGWARDEN_MAX_WORKERS", cfg.MaxConcurrentBatches)
	cfg.MaxRetries = envInt("LOGWARDEN_MAX_RETRIES", cfg.MaxRetries)
	cfg.MaxConnections = envInt("LOGWARDEN_MAX_CONNECTIONS", cfg.MaxConnections)
	cfg.MaxSources = envInt("LOGWARDEN_MAX_SOURCES", cfg.MaxSources)
	cfg.MaxOpenFiles = envInt("LOGWARDEN_MAX_OPEN_FILES", cfg.MaxOpenFiles)
	cfg.RequestsPerMinute = envInt("LOGWARDEN_RATE_LIMIT", cfg.RequestsPerMinute)
	cfg.BurstLimit = envInt("LOGWARDEN_BURST_LIMIT", cfg.BurstLimit)
	cfg.AuditBufferSize = envInt("LOGWARDEN_AUDIT_BUFFER", cfg.AuditBufferSize)
	cfg.AuditBatchFlush = envBool("LOGWARDEN_AUDIT_BATCH", cfg.AuditBatchFlush)
	cfg.CacheTTL = envDuration("LOGWARDEN_CACHE_TTL", cfg.CacheTTL)

	if roots := os.Getenv("LOGWARDEN_ALLOWED_ROOTS"); roots != "" {
		for _, root := range strings.Split(roots, ":") {
			if root = strings.TrimSpace(root); root != "" {
				cfg.AllowedRoots = append(cfg.AllowedRoots, root)
			}
		}
	}
	if len(cfg.AllowedRoots) == 0 {
		cfg.AllowedRoots = []string{"/var/log", cfg.DataDir}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.MinBatchSize < 1 || c.MaxBatchSize < c.MinBatchSize {
		return fmt.Errorf("invalid batch bounds [%d, %d]", c.MinBatchSize, c.MaxBatchSize)
	}
	if c.MaxConcurrentBatches < 1 {
		return fmt.Errorf("need at least one pipeline worker, got %d", c.MaxConcurrentBatches)
	}
	if c.BackpressureThreshold <= 0 || c.BackpressureThreshold >= 1 {
		return fmt.Errorf("backpressure threshold must be in (0,1), got %f", c.BackpressureThreshold)
	}
	return nil
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-integer env value")
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring unparsable duration")
		return fallback
	}
	return d
}
