// Package store provides the durable SQLite-backed persistence layer:
// monitored sources and their offsets, the monitoring config blob, users,
// audit log and analyzed security events.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	apperrors "github.com/logwarden/logwarden/internal/errors"
	"github.com/logwarden/logwarden/internal/models"
)

// Store wraps the SQLite database. SQLite works best with a single writer,
// so the pool is pinned to one connection.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at dbPath and initializes the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Database("store", "mkdir", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, apperrors.Database("store", "open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", dbPath).Msg("Store initialized")
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS monitored_sources (
			source_name TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			source_type TEXT NOT NULL DEFAULT 'file',
			enabled INTEGER NOT NULL DEFAULT 1,
			recursive INTEGER NOT NULL DEFAULT 0,
			file_pattern TEXT NOT NULL DEFAULT '',
			polling_interval REAL NOT NULL DEFAULT 1.0,
			batch_size INTEGER NOT NULL DEFAULT 100,
			priority INTEGER NOT NULL DEFAULT 5,
			status TEXT NOT NULL DEFAULT 'inactive',
			last_monitored INTEGER,
			file_size INTEGER NOT NULL DEFAULT 0,
			last_offset INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS source_offsets (
			source_name TEXT NOT NULL,
			file_path TEXT NOT NULL,
			offset INTEGER NOT NULL,
			file_size INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (source_name, file_path)
		);

		CREATE TABLE IF NOT EXISTS monitoring_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			config_data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			client_ip TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			resource_type TEXT NOT NULL DEFAULT '',
			resource_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			old_values TEXT,
			new_values TEXT,
			changes TEXT,
			metadata TEXT,
			tags TEXT,
			success INTEGER NOT NULL DEFAULT 1,
			error_message TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_log(event_type, timestamp);

		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'viewer',
			enabled INTEGER NOT NULL DEFAULT 1,
			last_login INTEGER,
			failed_login_attempts INTEGER NOT NULL DEFAULT 0,
			locked_until INTEGER,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS security_events (
			id TEXT PRIMARY KEY,
			entry_id TEXT NOT NULL,
			source_name TEXT NOT NULL,
			content TEXT NOT NULL,
			severity_score INTEGER NOT NULL,
			explanation TEXT NOT NULL DEFAULT '',
			recommendations TEXT,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_time ON security_events(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return apperrors.Database("store", "init_schema", err)
	}
	return nil
}

// UpsertSource writes a source row, replacing any existing row of the same
// name.
func (s *Store) UpsertSource(cfg models.SourceConfig) error {
	_, err := s.db.Exec(`
		INSERT INTO monitored_sources
			(source_name, path, source_type, enabled, recursive, file_pattern,
			 polling_interval, batch_size, priority, status, last_monitored,
			 file_size, last_offset, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_name) DO UPDATE SET
			path = excluded.path,
			source_type = excluded.source_type,
			enabled = excluded.enabled,
			recursive = excluded.recursive,
			file_pattern = excluded.file_pattern,
			polling_interval = excluded.polling_interval,
			batch_size = excluded.batch_size,
			priority = excluded.priority,
			status = excluded.status,
			last_monitored = excluded.last_monitored,
			file_size = excluded.file_size,
			last_offset = excluded.last_offset,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`,
		cfg.Name, cfg.Path, string(cfg.Type), boolInt(cfg.Enabled), boolInt(cfg.Recursive),
		cfg.FilePattern, cfg.PollingInterval, cfg.BatchSize, cfg.Priority,
		string(cfg.Status), timePtr(cfg.LastMonitored), cfg.FileSize, cfg.LastOffset,
		cfg.ErrorMessage, time.Now().Unix())
	if err != nil {
		return apperrors.Database("store", "upsert_source", err)
	}
	return nil
}

// GetSource fetches one source by name.
func (s *Store) GetSource(name string) (models.SourceConfig, error) {
	row := s.db.QueryRow(`
		SELECT source_name, path, source_type, enabled, recursive, file_pattern,
		       polling_interval, batch_size, priority, status, last_monitored,
		       file_size, last_offset, error_message, updated_at
		FROM monitored_sources WHERE source_name = ?`, name)
	cfg, err := scanSource(row)
	if err == sql.ErrNoRows {
		return cfg, apperrors.Database("store", "get_source", fmt.Errorf("%w: source %q", apperrors.ErrNotFound, name))
	}
	if err != nil {
		return cfg, apperrors.Database("store", "get_source", err)
	}
	return cfg, nil
}

// ListSources returns every configured source.
func (s *Store) ListSources() ([]models.SourceConfig, error) {
	rows, err := s.db.Query(`
		SELECT source_name, path, source_type, enabled, recursive, file_pattern,
		       polling_interval, batch_size, priority, status, last_monitored,
		       file_size, last_offset, error_message, updated_at
		FROM monitored_sources ORDER BY source_name`)
	if err != nil {
		return nil, apperrors.Database("store", "list_sources", err)
	}
	defer rows.Close()

	var out []models.SourceConfig
	for rows.Next() {
		cfg, err := scanSource(rows)
		if err != nil {
			return nil, apperrors.Database("store", "list_sources", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// DeleteSource removes a source and its per-file offsets in one transaction.
func (s *Store) DeleteSource(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Database("store", "delete_source", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM monitored_sources WHERE source_name = ?`, name); err != nil {
		return apperrors.Database("store", "delete_source", err)
	}
	if _, err := tx.Exec(`DELETE FROM source_offsets WHERE source_name = ?`, name); err != nil {
		return apperrors.Database("store", "delete_source", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Database("store", "delete_source", err)
	}
	return nil
}

// UpdateSourceStatus transitions a source's operational state.
func (s *Store) UpdateSourceStatus(name string, status models.SourceStatus, errorMessage string) error {
	_, err := s.db.Exec(`
		UPDATE monitored_sources
		SET status = ?, error_message = ?, updated_at = ?
		WHERE source_name = ?`,
		string(status), errorMessage, time.Now().Unix(), name)
	if err != nil {
		return apperrors.Database("store", "update_status", err)
	}
	return nil
}

// SaveOffset persists the offset for one file of a source. Implements the
// tailer's OffsetStore.
func (s *Store) SaveOffset(source, file string, offset, size int64) error {
	now := time.Now().Unix()
	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Database("store", "save_offset", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO source_offsets (source_name, file_path, offset, file_size, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_name, file_path) DO UPDATE SET
			offset = excluded.offset,
			file_size = excluded.file_size,
			updated_at = excluded.updated_at`,
		source, file, offset, size, now); err != nil {
		return apperrors.Database("store", "save_offset", err)
	}
	if _, err := tx.Exec(`
		UPDATE monitored_sources
		SET last_offset = ?, file_size = ?, last_monitored = ?, updated_at = ?
		WHERE source_name = ?`,
		offset, size, now, now, source); err != nil {
		return apperrors.Database("store", "save_offset", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Database("store", "save_offset", err)
	}
	return nil
}

// LoadOffset fetches a persisted file offset, reporting whether one exists.
func (s *Store) LoadOffset(source, file string) (int64, bool, error) {
	var offset int64
	err := s.db.QueryRow(`
		SELECT offset FROM source_offsets
		WHERE source_name = ? AND file_path = ?`, source, file).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperrors.Database("store", "load_offset", err)
	}
	return offset, true, nil
}

// SaveMonitoringConfig stores the single JSON blob of non-source settings.
func (s *Store) SaveMonitoringConfig(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.Database("store", "save_config", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO monitoring_config (id, config_data, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			config_data = excluded.config_data,
			updated_at = excluded.updated_at`,
		string(data), time.Now().Unix())
	if err != nil {
		return apperrors.Database("store", "save_config", err)
	}
	return nil
}

// LoadMonitoringConfig decodes the stored blob into out. A missing row is
// not an error.
func (s *Store) LoadMonitoringConfig(out any) (bool, error) {
	var data string
	err := s.db.QueryRow(`SELECT config_data FROM monitoring_config WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Database("store", "load_config", err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return false, apperrors.Database("store", "load_config", err)
	}
	return true, nil
}

// SecurityEvent is one persisted analyzed event.
type SecurityEvent struct {
	ID              string    `json:"id"`
	EntryID         string    `json:"entryId"`
	SourceName      string    `json:"sourceName"`
	Content         string    `json:"content"`
	SeverityScore   int       `json:"severityScore"`
	Explanation     string    `json:"explanation"`
	Recommendations []string  `json:"recommendations"`
	CreatedAt       time.Time `json:"createdAt"`
}

// SaveSecurityEvent persists one analyzed event.
func (s *Store) SaveSecurityEvent(ev SecurityEvent) error {
	recs, err := json.Marshal(ev.Recommendations)
	if err != nil {
		return apperrors.Database("store", "save_event", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO security_events
			(id, entry_id, source_name, content, severity_score, explanation, recommendations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.EntryID, ev.SourceName, ev.Content, ev.SeverityScore,
		ev.Explanation, string(recs), ev.CreatedAt.Unix())
	if err != nil {
		return apperrors.Database("store", "save_event", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSource(row scannable) (models.SourceConfig, error) {
	var cfg models.SourceConfig
	var sourceType, status string
	var enabled, recursive int
	var lastMonitored sql.NullInt64
	var updatedAt int64

	err := row.Scan(&cfg.Name, &cfg.Path, &sourceType, &enabled, &recursive,
		&cfg.FilePattern, &cfg.PollingInterval, &cfg.BatchSize, &cfg.Priority,
		&status, &lastMonitored, &cfg.FileSize, &cfg.LastOffset,
		&cfg.ErrorMessage, &updatedAt)
	if err != nil {
		return cfg, err
	}
	cfg.Type = models.SourceType(sourceType)
	cfg.Status = models.SourceStatus(status)
	cfg.Enabled = enabled != 0
	cfg.Recursive = recursive != 0
	if lastMonitored.Valid {
		cfg.LastMonitored = time.Unix(lastMonitored.Int64, 0)
	}
	cfg.UpdatedAt = time.Unix(updatedAt, 0)
	return cfg, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtr(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
