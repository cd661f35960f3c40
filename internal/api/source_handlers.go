package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/logwarden/logwarden/internal/audit"
	"github.com/logwarden/logwarden/internal/auth"
	apperrors "github.com/logwarden/logwarden/internal/errors"
	"github.com/logwarden/logwarden/internal/models"
	"github.com/logwarden/logwarden/internal/validate"
)

func (rt *Router) handleListSources(w http.ResponseWriter, r *http.Request) {
	if cached, ok := rt.cache.Get("sources", "list"); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}
	sources, err := rt.store.ListSources()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sources")
		return
	}
	// Overlay live tailer state where available.
	for i := range sources {
		if live, ok := rt.sources.SourceSnapshot(sources[i].Name); ok {
			sources[i] = live
		}
	}
	rt.cache.Set("sources", "list", sources)
	writeJSON(w, http.StatusOK, sources)
}

func (rt *Router) handleGetSource(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if live, ok := rt.sources.SourceSnapshot(name); ok {
		writeJSON(w, http.StatusOK, live)
		return
	}
	cfg, err := rt.store.GetSource(name)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			writeError(w, http.StatusNotFound, "source not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load source")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (rt *Router) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var cfg models.SourceConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed source config")
		return
	}
	if _, err := rt.store.GetSource(cfg.Name); err == nil {
		writeError(w, http.StatusConflict, "source already exists")
		return
	}
	canonical, err := rt.admitSource(&cfg, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg.Path = canonical

	// Two sources on the same canonical path and pattern would double-ingest
	// every line.
	if existing, err := rt.store.ListSources(); err == nil {
		for _, other := range existing {
			if other.Path == canonical && other.FilePattern == cfg.FilePattern {
				writeError(w, http.StatusConflict, "path already monitored by source "+other.Name)
				return
			}
		}
	}

	if err := rt.store.UpsertSource(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist source")
		return
	}
	if cfg.Enabled {
		if err := rt.sources.AddSource(cfg); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to start monitoring: "+err.Error())
			return
		}
	}
	rt.cache.InvalidateKind("sources")

	principal, _ := auth.PrincipalFrom(r.Context())
	rt.sink.Log(r.Context(), audit.Entry{
		EventType:    audit.EventSourceCreated,
		Severity:     "info",
		UserID:       principal.UserID,
		Username:     principal.Username,
		ClientIP:     clientIP(r),
		ResourceType: "source",
		ResourceID:   cfg.Name,
		Action:       "create",
		Description:  "monitored source created",
		NewValues:    cfg,
		Success:      true,
	})
	writeJSON(w, http.StatusCreated, cfg)
}

func (rt *Router) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	existing, err := rt.store.GetSource(name)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			writeError(w, http.StatusNotFound, "source not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load source")
		return
	}

	var cfg models.SourceConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed source config")
		return
	}
	cfg.Name = name
	canonical, err := rt.admitSource(&cfg, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg.Path = canonical
	cfg.UpdatedAt = time.Now()

	if err := rt.store.UpsertSource(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist source")
		return
	}

	// Restart monitoring so path or pattern changes take effect.
	rt.sources.RemoveSource(name)
	if cfg.Enabled {
		if err := rt.sources.AddSource(cfg); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to restart monitoring: "+err.Error())
			return
		}
	}
	rt.cache.InvalidateKind("sources")

	principal, _ := auth.PrincipalFrom(r.Context())
	eventType := audit.EventSourceUpdated
	if existing.Enabled != cfg.Enabled {
		eventType = audit.EventSourceDisabled
		if cfg.Enabled {
			eventType = audit.EventSourceEnabled
		}
	}
	rt.sink.Log(r.Context(), audit.Entry{
		EventType:    eventType,
		Severity:     "info",
		UserID:       principal.UserID,
		Username:     principal.Username,
		ClientIP:     clientIP(r),
		ResourceType: "source",
		ResourceID:   name,
		Action:       "update",
		Description:  "monitored source updated",
		OldValues:    existing,
		NewValues:    cfg,
		Metadata:     map[string]any{"changed": audit.DiffKeys(existing, cfg)},
		Success:      true,
	})
	writeJSON(w, http.StatusOK, cfg)
}

func (rt *Router) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	existing, err := rt.store.GetSource(name)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			writeError(w, http.StatusNotFound, "source not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load source")
		return
	}

	rt.sources.RemoveSource(name)
	if err := rt.store.DeleteSource(name); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete source")
		return
	}
	rt.cache.InvalidateKind("sources")

	principal, _ := auth.PrincipalFrom(r.Context())
	rt.sink.Log(r.Context(), audit.Entry{
		EventType:    audit.EventSourceDeleted,
		Severity:     "warning",
		UserID:       principal.UserID,
		Username:     principal.Username,
		ClientIP:     clientIP(r),
		ResourceType: "source",
		ResourceID:   name,
		Action:       "delete",
		Description:  "monitored source removed",
		OldValues:    existing,
		Success:      true,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// admitSource runs name validation, path validation and the sandbox
// check, returning the canonical path. Violations are audited before
// being returned.
func (rt *Router) admitSource(cfg *models.SourceConfig, r *http.Request) (string, error) {
	name, err := validate.SourceName(cfg.Name)
	if err != nil {
		rt.auditViolation(r, "source_name", cfg.Name, err)
		return "", err
	}
	cfg.Name = name

	level := validate.LevelDefault
	if rt.cfg.StrictPaths {
		level = validate.LevelStrict
	}
	path, err := validate.FilePath(cfg.Path, level)
	if err != nil {
		rt.auditViolation(r, "file_path", cfg.Path, err)
		return "", err
	}

	canonical, err := rt.sandbox.Validate(path)
	if err != nil {
		rt.auditViolation(r, "sandbox", path, err)
		return "", err
	}

	if cfg.Type == "" {
		cfg.Type = models.SourceFile
	}
	if cfg.Type != models.SourceFile && cfg.Type != models.SourceDirectory {
		return "", apperrors.ErrInvalidInput
	}
	if cfg.Priority < 1 || cfg.Priority > 10 {
		cfg.Priority = 5
	}
	if cfg.PollingInterval == 0 {
		cfg.PollingInterval = 1.0
	}
	if cfg.PollingInterval < 0.1 || cfg.PollingInterval > 3600 {
		return "", fmt.Errorf("%w: polling interval must be in [0.1, 3600] seconds", apperrors.ErrInvalidInput)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchSize < 1 || cfg.BatchSize > 10000 {
		return "", fmt.Errorf("%w: batch size must be in [1, 10000]", apperrors.ErrInvalidInput)
	}
	return canonical, nil
}

func (rt *Router) auditViolation(r *http.Request, check, value string, err error) {
	principal, _ := auth.PrincipalFrom(r.Context())
	rt.sink.Log(r.Context(), audit.Entry{
		EventType:    audit.EventSecurityViolation,
		Severity:     "warning",
		UserID:       principal.UserID,
		Username:     principal.Username,
		ClientIP:     clientIP(r),
		ResourceType: "source",
		Action:       "validate",
		Description:  "rejected " + check + ": " + err.Error(),
		Metadata:     map[string]any{"value": value},
		Success:      false,
	})
}
