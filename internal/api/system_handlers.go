package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/logwarden/logwarden/internal/audit"
	"github.com/logwarden/logwarden/internal/auth"
	"github.com/logwarden/logwarden/internal/health"
	"github.com/logwarden/logwarden/internal/notifications"
	"github.com/logwarden/logwarden/internal/store"
	"github.com/logwarden/logwarden/internal/validate"
)

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := rt.monitor.Report(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (rt *Router) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":     rt.queue.Stats(),
		"broadcast": rt.broadcaster.Stats(),
	})
}

func (rt *Router) handleRecentErrors(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"errors":   rt.recovery.Recent(limit),
		"patterns": rt.recovery.Stats(),
	})
}

func (rt *Router) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := store.AuditQuery{
		EventType:    r.URL.Query().Get("event_type"),
		Username:     r.URL.Query().Get("username"),
		ResourceType: r.URL.Query().Get("resource_type"),
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			q.Since = t
		}
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			q.Until = t
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			q.Limit = n
		}
	}

	records, err := rt.store.QueryAudit(q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (rt *Router) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.dispatcher.Rules())
}

func (rt *Router) handleSetRule(w http.ResponseWriter, r *http.Request) {
	var rule notifications.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil || rule.Name == "" {
		writeError(w, http.StatusBadRequest, "malformed rule")
		return
	}
	switch rule.Channel {
	case notifications.ChannelWebhook:
		target, err := validate.URL(rule.Target)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		rule.Target = target
	case notifications.ChannelEmail:
		target, err := validate.ConfigValue(validate.KindNotificationConfig, rule.Target)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		rule.Target = target
	default:
		writeError(w, http.StatusBadRequest, "channel must be webhook or email")
		return
	}

	saved := rt.dispatcher.SetRule(rule)
	rt.persistSettings()

	principal, _ := auth.PrincipalFrom(r.Context())
	rt.sink.Log(r.Context(), audit.Entry{
		EventType:    audit.EventNotificationRule,
		Severity:     "info",
		UserID:       principal.UserID,
		Username:     principal.Username,
		ClientIP:     clientIP(r),
		ResourceType: "notification_rule",
		ResourceID:   saved.ID,
		Action:       "set",
		Description:  "notification rule saved",
		NewValues:    saved,
		Success:      true,
	})
	writeJSON(w, http.StatusOK, saved)
}

func (rt *Router) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !rt.dispatcher.DeleteRule(id) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	rt.persistSettings()

	principal, _ := auth.PrincipalFrom(r.Context())
	rt.sink.Log(r.Context(), audit.Entry{
		EventType:    audit.EventNotificationRule,
		Severity:     "info",
		UserID:       principal.UserID,
		Username:     principal.Username,
		ClientIP:     clientIP(r),
		ResourceType: "notification_rule",
		ResourceID:   id,
		Action:       "delete",
		Description:  "notification rule deleted",
		Success:      true,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (rt *Router) handleRateStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.limiter.Status(r.PathValue("client")))
}

func (rt *Router) handleRateClear(w http.ResponseWriter, r *http.Request) {
	client := r.PathValue("client")
	rt.limiter.Clear(client)

	principal, _ := auth.PrincipalFrom(r.Context())
	rt.sink.Log(r.Context(), audit.Entry{
		EventType:    audit.EventRateLimited,
		Severity:     "info",
		UserID:       principal.UserID,
		Username:     principal.Username,
		ClientIP:     clientIP(r),
		ResourceType: "ratelimit",
		ResourceID:   client,
		Action:       "clear",
		Description:  "rate limit state cleared by operator",
		Success:      true,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (rt *Router) handleListSubscribers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.broadcaster.Subscribers())
}

// handleBootSubscriber force-closes the connection and hard-purges the
// subscriber's state so nothing is replayed on reconnect.
func (rt *Router) handleBootSubscriber(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	target, ok := rt.broadcaster.Principal(id)
	if !ok {
		writeError(w, http.StatusNotFound, "subscriber not found")
		return
	}

	closed := rt.ws.CloseSubscriber(id)
	rt.broadcaster.Remove(id)

	principal, _ := auth.PrincipalFrom(r.Context())
	rt.sink.Log(r.Context(), audit.Entry{
		EventType:    audit.EventWSDisconnect,
		Severity:     "warning",
		UserID:       principal.UserID,
		Username:     principal.Username,
		ClientIP:     clientIP(r),
		ResourceType: "subscriber",
		ResourceID:   id,
		Action:       "boot",
		Description:  "subscriber disconnected by operator",
		Metadata:     map[string]any{"target_user": target.Username, "was_attached": closed},
		Success:      true,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
