package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/logwarden/logwarden/internal/audit"
	"github.com/logwarden/logwarden/internal/auth"
	"github.com/logwarden/logwarden/internal/models"
	"github.com/logwarden/logwarden/internal/notifications"
	"github.com/logwarden/logwarden/internal/validate"
)

// Settings is the persisted non-source configuration: broadcast throttle
// rules, operator-added sandbox allow roots, and notification rules. It is
// stored as one JSON blob and reapplied at startup.
type Settings struct {
	Throttle          map[string]float64   `json:"throttle,omitempty"` // event type -> min seconds between broadcasts
	AllowRoots        []string             `json:"allowRoots,omitempty"`
	NotificationRules []notifications.Rule `json:"notificationRules,omitempty"`
}

// settingsUpdate is the strict PUT body. Absent fields keep their current
// value; unknown fields fail the decode. Notification rules have their own
// endpoints and are not writable here.
type settingsUpdate struct {
	Throttle   *map[string]float64 `json:"throttle"`
	AllowRoots *[]string           `json:"allowRoots"`
}

const maxThrottleSeconds = 3600

func (rt *Router) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.currentSettings())
}

func (rt *Router) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	old := rt.currentSettings()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var update settingsUpdate
	if err := dec.Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "malformed settings: "+err.Error())
		return
	}

	// Validate everything before applying anything.
	if update.Throttle != nil {
		if err := validateThrottle(*update.Throttle); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	var roots []string
	if update.AllowRoots != nil {
		roots = make([]string, 0, len(*update.AllowRoots))
		for _, raw := range *update.AllowRoots {
			root, err := validate.FilePath(raw, validate.LevelDefault)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			roots = append(roots, root)
		}
	}

	if update.Throttle != nil {
		rt.applyThrottle(*update.Throttle)
	}
	if update.AllowRoots != nil {
		if err := rt.applyAllowRoots(roots); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	doc := rt.currentSettings()
	if err := rt.store.SaveMonitoringConfig(doc); err != nil {
		log.Error().Err(err).Msg("Failed to persist settings")
		writeError(w, http.StatusInternalServerError, "failed to persist settings")
		return
	}

	principal, _ := auth.PrincipalFrom(r.Context())
	rt.sink.Log(r.Context(), audit.Entry{
		EventType:    audit.EventConfigUpdated,
		Severity:     "info",
		UserID:       principal.UserID,
		Username:     principal.Username,
		ClientIP:     clientIP(r),
		ResourceType: "settings",
		ResourceID:   "monitoring",
		Action:       "update",
		Description:  "monitoring settings updated",
		OldValues:    old,
		NewValues:    doc,
		Metadata:     map[string]any{"changed": audit.DiffKeys(old, doc)},
		Success:      true,
	})
	writeJSON(w, http.StatusOK, doc)
}

// currentSettings assembles the live document: throttles from the
// broadcaster, rules from the dispatcher, extra roots from the router.
func (rt *Router) currentSettings() Settings {
	doc := Settings{
		Throttle:          make(map[string]float64),
		NotificationRules: rt.dispatcher.Rules(),
	}
	for _, rule := range rt.broadcaster.Throttles() {
		doc.Throttle[string(rule.EventType)] = rule.MinInterval.Seconds()
	}
	rt.settingsMu.Lock()
	doc.AllowRoots = append([]string(nil), rt.extraRoots...)
	rt.settingsMu.Unlock()
	return doc
}

// persistSettings writes the assembled document; used by handlers that
// mutate a settings-backed component outside handlePutSettings.
func (rt *Router) persistSettings() {
	if err := rt.store.SaveMonitoringConfig(rt.currentSettings()); err != nil {
		log.Error().Err(err).Msg("Failed to persist settings")
	}
}

// RestoreSettings reapplies the persisted document at startup.
func (rt *Router) RestoreSettings(ctx context.Context) error {
	var doc Settings
	found, err := rt.store.LoadMonitoringConfig(&doc)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	for name, seconds := range doc.Throttle {
		if !models.ValidEventType(models.EventType(name)) || seconds <= 0 {
			log.Warn().Str("event_type", name).Msg("Skipping invalid persisted throttle")
			continue
		}
		rt.broadcaster.SetThrottle(models.ThrottleRule{
			EventType:   models.EventType(name),
			MinInterval: time.Duration(seconds * float64(time.Second)),
		})
	}

	restored := make([]string, 0, len(doc.AllowRoots))
	for _, root := range doc.AllowRoots {
		if err := rt.sandbox.AddAllowRoot(root); err != nil {
			log.Warn().Err(err).Str("root", root).Msg("Skipping unusable persisted allow root")
			continue
		}
		restored = append(restored, root)
	}
	rt.settingsMu.Lock()
	rt.extraRoots = restored
	rt.settingsMu.Unlock()

	for _, rule := range doc.NotificationRules {
		rt.dispatcher.SetRule(rule)
	}

	log.Info().Int("throttles", len(doc.Throttle)).Int("allow_roots", len(restored)).
		Int("rules", len(doc.NotificationRules)).Msg("Settings restored")
	return nil
}

func validateThrottle(throttle map[string]float64) error {
	for name, seconds := range throttle {
		if !models.ValidEventType(models.EventType(name)) {
			return fmt.Errorf("unknown event type %q", name)
		}
		if seconds <= 0 || seconds > maxThrottleSeconds {
			return fmt.Errorf("throttle for %q must be in (0, %d] seconds", name, maxThrottleSeconds)
		}
	}
	return nil
}

// applyThrottle replaces the broadcaster's rule set with the given map.
func (rt *Router) applyThrottle(throttle map[string]float64) {
	for _, rule := range rt.broadcaster.Throttles() {
		if _, keep := throttle[string(rule.EventType)]; !keep {
			rt.broadcaster.SetThrottle(models.ThrottleRule{EventType: rule.EventType})
		}
	}
	for name, seconds := range throttle {
		rt.broadcaster.SetThrottle(models.ThrottleRule{
			EventType:   models.EventType(name),
			MinInterval: time.Duration(seconds * float64(time.Second)),
		})
	}
}

// applyAllowRoots reconciles the operator-added sandbox roots against the
// new list: missing ones are added, dropped ones removed. Roots from the
// boot configuration are never touched.
func (rt *Router) applyAllowRoots(roots []string) error {
	rt.settingsMu.Lock()
	defer rt.settingsMu.Unlock()

	added := make([]string, 0, len(roots))
	for _, root := range roots {
		if err := rt.sandbox.AddAllowRoot(root); err != nil {
			for _, undo := range added {
				if !slices.Contains(rt.extraRoots, undo) {
					rt.sandbox.RemoveAllowRoot(undo)
				}
			}
			return err
		}
		added = append(added, root)
	}
	for _, prev := range rt.extraRoots {
		if !slices.Contains(roots, prev) {
			rt.sandbox.RemoveAllowRoot(prev)
		}
	}
	rt.extraRoots = roots
	return nil
}
