// Package recovery classifies failures from every subsystem, decides a
// recovery action, and watches for error patterns worth escalating.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/logwarden/logwarden/internal/buffer"
	apperrors "github.com/logwarden/logwarden/internal/errors"
	"github.com/logwarden/logwarden/internal/metrics"
	"github.com/logwarden/logwarden/internal/models"
)

// Action is the recovery decision returned to the caller.
type Action string

const (
	ActionRetry      Action = "retry"
	ActionSkip       Action = "skip"
	ActionQuarantine Action = "quarantine"
	ActionFallback   Action = "fallback"
	ActionEscalate   Action = "escalate"
	ActionIgnore     Action = "ignore"
)

// policy is one row of the default recovery table.
type policy struct {
	action     Action
	maxRetries int
}

var defaultPolicies = map[apperrors.Category]policy{
	apperrors.CategoryParsing:       {ActionFallback, 2},
	apperrors.CategoryValidation:    {ActionQuarantine, 1},
	apperrors.CategoryDatabase:      {ActionRetry, 3},
	apperrors.CategoryTransport:     {ActionRetry, 2},
	apperrors.CategoryAnalysis:      {ActionSkip, 1},
	apperrors.CategorySystem:        {ActionEscalate, 0},
	apperrors.CategoryNetwork:       {ActionRetry, 2},
	apperrors.CategoryConfiguration: {ActionEscalate, 0},
}

// Record is one classified failure.
type Record struct {
	ID                string              `json:"id"`
	Timestamp         time.Time           `json:"timestamp"`
	Severity          apperrors.Severity  `json:"severity"`
	Category          apperrors.Category  `json:"category"`
	Message           string              `json:"message"`
	EntryID           string              `json:"entryId,omitempty"`
	Component         string              `json:"component,omitempty"`
	Context           map[string]any      `json:"context,omitempty"`
	RecoveryAction    Action              `json:"recoveryAction"`
	RecoveryAttempted bool                `json:"recoveryAttempted"`
	RecoverySucceeded bool                `json:"recoverySucceeded"`
	RetryCount        int                 `json:"retryCount"`
	MaxRetries        int                 `json:"maxRetries"`
}

const (
	recordCap         = 10000
	patternWindow     = 5 * time.Minute
	spikeThreshold    = 20
	criticalThreshold = 3
	componentWindow   = 100
	componentRatio    = 0.5
)

// Emitter publishes operator-facing events. Wired to the broadcaster.
type Emitter func(update models.EventUpdate)

// Handler is the central error classifier and recovery coordinator.
type Handler struct {
	emit Emitter

	mu       sync.Mutex
	records  *buffer.Ring[*Record]
	patterns map[string]int // category:component -> total count

	lastSpikeEmit    time.Time
	lastCriticalEmit time.Time
	lastComponent    map[string]time.Time

	// hooks run category-specific recovery when a pattern fires.
	hooks map[apperrors.Category]func()

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHandler creates a handler publishing through emit.
func NewHandler(emit Emitter) *Handler {
	if emit == nil {
		emit = func(models.EventUpdate) {}
	}
	return &Handler{
		emit:          emit,
		records:       buffer.New[*Record](recordCap),
		patterns:      make(map[string]int),
		lastComponent: make(map[string]time.Time),
		hooks:         make(map[apperrors.Category]func()),
	}
}

// SetRecoveryHook installs a category-specific recovery routine invoked
// when pattern detection fires.
func (h *Handler) SetRecoveryHook(category apperrors.Category, hook func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[category] = hook
}

// Start launches the once-a-minute pattern detector.
func (h *Handler) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.detectPatterns()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the pattern detector. Idempotent.
func (h *Handler) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

// Handle classifies err, records it, and returns the record carrying the
// chosen recovery action. Escalations are broadcast immediately; the other
// actions are applied by the caller.
func (h *Handler) Handle(err error, entry *models.LogEntry, component string, ctx map[string]any) *Record {
	category := apperrors.Classify(err)
	severity := apperrors.ClassifySeverity(err)
	pol, ok := defaultPolicies[category]
	if !ok {
		pol = policy{ActionEscalate, 0}
	}

	record := &Record{
		ID:             uuid.NewString(),
		Timestamp:      time.Now(),
		Severity:       severity,
		Category:       category,
		Message:        err.Error(),
		Component:      component,
		Context:        ctx,
		RecoveryAction: pol.action,
		MaxRetries:     pol.maxRetries,
	}
	if entry != nil {
		record.EntryID = entry.ID
		record.RetryCount = entry.RetryCount
		// An exhausted retry budget downgrades retry to skip.
		if pol.action == ActionRetry && entry.RetryCount >= pol.maxRetries {
			record.RecoveryAction = ActionSkip
		}
	}

	h.mu.Lock()
	h.records.Push(record)
	h.patterns[string(category)+":"+component]++
	h.mu.Unlock()

	metrics.RecordRecovery(string(category), string(record.RecoveryAction))

	logEvent := log.Warn()
	if severity == apperrors.SeverityCritical {
		logEvent = log.Error()
	}
	logEvent.Str("category", string(category)).Str("severity", string(severity)).
		Str("component", component).Str("action", string(record.RecoveryAction)).
		Msg(record.Message)

	if record.RecoveryAction == ActionEscalate {
		record.RecoveryAttempted = true
		update := models.NewEvent(models.EscalationPayload{
			ErrorID:   record.ID,
			Component: component,
			Severity:  string(severity),
			Message:   record.Message,
		}, 10)
		h.emit(update)
	}
	return record
}

// detectPatterns inspects the trailing window once per minute. A spike or
// critical pattern broadcast latches for the length of the window so a
// sustained burst produces one alert per window.
func (h *Handler) detectPatterns() {
	now := time.Now()
	cutoff := now.Add(-patternWindow)

	h.mu.Lock()
	recent := h.records.Snapshot()
	h.mu.Unlock()

	total := 0
	critical := 0
	componentSeen := map[string]struct{}{}
	var criticalComponents []string
	for _, r := range recent {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		total++
		if r.Severity == apperrors.SeverityCritical {
			critical++
			if _, ok := componentSeen[r.Component]; !ok && r.Component != "" {
				componentSeen[r.Component] = struct{}{}
				criticalComponents = append(criticalComponents, r.Component)
			}
		}
	}

	windowSeconds := int(patternWindow / time.Second)

	if critical > criticalThreshold && now.Sub(h.lastCriticalEmit) >= patternWindow {
		h.lastCriticalEmit = now
		h.emit(models.NewEvent(models.CriticalPatternPayload{
			WindowSeconds: windowSeconds,
			Critical:      critical,
			Components:    criticalComponents,
		}, 10))
		h.runHooks(recent, cutoff)
	} else if total > spikeThreshold && now.Sub(h.lastSpikeEmit) >= patternWindow {
		h.lastSpikeEmit = now
		h.emit(models.NewEvent(models.ErrorSpikePayload{
			WindowSeconds: windowSeconds,
			Total:         total,
			Critical:      critical,
		}, 9))
		h.runHooks(recent, cutoff)
	}

	h.detectComponentFailures(recent, now)
}

// runHooks invokes recovery hooks for every category seen in the window.
func (h *Handler) runHooks(recent []*Record, cutoff time.Time) {
	seen := map[apperrors.Category]struct{}{}
	for _, r := range recent {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		seen[r.Category] = struct{}{}
	}
	h.mu.Lock()
	hooks := make([]func(), 0, len(seen))
	for category := range seen {
		if hook, ok := h.hooks[category]; ok {
			hooks = append(hooks, hook)
		}
	}
	h.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

// detectComponentFailures flags any component responsible for more than
// half of the last hundred records.
func (h *Handler) detectComponentFailures(recent []*Record, now time.Time) {
	window := recent
	if len(window) > componentWindow {
		window = window[len(window)-componentWindow:]
	}
	if len(window) == 0 {
		return
	}

	counts := map[string]int{}
	for _, r := range window {
		if r.Component != "" {
			counts[r.Component]++
		}
	}
	for component, n := range counts {
		ratio := float64(n) / float64(len(window))
		if ratio <= componentRatio {
			continue
		}
		if now.Sub(h.lastComponent[component]) < patternWindow {
			continue
		}
		h.lastComponent[component] = now
		h.emit(models.NewEvent(models.ComponentRecoveryPayload{
			Component:    component,
			FailureRatio: ratio,
		}, 8))
	}
}

// Recent returns up to limit most recent records, newest last.
func (h *Handler) Recent(limit int) []*Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	all := h.records.Snapshot()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// Stats reports per-pattern counts.
func (h *Handler) Stats() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.patterns))
	for k, v := range h.patterns {
		out[k] = v
	}
	return out
}
