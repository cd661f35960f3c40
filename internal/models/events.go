package models

import (
	"time"
)

// EventType tags an EventUpdate on the wire.
type EventType string

const (
	EventSecurity           EventType = "security_event"
	EventProcessingError    EventType = "processing_error"
	EventEntryQuarantined   EventType = "entry_quarantined"
	EventFallbackProcessing EventType = "fallback_processing"
	EventErrorEscalated     EventType = "error_escalated"
	EventErrorSpike         EventType = "error_spike_detected"
	EventCriticalPattern    EventType = "critical_error_pattern"
	EventComponentRecovery  EventType = "component_recovery_attempt"
	EventSystemStatus       EventType = "system_status"
	EventHealthCheck        EventType = "health_check"
	EventSourceStatus       EventType = "source_status"
)

// EventTypes is the closed set of broadcastable event types.
var EventTypes = []EventType{
	EventSecurity,
	EventProcessingError,
	EventEntryQuarantined,
	EventFallbackProcessing,
	EventErrorEscalated,
	EventErrorSpike,
	EventCriticalPattern,
	EventComponentRecovery,
	EventSystemStatus,
	EventHealthCheck,
	EventSourceStatus,
}

// ValidEventType reports whether t names a known event type.
func ValidEventType(t EventType) bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// EventPayload is implemented by every typed event body. The wire form is
// the payload marshalled as the frame's "data" object.
type EventPayload interface {
	Kind() EventType
}

// SecurityEventPayload carries one analyzed log entry.
type SecurityEventPayload struct {
	EntryID         string   `json:"entryId"`
	Source          string   `json:"source"`
	Content         string   `json:"content"`
	SeverityScore   int      `json:"severityScore"`
	Explanation     string   `json:"explanation,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

func (SecurityEventPayload) Kind() EventType { return EventSecurity }

// ProcessingErrorPayload reports a failed entry to operators.
type ProcessingErrorPayload struct {
	EntryID   string `json:"entryId,omitempty"`
	Source    string `json:"source,omitempty"`
	Component string `json:"component,omitempty"`
	Category  string `json:"category"`
	Message   string `json:"message"`
}

func (ProcessingErrorPayload) Kind() EventType { return EventProcessingError }

// QuarantinePayload announces removal of an entry from the pipeline.
type QuarantinePayload struct {
	EntryID string `json:"entryId"`
	Source  string `json:"source,omitempty"`
	Reason  string `json:"reason"`
}

func (QuarantinePayload) Kind() EventType { return EventEntryQuarantined }

// FallbackPayload announces degraded processing of an entry.
type FallbackPayload struct {
	EntryID   string `json:"entryId"`
	Component string `json:"component,omitempty"`
	Reason    string `json:"reason"`
}

func (FallbackPayload) Kind() EventType { return EventFallbackProcessing }

// EscalationPayload is broadcast when local recovery is abandoned.
type EscalationPayload struct {
	ErrorID   string `json:"errorId"`
	Component string `json:"component,omitempty"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
}

func (EscalationPayload) Kind() EventType { return EventErrorEscalated }

// ErrorSpikePayload reports an abnormal error rate over the detection window.
type ErrorSpikePayload struct {
	WindowSeconds int `json:"windowSeconds"`
	Total         int `json:"total"`
	Critical      int `json:"critical"`
}

func (ErrorSpikePayload) Kind() EventType { return EventErrorSpike }

// CriticalPatternPayload reports repeated critical failures.
type CriticalPatternPayload struct {
	WindowSeconds int      `json:"windowSeconds"`
	Critical      int      `json:"critical"`
	Components    []string `json:"components,omitempty"`
}

func (CriticalPatternPayload) Kind() EventType { return EventCriticalPattern }

// ComponentRecoveryPayload reports an automatic recovery attempt for a
// component whose failure ratio crossed the threshold.
type ComponentRecoveryPayload struct {
	Component    string  `json:"component"`
	FailureRatio float64 `json:"failureRatio"`
}

func (ComponentRecoveryPayload) Kind() EventType { return EventComponentRecovery }

// StatusPayload is a free-form operational status frame.
type StatusPayload struct {
	Component string         `json:"component,omitempty"`
	Status    string         `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
}

func (StatusPayload) Kind() EventType { return EventSystemStatus }

// HealthCheckPayload is the periodic health broadcast.
type HealthCheckPayload struct {
	Healthy    bool           `json:"healthy"`
	Components map[string]any `json:"components,omitempty"`
}

func (HealthCheckPayload) Kind() EventType { return EventHealthCheck }

// SourceStatusPayload reports a monitored source state change.
type SourceStatusPayload struct {
	Source  string `json:"source"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (SourceStatusPayload) Kind() EventType { return EventSourceStatus }

// EventUpdate is a single unit of fan-out. Priority runs 1..10 with 10
// highest. Target, when set, addresses one subscriber instead of the
// broadcast set. Category and Source exist for filter matching only.
type EventUpdate struct {
	Type      EventType    `json:"type"`
	Data      EventPayload `json:"data"`
	Timestamp time.Time    `json:"timestamp"`
	Priority  int          `json:"priority"`
	Category  string       `json:"category,omitempty"`
	Source    string       `json:"source,omitempty"`
	Target    string       `json:"-"`
}

// NewEvent builds an EventUpdate from a typed payload.
func NewEvent(payload EventPayload, priority int) EventUpdate {
	return EventUpdate{
		Type:      payload.Kind(),
		Data:      payload,
		Timestamp: time.Now(),
		Priority:  priority,
	}
}

// EventFilter narrows the updates a subscriber receives. A nil set leaves
// that clause unconstrained; the match is the conjunction of present clauses.
type EventFilter struct {
	EventTypes  map[EventType]struct{} `json:"eventTypes,omitempty"`
	Categories  map[string]struct{}    `json:"categories,omitempty"`
	MinPriority int                    `json:"minPriority,omitempty"`
	MaxPriority int                    `json:"maxPriority,omitempty"`
	Sources     map[string]struct{}    `json:"sources,omitempty"`
}

// Matches reports whether u passes every present clause of f.
func (f *EventFilter) Matches(u EventUpdate) bool {
	if f == nil {
		return true
	}
	if len(f.EventTypes) > 0 {
		if _, ok := f.EventTypes[u.Type]; !ok {
			return false
		}
	}
	if len(f.Categories) > 0 {
		if _, ok := f.Categories[u.Category]; !ok {
			return false
		}
	}
	if f.MinPriority > 0 && u.Priority < f.MinPriority {
		return false
	}
	if f.MaxPriority > 0 && u.Priority > f.MaxPriority {
		return false
	}
	if len(f.Sources) > 0 {
		if _, ok := f.Sources[u.Source]; !ok {
			return false
		}
	}
	return true
}

// ThrottleRule suppresses broadcasts of one event type that arrive closer
// together than MinInterval.
type ThrottleRule struct {
	EventType   EventType     `json:"eventType"`
	MinInterval time.Duration `json:"minInterval"`
}
