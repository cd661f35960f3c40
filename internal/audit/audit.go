// Package audit buffers structured audit entries and flushes them to the
// durable store. Every control-plane mutation and security event lands
// here exactly once.
package audit

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/logwarden/logwarden/internal/logging"
	"github.com/logwarden/logwarden/internal/store"
)

// EventType tags an audit entry.
type EventType string

const (
	EventAuthLogin         EventType = "auth.login"
	EventAuthLoginFailed   EventType = "auth.login_failed"
	EventAuthLogout        EventType = "auth.logout"
	EventSourceCreated     EventType = "source.created"
	EventSourceUpdated     EventType = "source.updated"
	EventSourceDeleted     EventType = "source.deleted"
	EventSourceEnabled     EventType = "source.enabled"
	EventSourceDisabled    EventType = "source.disabled"
	EventConfigUpdated     EventType = "config.updated"
	EventNotificationRule  EventType = "notification.rule_changed"
	EventWSConnect         EventType = "transport.connect"
	EventWSDisconnect      EventType = "transport.disconnect"
	EventWSAuthFailed      EventType = "transport.auth_failed"
	EventSecurityViolation EventType = "security.violation"
	EventRateLimited       EventType = "security.rate_limited"
	EventSystemStart       EventType = "system.start"
	EventSystemStop        EventType = "system.stop"
)

// Entry is one audit record before serialization.
type Entry struct {
	ID            string
	EventType     EventType
	Severity      string
	Timestamp     time.Time
	UserID        string
	Username      string
	ClientIP      string
	CorrelationID string
	ResourceType  string
	ResourceID    string
	Action        string
	Description   string
	OldValues     any
	NewValues     any
	Metadata      map[string]any
	Tags          []string
	Success       bool
	ErrorMessage  string
}

// Recorder is the durable backend the sink flushes to.
type Recorder interface {
	InsertAuditRecords(records []store.AuditRecord) error
}

// Sink buffers entries up to its capacity. In synchronous mode (the
// default) every Log flushes immediately; batch mode flushes on a timer or
// when the buffer fills.
type Sink struct {
	recorder Recorder

	mu     sync.Mutex
	buffer []store.AuditRecord
	cap    int
	batch  bool

	flushInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
	done          chan struct{}
}

// NewSink creates the sink. With batch=false each entry is flushed as it
// arrives.
func NewSink(recorder Recorder, bufferCap int, batch bool) *Sink {
	if bufferCap < 1 {
		bufferCap = 100
	}
	s := &Sink{
		recorder:      recorder,
		buffer:        make([]store.AuditRecord, 0, bufferCap),
		cap:           bufferCap,
		batch:         batch,
		flushInterval: 10 * time.Second,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go s.flusher()
	return s
}

// Log records one entry. Failures to flush are logged, never raised back
// to the caller, and never re-audited.
func (s *Sink) Log(ctx context.Context, entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Severity == "" {
		entry.Severity = "info"
	}
	if entry.CorrelationID == "" {
		entry.CorrelationID = logging.CorrelationIDFrom(ctx)
	}

	record := s.toRecord(entry)

	s.mu.Lock()
	if len(s.buffer) >= s.cap {
		// Drop oldest rather than block the control plane.
		s.buffer = s.buffer[1:]
	}
	s.buffer = append(s.buffer, record)
	shouldFlush := !s.batch || len(s.buffer) >= s.cap
	s.mu.Unlock()

	if shouldFlush {
		s.Flush()
	}
}

// Flush writes all buffered entries to the recorder.
func (s *Sink) Flush() {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = make([]store.AuditRecord, 0, s.cap)
	s.mu.Unlock()

	if err := s.recorder.InsertAuditRecords(batch); err != nil {
		log.Error().Err(err).Int("entries", len(batch)).Msg("Audit flush failed")
	}
}

// Close flushes and stops the background flusher. Idempotent.
func (s *Sink) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.Flush()
	})
}

func (s *Sink) flusher() {
	defer close(s.done)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.batch {
				s.Flush()
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Sink) toRecord(e Entry) store.AuditRecord {
	oldJSON := marshalOrEmpty(e.OldValues)
	newJSON := marshalOrEmpty(e.NewValues)

	return store.AuditRecord{
		ID:            e.ID,
		EventType:     string(e.EventType),
		Severity:      e.Severity,
		Timestamp:     e.Timestamp,
		UserID:        e.UserID,
		Username:      e.Username,
		ClientIP:      e.ClientIP,
		CorrelationID: e.CorrelationID,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
		Action:        e.Action,
		Description:   e.Description,
		OldValues:     oldJSON,
		NewValues:     newJSON,
		Changes:       marshalOrEmpty(DiffKeys(e.OldValues, e.NewValues)),
		Metadata:      marshalOrEmpty(e.Metadata),
		Tags:          marshalOrEmpty(e.Tags),
		Success:       e.Success,
		ErrorMessage:  e.ErrorMessage,
	}
}

// DiffKeys derives the set of keys whose values differ between old and
// new. Both values are normalized through JSON so structs and maps compare
// uniformly.
func DiffKeys(oldValues, newValues any) []string {
	oldMap := toMap(oldValues)
	newMap := toMap(newValues)
	if oldMap == nil && newMap == nil {
		return nil
	}

	keys := make(map[string]struct{})
	for k := range oldMap {
		keys[k] = struct{}{}
	}
	for k := range newMap {
		keys[k] = struct{}{}
	}

	var changed []string
	for k := range keys {
		if !reflect.DeepEqual(oldMap[k], newMap[k]) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func toMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func marshalOrEmpty(v any) string {
	if v == nil {
		return ""
	}
	switch vv := v.(type) {
	case []string:
		if len(vv) == 0 {
			return ""
		}
	case map[string]any:
		if len(vv) == 0 {
			return ""
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	if string(data) == "null" {
		return ""
	}
	return string(data)
}
