// Package broadcast fans EventUpdates out to long-lived subscribers with
// per-subscriber subscriptions, filters, throttle rules and a bounded
// catch-up buffer covering transient disconnects.
package broadcast

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/logwarden/logwarden/internal/auth"
	"github.com/logwarden/logwarden/internal/buffer"
	"github.com/logwarden/logwarden/internal/metrics"
	"github.com/logwarden/logwarden/internal/models"
)

// Transport is the outbound half of one attached subscriber. Deliver must
// not block: it reports false when the writer is saturated, in which case
// the message is routed to the catch-up buffer.
type Transport interface {
	Deliver(data []byte) bool
}

// Frame is the wire form of one delivered update.
type Frame struct {
	Type      models.EventType    `json:"type"`
	Data      models.EventPayload `json:"data"`
	Timestamp time.Time           `json:"timestamp"`
	Priority  int                 `json:"priority"`
	Queued    bool                `json:"queued,omitempty"`
	QueuedAt  time.Time           `json:"queuedAt,omitzero"`
}

type queuedEvent struct {
	update   models.EventUpdate
	queuedAt time.Time
}

type subscriber struct {
	mu            sync.Mutex
	id            string
	principal     auth.Principal
	subscriptions map[models.EventType]struct{}
	filter        *models.EventFilter
	transport     Transport // nil while detached
	catchup       *buffer.Ring[queuedEvent]
	connectedAt   time.Time
	lastActivity  time.Time
}

// Options tune the broadcaster.
type Options struct {
	CatchupBuffer int           // per-subscriber buffered events, default 100
	CatchupMaxAge time.Duration // replay expiry, default 1h
}

func (o *Options) setDefaults() {
	if o.CatchupBuffer < 1 {
		o.CatchupBuffer = 100
	}
	if o.CatchupMaxAge <= 0 {
		o.CatchupMaxAge = time.Hour
	}
}

// Stats is the broadcaster's health snapshot.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Attached    int    `json:"attached"`
	Delivered   uint64 `json:"delivered"`
	Buffered    uint64 `json:"buffered"`
	Throttled   uint64 `json:"throttled"`
	Dropped     uint64 `json:"dropped"`
}

// Broadcaster keys subscriber state by id. Reads dominate (every broadcast
// scans the table), so the map is guarded by a RWMutex; per-subscriber
// delivery is serialized by each subscriber's own lock.
type Broadcaster struct {
	opts Options

	mu          sync.RWMutex
	subscribers map[string]*subscriber

	throttleMu sync.Mutex
	rules      map[models.EventType]time.Duration
	lastSent   map[models.EventType]time.Time

	delivered atomic.Uint64
	buffered  atomic.Uint64
	throttled atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an empty broadcaster.
func New(opts Options) *Broadcaster {
	opts.setDefaults()
	return &Broadcaster{
		opts:        opts,
		subscribers: make(map[string]*subscriber),
		rules:       make(map[models.EventType]time.Duration),
		lastSent:    make(map[models.EventType]time.Time),
	}
}

// SetThrottle installs a throttle rule for one event type. A non-positive
// interval removes the rule.
func (b *Broadcaster) SetThrottle(rule models.ThrottleRule) {
	b.throttleMu.Lock()
	defer b.throttleMu.Unlock()
	if rule.MinInterval <= 0 {
		delete(b.rules, rule.EventType)
		return
	}
	b.rules[rule.EventType] = rule.MinInterval
}

// Throttles returns the active throttle rules.
func (b *Broadcaster) Throttles() []models.ThrottleRule {
	b.throttleMu.Lock()
	defer b.throttleMu.Unlock()
	out := make([]models.ThrottleRule, 0, len(b.rules))
	for t, interval := range b.rules {
		out = append(out, models.ThrottleRule{EventType: t, MinInterval: interval})
	}
	return out
}

// Register creates subscriber state without attaching a transport.
func (b *Broadcaster) Register(id string, principal auth.Principal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[id]; ok {
		return
	}
	b.subscribers[id] = &subscriber{
		id:            id,
		principal:     principal,
		subscriptions: make(map[models.EventType]struct{}),
		catchup:       buffer.New[queuedEvent](b.opts.CatchupBuffer),
		connectedAt:   time.Now(),
		lastActivity:  time.Now(),
	}
}

// Attach connects a transport and replays the catch-up buffer in order.
// Replayed frames carry queued=true and their buffering time; events older
// than the replay expiry are discarded.
func (b *Broadcaster) Attach(id string, principal auth.Principal, transport Transport) {
	b.Register(id, principal)

	b.mu.RLock()
	sub := b.subscribers[id]
	b.mu.RUnlock()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.principal = principal
	sub.transport = transport
	sub.lastActivity = time.Now()

	cutoff := time.Now().Add(-b.opts.CatchupMaxAge)
	replayed := 0
	for _, qe := range sub.catchup.Drain() {
		if qe.queuedAt.Before(cutoff) {
			b.dropped.Add(1)
			continue
		}
		frame := frameFor(qe.update)
		frame.Queued = true
		frame.QueuedAt = qe.queuedAt
		if data, err := json.Marshal(frame); err == nil {
			if transport.Deliver(data) {
				b.delivered.Add(1)
				replayed++
			} else {
				b.dropped.Add(1)
			}
		}
	}
	if replayed > 0 {
		log.Debug().Str("subscriber", id).Int("replayed", replayed).Msg("Catch-up buffer replayed")
	}
}

// Detach disconnects the transport but keeps subscriber state for the
// catch-up window.
func (b *Broadcaster) Detach(id string) {
	b.mu.RLock()
	sub, ok := b.subscribers[id]
	b.mu.RUnlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.transport = nil
	sub.lastActivity = time.Now()
	sub.mu.Unlock()
}

// Remove hard-purges subscriber state (logout, admin boot).
func (b *Broadcaster) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// RemoveByUser hard-purges every subscriber owned by the user and reports
// how many were removed.
func (b *Broadcaster) RemoveByUser(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, sub := range b.subscribers {
		sub.mu.Lock()
		owned := sub.principal.UserID == userID
		sub.mu.Unlock()
		if owned {
			delete(b.subscribers, id)
			removed++
		}
	}
	return removed
}

// Sweep purges detached subscribers whose last activity is older than
// maxIdle. Attached subscribers are never swept.
func (b *Broadcaster) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	b.mu.Lock()
	defer b.mu.Unlock()
	swept := 0
	for id, sub := range b.subscribers {
		sub.mu.Lock()
		stale := sub.transport == nil && sub.lastActivity.Before(cutoff)
		sub.mu.Unlock()
		if stale {
			delete(b.subscribers, id)
			swept++
		}
	}
	if swept > 0 {
		log.Debug().Int("swept", swept).Msg("Expired detached subscribers purged")
	}
	return swept
}

// Subscribe adds event types to the subscription set. With replace, the
// set is cleared first.
func (b *Broadcaster) Subscribe(id string, types []models.EventType, replace bool) {
	b.mu.RLock()
	sub, ok := b.subscribers[id]
	b.mu.RUnlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if replace {
		sub.subscriptions = make(map[models.EventType]struct{}, len(types))
	}
	for _, t := range types {
		sub.subscriptions[t] = struct{}{}
	}
	sub.lastActivity = time.Now()
}

// Unsubscribe removes event types from the subscription set.
func (b *Broadcaster) Unsubscribe(id string, types []models.EventType) {
	b.mu.RLock()
	sub, ok := b.subscribers[id]
	b.mu.RUnlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, t := range types {
		delete(sub.subscriptions, t)
	}
	sub.lastActivity = time.Now()
}

// Subscriptions returns a snapshot of the subscriber's event types.
func (b *Broadcaster) Subscriptions(id string) []models.EventType {
	b.mu.RLock()
	sub, ok := b.subscribers[id]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	out := make([]models.EventType, 0, len(sub.subscriptions))
	for t := range sub.subscriptions {
		out = append(out, t)
	}
	return out
}

// SetFilter installs the subscriber's event filter.
func (b *Broadcaster) SetFilter(id string, filter *models.EventFilter) {
	b.mu.RLock()
	sub, ok := b.subscribers[id]
	b.mu.RUnlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.filter = filter
	sub.mu.Unlock()
}

// ClearFilter removes the subscriber's event filter.
func (b *Broadcaster) ClearFilter(id string) {
	b.SetFilter(id, nil)
}

// Broadcast delivers update to every matching subscriber. A throttle rule
// suppresses the whole broadcast; the rule's timestamp only advances when
// at least one delivery or buffering occurred.
func (b *Broadcaster) Broadcast(update models.EventUpdate) {
	if update.Target != "" {
		b.SendDirect(update.Target, update)
		return
	}

	b.throttleMu.Lock()
	if interval, ok := b.rules[update.Type]; ok {
		if since := time.Since(b.lastSent[update.Type]); since < interval {
			b.throttleMu.Unlock()
			b.throttled.Add(1)
			metrics.RecordThrottled()
			return
		}
	}
	b.throttleMu.Unlock()

	data, err := json.Marshal(frameFor(update))
	if err != nil {
		log.Error().Err(err).Str("type", string(update.Type)).Msg("Failed to marshal event frame")
		return
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	reached := false
	for _, sub := range targets {
		if b.deliverTo(sub, update, data, true) {
			reached = true
		}
	}

	if reached {
		b.throttleMu.Lock()
		b.lastSent[update.Type] = time.Now()
		b.throttleMu.Unlock()
	}
}

// SendDirect addresses one subscriber, bypassing subscription matching but
// honoring the filter. Throttle rules do not apply.
func (b *Broadcaster) SendDirect(id string, update models.EventUpdate) bool {
	b.mu.RLock()
	sub, ok := b.subscribers[id]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	data, err := json.Marshal(frameFor(update))
	if err != nil {
		return false
	}
	return b.deliverTo(sub, update, data, false)
}

// deliverTo hands the serialized frame to one subscriber. Returns whether
// the update was delivered or buffered.
func (b *Broadcaster) deliverTo(sub *subscriber, update models.EventUpdate, data []byte, matchSubscriptions bool) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if matchSubscriptions && len(sub.subscriptions) > 0 {
		if _, ok := sub.subscriptions[update.Type]; !ok {
			return false
		}
	}
	if !sub.filter.Matches(update) {
		return false
	}

	if sub.transport != nil {
		if sub.transport.Deliver(data) {
			b.delivered.Add(1)
			return true
		}
		// Writer saturated: treat like a detach for this message.
	}
	sub.catchup.Push(queuedEvent{update: update, queuedAt: time.Now()})
	b.buffered.Add(1)
	return true
}

// CatchupLen reports the subscriber's buffered event count.
func (b *Broadcaster) CatchupLen(id string) int {
	b.mu.RLock()
	sub, ok := b.subscribers[id]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return sub.catchup.Len()
}

// Principal returns the identity bound to a subscriber.
func (b *Broadcaster) Principal(id string) (auth.Principal, bool) {
	b.mu.RLock()
	sub, ok := b.subscribers[id]
	b.mu.RUnlock()
	if !ok {
		return auth.Principal{}, false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.principal, true
}

// SubscriberInfo describes one subscriber for the admin listing.
type SubscriberInfo struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Username      string    `json:"username"`
	Attached      bool      `json:"attached"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	Subscriptions int       `json:"subscriptions"`
	Buffered      int       `json:"buffered"`
}

// Subscribers lists all subscriber state, attached and detached.
func (b *Broadcaster) Subscribers() []SubscriberInfo {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	out := make([]SubscriberInfo, 0, len(subs))
	for _, sub := range subs {
		sub.mu.Lock()
		out = append(out, SubscriberInfo{
			ID:            sub.id,
			UserID:        sub.principal.UserID,
			Username:      sub.principal.Username,
			Attached:      sub.transport != nil,
			ConnectedAt:   sub.connectedAt,
			LastActivity:  sub.lastActivity,
			Subscriptions: len(sub.subscriptions),
			Buffered:      sub.catchup.Len(),
		})
		sub.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Stats snapshots broadcaster counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	total := len(b.subscribers)
	attached := 0
	for _, sub := range b.subscribers {
		sub.mu.Lock()
		if sub.transport != nil {
			attached++
		}
		sub.mu.Unlock()
	}
	b.mu.RUnlock()

	return Stats{
		Subscribers: total,
		Attached:    attached,
		Delivered:   b.delivered.Load(),
		Buffered:    b.buffered.Load(),
		Throttled:   b.throttled.Load(),
		Dropped:     b.dropped.Load(),
	}
}

func frameFor(update models.EventUpdate) Frame {
	return Frame{
		Type:      update.Type,
		Data:      update.Data,
		Timestamp: update.Timestamp,
		Priority:  update.Priority,
	}
}
