package broadcast

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logwarden/logwarden/internal/auth"
	"github.com/logwarden/logwarden/internal/models"
)

// wireFrame mirrors Frame with an opaque payload so tests can decode
// delivered bytes without knowing the concrete payload type.
type wireFrame struct {
	Type      models.EventType `json:"type"`
	Data      json.RawMessage  `json:"data"`
	Timestamp time.Time        `json:"timestamp"`
	Priority  int              `json:"priority"`
	Queued    bool             `json:"queued"`
	QueuedAt  time.Time        `json:"queuedAt"`
}

// fakeTransport records delivered frames; accept=false simulates a
// saturated writer.
type fakeTransport struct {
	mu     sync.Mutex
	frames []wireFrame
	accept bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{accept: true}
}

func (f *fakeTransport) Deliver(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.accept {
		return false
	}
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeTransport) setAccept(accept bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accept = accept
}

func (f *fakeTransport) received() []wireFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wireFrame(nil), f.frames...)
}

func securityEvent(priority int, source string) models.EventUpdate {
	update := models.NewEvent(models.SecurityEventPayload{
		EntryID:       "e1",
		Source:        source,
		Content:       "sshd: failed password",
		SeverityScore: priority,
	}, priority)
	update.Category = "security"
	update.Source = source
	return update
}

func TestBroadcastReachesAttachedSubscriber(t *testing.T) {
	b := New(Options{})
	transport := newFakeTransport()
	b.Attach("sub-1", auth.Principal{UserID: "u1"}, transport)

	b.Broadcast(securityEvent(5, "syslog"))

	frames := transport.received()
	require.Len(t, frames, 1)
	assert.Equal(t, models.EventSecurity, frames[0].Type)
	assert.False(t, frames[0].Queued)
}

func TestSubscriptionsNarrowDelivery(t *testing.T) {
	b := New(Options{})
	transport := newFakeTransport()
	b.Attach("sub-1", auth.Principal{}, transport)
	b.Subscribe("sub-1", []models.EventType{models.EventProcessingError}, false)

	b.Broadcast(securityEvent(5, "syslog"))
	assert.Empty(t, transport.received())

	b.Broadcast(models.NewEvent(models.ProcessingErrorPayload{Category: "parsing", Message: "bad line"}, 6))
	require.Len(t, transport.received(), 1)

	// Replacing the subscription set drops the old types.
	b.Subscribe("sub-1", []models.EventType{models.EventSecurity}, true)
	assert.ElementsMatch(t, []models.EventType{models.EventSecurity}, b.Subscriptions("sub-1"))
}

func TestUnsubscribeRestoresInitialSet(t *testing.T) {
	b := New(Options{})
	transport := newFakeTransport()
	b.Attach("sub-1", auth.Principal{}, transport)

	b.Subscribe("sub-1", []models.EventType{models.EventSecurity}, false)
	b.Unsubscribe("sub-1", []models.EventType{models.EventSecurity})
	assert.Empty(t, b.Subscriptions("sub-1"))

	// An empty set means unconstrained again: any type is delivered.
	b.Broadcast(models.NewEvent(models.StatusPayload{Status: "running"}, 3))
	assert.Len(t, transport.received(), 1)
}

func TestFilterConjunction(t *testing.T) {
	b := New(Options{})
	transport := newFakeTransport()
	b.Attach("sub-1", auth.Principal{}, transport)
	b.SetFilter("sub-1", &models.EventFilter{
		MinPriority: 7,
		Sources:     map[string]struct{}{"auth": {}},
	})

	b.Broadcast(securityEvent(9, "syslog")) // wrong source
	b.Broadcast(securityEvent(5, "auth"))   // priority too low
	assert.Empty(t, transport.received())

	b.Broadcast(securityEvent(8, "auth"))
	require.Len(t, transport.received(), 1)

	b.ClearFilter("sub-1")
	b.Broadcast(securityEvent(1, "anything"))
	assert.Len(t, transport.received(), 2)
}

func TestThrottleSuppressesAndTimestampAdvancesOnlyOnDelivery(t *testing.T) {
	b := New(Options{})
	b.SetThrottle(models.ThrottleRule{EventType: models.EventSystemStatus, MinInterval: time.Hour})

	// No subscribers: the event is not throttled (no rule hit yet) but
	// reaches nobody, so the rule timestamp must not advance.
	b.Broadcast(models.NewEvent(models.StatusPayload{Status: "running"}, 3))

	transport := newFakeTransport()
	b.Attach("sub-1", auth.Principal{}, transport)

	// First delivered broadcast arms the throttle.
	b.Broadcast(models.NewEvent(models.StatusPayload{Status: "running"}, 3))
	require.Len(t, transport.received(), 1)

	// Inside the interval the event is suppressed entirely.
	b.Broadcast(models.NewEvent(models.StatusPayload{Status: "running"}, 3))
	assert.Len(t, transport.received(), 1)
	assert.Equal(t, uint64(1), b.Stats().Throttled)
}

func TestCatchupBufferAndReplay(t *testing.T) {
	b := New(Options{CatchupBuffer: 3})
	transport := newFakeTransport()
	b.Attach("sub-1", auth.Principal{}, transport)
	b.Detach("sub-1")

	// Disconnected: events accumulate in the catch-up ring.
	for i := 0; i < 5; i++ {
		b.Broadcast(securityEvent(5, "syslog"))
	}
	assert.Equal(t, 3, b.CatchupLen("sub-1"), "ring keeps newest events, drops oldest")

	// Reconnect replays the buffer, frames marked as queued.
	b.Attach("sub-1", auth.Principal{}, transport)
	frames := transport.received()
	require.Len(t, frames, 3)
	for _, frame := range frames {
		assert.True(t, frame.Queued)
		assert.False(t, frame.QueuedAt.IsZero())
	}
	assert.Equal(t, 0, b.CatchupLen("sub-1"))
}

func TestSaturatedTransportFallsBackToCatchup(t *testing.T) {
	b := New(Options{})
	transport := newFakeTransport()
	transport.setAccept(false)
	b.Attach("sub-1", auth.Principal{}, transport)

	b.Broadcast(securityEvent(5, "syslog"))
	assert.Equal(t, 1, b.CatchupLen("sub-1"))
	assert.Equal(t, uint64(1), b.Stats().Buffered)
}

func TestSendDirectBypassesSubscriptionsHonorsFilter(t *testing.T) {
	b := New(Options{})
	transport := newFakeTransport()
	b.Attach("sub-1", auth.Principal{}, transport)
	b.Subscribe("sub-1", []models.EventType{models.EventProcessingError}, false)

	// Subscriptions do not apply to direct sends.
	assert.True(t, b.SendDirect("sub-1", securityEvent(5, "syslog")))
	require.Len(t, transport.received(), 1)

	// The filter still does.
	b.SetFilter("sub-1", &models.EventFilter{MinPriority: 9})
	assert.False(t, b.SendDirect("sub-1", securityEvent(5, "syslog")))
	assert.Len(t, transport.received(), 1)

	assert.False(t, b.SendDirect("missing", securityEvent(5, "syslog")))
}

func TestTargetedUpdateRoutesThroughSendDirect(t *testing.T) {
	b := New(Options{})
	one := newFakeTransport()
	two := newFakeTransport()
	b.Attach("sub-1", auth.Principal{}, one)
	b.Attach("sub-2", auth.Principal{}, two)

	update := securityEvent(5, "syslog")
	update.Target = "sub-2"
	b.Broadcast(update)

	assert.Empty(t, one.received())
	assert.Len(t, two.received(), 1)
}

func TestRemovePurgesState(t *testing.T) {
	b := New(Options{})
	b.Attach("sub-1", auth.Principal{UserID: "u1"}, newFakeTransport())
	_, ok := b.Principal("sub-1")
	require.True(t, ok)

	b.Remove("sub-1")
	_, ok = b.Principal("sub-1")
	assert.False(t, ok)
	assert.Equal(t, 0, b.Stats().Subscribers)
}

func TestRemoveByUserPurgesAllOwnedSubscribers(t *testing.T) {
	b := New(Options{})
	b.Attach("a-1", auth.Principal{UserID: "alice"}, newFakeTransport())
	b.Attach("a-2", auth.Principal{UserID: "alice"}, newFakeTransport())
	b.Attach("b-1", auth.Principal{UserID: "bob"}, newFakeTransport())

	assert.Equal(t, 2, b.RemoveByUser("alice"))
	assert.Equal(t, 1, b.Stats().Subscribers)
	_, ok := b.Principal("b-1")
	assert.True(t, ok)
}

func TestSweepPurgesOnlyExpiredDetached(t *testing.T) {
	b := New(Options{})
	b.Attach("stays", auth.Principal{}, newFakeTransport())
	b.Attach("expires", auth.Principal{}, newFakeTransport())
	b.Detach("expires")

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 0, b.Sweep(time.Hour), "fresh detach is inside the window")
	assert.Equal(t, 1, b.Sweep(time.Millisecond))

	_, ok := b.Principal("expires")
	assert.False(t, ok)
	_, ok = b.Principal("stays")
	require.True(t, ok)

	// Attached subscribers are never swept however long they idle.
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 0, b.Sweep(time.Millisecond))
}

func TestThrottlesReflectsRuleChanges(t *testing.T) {
	b := New(Options{})
	b.SetThrottle(models.ThrottleRule{EventType: models.EventHealthCheck, MinInterval: 10 * time.Second})
	b.SetThrottle(models.ThrottleRule{EventType: models.EventSystemStatus, MinInterval: time.Minute})
	assert.Len(t, b.Throttles(), 2)

	// A non-positive interval deletes the rule.
	b.SetThrottle(models.ThrottleRule{EventType: models.EventSystemStatus})
	rules := b.Throttles()
	require.Len(t, rules, 1)
	assert.Equal(t, models.EventHealthCheck, rules[0].EventType)
	assert.Equal(t, 10*time.Second, rules[0].MinInterval)
}

func TestSubscribersListsAttachedAndDetached(t *testing.T) {
	b := New(Options{})
	b.Attach("live", auth.Principal{UserID: "u1", Username: "alice"}, newFakeTransport())
	b.Register("parked", auth.Principal{UserID: "u2", Username: "bob"})

	infos := b.Subscribers()
	require.Len(t, infos, 2)
	byID := make(map[string]SubscriberInfo, len(infos))
	for _, info := range infos {
		byID[info.ID] = info
	}
	assert.True(t, byID["live"].Attached)
	assert.Equal(t, "alice", byID["live"].Username)
	assert.False(t, byID["parked"].Attached)
	assert.Equal(t, "u2", byID["parked"].UserID)
}
