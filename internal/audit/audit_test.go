package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logwarden/logwarden/internal/logging"
	"github.com/logwarden/logwarden/internal/store"
)

type fakeRecorder struct {
	mu      sync.Mutex
	batches [][]store.AuditRecord
}

func (f *fakeRecorder) InsertAuditRecords(records []store.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, records)
	return nil
}

func (f *fakeRecorder) all() []store.AuditRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.AuditRecord
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func (f *fakeRecorder) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestSyncModeFlushesEveryEntry(t *testing.T) {
	recorder := &fakeRecorder{}
	sink := NewSink(recorder, 10, false)
	t.Cleanup(sink.Close)

	sink.Log(context.Background(), Entry{EventType: EventAuthLogin, Username: "admin", Success: true})
	sink.Log(context.Background(), Entry{EventType: EventAuthLogout, Username: "admin", Success: true})

	records := recorder.all()
	require.Len(t, records, 2)
	assert.Equal(t, 2, recorder.batchCount(), "one flush per entry")
	assert.Equal(t, string(EventAuthLogin), records[0].EventType)
	assert.NotEmpty(t, records[0].ID)
	assert.Equal(t, "info", records[0].Severity, "severity defaults to info")
	assert.False(t, records[0].Timestamp.IsZero())
}

func TestBatchModeHoldsUntilCapacity(t *testing.T) {
	recorder := &fakeRecorder{}
	sink := NewSink(recorder, 3, true)
	t.Cleanup(sink.Close)

	sink.Log(context.Background(), Entry{EventType: EventWSConnect})
	sink.Log(context.Background(), Entry{EventType: EventWSConnect})
	assert.Empty(t, recorder.all(), "below capacity nothing is flushed")

	sink.Log(context.Background(), Entry{EventType: EventWSConnect})
	assert.Len(t, recorder.all(), 3, "hitting capacity triggers a flush")
}

func TestCloseFlushesRemainder(t *testing.T) {
	recorder := &fakeRecorder{}
	sink := NewSink(recorder, 100, true)

	sink.Log(context.Background(), Entry{EventType: EventSystemStop})
	sink.Close()
	sink.Close() // idempotent

	assert.Len(t, recorder.all(), 1)
}

func TestFlushPreservesEntryOrder(t *testing.T) {
	recorder := &fakeRecorder{}
	sink := NewSink(recorder, 2, true)
	t.Cleanup(sink.Close)

	sink.Log(context.Background(), Entry{EventType: EventWSConnect, Description: "first"})
	// The second entry fills the buffer and flushes both.
	sink.Log(context.Background(), Entry{EventType: EventWSConnect, Description: "second"})

	records := recorder.all()
	require.Len(t, records, 2)
	assert.Equal(t, "first", records[0].Description)
	assert.Equal(t, "second", records[1].Description)
}

func TestCorrelationIDPulledFromContext(t *testing.T) {
	recorder := &fakeRecorder{}
	sink := NewSink(recorder, 10, false)
	t.Cleanup(sink.Close)

	ctx := logging.WithCorrelationID(context.Background(), "corr-123")
	sink.Log(ctx, Entry{EventType: EventSourceCreated})

	records := recorder.all()
	require.Len(t, records, 1)
	assert.Equal(t, "corr-123", records[0].CorrelationID)
}

func TestRecordSerializesValueSnapshots(t *testing.T) {
	recorder := &fakeRecorder{}
	sink := NewSink(recorder, 10, false)
	t.Cleanup(sink.Close)

	sink.Log(context.Background(), Entry{
		EventType: EventSourceUpdated,
		OldValues: map[string]any{"priority": 5, "enabled": true},
		NewValues: map[string]any{"priority": 8, "enabled": true},
		Tags:      []string{"sources"},
	})

	records := recorder.all()
	require.Len(t, records, 1)
	assert.Contains(t, records[0].OldValues, `"priority":5`)
	assert.Contains(t, records[0].NewValues, `"priority":8`)
	assert.Equal(t, `["priority"]`, records[0].Changes)
	assert.Equal(t, `["sources"]`, records[0].Tags)
}

func TestEmptySnapshotsStayEmpty(t *testing.T) {
	recorder := &fakeRecorder{}
	sink := NewSink(recorder, 10, false)
	t.Cleanup(sink.Close)

	sink.Log(context.Background(), Entry{EventType: EventAuthLogin})
	records := recorder.all()
	require.Len(t, records, 1)
	assert.Empty(t, records[0].OldValues)
	assert.Empty(t, records[0].Changes)
	assert.Empty(t, records[0].Metadata)
	assert.Empty(t, records[0].Tags)
}

func TestDiffKeys(t *testing.T) {
	type source struct {
		Name     string `json:"name"`
		Path     string `json:"path"`
		Priority int    `json:"priority"`
		Enabled  bool   `json:"enabled"`
	}

	oldCfg := source{Name: "app", Path: "/var/log/app.log", Priority: 5, Enabled: true}
	newCfg := source{Name: "app", Path: "/var/log/app.log", Priority: 8, Enabled: false}

	assert.Equal(t, []string{"enabled", "priority"}, DiffKeys(oldCfg, newCfg), "sorted keys of changed fields")
	assert.Empty(t, DiffKeys(oldCfg, oldCfg))
	assert.Nil(t, DiffKeys(nil, nil))

	// A key present on only one side counts as changed.
	assert.Equal(t, []string{"extra"}, DiffKeys(map[string]any{}, map[string]any{"extra": 1}))
}

func TestDiffKeysNormalizesThroughJSON(t *testing.T) {
	type a struct {
		Priority int `json:"priority"`
	}
	// A struct and a map with the same JSON shape compare equal.
	assert.Empty(t, DiffKeys(a{Priority: 5}, map[string]any{"priority": 5}))
}

type failingRecorder struct {
	calls int
}

func (f *failingRecorder) InsertAuditRecords([]store.AuditRecord) error {
	f.calls++
	return errors.New("database locked")
}

func TestFlushFailureIsSwallowed(t *testing.T) {
	recorder := &failingRecorder{}
	sink := NewSink(recorder, 10, false)
	t.Cleanup(sink.Close)

	// Log must not panic or propagate the recorder error; the batch is
	// dropped rather than retried.
	sink.Log(context.Background(), Entry{EventType: EventSystemStart})
	assert.Equal(t, 1, recorder.calls)
	sink.Flush()
	assert.Equal(t, 1, recorder.calls, "nothing left to re-flush")
}
