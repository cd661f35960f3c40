package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/logwarden/logwarden/internal/errors"
	"github.com/logwarden/logwarden/internal/models"
)

func entryWith(priority models.Priority) *models.LogEntry {
	return &models.LogEntry{
		ID:       fmt.Sprintf("entry-%d-%d", priority, time.Now().UnixNano()),
		Content:  "test line",
		Priority: priority,
	}
}

func TestEnqueueDrainsInBandOrder(t *testing.T) {
	q := New(Options{Capacity: 100})

	require.Equal(t, Accepted, q.Enqueue(entryWith(models.PriorityBulk)))
	require.Equal(t, Accepted, q.Enqueue(entryWith(models.PriorityCritical)))
	require.Equal(t, Accepted, q.Enqueue(entryWith(models.PriorityMedium)))
	require.Equal(t, Accepted, q.Enqueue(entryWith(models.PriorityHigh)))

	batch := q.TakeBatch(context.Background(), 10, 100*time.Millisecond)
	require.Len(t, batch, 4)
	assert.Equal(t, models.PriorityCritical, batch[0].Priority)
	assert.Equal(t, models.PriorityHigh, batch[1].Priority)
	assert.Equal(t, models.PriorityMedium, batch[2].Priority)
	assert.Equal(t, models.PriorityBulk, batch[3].Priority)
	assert.Equal(t, 0, q.Size())

	for _, e := range batch {
		assert.Equal(t, models.EntryProcessing, e.Status)
		assert.False(t, e.ProcessingStarted.IsZero())
	}
}

func TestEnqueueFIFOWithinBand(t *testing.T) {
	q := New(Options{Capacity: 100})
	first := entryWith(models.PriorityMedium)
	second := entryWith(models.PriorityMedium)
	require.Equal(t, Accepted, q.Enqueue(first))
	require.Equal(t, Accepted, q.Enqueue(second))

	batch := q.TakeBatch(context.Background(), 2, 100*time.Millisecond)
	require.Len(t, batch, 2)
	assert.Equal(t, first.ID, batch[0].ID)
	assert.Equal(t, second.ID, batch[1].ID)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := New(Options{Capacity: 2, BackpressureThreshold: 0.99})
	require.Equal(t, Accepted, q.Enqueue(entryWith(models.PriorityCritical)))
	require.Equal(t, Accepted, q.Enqueue(entryWith(models.PriorityCritical)))

	assert.Equal(t, RejectedFull, q.Enqueue(entryWith(models.PriorityCritical)))
	assert.Equal(t, uint64(1), q.Stats().Dropped)
}

func TestBackpressureAdmission(t *testing.T) {
	// Threshold sits at 8 of 10. Once crossed only critical and high
	// priority entries are admitted until the size falls back under.
	q := New(Options{Capacity: 10, BackpressureThreshold: 0.8})
	for i := 0; i < 8; i++ {
		require.Equal(t, Accepted, q.Enqueue(entryWith(models.PriorityLow)))
	}

	assert.Equal(t, RejectedBackpressure, q.Enqueue(entryWith(models.PriorityLow)))
	assert.True(t, q.Backpressure())
	assert.Equal(t, RejectedBackpressure, q.Enqueue(entryWith(models.PriorityMedium)))
	assert.Equal(t, Accepted, q.Enqueue(entryWith(models.PriorityHigh)))
	assert.Equal(t, Accepted, q.Enqueue(entryWith(models.PriorityCritical)))

	// Draining below the threshold releases the latch and low priority
	// entries are admitted again.
	batch := q.TakeBatch(context.Background(), 4, 100*time.Millisecond)
	require.Len(t, batch, 4)
	assert.False(t, q.Backpressure())
	assert.Equal(t, Accepted, q.Enqueue(entryWith(models.PriorityLow)))
}

func TestMarkFailedRequeuesWithinBudget(t *testing.T) {
	q := New(Options{Capacity: 10, MaxRetries: 2})
	entry := entryWith(models.PriorityMedium)
	require.Equal(t, Accepted, q.Enqueue(entry))

	failErr := errors.New("transient fault")
	for attempt := 0; attempt < 2; attempt++ {
		batch := q.TakeBatch(context.Background(), 1, 100*time.Millisecond)
		require.Len(t, batch, 1)
		assert.Equal(t, Requeued, q.MarkFailed(batch[0], failErr))
		assert.Equal(t, models.EntryRetrying, batch[0].Status)
	}

	batch := q.TakeBatch(context.Background(), 1, 100*time.Millisecond)
	require.Len(t, batch, 1)
	assert.Equal(t, 2, batch[0].RetryCount)
	assert.Equal(t, Permanent, q.MarkFailed(batch[0], failErr))
	assert.Equal(t, models.EntryFailed, batch[0].Status)
	assert.Equal(t, "transient fault", batch[0].LastError)

	failed := q.FailedEntries()
	require.Len(t, failed, 1)
	assert.Equal(t, entry.ID, failed[0].ID)
}

func TestMarkFailedPermanentBypassesRetries(t *testing.T) {
	q := New(Options{Capacity: 10, MaxRetries: 3})
	entry := entryWith(models.PriorityMedium)
	require.Equal(t, Accepted, q.Enqueue(entry))

	batch := q.TakeBatch(context.Background(), 1, 100*time.Millisecond)
	require.Len(t, batch, 1)
	q.MarkFailedPermanent(batch[0], errors.New("quarantined"))

	assert.Equal(t, models.EntryFailed, batch[0].Status)
	assert.Equal(t, 0, q.Size())
	assert.Len(t, q.FailedEntries(), 1)
}

func TestTakeBatchTimesOutEmpty(t *testing.T) {
	q := New(Options{Capacity: 10})
	start := time.Now()
	batch := q.TakeBatch(context.Background(), 5, 50*time.Millisecond)
	assert.Nil(t, batch)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestTakeBatchWakesOnEnqueue(t *testing.T) {
	q := New(Options{Capacity: 10})
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Enqueue(entryWith(models.PriorityMedium))
	}()
	batch := q.TakeBatch(context.Background(), 5, time.Second)
	require.Len(t, batch, 1)
}

func TestAdaptiveBatchSizing(t *testing.T) {
	q := New(Options{Capacity: 100, MinBatchSize: 10, MaxBatchSize: 100, TargetBatchDuration: time.Second})
	require.Equal(t, 10, q.TargetBatchSize())

	// Fast batches grow the target by ten percent.
	for i := 0; i < 5; i++ {
		q.ObserveBatchDuration(100 * time.Millisecond)
	}
	grown := q.TargetBatchSize()
	assert.Greater(t, grown, 10)

	// Slow batches shrink it back, never below the minimum.
	for i := 0; i < 50; i++ {
		q.ObserveBatchDuration(5 * time.Second)
	}
	assert.Equal(t, 10, q.TargetBatchSize())
}

func TestAdaptiveBatchSizingRespectsMax(t *testing.T) {
	q := New(Options{Capacity: 100, MinBatchSize: 10, MaxBatchSize: 20, TargetBatchDuration: time.Second})
	for i := 0; i < 50; i++ {
		q.ObserveBatchDuration(10 * time.Millisecond)
	}
	assert.Equal(t, 20, q.TargetBatchSize())
}

func TestStatsSnapshot(t *testing.T) {
	q := New(Options{Capacity: 10})
	q.Enqueue(entryWith(models.PriorityCritical))
	q.Enqueue(entryWith(models.PriorityBulk))

	stats := q.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, 10, stats.Capacity)
	assert.Equal(t, 1, stats.ByBand[models.PriorityCritical])
	assert.Equal(t, 1, stats.ByBand[models.PriorityBulk])

	batch := q.TakeBatch(context.Background(), 2, 100*time.Millisecond)
	q.MarkCompleted(batch[0])
	q.MarkSkipped(batch[1])
	assert.Equal(t, uint64(2), q.Stats().Processed)
}

func TestInvalidPriorityDefaultsToMedium(t *testing.T) {
	q := New(Options{Capacity: 10})
	entry := &models.LogEntry{ID: "x", Content: "line", Priority: 42}
	require.Equal(t, Accepted, q.Enqueue(entry))
	assert.Equal(t, models.PriorityMedium, entry.Priority)
}

func TestAdmissionErrSentinels(t *testing.T) {
	assert.NoError(t, Accepted.Err())
	assert.True(t, errors.Is(RejectedFull.Err(), apperrors.ErrQueueFull))
	assert.True(t, errors.Is(RejectedBackpressure.Err(), apperrors.ErrBackpressure))
}
