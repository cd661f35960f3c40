// Package queue implements the bounded multi-priority ingestion queue with
// backpressure admission, retry bookkeeping and adaptive batch sizing.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/logwarden/logwarden/internal/buffer"
	apperrors "github.com/logwarden/logwarden/internal/errors"
	"github.com/logwarden/logwarden/internal/metrics"
	"github.com/logwarden/logwarden/internal/models"
	"github.com/rs/zerolog/log"
)

// Admission is the result of an enqueue attempt.
type Admission int

const (
	Accepted Admission = iota
	RejectedBackpressure
	RejectedFull
)

func (a Admission) String() string {
	switch a {
	case Accepted:
		return "accepted"
	case RejectedBackpressure:
		return "rejected_backpressure"
	case RejectedFull:
		return "rejected_full"
	default:
		return "unknown"
	}
}

// Err maps a rejection to its sentinel error for callers that propagate
// errors instead of admissions. Accepted maps to nil.
func (a Admission) Err() error {
	switch a {
	case RejectedBackpressure:
		return apperrors.ErrBackpressure
	case RejectedFull:
		return apperrors.ErrQueueFull
	default:
		return nil
	}
}

// FailureOutcome is the result of MarkFailed.
type FailureOutcome int

const (
	Requeued FailureOutcome = iota
	Permanent
)

// Options tune the queue.
type Options struct {
	Capacity              int
	BackpressureThreshold float64 // fraction of capacity, e.g. 0.8
	MaxRetries            int
	MinBatchSize          int
	MaxBatchSize          int
	TargetBatchDuration   time.Duration // adaptive sizing target, default 1s
	HistoryRetention      time.Duration // finished-entry retention, default 24h
}

func (o *Options) setDefaults() {
	if o.Capacity < 1 {
		o.Capacity = 10000
	}
	if o.BackpressureThreshold <= 0 || o.BackpressureThreshold >= 1 {
		o.BackpressureThreshold = 0.8
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 3
	}
	if o.MinBatchSize < 1 {
		o.MinBatchSize = 10
	}
	if o.MaxBatchSize < o.MinBatchSize {
		o.MaxBatchSize = o.MinBatchSize * 10
	}
	if o.TargetBatchDuration <= 0 {
		o.TargetBatchDuration = time.Second
	}
	if o.HistoryRetention <= 0 {
		o.HistoryRetention = 24 * time.Hour
	}
}

type band struct {
	mu      sync.Mutex
	entries []*models.LogEntry
}

type finished struct {
	entry      *models.LogEntry
	finishedAt time.Time
}

// Queue is a bounded five-band priority queue. Entries drain in ascending
// band order, FIFO within a band.
type Queue struct {
	opts Options

	bands map[models.Priority]*band

	size         atomic.Int64
	dropped      atomic.Uint64
	processed    atomic.Uint64
	failed       atomic.Uint64
	retried      atomic.Uint64
	backpressure atomic.Bool

	notify chan struct{}

	// Adaptive batching state.
	batchMu     sync.Mutex
	targetBatch int
	avgBatchDur time.Duration

	history *buffer.Ring[finished]
}

// New creates a queue with the given options.
func New(opts Options) *Queue {
	opts.setDefaults()
	q := &Queue{
		opts:        opts,
		bands:       make(map[models.Priority]*band, len(models.Bands)),
		notify:      make(chan struct{}, 1),
		targetBatch: opts.MinBatchSize,
		history:     buffer.New[finished](opts.Capacity),
	}
	for _, p := range models.Bands {
		q.bands[p] = &band{}
	}
	return q
}

// Enqueue admits entry subject to capacity and backpressure policy. The
// backpressure flag latches on when the threshold is first crossed and is
// logged on every transition.
func (q *Queue) Enqueue(entry *models.LogEntry) Admission {
	if !entry.Priority.Valid() {
		entry.Priority = models.PriorityMedium
	}

	size := q.size.Load()
	if size >= int64(q.opts.Capacity) {
		q.dropped.Add(1)
		return RejectedFull
	}

	threshold := int64(float64(q.opts.Capacity) * q.opts.BackpressureThreshold)
	if size >= threshold {
		if q.backpressure.CompareAndSwap(false, true) {
			log.Warn().Int64("size", size).Int("capacity", q.opts.Capacity).
				Msg("Queue backpressure engaged")
		}
		if entry.Priority > models.PriorityHigh {
			q.dropped.Add(1)
			return RejectedBackpressure
		}
	}

	entry.Status = models.EntryPending
	b := q.bands[entry.Priority]
	b.mu.Lock()
	b.entries = append(b.entries, entry)
	b.mu.Unlock()
	q.size.Add(1)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return Accepted
}

// TakeBatch blocks until at least one entry is available or maxWait
// elapses, then drains up to maxN entries in band order. A nil batch means
// the wait timed out or ctx was cancelled.
func (q *Queue) TakeBatch(ctx context.Context, maxN int, maxWait time.Duration) []*models.LogEntry {
	if maxN < 1 {
		maxN = q.TargetBatchSize()
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	for {
		batch := q.drain(maxN)
		if len(batch) > 0 {
			now := time.Now()
			for _, e := range batch {
				e.Status = models.EntryProcessing
				e.ProcessingStarted = now
			}
			q.maybeReleaseBackpressure()
			return batch
		}
		select {
		case <-q.notify:
		case <-deadline.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (q *Queue) drain(maxN int) []*models.LogEntry {
	var batch []*models.LogEntry
	for _, p := range models.Bands {
		if len(batch) >= maxN {
			break
		}
		b := q.bands[p]
		b.mu.Lock()
		take := maxN - len(batch)
		if take > len(b.entries) {
			take = len(b.entries)
		}
		if take > 0 {
			batch = append(batch, b.entries[:take]...)
			b.entries = append([]*models.LogEntry(nil), b.entries[take:]...)
		}
		b.mu.Unlock()
	}
	if n := len(batch); n > 0 {
		q.size.Add(int64(-n))
	}
	return batch
}

func (q *Queue) maybeReleaseBackpressure() {
	threshold := int64(float64(q.opts.Capacity) * q.opts.BackpressureThreshold)
	if q.size.Load() < threshold {
		if q.backpressure.CompareAndSwap(true, false) {
			log.Info().Int64("size", q.size.Load()).Msg("Queue backpressure released")
		}
	}
}

// MarkCompleted finalizes an entry and retains it in bounded history.
func (q *Queue) MarkCompleted(entry *models.LogEntry) {
	entry.Status = models.EntryCompleted
	entry.ProcessingFinished = time.Now()
	q.processed.Add(1)
	metrics.RecordProcessed("completed")
	q.history.Push(finished{entry: entry, finishedAt: entry.ProcessingFinished})
}

// MarkSkipped finalizes an entry that recovery decided to skip.
func (q *Queue) MarkSkipped(entry *models.LogEntry) {
	entry.Status = models.EntrySkipped
	entry.ProcessingFinished = time.Now()
	q.processed.Add(1)
	metrics.RecordProcessed("skipped")
	q.history.Push(finished{entry: entry, finishedAt: entry.ProcessingFinished})
}

// MarkFailed records a processing failure. Within the retry budget the
// entry is re-queued at the back of its band; otherwise it is permanently
// failed and retained in history.
func (q *Queue) MarkFailed(entry *models.LogEntry, err error) FailureOutcome {
	if err != nil {
		entry.LastError = err.Error()
	}
	if entry.RetryCount < q.opts.MaxRetries {
		entry.RetryCount++
		entry.Status = models.EntryRetrying
		q.retried.Add(1)

		b := q.bands[entry.Priority]
		b.mu.Lock()
		b.entries = append(b.entries, entry)
		b.mu.Unlock()
		q.size.Add(1)
		select {
		case q.notify <- struct{}{}:
		default:
		}
		return Requeued
	}

	entry.Status = models.EntryFailed
	entry.ProcessingFinished = time.Now()
	q.failed.Add(1)
	metrics.RecordProcessed("failed")
	q.history.Push(finished{entry: entry, finishedAt: entry.ProcessingFinished})
	return Permanent
}

// MarkFailedPermanent fails an entry without consuming retry budget, used
// when recovery decides against further attempts.
func (q *Queue) MarkFailedPermanent(entry *models.LogEntry, err error) {
	if err != nil {
		entry.LastError = err.Error()
	}
	entry.Status = models.EntryFailed
	entry.ProcessingFinished = time.Now()
	q.failed.Add(1)
	metrics.RecordProcessed("failed")
	q.history.Push(finished{entry: entry, finishedAt: entry.ProcessingFinished})
}

// ObserveBatchDuration feeds a completed batch's wall time into the
// adaptive sizing EWMA. Sizes grow 10% when batches finish comfortably
// under target and shrink 10% when they overrun.
func (q *Queue) ObserveBatchDuration(d time.Duration) {
	metrics.ObserveBatch(d.Seconds())

	q.batchMu.Lock()
	defer q.batchMu.Unlock()

	if q.avgBatchDur == 0 {
		q.avgBatchDur = d
	} else {
		q.avgBatchDur = time.Duration(0.3*float64(d) + 0.7*float64(q.avgBatchDur))
	}

	target := q.opts.TargetBatchDuration
	switch {
	case q.avgBatchDur < time.Duration(0.8*float64(target)):
		next := q.targetBatch + q.targetBatch/10
		if next == q.targetBatch {
			next++
		}
		if next > q.opts.MaxBatchSize {
			next = q.opts.MaxBatchSize
		}
		q.targetBatch = next
	case q.avgBatchDur > time.Duration(1.2*float64(target)):
		next := q.targetBatch - q.targetBatch/10
		if next == q.targetBatch {
			next--
		}
		if next < q.opts.MinBatchSize {
			next = q.opts.MinBatchSize
		}
		q.targetBatch = next
	}
}

// TargetBatchSize is the current adaptive batch size.
func (q *Queue) TargetBatchSize() int {
	q.batchMu.Lock()
	defer q.batchMu.Unlock()
	return q.targetBatch
}

// Size is the number of entries currently resident in the queue.
func (q *Queue) Size() int {
	return int(q.size.Load())
}

// Backpressure reports whether the latch is currently engaged.
func (q *Queue) Backpressure() bool {
	return q.backpressure.Load()
}

// FailedEntries returns permanently failed entries still inside the
// retention window.
func (q *Queue) FailedEntries() []*models.LogEntry {
	cutoff := time.Now().Add(-q.opts.HistoryRetention)
	var out []*models.LogEntry
	for _, f := range q.history.Snapshot() {
		if f.finishedAt.After(cutoff) && f.entry.Status == models.EntryFailed {
			out = append(out, f.entry)
		}
	}
	return out
}

// Stats snapshots the queue's health counters.
func (q *Queue) Stats() models.QueueStats {
	byBand := make(map[models.Priority]int, len(models.Bands))
	for _, p := range models.Bands {
		b := q.bands[p]
		b.mu.Lock()
		byBand[p] = len(b.entries)
		b.mu.Unlock()
	}
	q.batchMu.Lock()
	target := q.targetBatch
	avg := q.avgBatchDur
	q.batchMu.Unlock()

	return models.QueueStats{
		Size:             int(q.size.Load()),
		Capacity:         q.opts.Capacity,
		ByBand:           byBand,
		Dropped:          q.dropped.Load(),
		Processed:        q.processed.Load(),
		Failed:           q.failed.Load(),
		Retried:          q.retried.Load(),
		Backpressure:     q.backpressure.Load(),
		TargetBatchSize:  target,
		AvgBatchDuration: avg,
	}
}
