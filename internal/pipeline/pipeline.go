// Package pipeline consumes batches from the ingestion queue, runs
// parsing and analysis, persists results, and emits operator events.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/logwarden/logwarden/internal/analyzer"
	apperrors "github.com/logwarden/logwarden/internal/errors"
	"github.com/logwarden/logwarden/internal/models"
	"github.com/logwarden/logwarden/internal/queue"
	"github.com/logwarden/logwarden/internal/recovery"
	"github.com/logwarden/logwarden/internal/store"
)

// EventStore persists analyzed events.
type EventStore interface {
	SaveSecurityEvent(ev store.SecurityEvent) error
}

// Emitter publishes EventUpdates to the broadcast fabric.
type Emitter func(update models.EventUpdate)

// Options tune the pipeline.
type Options struct {
	Workers      int           // max concurrent batches
	TakeWait     time.Duration // max blocking wait per TakeBatch
	RetryDelay   time.Duration // pause before re-queueing a retryable entry
	AnalyzeRetry int           // transient analyzer attempts per entry
}

func (o *Options) setDefaults() {
	if o.Workers < 1 {
		o.Workers = 4
	}
	if o.TakeWait <= 0 {
		o.TakeWait = 500 * time.Millisecond
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 250 * time.Millisecond
	}
	if o.AnalyzeRetry < 1 {
		o.AnalyzeRetry = 2
	}
}

// Pipeline pulls batches and drives each entry to a terminal status.
type Pipeline struct {
	opts Options

	queue    *queue.Queue
	parser   analyzer.Parser
	analyzer analyzer.Analyzer
	fallback analyzer.Analyzer
	events   EventStore
	emit     Emitter
	recovery *recovery.Handler

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New wires the pipeline's collaborators.
func New(q *queue.Queue, parser analyzer.Parser, primary, fallback analyzer.Analyzer,
	events EventStore, emit Emitter, handler *recovery.Handler, opts Options) *Pipeline {
	opts.setDefaults()
	if emit == nil {
		emit = func(models.EventUpdate) {}
	}
	return &Pipeline{
		opts:     opts,
		queue:    q,
		parser:   parser,
		analyzer: primary,
		fallback: fallback,
		events:   events,
		emit:     emit,
		recovery: handler,
	}
}

// Start launches the worker pool.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		p.group.Go(func() error {
			p.workerLoop(ctx)
			return nil
		})
	}
	log.Info().Int("workers", p.opts.Workers).Msg("Pipeline started")
}

// Stop cancels the workers and waits for them to drain. Idempotent.
func (p *Pipeline) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.group.Wait()
}

func (p *Pipeline) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch := p.queue.TakeBatch(ctx, p.queue.TargetBatchSize(), p.opts.TakeWait)
		if len(batch) == 0 {
			continue
		}
		started := time.Now()
		for _, entry := range batch {
			p.processEntry(ctx, entry)
		}
		p.queue.ObserveBatchDuration(time.Since(started))
	}
}

// processEntry drives one entry: parse, analyze, persist, emit. Failures
// route through the recovery handler and apply its action.
func (p *Pipeline) processEntry(ctx context.Context, entry *models.LogEntry) {
	parsed, err := p.parser.Parse(entry)
	if err != nil {
		p.applyRecovery(ctx, entry, err, parsed)
		return
	}

	result, err := p.analyzeWithRetry(ctx, parsed)
	if err != nil {
		p.applyRecovery(ctx, entry, err, parsed)
		return
	}

	p.complete(entry, parsed, result)
}

func (p *Pipeline) analyzeWithRetry(ctx context.Context, parsed analyzer.ParsedEvent) (analyzer.Result, error) {
	var lastErr error
	for attempt := 0; attempt < p.opts.AnalyzeRetry; attempt++ {
		result, err := p.analyzer.Analyze(ctx, parsed)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !apperrors.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		select {
		case <-time.After(p.opts.RetryDelay):
		case <-ctx.Done():
			return analyzer.Result{}, ctx.Err()
		}
	}
	return analyzer.Result{}, lastErr
}

// complete persists the event and emits the security_event update.
func (p *Pipeline) complete(entry *models.LogEntry, parsed analyzer.ParsedEvent, result analyzer.Result) {
	priority := result.SeverityScore
	if priority < 1 || priority > 10 {
		priority = 5
	}

	ev := store.SecurityEvent{
		ID:              uuid.NewString(),
		EntryID:         entry.ID,
		SourceName:      entry.SourceName,
		Content:         parsed.Raw,
		SeverityScore:   priority,
		Explanation:     result.Explanation,
		Recommendations: result.Recommendations,
		CreatedAt:       time.Now(),
	}
	if err := p.events.SaveSecurityEvent(ev); err != nil {
		p.applyRecovery(context.Background(), entry, err, parsed)
		return
	}

	p.queue.MarkCompleted(entry)

	update := models.NewEvent(models.SecurityEventPayload{
		EntryID:         entry.ID,
		Source:          entry.SourceName,
		Content:         parsed.Raw,
		SeverityScore:   priority,
		Explanation:     result.Explanation,
		Recommendations: result.Recommendations,
	}, priority)
	update.Category = "security"
	update.Source = entry.SourceName
	p.emit(update)
}

// applyRecovery routes err through the handler and applies the decided
// action to the entry.
func (p *Pipeline) applyRecovery(ctx context.Context, entry *models.LogEntry, err error, parsed analyzer.ParsedEvent) {
	record := p.recovery.Handle(err, entry, "pipeline", nil)

	switch record.RecoveryAction {
	case recovery.ActionRetry:
		// Brief pause so a transient fault has a chance to clear; the
		// queue applies no backoff of its own.
		select {
		case <-time.After(p.opts.RetryDelay):
		case <-ctx.Done():
		}
		if outcome := p.queue.MarkFailed(entry, err); outcome == queue.Permanent {
			p.emitProcessingError(entry, record)
		}

	case recovery.ActionSkip:
		p.queue.MarkSkipped(entry)
		p.emitProcessingError(entry, record)

	case recovery.ActionQuarantine:
		p.queue.MarkFailedPermanent(entry, err)
		update := models.NewEvent(models.QuarantinePayload{
			EntryID: entry.ID,
			Source:  entry.SourceName,
			Reason:  record.Message,
		}, 7)
		update.Source = entry.SourceName
		p.emit(update)

	case recovery.ActionFallback:
		p.runFallback(ctx, entry, record)

	case recovery.ActionEscalate:
		p.queue.MarkFailedPermanent(entry, err)
		// The handler already broadcast the escalation.

	default: // ActionIgnore
		p.queue.MarkSkipped(entry)
	}
}

// runFallback re-analyzes through the degraded path, still producing a
// persisted event.
func (p *Pipeline) runFallback(ctx context.Context, entry *models.LogEntry, record *recovery.Record) {
	update := models.NewEvent(models.FallbackPayload{
		EntryID:   entry.ID,
		Component: "pipeline",
		Reason:    record.Message,
	}, 6)
	update.Source = entry.SourceName
	p.emit(update)

	parsed := analyzer.ParsedEvent{
		Raw:       entry.Content,
		Source:    entry.SourceName,
		Timestamp: entry.Timestamp,
	}
	result, err := p.fallback.Analyze(ctx, parsed)
	if err != nil {
		p.queue.MarkSkipped(entry)
		p.emitProcessingError(entry, record)
		return
	}
	p.complete(entry, parsed, result)
}

func (p *Pipeline) emitProcessingError(entry *models.LogEntry, record *recovery.Record) {
	update := models.NewEvent(models.ProcessingErrorPayload{
		EntryID:   entry.ID,
		Source:    entry.SourceName,
		Component: record.Component,
		Category:  string(record.Category),
		Message:   record.Message,
	}, 6)
	update.Category = string(record.Category)
	update.Source = entry.SourceName
	p.emit(update)
}
