package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"webhook-pipeline/internal/models"
	"webhook-pipeline/internal/storage"
	"webhook-pipeline/pkg/metrics"

	"go.uber.org/zap"
)

// Outcome is what one processing attempt did to an event.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeFailed    Outcome = "failed"
	OutcomeArchived  Outcome = "archived"
	// OutcomeSkipped: the event was not pending, or another worker won the
	// status swap.
	OutcomeSkipped Outcome = "skipped"
)

// StageError wraps a failure with the pipeline stage that raised it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

var (
	ErrStageTimeout = errors.New("exceeded processing budget")
	ErrPanic        = errors.New("recovered panic")
)

type Config struct {
	MaxRetries            int
	BaseRetryDelay        time.Duration
	MaxRetryDelay         time.Duration
	ProcessingTimeout     time.Duration
	StageTimeout          time.Duration
	HighValueThreshold    float64
	EmergencyServiceTypes []string
}

// Processor runs classify -> extract -> tag -> aggregate/mark for one event
// and owns every status transition the pipeline makes.
type Processor struct {
	store             storage.Store
	extractor         *Extractor
	tagger            *Tagger
	policy            RetryPolicy
	processingTimeout time.Duration
	stageTimeout      time.Duration
	logger            *zap.Logger
	now               func() time.Time
}

func NewProcessor(store storage.Store, cfg Config, logger *zap.Logger) *Processor {
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 30 * time.Second
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 10 * time.Second
	}
	if cfg.HighValueThreshold <= 0 {
		cfg.HighValueThreshold = DefaultHighValueThreshold
	}
	rules := NewRules(cfg.HighValueThreshold, cfg.EmergencyServiceTypes)
	return &Processor{
		store:             store,
		extractor:         NewExtractor(store, rules),
		tagger:            NewTagger(store, nil),
		policy:            NewRetryPolicy(cfg.MaxRetries, cfg.BaseRetryDelay, cfg.MaxRetryDelay),
		processingTimeout: cfg.ProcessingTimeout,
		stageTimeout:      cfg.StageTimeout,
		logger:            logger,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (p *Processor) Policy() RetryPolicy { return p.policy }

// Process makes one attempt at a pending event. Pipeline failures are
// recorded on the event and reported through the Outcome; the returned error
// is reserved for storage problems while loading or recording state. A panic
// anywhere in the attempt is recorded as a failed attempt.
func (p *Processor) Process(ctx context.Context, eventID string) (outcome Outcome, err error) {
	ev, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return "", fmt.Errorf("load event %s: %w", eventID, err)
	}
	if ev.Status != models.EventStatusPending {
		p.logger.Debug("Skipping event that is not pending",
			zap.String("event_id", ev.ID),
			zap.String("status", string(ev.Status)))
		return OutcomeSkipped, nil
	}

	start := time.Now()
	cls := Classification{Category: models.CategoryOther}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Recovered panic while processing event",
				zap.String("event_id", ev.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			outcome, err = p.fail(ctx, ev, cls, fmt.Errorf("%w: %v", ErrPanic, r))
		}
	}()
	cls = Classify(ev.EventType)

	attemptCtx, cancel := context.WithTimeout(ctx, p.processingTimeout)
	defer cancel()

	outcome, err = p.attempt(attemptCtx, ev, cls, start)
	if err != nil {
		return p.fail(ctx, ev, cls, err)
	}

	metrics.WebhookProcessed.WithLabelValues(string(cls.Category), string(outcome)).Inc()
	if outcome == OutcomeProcessed {
		metrics.WebhookProcessingTime.WithLabelValues(string(cls.Category)).Observe(time.Since(start).Seconds())
		p.logger.Info("Processed event",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.EventType),
			zap.String("category", string(cls.Category)),
			zap.Int("retry_count", ev.RetryCount))
	}
	return outcome, nil
}

func (p *Processor) attempt(ctx context.Context, ev *models.WebhookEvent, cls Classification, start time.Time) (Outcome, error) {
	err := p.stage(ctx, "classify", func(ctx context.Context) error {
		return p.store.SetClassification(ctx, ev.ID, cls.Category, EntityID(ev.Payload, cls.Category))
	})
	if err != nil {
		return "", err
	}

	var data *models.WebhookProcessedData
	err = p.stage(ctx, "extract", func(ctx context.Context) error {
		var err error
		data, err = p.extract(ctx, ev, cls)
		return err
	})
	if err != nil {
		return "", err
	}

	err = p.stage(ctx, "tag", func(ctx context.Context) error {
		_, err := p.tagger.Tag(ctx, ev, data)
		return err
	})
	if err != nil {
		return "", err
	}

	outcome := OutcomeProcessed
	err = p.stage(ctx, "aggregate", func(ctx context.Context) error {
		now := p.now()
		delta := SuccessDelta(ev, cls, data, time.Since(start))
		_, err := p.transition(ctx, ev, storage.Transition{
			From:             models.EventStatusPending,
			To:               models.EventStatusProcessed,
			RetryCount:       storage.IntPtr(ev.RetryCount),
			At:               now,
			ProcessedAt:      &now,
			ClearNextAttempt: true,
			Analytics:        &delta,
		})
		if errors.Is(err, storage.ErrConflict) {
			outcome = OutcomeSkipped
			return nil
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// extract reuses an existing projection so a retried event never gets a
// second or different record.
func (p *Processor) extract(ctx context.Context, ev *models.WebhookEvent, cls Classification) (*models.WebhookProcessedData, error) {
	existing, err := p.store.GetProcessedData(ctx, ev.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	data, err := p.extractor.Extract(ctx, ev, cls)
	if err != nil {
		return nil, err
	}
	created, err := p.store.InsertProcessedData(ctx, data)
	if err != nil {
		return nil, err
	}
	if !created {
		return p.store.GetProcessedData(ctx, ev.ID)
	}
	return data, nil
}

// stage runs fn under the per-stage budget. A stage that overruns is a
// failed attempt; its late writes are harmless because every stage is an
// upsert or a compare-and-swap.
func (p *Processor) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	stageCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()
		done <- fn(stageCtx)
	}()

	select {
	case err := <-done:
		metrics.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			return &StageError{Stage: name, Err: err}
		}
		return nil
	case <-stageCtx.Done():
		metrics.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		return &StageError{Stage: name, Err: fmt.Errorf("%w: %v", ErrStageTimeout, stageCtx.Err())}
	}
}

// fail records a failed attempt and archives the event once the retry
// budget is spent.
func (p *Processor) fail(ctx context.Context, ev *models.WebhookEvent, cls Classification, cause error) (Outcome, error) {
	now := p.now()
	msg := cause.Error()
	next := now.Add(p.policy.Backoff(ev.RetryCount + 1))

	updated, err := p.transition(ctx, ev, storage.Transition{
		From:           models.EventStatusPending,
		To:             models.EventStatusFailed,
		RetryCount:     storage.IntPtr(ev.RetryCount),
		At:             now,
		IncrementRetry: true,
		LastError:      &msg,
		NextAttemptAt:  &next,
		Analytics:      FailureDelta(ev, cls.Category),
	})
	if errors.Is(err, storage.ErrConflict) {
		return OutcomeSkipped, nil
	}
	if updated == nil {
		return "", fmt.Errorf("record failure of event %s: %w", ev.ID, err)
	}

	metrics.WebhookProcessed.WithLabelValues(string(cls.Category), string(OutcomeFailed)).Inc()
	p.logger.Warn("Failed to process event",
		zap.Error(cause),
		zap.String("event_id", ev.ID),
		zap.String("category", string(cls.Category)),
		zap.Int("retry_count", updated.RetryCount))

	if !p.policy.Exhausted(updated.RetryCount) {
		return OutcomeFailed, nil
	}
	if err := p.Archive(ctx, updated); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeArchived, nil
}

// Archive moves an exhausted failed event to its terminal state.
func (p *Processor) Archive(ctx context.Context, ev *models.WebhookEvent) error {
	_, err := p.transition(ctx, ev, storage.Transition{
		From:             models.EventStatusFailed,
		To:               models.EventStatusArchived,
		RetryCount:       storage.IntPtr(ev.RetryCount),
		At:               p.now(),
		ClearNextAttempt: true,
	})
	if err != nil {
		return fmt.Errorf("archive event %s: %w", ev.ID, err)
	}
	metrics.WebhookProcessed.WithLabelValues(string(ev.Category), string(OutcomeArchived)).Inc()
	p.logger.Error("Event archived after exhausting retries",
		zap.String("event_id", ev.ID),
		zap.Int("retry_count", ev.RetryCount),
		zap.String("last_error", ev.LastError))
	return nil
}

// Requeue moves a failed event whose backoff elapsed back to pending.
func (p *Processor) Requeue(ctx context.Context, ev *models.WebhookEvent) (*models.WebhookEvent, error) {
	updated, err := p.transition(ctx, ev, storage.Transition{
		From:             models.EventStatusFailed,
		To:               models.EventStatusPending,
		RetryCount:       storage.IntPtr(ev.RetryCount),
		At:               p.now(),
		ClearNextAttempt: true,
	})
	if err != nil {
		return nil, err
	}
	metrics.WebhookRetries.WithLabelValues(string(ev.Category), "backoff").Inc()
	return updated, nil
}

// Reprocess is the operator hook: a failed or archived event goes back to
// pending regardless of its retry budget. Retry history is kept.
func (p *Processor) Reprocess(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	ev, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if err := models.CheckOperatorTransition(ev.Status, models.EventStatusPending); err != nil {
		return nil, err
	}
	updated, err := p.store.TransitionEvent(ctx, ev.ID, storage.Transition{
		From:             ev.Status,
		To:               models.EventStatusPending,
		RetryCount:       storage.IntPtr(ev.RetryCount),
		At:               p.now(),
		ClearNextAttempt: true,
	})
	if err != nil {
		return nil, err
	}
	metrics.WebhookRetries.WithLabelValues(string(ev.Category), "operator").Inc()
	p.logger.Info("Event re-queued by operator",
		zap.String("event_id", ev.ID),
		zap.String("previous_status", string(ev.Status)),
		zap.Int("retry_count", ev.RetryCount))
	return updated, nil
}

func (p *Processor) transition(ctx context.Context, ev *models.WebhookEvent, t storage.Transition) (*models.WebhookEvent, error) {
	if err := models.CheckTransition(t.From, t.To); err != nil {
		return nil, err
	}
	return p.store.TransitionEvent(ctx, ev.ID, t)
}
