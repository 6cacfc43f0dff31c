package worker

import (
	"context"
	"errors"
	"time"

	"webhook-pipeline/internal/models"
	"webhook-pipeline/internal/pipeline"
	"webhook-pipeline/internal/storage"
	"webhook-pipeline/pkg/metrics"

	"go.uber.org/zap"
)

// Retrier owns the failed-event transitions.
type Retrier interface {
	Requeue(ctx context.Context, ev *models.WebhookEvent) (*models.WebhookEvent, error)
	Archive(ctx context.Context, ev *models.WebhookEvent) error
	Policy() pipeline.RetryPolicy
}

type Dispatcher interface {
	Dispatch(ctx context.Context, eventID string) error
}

type SupervisorConfig struct {
	Interval          time.Duration
	BatchSize         int
	StalePendingAfter time.Duration
}

// SweepResult counts what one supervisor pass did.
type SweepResult struct {
	Requeued     int
	Archived     int
	Redispatched int
}

// Supervisor drives failed events back through the pipeline once their
// backoff elapses, archives exhausted ones, and re-dispatches pending events
// whose hand-off was lost.
type Supervisor struct {
	store      storage.Store
	retrier    Retrier
	dispatcher Dispatcher
	cfg        SupervisorConfig
	logger     *zap.Logger
	now        func() time.Time
}

func NewSupervisor(store storage.Store, retrier Retrier, dispatcher Dispatcher, cfg SupervisorConfig, logger *zap.Logger) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.StalePendingAfter <= 0 {
		cfg.StalePendingAfter = 5 * time.Minute
	}
	return &Supervisor{
		store:      store,
		retrier:    retrier,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("Retry supervisor started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Retry supervisor stopped")
			return
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Supervisor sweep failed", zap.Error(err))
			}
			if res.Requeued+res.Archived+res.Redispatched > 0 {
				s.logger.Info("Supervisor sweep finished",
					zap.Int("requeued", res.Requeued),
					zap.Int("archived", res.Archived),
					zap.Int("redispatched", res.Redispatched))
			}
		}
	}
}

// Sweep makes one pass. A lost compare-and-swap means another process
// already moved the event; it is skipped, not reported.
func (s *Supervisor) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()
	max := s.retrier.Policy().MaxRetries

	exhausted, err := s.store.ListEvents(ctx, storage.EventFilter{
		Statuses:   []models.EventStatus{models.EventStatusFailed},
		MinRetries: max,
		Limit:      s.cfg.BatchSize,
	})
	if err != nil {
		return res, err
	}
	for _, ev := range exhausted {
		if err := s.retrier.Archive(ctx, ev); err != nil {
			if !errors.Is(err, storage.ErrConflict) {
				s.logger.Error("Failed to archive event", zap.Error(err), zap.String("event_id", ev.ID))
			}
			continue
		}
		res.Archived++
		metrics.SupervisorSweeps.WithLabelValues("archived").Inc()
	}

	due, err := s.store.ListEvents(ctx, storage.EventFilter{
		Statuses:     []models.EventStatus{models.EventStatusFailed},
		DueBefore:    now,
		RetriesBelow: max,
		Limit:        s.cfg.BatchSize,
	})
	if err != nil {
		return res, err
	}
	for _, ev := range due {
		requeued, err := s.retrier.Requeue(ctx, ev)
		if err != nil {
			if !errors.Is(err, storage.ErrConflict) {
				s.logger.Error("Failed to requeue event", zap.Error(err), zap.String("event_id", ev.ID))
			}
			continue
		}
		res.Requeued++
		metrics.SupervisorSweeps.WithLabelValues("requeued").Inc()
		s.dispatch(ctx, requeued.ID)
	}

	stale, err := s.store.ListEvents(ctx, storage.EventFilter{
		Statuses:      []models.EventStatus{models.EventStatusPending},
		UpdatedBefore: now.Add(-s.cfg.StalePendingAfter),
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return res, err
	}
	for _, ev := range stale {
		if s.dispatch(ctx, ev.ID) {
			res.Redispatched++
			metrics.SupervisorSweeps.WithLabelValues("redispatched").Inc()
		}
	}
	return res, nil
}

func (s *Supervisor) dispatch(ctx context.Context, eventID string) bool {
	if err := s.dispatcher.Dispatch(ctx, eventID); err != nil {
		s.logger.Error("Failed to dispatch event", zap.Error(err), zap.String("event_id", eventID))
		return false
	}
	return true
}
