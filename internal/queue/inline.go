package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"webhook-pipeline/internal/pipeline"
	"webhook-pipeline/pkg/metrics"

	"go.uber.org/zap"
)

// EventProcessor runs one processing attempt for an event.
type EventProcessor interface {
	Process(ctx context.Context, eventID string) (pipeline.Outcome, error)
}

// ProcessRecovered runs one attempt and turns a panic that escaped the
// processor into an error wrapping pipeline.ErrPanic.
func ProcessRecovered(ctx context.Context, p EventProcessor, eventID string) (outcome pipeline.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", pipeline.ErrPanic, r)
		}
	}()
	return p.Process(ctx, eventID)
}

// Inline processes dispatched events in-process on a bounded number of
// goroutines. Used when no broker is configured.
type Inline struct {
	processor EventProcessor
	logger    *zap.Logger
	timeout   time.Duration
	sem       chan struct{}
	wg        sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewInline(processor EventProcessor, concurrency int, timeout time.Duration, logger *zap.Logger) *Inline {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Inline{
		processor: processor,
		logger:    logger,
		timeout:   timeout,
		sem:       make(chan struct{}, concurrency),
	}
}

// Dispatch never blocks the caller on processing. The request context is
// not inherited: processing outlives the HTTP request.
func (d *Inline) Dispatch(ctx context.Context, eventID string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		metrics.DispatchFailures.WithLabelValues("inline").Inc()
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.sem <- struct{}{}
		defer func() { <-d.sem }()

		runCtx := context.Background()
		if d.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, d.timeout)
			defer cancel()
		}
		if _, err := ProcessRecovered(runCtx, d.processor, eventID); err != nil {
			d.logger.Error("Inline processing failed", zap.Error(err), zap.String("event_id", eventID))
		}
	}()
	return nil
}

// Close stops accepting work and waits for in-flight events.
func (d *Inline) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}
