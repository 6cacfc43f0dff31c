package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"webhook-pipeline/internal/pipeline"
	"webhook-pipeline/internal/queue"
	"webhook-pipeline/internal/storage"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Worker consumes event ids from the queue and runs them through the
// pipeline on a fixed number of goroutines.
type Worker struct {
	channel     *amqp.Channel
	processor   queue.EventProcessor
	logger      *zap.Logger
	concurrency int
	prefetch    int
	wg          sync.WaitGroup
}

func NewWorker(channel *amqp.Channel, processor queue.EventProcessor, concurrency, prefetch int, logger *zap.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if prefetch < concurrency {
		prefetch = concurrency
	}
	return &Worker{
		channel:     channel,
		processor:   processor,
		logger:      logger,
		concurrency: concurrency,
		prefetch:    prefetch,
	}
}

func (w *Worker) Start(ctx context.Context, queueName string) error {
	if err := w.channel.Qos(w.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := w.channel.Consume(
		queueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return err
	}

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					w.handle(ctx, msg)
				}
			}
		}()
	}
	return nil
}

// Wait blocks until every consumer goroutine has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// handle acknowledges every well-formed message once the attempt has been
// recorded on the event. Retries are scheduled from the event store by the
// supervisor, never by redelivering the message.
func (w *Worker) handle(ctx context.Context, msg amqp.Delivery) {
	em, err := queue.DecodeMessage(msg.Body)
	if err != nil {
		w.logger.Error("Dead-lettering malformed message",
			zap.Error(err),
			zap.String("body", string(msg.Body)))
		if err := msg.Reject(false); err != nil {
			w.logger.Error("Failed to reject message", zap.Error(err))
		}
		return
	}

	outcome, err := queue.ProcessRecovered(ctx, w.processor, em.EventID)
	switch {
	case errors.Is(err, pipeline.ErrPanic):
		// Redelivery would panic again. The event itself stays with the
		// supervisor.
		w.logger.Error("Dead-lettering message after panic",
			zap.Error(err),
			zap.String("event_id", em.EventID))
		if err := msg.Reject(false); err != nil {
			w.logger.Error("Failed to reject message", zap.Error(err))
		}
		return
	case errors.Is(err, storage.ErrNotFound):
		w.logger.Warn("Message references unknown event", zap.String("event_id", em.EventID))
	case err != nil:
		// The event stays pending; the supervisor re-dispatches it.
		w.logger.Error("Failed to process event",
			zap.Error(err),
			zap.String("event_id", em.EventID))
	default:
		w.logger.Debug("Processed message",
			zap.String("event_id", em.EventID),
			zap.String("outcome", string(outcome)))
	}

	if err := msg.Ack(false); err != nil {
		w.logger.Error("Failed to ack message", zap.Error(err), zap.String("event_id", em.EventID))
	}
}

