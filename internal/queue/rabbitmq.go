package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"webhook-pipeline/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQ publishes accepted event ids to the worker queue.
type RabbitMQ struct {
	conn         *amqp.Connection
	ch           *amqp.Channel
	mu           sync.Mutex // amqp channels are not safe for concurrent publishes
	exchangeName string
	logger       *zap.Logger
	queueName    string
}

// StartMetricsUpdater starts a goroutine to periodically update queue metrics
func (r *RabbitMQ) StartMetricsUpdater(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.mu.Lock()
				queue, err := r.ch.QueueInspect(r.queueName)
				r.mu.Unlock()
				if err == nil {
					metrics.WebhookQueueSize.WithLabelValues(r.queueName).Set(float64(queue.Messages))
				}
			}
		}
	}()
}

func NewRabbitMQ(url, exchangeName, queueName string, logger *zap.Logger) (*RabbitMQ, error) {
	conn, err := NewRabbitMQConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := DeclareTopology(ch, exchangeName, queueName); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &RabbitMQ{
		conn:         conn,
		ch:           ch,
		exchangeName: exchangeName,
		logger:       logger,
		queueName:    queueName,
	}, nil
}

// Dispatch publishes eventID as a persistent message.
func (r *RabbitMQ) Dispatch(ctx context.Context, eventID string) error {
	body, err := EncodeMessage(eventID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r.mu.Lock()
	err = r.ch.PublishWithContext(ctx,
		r.exchangeName,
		"",    // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      amqp.Table{"event_id": eventID},
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    eventID,
			Timestamp:    time.Now().UTC(),
		})
	r.mu.Unlock()

	if err != nil {
		metrics.DispatchFailures.WithLabelValues("rabbitmq").Inc()
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	if err := r.ch.Close(); err != nil {
		r.logger.Error("Failed to close channel", zap.Error(err))
	}
	if err := r.conn.Close(); err != nil {
		r.logger.Error("Failed to close connection", zap.Error(err))
	}
	return nil
}
