package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"webhook-pipeline/config"
	"webhook-pipeline/internal/pipeline"
	"webhook-pipeline/internal/queue"
	"webhook-pipeline/internal/server"
	"webhook-pipeline/internal/worker"
	"webhook-pipeline/pkg/logger"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logger.NewLogger(cfg.LogLevel)
	defer logger.Sync()
	zl := logger.Desugar()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := server.OpenStore(cfg, zl)
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := store.Close(closeCtx); err != nil {
			zl.Error("Failed to close storage", zap.Error(err))
		}
	}()

	amqpConn, err := queue.NewRabbitMQConnection(cfg.RabbitMQ.URL)
	if err != nil {
		logger.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer amqpConn.Close()

	ch, err := amqpConn.Channel()
	if err != nil {
		logger.Fatalf("Failed to open channel: %v", err)
	}
	defer ch.Close()

	q, err := queue.DeclareTopology(ch, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.QueueName)
	if err != nil {
		logger.Fatalf("Failed to declare topology: %v", err)
	}

	proc := pipeline.NewProcessor(store, server.ProcessorConfig(cfg), zl)

	w := worker.NewWorker(ch, proc, cfg.Pipeline.Concurrency, cfg.RabbitMQ.Prefetch, zl)
	if err := w.Start(ctx, q.Name); err != nil {
		logger.Fatalf("Failed to start worker: %v", err)
	}

	// The supervisor publishes on its own connection so its dispatches never
	// share a channel with the consumers.
	if cfg.Supervisor.Enabled {
		publisher, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.QueueName, zl)
		if err != nil {
			logger.Fatalf("Failed to create supervisor publisher: %v", err)
		}
		defer publisher.Close()
		publisher.StartMetricsUpdater(ctx)
		go worker.NewSupervisor(store, proc, publisher, server.SupervisorConfig(cfg), zl).Run(ctx)
	}

	zl.Info("Worker started successfully",
		zap.String("queue", q.Name),
		zap.Int("concurrency", cfg.Pipeline.Concurrency),
		zap.Bool("supervisor", cfg.Supervisor.Enabled))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Worker shutting down")
	cancel()
	w.Wait()
}
