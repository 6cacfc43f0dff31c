package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"webhook-pipeline/api/handlers"
	"webhook-pipeline/api/router"
	"webhook-pipeline/config"
	"webhook-pipeline/internal/cache"
	"webhook-pipeline/internal/ingest"
	"webhook-pipeline/internal/pipeline"
	"webhook-pipeline/internal/queue"
	"webhook-pipeline/internal/registry"
	"webhook-pipeline/internal/storage"
	"webhook-pipeline/internal/worker"
	"webhook-pipeline/pkg/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// dispatcher is what the server hands accepted events to: RabbitMQ in queue
// mode, the in-process pool in inline mode.
type dispatcher interface {
	Dispatch(ctx context.Context, eventID string) error
	Close() error
}

type Server struct {
	httpServer    *http.Server
	metricsServer *http.Server
	logger        *logger.Logger
	store         storage.Store
	dispatcher    dispatcher
	cache         cache.Cache
	cancel        context.CancelFunc
}

// OpenStore returns the configured Store.
func OpenStore(cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn("Using in-memory storage; data is lost on restart")
		return storage.NewMemory(), nil
	case "", "mongodb":
		return storage.NewMongoDB(cfg.MongoDB.URI, cfg.MongoDB.Database, cfg.MongoDB.Prefix, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// ProcessorConfig maps the pipeline section onto pipeline.Config.
func ProcessorConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		MaxRetries:            cfg.Pipeline.MaxRetries,
		BaseRetryDelay:        cfg.Pipeline.BaseRetryDelay,
		MaxRetryDelay:         cfg.Pipeline.MaxRetryDelay,
		ProcessingTimeout:     cfg.Pipeline.ProcessingTimeout,
		StageTimeout:          cfg.Pipeline.StageTimeout,
		HighValueThreshold:    cfg.Pipeline.HighValueThreshold,
		EmergencyServiceTypes: cfg.Pipeline.EmergencyServiceTypes,
	}
}

func SupervisorConfig(cfg *config.Config) worker.SupervisorConfig {
	return worker.SupervisorConfig{
		Interval:          cfg.Supervisor.Interval,
		BatchSize:         cfg.Supervisor.BatchSize,
		StalePendingAfter: cfg.Supervisor.StalePendingAfter,
	}
}

func NewServer(cfg *config.Config, logger *logger.Logger) (*Server, error) {
	zl := logger.Desugar()
	ctx, cancel := context.WithCancel(context.Background())

	store, err := OpenStore(cfg, zl)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	reg := registry.New(store, cfg.Supervisor.RegistryTTL, zl)
	if err := reg.Seed(ctx, cfg.Security.Subscriptions); err != nil {
		cancel()
		return nil, fmt.Errorf("seed subscriptions: %w", err)
	}
	if err := reg.Load(ctx); err != nil {
		logger.Warnf("failed to preload subscriptions: %v", err)
	}

	proc := pipeline.NewProcessor(store, ProcessorConfig(cfg), zl)

	var d dispatcher
	switch cfg.Pipeline.Mode {
	case "inline":
		d = queue.NewInline(proc, cfg.Pipeline.Concurrency, cfg.Pipeline.ProcessingTimeout, zl)
	default:
		rmq, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.QueueName, zl)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create rabbitmq publisher: %w", err)
		}
		rmq.StartMetricsUpdater(ctx)
		d = rmq
	}

	// Queue mode runs the supervisor in cmd/worker next to the consumers.
	if cfg.Pipeline.Mode == "inline" && cfg.Supervisor.Enabled {
		go worker.NewSupervisor(store, proc, d, SupervisorConfig(cfg), zl).Run(ctx)
	}

	var c cache.Cache = cache.Nop{}
	if cfg.Redis.Addr != "" {
		c = cache.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix, zl)
	}

	svc := ingest.NewService(store, reg, d, zl)
	r := router.Setup(logger, cfg, router.Handlers{
		Webhook: handlers.NewWebhookHandler(zl, svc, handlers.HeaderNames{
			Signature: cfg.Security.SignatureHeader,
			EventID:   cfg.Security.EventIDHeader,
			EventType: cfg.Security.EventTypeHeader,
			CompanyID: cfg.Security.CompanyIDHeader,
		}),
		Dashboard: handlers.NewDashboardHandler(store, c, cfg.Redis.TTL, zl),
		Admin:     handlers.NewAdminHandler(reg, proc, d, zl),
		Health:    reg.Stats,
	})

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
		Handler: promhttp.Handler(),
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		metricsServer: metricsServer,
		logger:        logger,
		store:         store,
		dispatcher:    d,
		cache:         c,
		cancel:        cancel,
	}, nil
}

func (s *Server) Start() error {
	go func() {
		s.logger.Info("Metrics server starting on port " + s.metricsServer.Addr)
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("metrics server error: %v", err)
		}
	}()

	s.logger.Info("Server starting on " + s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, drains in-flight processing and closes
// the backing connections.
func (s *Server) Shutdown() error {
	s.logger.Info("Server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	s.cancel()
	if cerr := s.dispatcher.Close(); cerr != nil {
		s.logger.Desugar().Error("failed to close dispatcher", zap.Error(cerr))
	}
	if cerr := s.cache.Close(); cerr != nil {
		s.logger.Desugar().Error("failed to close cache", zap.Error(cerr))
	}
	if cerr := s.store.Close(ctx); cerr != nil {
		s.logger.Desugar().Error("failed to close storage", zap.Error(cerr))
	}
	_ = s.metricsServer.Shutdown(ctx)
	return err
}
