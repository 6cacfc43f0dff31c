package router

import (
	"net/http"

	"webhook-pipeline/api/handlers"
	"webhook-pipeline/api/middleware"
	"webhook-pipeline/config"
	"webhook-pipeline/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Webhook   *handlers.WebhookHandler
	Dashboard *handlers.DashboardHandler
	Admin     *handlers.AdminHandler
	// Health contributes extra fields to /health, e.g. registry stats.
	Health func() map[string]interface{}
}

func Setup(logger *logger.Logger, cfg *config.Config, h Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	security := middleware.NewSecurityMiddleware(
		logger.Desugar(),
		cfg.Security.APIKeys,
		cfg.Security.APIKeyHeader,
	)

	router.Use(security.CORS())

	// Health check endpoint (no authentication required)
	router.GET("/health", func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if h.Health != nil {
			for k, v := range h.Health() {
				body[k] = v
			}
		}
		c.JSON(http.StatusOK, body)
	})

	// Metrics endpoint for Prometheus (no authentication required)
	metricsPath := cfg.Monitoring.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	router.GET(metricsPath, gin.WrapH(promhttp.Handler()))

	// Providers authenticate deliveries with the subscription's signing
	// secret, not an API key.
	router.GET("/webhook", h.Webhook.Validate)
	router.POST("/webhook",
		security.ValidatePayload(cfg.Security.MaxBodyBytes),
		security.RateLimit("deliveries", cfg.Security.RequestsPerSecond, cfg.Security.Burst,
			middleware.HeaderKey(cfg.Security.CompanyIDHeader)),
		h.Webhook.HandleWebhook,
	)

	api := router.Group("/api/v1")
	api.Use(security.Authenticate())
	api.Use(security.RateLimit("requests", cfg.Security.RequestsPerSecond, cfg.Security.Burst, middleware.ClientKey))
	{
		api.GET("/events", h.Dashboard.ListEvents)
		api.GET("/events/stats", h.Dashboard.Stats)
		api.GET("/events/:id", h.Dashboard.GetEvent)
		api.POST("/events/:id/reprocess", h.Admin.Reprocess)
		api.GET("/analytics", h.Dashboard.Analytics)
		api.GET("/tags/summary", h.Dashboard.TagSummary)

		api.GET("/subscriptions", h.Admin.ListSubscriptions)
		api.GET("/subscriptions/:company_id", h.Admin.GetSubscription)
		api.PUT("/subscriptions/:company_id", h.Admin.UpsertSubscription)
	}

	logger.Desugar().Info("Router configured with security middleware",
		zap.String("api_key_header", cfg.Security.APIKeyHeader),
		zap.Int("configured_clients", len(cfg.Security.APIKeys)),
	)

	return router
}
