package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_received_total",
		Help: "The total number of webhook deliveries received",
	}, []string{"company_id", "event_type"})

	IngestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_ingest_outcomes_total",
		Help: "Ingestion results by outcome (accepted, duplicate, rejected, error)",
	}, []string{"outcome", "reason"})

	WebhookProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_processed_total",
		Help: "The total number of processing attempts by resulting status",
	}, []string{"category", "status"})

	WebhookProcessingTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webhook_processing_duration_seconds",
		Help:    "Time taken to process webhook events",
		Buckets: prometheus.DefBuckets,
	}, []string{"category"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webhook_stage_duration_seconds",
		Help:    "Time taken by each pipeline stage",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	WebhookQueueSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "webhook_queue_size",
		Help: "Current size of the webhook processing queue",
	}, []string{"queue"})

	WebhookRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_retries_total",
		Help: "The total number of webhook event re-queues",
	}, []string{"category", "trigger"})

	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_dispatch_failures_total",
		Help: "Events stored but not handed to a worker",
	}, []string{"dispatcher"})

	SupervisorSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_supervisor_actions_total",
		Help: "Events touched by the retry supervisor",
	}, []string{"action"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_rate_limit_exceeded_total",
		Help: "The total number of times rate limits were exceeded",
	}, []string{"client_id", "limit_type"})

	DashboardCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_dashboard_cache_total",
		Help: "Dashboard rollup cache lookups",
	}, []string{"result"})
)
