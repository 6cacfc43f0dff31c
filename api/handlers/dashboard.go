package handlers

import (
	"errors"
	"net/http"
	"time"

	"webhook-pipeline/internal/cache"
	"webhook-pipeline/internal/models"
	"webhook-pipeline/internal/storage"
	"webhook-pipeline/pkg/metrics"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DashboardHandler serves the read-only monitoring and analytics views.
type DashboardHandler struct {
	store    storage.Store
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *zap.Logger
}

func NewDashboardHandler(store storage.Store, c cache.Cache, cacheTTL time.Duration, logger *zap.Logger) *DashboardHandler {
	if c == nil {
		c = cache.Nop{}
	}
	return &DashboardHandler{store: store, cache: c, cacheTTL: cacheTTL, logger: logger}
}

func (h *DashboardHandler) ListEvents(c *gin.Context) {
	statuses, err := parseStatuses(c.Query("status"))
	if err != nil {
		badRequest(c, err)
		return
	}
	category, err := parseCategory(c.Query("category"))
	if err != nil {
		badRequest(c, err)
		return
	}
	from, err := parseTimeBound(c.Query("from"), false)
	if err != nil {
		badRequest(c, err)
		return
	}
	to, err := parseTimeBound(c.Query("to"), true)
	if err != nil {
		badRequest(c, err)
		return
	}
	limit, offset, err := parsePage(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	events, err := h.store.ListEvents(c.Request.Context(), storage.EventFilter{
		Statuses:  statuses,
		Category:  category,
		CompanyID: c.Query("company_id"),
		From:      from,
		To:        to,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		h.internalError(c, "list events", err)
		return
	}
	if events == nil {
		events = []*models.WebhookEvent{}
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
		"limit":  limit,
		"offset": offset,
	})
}

func (h *DashboardHandler) GetEvent(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	ev, err := h.store.GetEvent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
		return
	}
	if err != nil {
		h.internalError(c, "get event", err)
		return
	}

	data, err := h.store.GetProcessedData(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.internalError(c, "get processed data", err)
		return
	}

	tags, err := h.store.ListTags(ctx, id)
	if err != nil {
		h.internalError(c, "list tags", err)
		return
	}
	if tags == nil {
		tags = []*models.WebhookEventTag{}
	}

	c.JSON(http.StatusOK, gin.H{
		"event":          ev,
		"processed_data": data,
		"tags":           tags,
	})
}

// Stats is the monitor view: event counts per status.
func (h *DashboardHandler) Stats(c *gin.Context) {
	from, err := parseTimeBound(c.Query("from"), false)
	if err != nil {
		badRequest(c, err)
		return
	}
	to, err := parseTimeBound(c.Query("to"), true)
	if err != nil {
		badRequest(c, err)
		return
	}

	counts, err := h.store.CountEventsByStatus(c.Request.Context(), storage.EventFilter{
		CompanyID: c.Query("company_id"),
		From:      from,
		To:        to,
	})
	if err != nil {
		h.internalError(c, "count events", err)
		return
	}

	out := make(map[models.EventStatus]int64, 4)
	var total int64
	for _, status := range []models.EventStatus{
		models.EventStatusPending, models.EventStatusProcessed, models.EventStatusFailed, models.EventStatusArchived,
	} {
		out[status] = counts[status]
		total += counts[status]
	}
	c.JSON(http.StatusOK, gin.H{"counts": out, "total": total})
}

type analyticsResponse struct {
	Analytics []*models.WebhookAnalytics `json:"analytics"`
	Summary   *models.WebhookAnalytics   `json:"summary"`
}

func (h *DashboardHandler) Analytics(c *gin.Context) {
	ctx := c.Request.Context()
	from, err := parseDateBound(c.Query("from"))
	if err != nil {
		badRequest(c, err)
		return
	}
	to, err := parseDateBound(c.Query("to"))
	if err != nil {
		badRequest(c, err)
		return
	}
	category, err := parseCategory(c.Query("category"))
	if err != nil {
		badRequest(c, err)
		return
	}

	key := cache.Key("analytics", from, to, string(category))
	var resp analyticsResponse
	hit, err := cache.GetJSON(ctx, h.cache, key, &resp)
	if err != nil {
		h.logger.Warn("Dashboard cache read failed", zap.Error(err))
	}
	if hit {
		metrics.DashboardCache.WithLabelValues("hit").Inc()
		c.JSON(http.StatusOK, resp)
		return
	}
	metrics.DashboardCache.WithLabelValues("miss").Inc()

	rows, err := h.store.ListAnalytics(ctx, storage.AnalyticsFilter{From: from, To: to, Category: category})
	if err != nil {
		h.internalError(c, "list analytics", err)
		return
	}
	if rows == nil {
		rows = []*models.WebhookAnalytics{}
	}
	resp = analyticsResponse{Analytics: rows, Summary: summarize(rows, from, to, category)}

	if err := cache.SetJSON(ctx, h.cache, key, resp, h.cacheTTL); err != nil {
		h.logger.Warn("Dashboard cache write failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, resp)
}

// summarize folds rollup rows into one row with recomputed rates.
func summarize(rows []*models.WebhookAnalytics, from, to string, category models.EventCategory) *models.WebhookAnalytics {
	sum := &models.WebhookAnalytics{Date: from, Category: category}
	if to != "" && to != from {
		sum.Date = from + ".." + to
	}
	for _, row := range rows {
		sum.TotalEvents += row.TotalEvents
		sum.ProcessedEvents += row.ProcessedEvents
		sum.FailedEvents += row.FailedEvents
		sum.NewCustomers += row.NewCustomers
		sum.JobsCompleted += row.JobsCompleted
		sum.EstimatesSent += row.EstimatesSent
		sum.InvoicesCreated += row.InvoicesCreated
		sum.TotalRevenue += row.TotalRevenue
		sum.ProcessingMsTotal += row.ProcessingMsTotal
		if row.UpdatedAt.After(sum.UpdatedAt) {
			sum.UpdatedAt = row.UpdatedAt
		}
	}
	sum.Recompute()
	return sum
}

func (h *DashboardHandler) TagSummary(c *gin.Context) {
	from, err := parseDateBound(c.Query("from"))
	if err != nil {
		badRequest(c, err)
		return
	}
	to, err := parseDateBound(c.Query("to"))
	if err != nil {
		badRequest(c, err)
		return
	}
	category, err := parseCategory(c.Query("category"))
	if err != nil {
		badRequest(c, err)
		return
	}

	counts, err := h.store.TagSummary(c.Request.Context(), storage.TagFilter{
		From:          from,
		To:            to,
		CompanyID:     c.Query("company_id"),
		EventCategory: category,
		TagCategory:   models.TagCategory(c.Query("tag_category")),
	})
	if err != nil {
		h.internalError(c, "tag summary", err)
		return
	}
	if counts == nil {
		counts = []models.TagCount{}
	}
	c.JSON(http.StatusOK, gin.H{"tags": counts})
}

func (h *DashboardHandler) internalError(c *gin.Context, op string, err error) {
	h.logger.Error("Dashboard query failed", zap.String("op", op), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
