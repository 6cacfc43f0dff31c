package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"webhook-pipeline/internal/models"
	"webhook-pipeline/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func (c *countingCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *countingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.sets++
	return nil
}

func (c *countingCache) Close() error { return nil }

var day = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func seedDashboard(t *testing.T) *storage.Memory {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()

	events := []*models.WebhookEvent{
		{ID: "ev-1", ProviderEventID: "p1", EventType: "job.completed", Category: models.CategoryJob, CompanyID: "acme", Status: models.EventStatusProcessed, ReceivedAt: day},
		{ID: "ev-2", ProviderEventID: "p2", EventType: "invoice.created", Category: models.CategoryInvoice, CompanyID: "acme", Status: models.EventStatusFailed, RetryCount: 1, ReceivedAt: day.Add(time.Hour)},
		{ID: "ev-3", ProviderEventID: "p3", EventType: "job.created", Category: models.CategoryJob, CompanyID: "globex", Status: models.EventStatusPending, ReceivedAt: day.Add(-48 * time.Hour)},
	}
	for _, ev := range events {
		ev.Payload = models.RawPayload(`{"ok":true}`)
		require.NoError(t, store.InsertEvent(ctx, ev))
	}

	amount := 750.0
	_, err := store.InsertProcessedData(ctx, &models.WebhookProcessedData{ID: "pd-1", EventID: "ev-1", CompanyID: "acme", DataCategory: models.CategoryJob, Amount: &amount, IsHighValue: true})
	require.NoError(t, err)
	require.NoError(t, store.UpsertTag(ctx, &models.WebhookEventTag{ID: "t1", EventID: "ev-1", CompanyID: "acme", Name: "high-value", Value: "750.00", Category: models.TagCategoryPriority, EventCategory: models.CategoryJob, EventDate: "2025-03-14"}))

	require.NoError(t, store.ApplyAnalytics(ctx, models.AnalyticsDelta{Date: "2025-03-14", Category: models.CategoryJob, Total: 1, Processed: 1, JobsCompleted: 1, Revenue: 750, ProcessingMs: 40}, day))
	require.NoError(t, store.ApplyAnalytics(ctx, models.AnalyticsDelta{Date: "2025-03-14", Category: models.CategoryInvoice, Total: 1, Failed: 1}, day))
	require.NoError(t, store.ApplyAnalytics(ctx, models.AnalyticsDelta{Date: "2025-03-12", Category: models.CategoryJob, Total: 1, Processed: 1, Revenue: 100, ProcessingMs: 20}, day))
	return store
}

func newDashboardEngine(h *DashboardHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/events", h.ListEvents)
	r.GET("/events/stats", h.Stats)
	r.GET("/events/:id", h.GetEvent)
	r.GET("/analytics", h.Analytics)
	r.GET("/tags/summary", h.TagSummary)
	return r
}

func get(t *testing.T, r http.Handler, url string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
	return w
}

func TestListEvents(t *testing.T) {
	r := newDashboardEngine(NewDashboardHandler(seedDashboard(t), nil, time.Minute, zap.NewNop()))

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantIDs    []string
	}{
		{"all newest first", "/events", http.StatusOK, []string{"ev-2", "ev-1", "ev-3"}},
		{"by status", "/events?status=failed,pending", http.StatusOK, []string{"ev-2", "ev-3"}},
		{"by category", "/events?category=job", http.StatusOK, []string{"ev-1", "ev-3"}},
		{"by company", "/events?company_id=globex", http.StatusOK, []string{"ev-3"}},
		{"by day", "/events?from=2025-03-14&to=2025-03-14", http.StatusOK, []string{"ev-2", "ev-1"}},
		{"paged", "/events?limit=1&offset=1", http.StatusOK, []string{"ev-1"}},
		{"bad status", "/events?status=retrying", http.StatusBadRequest, nil},
		{"bad category", "/events?category=widgets", http.StatusBadRequest, nil},
		{"bad date", "/events?from=yesterday", http.StatusBadRequest, nil},
		{"bad limit", "/events?limit=-1", http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, r, tt.url)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp struct {
				Events []models.WebhookEvent `json:"events"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			ids := make([]string, 0, len(resp.Events))
			for _, ev := range resp.Events {
				ids = append(ids, ev.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestGetEvent(t *testing.T) {
	r := newDashboardEngine(NewDashboardHandler(seedDashboard(t), nil, time.Minute, zap.NewNop()))

	w := get(t, r, "/events/ev-1")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Event         models.WebhookEvent          `json:"event"`
		ProcessedData *models.WebhookProcessedData `json:"processed_data"`
		Tags          []models.WebhookEventTag     `json:"tags"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ev-1", resp.Event.ID)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Event.Payload))
	require.NotNil(t, resp.ProcessedData)
	assert.True(t, resp.ProcessedData.IsHighValue)
	require.Len(t, resp.Tags, 1)
	assert.Equal(t, "high-value", resp.Tags[0].Name)

	w = get(t, r, "/events/ev-3")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"processed_data":null`)
	assert.Contains(t, w.Body.String(), `"tags":[]`)

	assert.Equal(t, http.StatusNotFound, get(t, r, "/events/missing").Code)
}

func TestStats(t *testing.T) {
	r := newDashboardEngine(NewDashboardHandler(seedDashboard(t), nil, time.Minute, zap.NewNop()))

	w := get(t, r, "/events/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"counts":{"pending":1,"processed":1,"failed":1,"archived":0},"total":3}`, w.Body.String())

	w = get(t, r, "/events/stats?from=2025-03-14")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"counts":{"pending":0,"processed":1,"failed":1,"archived":0},"total":2}`, w.Body.String())
}

func TestAnalyticsUsesCache(t *testing.T) {
	c := &countingCache{data: map[string][]byte{}}
	r := newDashboardEngine(NewDashboardHandler(seedDashboard(t), c, time.Minute, zap.NewNop()))

	w := get(t, r, "/analytics?from=2025-03-14&to=2025-03-14")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Analytics []models.WebhookAnalytics `json:"analytics"`
		Summary   models.WebhookAnalytics   `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Analytics, 2)
	assert.Equal(t, int64(2), resp.Summary.TotalEvents)
	assert.Equal(t, int64(1), resp.Summary.ProcessedEvents)
	assert.Equal(t, int64(1), resp.Summary.FailedEvents)
	assert.InDelta(t, 0.5, resp.Summary.SuccessRate, 0.0001)
	assert.InDelta(t, 40.0, resp.Summary.AvgProcessingMs, 0.0001)
	assert.InDelta(t, 750.0, resp.Summary.TotalRevenue, 0.001)
	assert.Equal(t, 1, c.sets)

	again := get(t, r, "/analytics?from=2025-03-14&to=2025-03-14")
	require.Equal(t, http.StatusOK, again.Code)
	assert.JSONEq(t, w.Body.String(), again.Body.String())
	assert.Equal(t, 1, c.sets, "second read is served from cache")

	w = get(t, r, "/analytics?category=job")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Analytics, 2)
	assert.InDelta(t, 850.0, resp.Summary.TotalRevenue, 0.001)

	assert.Equal(t, http.StatusBadRequest, get(t, r, "/analytics?from=03/14/2025").Code)
}

func TestTagSummary(t *testing.T) {
	r := newDashboardEngine(NewDashboardHandler(seedDashboard(t), nil, time.Minute, zap.NewNop()))

	w := get(t, r, "/tags/summary?from=2025-03-14&tag_category=priority")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Tags []models.TagCount `json:"tags"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Tags, 1)
	assert.Equal(t, "high-value", resp.Tags[0].Name)
	assert.Equal(t, int64(1), resp.Tags[0].Count)

	w = get(t, r, "/tags/summary?category=invoice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"tags":[]}`, w.Body.String())
}
