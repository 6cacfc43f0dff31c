package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"webhook-pipeline/internal/models"
	"webhook-pipeline/internal/pipeline"
	"webhook-pipeline/internal/registry"
	"webhook-pipeline/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, eventID string) error {
	return m.Called(ctx, eventID).Error(0)
}

func newAdminEngine(t *testing.T) (*gin.Engine, *storage.Memory, *MockDispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := storage.NewMemory()
	reg := registry.New(store, time.Minute, zap.NewNop())
	proc := pipeline.NewProcessor(store, pipeline.Config{}, zap.NewNop())
	dispatcher := new(MockDispatcher)
	h := NewAdminHandler(reg, proc, dispatcher, zap.NewNop())

	r := gin.New()
	r.PUT("/subscriptions/:company_id", h.UpsertSubscription)
	r.GET("/subscriptions", h.ListSubscriptions)
	r.GET("/subscriptions/:company_id", h.GetSubscription)
	r.POST("/events/:id/reprocess", h.Reprocess)
	return r, store, dispatcher
}

func send(r http.Handler, method, url, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, url, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestSubscriptionManagement(t *testing.T) {
	r, store, _ := newAdminEngine(t)

	w := send(r, http.MethodPut, "/subscriptions/acme", `{"webhook_url":"https://hooks.example.com/acme","event_types":["job.completed"],"secret":"s3cret"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"company_id":"acme"`)
	assert.NotContains(t, w.Body.String(), "s3cret", "secret is never echoed")

	stored, err := store.GetSubscription(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", stored.Secret)

	w = send(r, http.MethodPut, "/subscriptions/acme", `{"active":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"active":false`)

	w = send(r, http.MethodPut, "/subscriptions/globex", `{"webhook_url":"https://hooks.example.com/globex"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "new subscription without secret")

	w = send(r, http.MethodPut, "/subscriptions/globex", `{"webhook_url":"ftp//nope","secret":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(r, http.MethodPut, "/subscriptions/globex", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(r, http.MethodGet, "/subscriptions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"company_id":"acme"`)

	assert.Equal(t, http.StatusOK, send(r, http.MethodGet, "/subscriptions/acme", "").Code)
	assert.Equal(t, http.StatusNotFound, send(r, http.MethodGet, "/subscriptions/nobody", "").Code)
}

func TestReprocessHandler(t *testing.T) {
	ctx := context.Background()
	r, store, dispatcher := newAdminEngine(t)

	for _, ev := range []*models.WebhookEvent{
		{ID: "archived", Status: models.EventStatusArchived, RetryCount: 5, ReceivedAt: day},
		{ID: "processed", Status: models.EventStatusProcessed, ReceivedAt: day},
	} {
		require.NoError(t, store.InsertEvent(ctx, ev))
	}
	dispatcher.On("Dispatch", mock.Anything, "archived").Return(nil).Once()

	w := send(r, http.MethodPost, "/events/archived/reprocess", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"pending"`)

	ev, err := store.GetEvent(ctx, "archived")
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusPending, ev.Status)
	assert.Equal(t, 5, ev.RetryCount)
	dispatcher.AssertExpectations(t)

	assert.Equal(t, http.StatusConflict, send(r, http.MethodPost, "/events/processed/reprocess", "").Code)
	assert.Equal(t, http.StatusNotFound, send(r, http.MethodPost, "/events/missing/reprocess", "").Code)
}
