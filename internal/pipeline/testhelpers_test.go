package pipeline

import (
	"context"
	"testing"
	"time"

	"webhook-pipeline/internal/models"
	"webhook-pipeline/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testReceivedAt = time.Date(2025, 3, 14, 15, 4, 5, 0, time.UTC)

func newTestEvent(t *testing.T, store storage.Store, eventType, payload string) *models.WebhookEvent {
	t.Helper()
	ev := &models.WebhookEvent{
		ID:              uuid.NewString(),
		ProviderEventID: "evt_" + uuid.NewString(),
		EventType:       eventType,
		CompanyID:       "company-1",
		Payload:         models.RawPayload(payload),
		Status:          models.EventStatusPending,
		ReceivedAt:      testReceivedAt,
		CreatedAt:       testReceivedAt,
		UpdatedAt:       testReceivedAt,
	}
	require.NoError(t, store.InsertEvent(context.Background(), ev))
	return ev
}

func newTestProcessor(store storage.Store) *Processor {
	p := NewProcessor(store, Config{
		MaxRetries:     5,
		BaseRetryDelay: time.Second,
		MaxRetryDelay:  time.Minute,
		StageTimeout:   2 * time.Second,
	}, zap.NewNop())
	p.policy.jitter = func() float64 { return 1 }
	return p
}

func bucket(t *testing.T, store storage.Store, category models.EventCategory) *models.WebhookAnalytics {
	t.Helper()
	date := models.BucketDate(testReceivedAt)
	rows, err := store.ListAnalytics(context.Background(), storage.AnalyticsFilter{From: date, To: date, Category: category})
	require.NoError(t, err)
	if len(rows) == 0 {
		return nil
	}
	require.Len(t, rows, 1)
	return rows[0]
}
