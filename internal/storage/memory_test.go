package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"webhook-pipeline/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent(id, providerID string, received time.Time) *models.WebhookEvent {
	return &models.WebhookEvent{
		ID:              id,
		ProviderEventID: providerID,
		EventType:       "job.completed",
		CompanyID:       "acme",
		Payload:         models.RawPayload(`{"id":"` + providerID + `"}`),
		Status:          models.EventStatusPending,
		ReceivedAt:      received,
		CreatedAt:       received,
		UpdatedAt:       received,
	}
}

func TestMemoryInsertEventDeduplicates(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	now := time.Now().UTC()

	require.NoError(t, store.InsertEvent(ctx, newEvent("e1", "evt_1", now)))
	err := store.InsertEvent(ctx, newEvent("e2", "evt_1", now))
	assert.ErrorIs(t, err, ErrDuplicate)

	// Events without a provider id are never deduplicated.
	require.NoError(t, store.InsertEvent(ctx, newEvent("e3", "", now)))
	require.NoError(t, store.InsertEvent(ctx, newEvent("e4", "", now)))

	events, err := store.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestMemoryTransitionEventCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	now := time.Now().UTC()
	require.NoError(t, store.InsertEvent(ctx, newEvent("e1", "evt_1", now)))

	msg := "boom"
	next := now.Add(time.Minute)
	ev, err := store.TransitionEvent(ctx, "e1", Transition{
		From:           models.EventStatusPending,
		To:             models.EventStatusFailed,
		RetryCount:     IntPtr(0),
		At:             now,
		IncrementRetry: true,
		LastError:      &msg,
		NextAttemptAt:  &next,
	})
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, ev.Status)
	assert.Equal(t, 1, ev.RetryCount)
	assert.Equal(t, "boom", ev.LastError)
	require.NotNil(t, ev.NextAttemptAt)

	// Second swap from the stale state loses.
	_, err = store.TransitionEvent(ctx, "e1", Transition{
		From: models.EventStatusPending,
		To:   models.EventStatusProcessed,
		At:   now,
	})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = store.TransitionEvent(ctx, "missing", Transition{From: models.EventStatusPending, To: models.EventStatusFailed})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAnalyticsConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	now := time.Now().UTC()

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.ApplyAnalytics(ctx, models.AnalyticsDelta{
				Date:      "2024-03-01",
				Category:  models.CategoryJob,
				Total:     1,
				Processed: 1,
				Revenue:   10,
			}, now)
		}()
	}
	wg.Wait()

	rows, err := store.ListAnalytics(ctx, AnalyticsFilter{From: "2024-03-01", To: "2024-03-01"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(workers), rows[0].TotalEvents)
	assert.Equal(t, int64(workers), rows[0].ProcessedEvents)
	assert.InDelta(t, 500, rows[0].TotalRevenue, 0.001)
	assert.InDelta(t, 1.0, rows[0].SuccessRate, 0.0001)
}

func TestMemoryTagUpsertIsUniquePerEventAndName(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	tag := &models.WebhookEventTag{ID: "t1", EventID: "e1", Name: "high-value", Category: models.TagCategoryPriority, EventDate: "2024-03-01"}
	require.NoError(t, store.UpsertTag(ctx, tag))
	again := *tag
	again.ID = "t2"
	require.NoError(t, store.UpsertTag(ctx, &again))

	tags, err := store.ListTags(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "t1", tags[0].ID)

	summary, err := store.TagSummary(ctx, TagFilter{From: "2024-03-01", To: "2024-03-31"})
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, int64(1), summary[0].Count)
}

func TestMemoryProcessedDataInsertOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	data := &models.WebhookProcessedData{ID: "p1", EventID: "e1", CompanyID: "acme", CustomerKey: "cus_1"}
	created, err := store.InsertProcessedData(ctx, data)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.InsertProcessedData(ctx, &models.WebhookProcessedData{ID: "p2", EventID: "e1"})
	require.NoError(t, err)
	assert.False(t, created)

	got, err := store.GetProcessedData(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)

	n, err := store.CountCustomerRecords(ctx, "acme", "cus_1", "e2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = store.CountCustomerRecords(ctx, "acme", "cus_1", "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMemoryListEventsFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"e1", "e2", "e3"} {
		ev := newEvent(id, "evt_"+id, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, store.InsertEvent(ctx, ev))
	}
	msg := "x"
	due := base
	_, err := store.TransitionEvent(ctx, "e2", Transition{
		From: models.EventStatusPending, To: models.EventStatusFailed, At: base,
		IncrementRetry: true, LastError: &msg, NextAttemptAt: &due,
	})
	require.NoError(t, err)

	failed, err := store.ListEvents(ctx, EventFilter{
		Statuses:     []models.EventStatus{models.EventStatusFailed},
		DueBefore:    base.Add(time.Minute),
		RetriesBelow: 5,
	})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "e2", failed[0].ID)

	window, err := store.ListEvents(ctx, EventFilter{From: base.Add(time.Hour), Limit: 10})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "e3", window[0].ID, "newest first")

	counts, err := store.CountEventsByStatus(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.EventStatusPending])
	assert.Equal(t, int64(1), counts[models.EventStatusFailed])
}

func TestMemorySubscriptionUpsertKeepsHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertSubscription(ctx, &models.WebhookSubscription{
		CompanyID: "acme", Secret: "s1", Active: true, CreatedAt: created, UpdatedAt: created,
	}))
	received := created.Add(time.Hour)
	require.NoError(t, store.TouchSubscription(ctx, "acme", received))
	require.NoError(t, store.UpsertSubscription(ctx, &models.WebhookSubscription{
		CompanyID: "acme", Secret: "s2", Active: false, CreatedAt: received, UpdatedAt: received,
	}))

	sub, err := store.GetSubscription(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "s2", sub.Secret)
	assert.False(t, sub.Active)
	assert.Equal(t, created, sub.CreatedAt)
	require.NotNil(t, sub.LastReceivedAt)
	assert.Equal(t, received, *sub.LastReceivedAt)

	_, err = store.GetSubscription(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.TouchSubscription(ctx, "unknown", received), ErrNotFound)
}
