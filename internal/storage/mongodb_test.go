package storage

import (
	"context"
	"testing"
	"time"

	"webhook-pipeline/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
	"go.uber.org/zap"
)

func newMockMongo(mt *mtest.T) *MongoDB {
	return &MongoDB{
		client:        mt.Client,
		events:        mt.Coll,
		processed:     mt.Coll,
		tags:          mt.Coll,
		analytics:     mt.Coll,
		subscriptions: mt.Coll,
		logger:        zap.NewNop(),
	}
}

func ns(mt *mtest.T) string {
	return mt.Coll.Database().Name() + "." + mt.Coll.Name()
}

func countResponse(mt *mtest.T, n int32) bson.D {
	if n == 0 {
		return mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch)
	}
	return mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch, bson.D{{Key: "n", Value: n}})
}

func TestMongoTransitionEvent(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	at := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	processing := Transition{
		From:       models.EventStatusPending,
		To:         models.EventStatusProcessed,
		RetryCount: IntPtr(0),
		At:         at,
	}

	mt.Run("swapped", func(mt *mtest.T) {
		store := newMockMongo(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{
			{Key: "_id", Value: "ev-1"},
			{Key: "status", Value: "processed"},
			{Key: "retry_count", Value: int32(0)},
		}}))

		ev, err := store.TransitionEvent(context.Background(), "ev-1", processing)
		require.NoError(mt, err)
		assert.Equal(mt, "ev-1", ev.ID)
		assert.Equal(mt, models.EventStatusProcessed, ev.Status)

		cmd := mt.GetStartedEvent().Command
		assert.Equal(mt, "ev-1", cmd.Lookup("query", "_id").StringValue())
		assert.Equal(mt, "pending", cmd.Lookup("query", "status").StringValue())
		assert.Equal(mt, "processed", cmd.Lookup("update", "$set", "status").StringValue())
		assert.True(mt, cmd.Lookup("new").Boolean())
	})

	mt.Run("lost the swap", func(mt *mtest.T) {
		store := newMockMongo(mt)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}),
			countResponse(mt, 1),
		)

		_, err := store.TransitionEvent(context.Background(), "ev-1", processing)
		assert.ErrorIs(mt, err, ErrConflict)
	})

	mt.Run("unknown event", func(mt *mtest.T) {
		store := newMockMongo(mt)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}),
			countResponse(mt, 0),
		)

		_, err := store.TransitionEvent(context.Background(), "ev-missing", processing)
		assert.ErrorIs(mt, err, ErrNotFound)
	})

	mt.Run("analytics follow the swap", func(mt *mtest.T) {
		store := newMockMongo(mt)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{
				{Key: "_id", Value: "ev-1"},
				{Key: "status", Value: "processed"},
			}}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: int32(1)}, bson.E{Key: "nModified", Value: int32(1)}),
		)

		withDelta := processing
		withDelta.Analytics = &models.AnalyticsDelta{Date: "2025-03-14", Category: models.CategoryJob, Processed: 1}
		_, err := store.TransitionEvent(context.Background(), "ev-1", withDelta)
		require.NoError(mt, err)

		events := mt.GetAllStartedEvents()
		require.Len(mt, events, 2)
		assert.Equal(mt, "findAndModify", events[0].CommandName)
		assert.Equal(mt, "update", events[1].CommandName)
	})

	mt.Run("conflict never touches analytics", func(mt *mtest.T) {
		store := newMockMongo(mt)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}),
			countResponse(mt, 1),
		)

		withDelta := processing
		withDelta.Analytics = &models.AnalyticsDelta{Date: "2025-03-14", Category: models.CategoryJob, Processed: 1}
		_, err := store.TransitionEvent(context.Background(), "ev-1", withDelta)
		assert.ErrorIs(mt, err, ErrConflict)

		for _, ev := range mt.GetAllStartedEvents() {
			assert.NotEqual(mt, "update", ev.CommandName)
		}
	})
}

func TestMongoApplyAnalytics(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("pipeline upsert", func(mt *mtest.T) {
		store := newMockMongo(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: int32(1)}))

		delta := models.AnalyticsDelta{Date: "2025-03-14", Category: models.CategoryInvoice, Total: 1, Revenue: 120}
		require.NoError(mt, store.ApplyAnalytics(context.Background(), delta, time.Now()))

		cmd := mt.GetStartedEvent().Command
		assert.Equal(mt, models.AnalyticsKey("2025-03-14", models.CategoryInvoice), cmd.Lookup("updates", "0", "q", "_id").StringValue())
		assert.True(mt, cmd.Lookup("updates", "0", "upsert").Boolean())

		stages, err := cmd.Lookup("updates", "0", "u").Array().Values()
		require.NoError(mt, err)
		assert.Len(mt, stages, 2, "counters first, then the derived ratios")
	})
}

func TestMongoInsertAndGetEvent(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	defer mt.Close()

	mt.Run("duplicate provider id", func(mt *mtest.T) {
		store := newMockMongo(mt)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "E11000 duplicate key error",
		}))

		err := store.InsertEvent(context.Background(), &models.WebhookEvent{ID: "ev-2", ProviderEventID: "evt_1"})
		assert.ErrorIs(mt, err, ErrDuplicate)
	})

	mt.Run("missing event", func(mt *mtest.T) {
		store := newMockMongo(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch))

		_, err := store.GetEvent(context.Background(), "nope")
		assert.ErrorIs(mt, err, ErrNotFound)
	})
}

func TestEventFilterBSON(t *testing.T) {
	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	assert.Empty(t, eventFilterBSON(EventFilter{}))

	single := eventFilterBSON(EventFilter{Statuses: []models.EventStatus{models.EventStatusFailed}})
	assert.Equal(t, models.EventStatusFailed, single["status"])

	f := eventFilterBSON(EventFilter{
		Statuses:     []models.EventStatus{models.EventStatusPending, models.EventStatusFailed},
		Category:     models.CategoryJob,
		CompanyID:    "acme",
		From:         from,
		To:           to,
		DueBefore:    to,
		MinRetries:   1,
		RetriesBelow: 5,
	})
	assert.Equal(t, bson.M{"$in": []models.EventStatus{models.EventStatusPending, models.EventStatusFailed}}, f["status"])
	assert.Equal(t, models.CategoryJob, f["category"])
	assert.Equal(t, "acme", f["company_id"])
	assert.Equal(t, bson.M{"$gte": from, "$lt": to}, f["received_at"])
	assert.Equal(t, bson.M{"$lte": to}, f["next_attempt_at"])
	assert.Equal(t, bson.M{"$gte": 1, "$lt": 5}, f["retry_count"])
	assert.NotContains(t, f, "updated_at")
}

func TestDateRangeBSON(t *testing.T) {
	assert.Nil(t, dateRangeBSON("", ""))
	assert.Equal(t, bson.M{"$gte": "2025-03-01"}, dateRangeBSON("2025-03-01", ""))
	assert.Equal(t, bson.M{"$gte": "2025-03-01", "$lte": "2025-03-31"}, dateRangeBSON("2025-03-01", "2025-03-31"))
}

func TestTransitionBSON(t *testing.T) {
	at := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	next := at.Add(time.Minute)
	msg := "extract: payload is not an object"

	filter, update := transitionBSON("ev-1", Transition{
		From:           models.EventStatusPending,
		To:             models.EventStatusFailed,
		RetryCount:     IntPtr(2),
		At:             at,
		IncrementRetry: true,
		LastError:      &msg,
		NextAttemptAt:  &next,
	})
	assert.Equal(t, bson.M{"_id": "ev-1", "status": models.EventStatusPending, "retry_count": 2}, filter)
	assert.Equal(t, bson.M{"retry_count": 1}, update["$inc"])
	set := update["$set"].(bson.M)
	assert.Equal(t, models.EventStatusFailed, set["status"])
	assert.Equal(t, msg, set["last_error"])
	assert.Equal(t, next, set["next_attempt_at"])
	assert.NotContains(t, update, "$unset")

	_, update = transitionBSON("ev-1", Transition{
		From:             models.EventStatusFailed,
		To:               models.EventStatusPending,
		At:               at,
		ClearNextAttempt: true,
	})
	assert.Equal(t, bson.M{"next_attempt_at": ""}, update["$unset"])
	assert.NotContains(t, update, "$inc")
}

func TestSupportsTransactions(t *testing.T) {
	tests := []struct {
		name  string
		hello bson.M
		want  bool
	}{
		{"standalone", bson.M{"isWritablePrimary": true}, false},
		{"replica set member", bson.M{"isWritablePrimary": true, "setName": "rs0"}, true},
		{"mongos", bson.M{"msg": "isdbgrid"}, true},
		{"empty reply", bson.M{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, supportsTransactions(tt.hello))
		})
	}
}
