package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"webhook-pipeline/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var _ Store = (*MongoDB)(nil)

type MongoDB struct {
	client        *mongo.Client
	events        *mongo.Collection
	processed     *mongo.Collection
	tags          *mongo.Collection
	analytics     *mongo.Collection
	subscriptions *mongo.Collection
	logger        *zap.Logger
	// transactions is set when the deployment is a replica set or sharded
	// cluster; status swaps then commit together with their analytics.
	transactions bool
}

// NewMongoDB connects and ensures indexes. Collections share the given
// prefix, e.g. "webhook" -> webhook_events, webhook_tags, ...
func NewMongoDB(uri, database, prefix string, logger *zap.Logger) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// MongoDB Atlas specific client options
	clientOptions := options.Client().ApplyURI(uri).
		SetMaxPoolSize(100).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetSocketTimeout(30 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, err
	}

	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	if prefix == "" {
		prefix = "webhook"
	}
	db := client.Database(database)
	m := &MongoDB{
		client:        client,
		events:        db.Collection(prefix + "_events"),
		processed:     db.Collection(prefix + "_processed_data"),
		tags:          db.Collection(prefix + "_event_tags"),
		analytics:     db.Collection(prefix + "_analytics"),
		subscriptions: db.Collection(prefix + "_subscriptions"),
		logger:        logger,
	}

	if err := m.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	m.transactions = detectTransactions(ctx, client)

	logger.Info("Successfully connected to MongoDB",
		zap.String("database", database),
		zap.String("collection_prefix", prefix),
		zap.Bool("transactions", m.transactions),
	)
	return m, nil
}

func (m *MongoDB) ensureIndexes(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		m.events: {
			{
				// Idempotency boundary; legacy events without an id are not indexed.
				Keys: bson.D{{Key: "provider_event_id", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"provider_event_id": bson.M{"$type": "string"}}),
			},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}}},
			{Keys: bson.D{{Key: "category", Value: 1}, {Key: "received_at", Value: -1}}},
			{Keys: bson.D{{Key: "company_id", Value: 1}, {Key: "received_at", Value: -1}}},
			{Keys: bson.D{{Key: "received_at", Value: -1}}},
		},
		m.processed: {
			{Keys: bson.D{{Key: "event_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "company_id", Value: 1}, {Key: "customer_key", Value: 1}}},
			{Keys: bson.D{{Key: "job_number", Value: 1}}},
			{Keys: bson.D{{Key: "invoice_number", Value: 1}}},
			{Keys: bson.D{{Key: "estimate_number", Value: 1}}},
		},
		m.tags: {
			{Keys: bson.D{{Key: "event_id", Value: 1}, {Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "event_date", Value: 1}, {Key: "event_category", Value: 1}}},
		},
		m.analytics: {
			{Keys: bson.D{{Key: "date", Value: 1}, {Key: "category", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}

	for coll, idx := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func (m *MongoDB) InsertEvent(ctx context.Context, event *models.WebhookEvent) error {
	if event.Status == "" {
		event.Status = models.EventStatusPending
	}

	_, err := m.events.InsertOne(ctx, event)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	if err != nil {
		m.logger.Error("Failed to insert event",
			zap.Error(err),
			zap.String("company_id", event.CompanyID),
			zap.String("provider_event_id", event.ProviderEventID))
		return err
	}
	return nil
}

func (m *MongoDB) GetEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	err := m.events.FindOne(ctx, bson.M{"_id": id}).Decode(&ev)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (m *MongoDB) ListEvents(ctx context.Context, filter EventFilter) ([]*models.WebhookEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "received_at", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := m.events.Find(ctx, eventFilterBSON(filter), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var events []*models.WebhookEvent
	if err = cursor.All(ctx, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (m *MongoDB) CountEventsByStatus(ctx context.Context, filter EventFilter) (map[models.EventStatus]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: eventFilterBSON(filter)}},
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	}
	cursor, err := m.events.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Status models.EventStatus `bson:"_id"`
		Count  int64              `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	counts := make(map[models.EventStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (m *MongoDB) SetClassification(ctx context.Context, id string, category models.EventCategory, entityID string) error {
	res, err := m.events.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"category":   category,
			"entity_id":  entityID,
			"updated_at": time.Now().UTC(),
		},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionEvent swaps the status and applies the analytics delta. On a
// replica set both writes share a transaction; on a standalone server a
// failed analytics write leaves the swap in place and the bucket misses the
// event rather than counting it twice on a retry.
func (m *MongoDB) TransitionEvent(ctx context.Context, id string, t Transition) (*models.WebhookEvent, error) {
	if t.Analytics == nil {
		return m.swapStatus(ctx, id, t)
	}
	if m.transactions {
		return m.transitionInTransaction(ctx, id, t)
	}

	ev, err := m.swapStatus(ctx, id, t)
	if err != nil {
		return nil, err
	}
	if err := m.ApplyAnalytics(ctx, *t.Analytics, t.At); err != nil {
		m.logger.Error("Failed to apply analytics after status change",
			zap.Error(err),
			zap.String("event_id", id),
			zap.String("status", string(t.To)))
		return ev, fmt.Errorf("apply analytics: %w", err)
	}
	return ev, nil
}

func (m *MongoDB) transitionInTransaction(ctx context.Context, id string, t Transition) (*models.WebhookEvent, error) {
	sess, err := m.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	res, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		ev, err := m.swapStatus(sc, id, t)
		if err != nil {
			return nil, err
		}
		if err := m.ApplyAnalytics(sc, *t.Analytics, t.At); err != nil {
			return nil, fmt.Errorf("apply analytics: %w", err)
		}
		return ev, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*models.WebhookEvent), nil
}

// swapStatus is the compare-and-swap on (status, retry_count). A miss is
// ErrNotFound when the event does not exist and ErrConflict otherwise.
func (m *MongoDB) swapStatus(ctx context.Context, id string, t Transition) (*models.WebhookEvent, error) {
	filter, update := transitionBSON(id, t)

	var ev models.WebhookEvent
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := m.events.FindOneAndUpdate(ctx, filter, update, opts).Decode(&ev)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, countErr := m.events.CountDocuments(ctx, bson.M{"_id": id})
		if countErr != nil {
			return nil, countErr
		}
		if n == 0 {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func transitionBSON(id string, t Transition) (filter, update bson.M) {
	filter = bson.M{"_id": id, "status": t.From}
	if t.RetryCount != nil {
		filter["retry_count"] = *t.RetryCount
	}

	set := bson.M{"status": t.To, "updated_at": t.At}
	update = bson.M{"$set": set}
	if t.IncrementRetry {
		update["$inc"] = bson.M{"retry_count": 1}
	}
	if t.LastError != nil {
		set["last_error"] = *t.LastError
	}
	if t.NextAttemptAt != nil {
		set["next_attempt_at"] = *t.NextAttemptAt
	} else if t.ClearNextAttempt {
		update["$unset"] = bson.M{"next_attempt_at": ""}
	}
	if t.ProcessedAt != nil {
		set["processed_at"] = *t.ProcessedAt
	}
	return filter, update
}

func (m *MongoDB) InsertProcessedData(ctx context.Context, data *models.WebhookProcessedData) (bool, error) {
	_, err := m.processed.InsertOne(ctx, data)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *MongoDB) GetProcessedData(ctx context.Context, eventID string) (*models.WebhookProcessedData, error) {
	var data models.WebhookProcessedData
	err := m.processed.FindOne(ctx, bson.M{"event_id": eventID}).Decode(&data)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &data, nil
}

func (m *MongoDB) CountCustomerRecords(ctx context.Context, companyID, customerKey, excludeEventID string) (int64, error) {
	return m.processed.CountDocuments(ctx, bson.M{
		"company_id":   companyID,
		"customer_key": customerKey,
		"event_id":     bson.M{"$ne": excludeEventID},
	})
}

func (m *MongoDB) UpsertTag(ctx context.Context, tag *models.WebhookEventTag) error {
	filter := bson.M{"event_id": tag.EventID, "name": tag.Name}
	update := bson.M{
		"$set": bson.M{
			"value":    tag.Value,
			"category": tag.Category,
		},
		"$setOnInsert": bson.M{
			"_id":            tag.ID,
			"company_id":     tag.CompanyID,
			"event_category": tag.EventCategory,
			"event_date":     tag.EventDate,
			"created_at":     tag.CreatedAt,
		},
	}
	_, err := m.tags.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	// A concurrent upsert of the same (event, name) pair won the insert.
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (m *MongoDB) ListTags(ctx context.Context, eventID string) ([]*models.WebhookEventTag, error) {
	cursor, err := m.tags.Find(ctx, bson.M{"event_id": eventID}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var tags []*models.WebhookEventTag
	if err := cursor.All(ctx, &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

func (m *MongoDB) TagSummary(ctx context.Context, filter TagFilter) ([]models.TagCount, error) {
	match := bson.M{}
	if filter.CompanyID != "" {
		match["company_id"] = filter.CompanyID
	}
	if filter.EventCategory != "" {
		match["event_category"] = filter.EventCategory
	}
	if filter.TagCategory != "" {
		match["category"] = filter.TagCategory
	}
	if dates := dateRangeBSON(filter.From, filter.To); dates != nil {
		match["event_date"] = dates
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{
			"_id":   bson.M{"name": "$name", "value": "$value", "category": "$category"},
			"count": bson.M{"$sum": 1},
		}}},
		{{Key: "$project", Value: bson.M{
			"_id":      0,
			"name":     "$_id.name",
			"value":    "$_id.value",
			"category": "$_id.category",
			"count":    1,
		}}},
	}
	cursor, err := m.tags.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []models.TagCount
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	sortTagCounts(out)
	return out, nil
}

// ApplyAnalytics is a single-document pipeline upsert, so concurrent workers
// on the same (date, category) bucket never lose increments.
func (m *MongoDB) ApplyAnalytics(ctx context.Context, delta models.AnalyticsDelta, at time.Time) error {
	add := func(field string, v any) bson.M {
		return bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$" + field, 0}}, v}}
	}
	ratio := func(num, den string) bson.M {
		return bson.M{"$cond": bson.A{
			bson.M{"$gt": bson.A{"$" + den, 0}},
			bson.M{"$divide": bson.A{"$" + num, "$" + den}},
			0,
		}}
	}

	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"date":                delta.Date,
			"category":            delta.Category,
			"total_events":        add("total_events", delta.Total),
			"processed_events":    add("processed_events", delta.Processed),
			"failed_events":       add("failed_events", delta.Failed),
			"new_customers":       add("new_customers", delta.NewCustomers),
			"jobs_completed":      add("jobs_completed", delta.JobsCompleted),
			"estimates_sent":      add("estimates_sent", delta.EstimatesSent),
			"invoices_created":    add("invoices_created", delta.InvoicesCreated),
			"total_revenue":       add("total_revenue", delta.Revenue),
			"processing_ms_total": add("processing_ms_total", delta.ProcessingMs),
			"updated_at":          at,
		}}},
		{{Key: "$set", Value: bson.M{
			"success_rate":      ratio("processed_events", "total_events"),
			"avg_processing_ms": ratio("processing_ms_total", "processed_events"),
		}}},
	}

	key := models.AnalyticsKey(delta.Date, delta.Category)
	_, err := m.analytics.UpdateOne(ctx, bson.M{"_id": key}, pipeline, options.Update().SetUpsert(true))
	return err
}

func (m *MongoDB) ListAnalytics(ctx context.Context, filter AnalyticsFilter) ([]*models.WebhookAnalytics, error) {
	query := bson.M{}
	if filter.Category != "" {
		query["category"] = filter.Category
	}
	if dates := dateRangeBSON(filter.From, filter.To); dates != nil {
		query["date"] = dates
	}

	opts := options.Find().SetSort(bson.D{{Key: "date", Value: 1}, {Key: "category", Value: 1}})
	cursor, err := m.analytics.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []*models.WebhookAnalytics
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (m *MongoDB) UpsertSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	update := bson.M{
		"$set": bson.M{
			"webhook_url": sub.WebhookURL,
			"event_types": sub.EventTypes,
			"active":      sub.Active,
			"secret":      sub.Secret,
			"updated_at":  sub.UpdatedAt,
		},
		"$setOnInsert": bson.M{"created_at": sub.CreatedAt},
	}
	_, err := m.subscriptions.UpdateOne(ctx, bson.M{"_id": sub.CompanyID}, update, options.Update().SetUpsert(true))
	return err
}

func (m *MongoDB) GetSubscription(ctx context.Context, companyID string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := m.subscriptions.FindOne(ctx, bson.M{"_id": companyID}).Decode(&sub)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (m *MongoDB) ListSubscriptions(ctx context.Context) ([]*models.WebhookSubscription, error) {
	cursor, err := m.subscriptions.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var subs []*models.WebhookSubscription
	if err := cursor.All(ctx, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

func (m *MongoDB) TouchSubscription(ctx context.Context, companyID string, at time.Time) error {
	res, err := m.subscriptions.UpdateOne(ctx, bson.M{"_id": companyID}, bson.M{
		"$set": bson.M{"last_received_at": at},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func detectTransactions(ctx context.Context, client *mongo.Client) bool {
	var hello bson.M
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		return false
	}
	return supportsTransactions(hello)
}

// supportsTransactions reads a hello reply: replica set members report a
// setName and mongos routers answer with msg "isdbgrid".
func supportsTransactions(hello bson.M) bool {
	if setName, _ := hello["setName"].(string); setName != "" {
		return true
	}
	msg, _ := hello["msg"].(string)
	return msg == "isdbgrid"
}

func eventFilterBSON(f EventFilter) bson.M {
	filter := bson.M{}
	if len(f.Statuses) == 1 {
		filter["status"] = f.Statuses[0]
	} else if len(f.Statuses) > 1 {
		filter["status"] = bson.M{"$in": f.Statuses}
	}
	if f.Category != "" {
		filter["category"] = f.Category
	}
	if f.CompanyID != "" {
		filter["company_id"] = f.CompanyID
	}

	received := bson.M{}
	if !f.From.IsZero() {
		received["$gte"] = f.From
	}
	if !f.To.IsZero() {
		received["$lt"] = f.To
	}
	if len(received) > 0 {
		filter["received_at"] = received
	}
	if !f.DueBefore.IsZero() {
		filter["next_attempt_at"] = bson.M{"$lte": f.DueBefore}
	}
	if !f.UpdatedBefore.IsZero() {
		filter["updated_at"] = bson.M{"$lt": f.UpdatedBefore}
	}

	retries := bson.M{}
	if f.MinRetries > 0 {
		retries["$gte"] = f.MinRetries
	}
	if f.RetriesBelow > 0 {
		retries["$lt"] = f.RetriesBelow
	}
	if len(retries) > 0 {
		filter["retry_count"] = retries
	}
	return filter
}

func dateRangeBSON(from, to string) bson.M {
	r := bson.M{}
	if from != "" {
		r["$gte"] = from
	}
	if to != "" {
		r["$lte"] = to
	}
	if len(r) == 0 {
		return nil
	}
	return r
}
