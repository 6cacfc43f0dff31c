package storage

import (
	"context"
	"errors"
	"time"

	"webhook-pipeline/internal/models"
)

var (
	// ErrDuplicate is returned when a provider event id was already reserved.
	ErrDuplicate = errors.New("duplicate provider event id")
	ErrNotFound  = errors.New("not found")
	// ErrConflict is returned when a compare-and-swap status update lost.
	ErrConflict = errors.New("event state changed concurrently")
)

// Store is the durable state of the pipeline: events, their projections,
// tags, daily rollups and provider subscriptions.
type Store interface {
	InsertEvent(ctx context.Context, event *models.WebhookEvent) error
	GetEvent(ctx context.Context, id string) (*models.WebhookEvent, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*models.WebhookEvent, error)
	CountEventsByStatus(ctx context.Context, filter EventFilter) (map[models.EventStatus]int64, error)
	SetClassification(ctx context.Context, id string, category models.EventCategory, entityID string) error
	TransitionEvent(ctx context.Context, id string, t Transition) (*models.WebhookEvent, error)

	InsertProcessedData(ctx context.Context, data *models.WebhookProcessedData) (bool, error)
	GetProcessedData(ctx context.Context, eventID string) (*models.WebhookProcessedData, error)
	CountCustomerRecords(ctx context.Context, companyID, customerKey, excludeEventID string) (int64, error)

	UpsertTag(ctx context.Context, tag *models.WebhookEventTag) error
	ListTags(ctx context.Context, eventID string) ([]*models.WebhookEventTag, error)
	TagSummary(ctx context.Context, filter TagFilter) ([]models.TagCount, error)

	ApplyAnalytics(ctx context.Context, delta models.AnalyticsDelta, at time.Time) error
	ListAnalytics(ctx context.Context, filter AnalyticsFilter) ([]*models.WebhookAnalytics, error)

	UpsertSubscription(ctx context.Context, sub *models.WebhookSubscription) error
	GetSubscription(ctx context.Context, companyID string) (*models.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context) ([]*models.WebhookSubscription, error)
	TouchSubscription(ctx context.Context, companyID string, at time.Time) error

	Close(ctx context.Context) error
}

// Transition is a compare-and-swap on an event's status. The update applies
// only while the event is in From (and, when set, has RetryCount retries).
// Analytics is applied once, by the caller that wins the swap.
type Transition struct {
	From       models.EventStatus
	To         models.EventStatus
	RetryCount *int
	At         time.Time

	IncrementRetry   bool
	LastError        *string
	NextAttemptAt    *time.Time
	ClearNextAttempt bool
	ProcessedAt      *time.Time
	Analytics        *models.AnalyticsDelta
}

type EventFilter struct {
	Statuses      []models.EventStatus
	Category      models.EventCategory
	CompanyID     string
	From          time.Time // received_at >= From
	To            time.Time // received_at < To
	DueBefore     time.Time // next_attempt_at <= DueBefore
	UpdatedBefore time.Time
	MinRetries    int
	RetriesBelow  int
	Limit         int
	Offset        int
}

// TagFilter dates are bucket dates (YYYY-MM-DD), inclusive.
type TagFilter struct {
	From          string
	To            string
	CompanyID     string
	EventCategory models.EventCategory
	TagCategory   models.TagCategory
}

// AnalyticsFilter dates are bucket dates (YYYY-MM-DD), inclusive.
type AnalyticsFilter struct {
	From     string
	To       string
	Category models.EventCategory
}

func IntPtr(v int) *int { return &v }
