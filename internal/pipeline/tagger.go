package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"webhook-pipeline/internal/models"
	"webhook-pipeline/internal/storage"

	"github.com/google/uuid"
)

// TagRule emits at most one tag for a processed record. Rules are
// independent; their order does not change the resulting tag set.
type TagRule struct {
	Name     string
	Category models.TagCategory
	Match    func(data *models.WebhookProcessedData) (value string, ok bool)
}

var DefaultTagRules = []TagRule{
	{
		Name:     "high-value",
		Category: models.TagCategoryPriority,
		Match: func(d *models.WebhookProcessedData) (string, bool) {
			if !d.IsHighValue {
				return "", false
			}
			return fmt.Sprintf("%.2f", d.AmountValue()), true
		},
	},
	{
		Name:     "emergency",
		Category: models.TagCategoryPriority,
		Match: func(d *models.WebhookProcessedData) (string, bool) {
			return d.ServiceType, d.IsEmergency
		},
	},
	{
		Name:     "new-customer",
		Category: models.TagCategoryCustomerType,
		Match: func(d *models.WebhookProcessedData) (string, bool) {
			return "", d.IsNewCustomer
		},
	},
	{
		Name:     "repeat-customer",
		Category: models.TagCategoryCustomerType,
		Match: func(d *models.WebhookProcessedData) (string, bool) {
			return "", d.IsRepeatCustomer
		},
	},
	{
		Name:     "service-type",
		Category: models.TagCategoryServiceType,
		Match: func(d *models.WebhookProcessedData) (string, bool) {
			v := strings.ToLower(strings.TrimSpace(d.ServiceType))
			return v, v != ""
		},
	},
	{
		Name:     "location",
		Category: models.TagCategoryLocation,
		Match: func(d *models.WebhookProcessedData) (string, bool) {
			return d.City, d.City != ""
		},
	},
}

type Tagger struct {
	store storage.Store
	rules []TagRule
	now   func() time.Time
}

func NewTagger(store storage.Store, rules []TagRule) *Tagger {
	if rules == nil {
		rules = DefaultTagRules
	}
	return &Tagger{
		store: store,
		rules: rules,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate returns the tags the rules produce for data without storing them.
func (t *Tagger) Evaluate(ev *models.WebhookEvent, data *models.WebhookProcessedData) []*models.WebhookEventTag {
	var tags []*models.WebhookEventTag
	seen := make(map[string]struct{}, len(t.rules))
	for _, rule := range t.rules {
		if _, dup := seen[rule.Name]; dup {
			continue
		}
		value, ok := rule.Match(data)
		if !ok {
			continue
		}
		seen[rule.Name] = struct{}{}
		tags = append(tags, &models.WebhookEventTag{
			ID:            uuid.NewString(),
			EventID:       ev.ID,
			CompanyID:     ev.CompanyID,
			Name:          rule.Name,
			Value:         value,
			Category:      rule.Category,
			EventCategory: data.DataCategory,
			EventDate:     ev.BucketDate(),
			CreatedAt:     t.now(),
		})
	}
	return tags
}

// Tag evaluates the rules and upserts each tag on (event, name), so running
// it again for the same event is a no-op.
func (t *Tagger) Tag(ctx context.Context, ev *models.WebhookEvent, data *models.WebhookProcessedData) ([]*models.WebhookEventTag, error) {
	tags := t.Evaluate(ev, data)
	for _, tag := range tags {
		if err := t.store.UpsertTag(ctx, tag); err != nil {
			return nil, fmt.Errorf("upsert tag %s: %w", tag.Name, err)
		}
	}
	return tags, nil
}
