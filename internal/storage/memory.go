package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"webhook-pipeline/internal/models"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store. It backs tests and single-node local runs.
type Memory struct {
	mu            sync.RWMutex
	events        map[string]*models.WebhookEvent
	byProviderID  map[string]string
	processed     map[string]*models.WebhookProcessedData // keyed by event id
	tags          map[string]map[string]*models.WebhookEventTag
	analytics     map[string]*models.WebhookAnalytics
	subscriptions map[string]*models.WebhookSubscription
}

func NewMemory() *Memory {
	return &Memory{
		events:        make(map[string]*models.WebhookEvent),
		byProviderID:  make(map[string]string),
		processed:     make(map[string]*models.WebhookProcessedData),
		tags:          make(map[string]map[string]*models.WebhookEventTag),
		analytics:     make(map[string]*models.WebhookAnalytics),
		subscriptions: make(map[string]*models.WebhookSubscription),
	}
}

func (m *Memory) InsertEvent(ctx context.Context, event *models.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.ProviderEventID != "" {
		if _, exists := m.byProviderID[event.ProviderEventID]; exists {
			return ErrDuplicate
		}
		m.byProviderID[event.ProviderEventID] = event.ID
	}
	m.events[event.ID] = copyEvent(event)
	return nil
}

func (m *Memory) GetEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEvent(ev), nil
}

func (m *Memory) ListEvents(ctx context.Context, filter EventFilter) ([]*models.WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.WebhookEvent
	for _, ev := range m.events {
		if matchEvent(ev, filter) {
			out = append(out, copyEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) CountEventsByStatus(ctx context.Context, filter EventFilter) (map[models.EventStatus]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[models.EventStatus]int64)
	for _, ev := range m.events {
		if matchEvent(ev, filter) {
			counts[ev.Status]++
		}
	}
	return counts, nil
}

func (m *Memory) SetClassification(ctx context.Context, id string, category models.EventCategory, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	ev.Category = category
	ev.EntityID = entityID
	ev.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) TransitionEvent(ctx context.Context, id string, t Transition) (*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	if ev.Status != t.From || (t.RetryCount != nil && ev.RetryCount != *t.RetryCount) {
		return nil, ErrConflict
	}

	ev.Status = t.To
	ev.UpdatedAt = t.At
	if t.IncrementRetry {
		ev.RetryCount++
	}
	if t.LastError != nil {
		ev.LastError = *t.LastError
	}
	if t.NextAttemptAt != nil {
		next := *t.NextAttemptAt
		ev.NextAttemptAt = &next
	} else if t.ClearNextAttempt {
		ev.NextAttemptAt = nil
	}
	if t.ProcessedAt != nil {
		processed := *t.ProcessedAt
		ev.ProcessedAt = &processed
	}
	if t.Analytics != nil {
		m.applyAnalyticsLocked(*t.Analytics, t.At)
	}
	return copyEvent(ev), nil
}

func (m *Memory) InsertProcessedData(ctx context.Context, data *models.WebhookProcessedData) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.processed[data.EventID]; exists {
		return false, nil
	}
	cp := *data
	m.processed[data.EventID] = &cp
	return true, nil
}

func (m *Memory) GetProcessedData(ctx context.Context, eventID string) (*models.WebhookProcessedData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.processed[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *data
	return &cp, nil
}

func (m *Memory) CountCustomerRecords(ctx context.Context, companyID, customerKey, excludeEventID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, data := range m.processed {
		if data.CompanyID == companyID && data.CustomerKey == customerKey && data.EventID != excludeEventID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpsertTag(ctx context.Context, tag *models.WebhookEventTag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byName, ok := m.tags[tag.EventID]
	if !ok {
		byName = make(map[string]*models.WebhookEventTag)
		m.tags[tag.EventID] = byName
	}
	if existing, ok := byName[tag.Name]; ok {
		existing.Value = tag.Value
		existing.Category = tag.Category
		return nil
	}
	cp := *tag
	byName[tag.Name] = &cp
	return nil
}

func (m *Memory) ListTags(ctx context.Context, eventID string) ([]*models.WebhookEventTag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.WebhookEventTag
	for _, tag := range m.tags[eventID] {
		cp := *tag
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) TagSummary(ctx context.Context, filter TagFilter) ([]models.TagCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type key struct {
		name, value string
		category    models.TagCategory
	}
	counts := make(map[key]int64)
	for _, byName := range m.tags {
		for _, tag := range byName {
			if !matchTag(tag, filter) {
				continue
			}
			counts[key{tag.Name, tag.Value, tag.Category}]++
		}
	}

	out := make([]models.TagCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, models.TagCount{Name: k.name, Value: k.value, Category: k.category, Count: n})
	}
	sortTagCounts(out)
	return out, nil
}

func (m *Memory) ApplyAnalytics(ctx context.Context, delta models.AnalyticsDelta, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applyAnalyticsLocked(delta, at)
	return nil
}

func (m *Memory) applyAnalyticsLocked(delta models.AnalyticsDelta, at time.Time) {
	key := models.AnalyticsKey(delta.Date, delta.Category)
	row, ok := m.analytics[key]
	if !ok {
		row = &models.WebhookAnalytics{ID: key, Date: delta.Date, Category: delta.Category}
		m.analytics[key] = row
	}
	row.Apply(delta, at)
}

func (m *Memory) ListAnalytics(ctx context.Context, filter AnalyticsFilter) ([]*models.WebhookAnalytics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.WebhookAnalytics
	for _, row := range m.analytics {
		if filter.Category != "" && row.Category != filter.Category {
			continue
		}
		if !inDateRange(row.Date, filter.From, filter.To) {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date == out[j].Date {
			return out[i].Category < out[j].Category
		}
		return out[i].Date < out[j].Date
	})
	return out, nil
}

func (m *Memory) UpsertSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *sub
	cp.EventTypes = append([]string(nil), sub.EventTypes...)
	if existing, ok := m.subscriptions[sub.CompanyID]; ok {
		cp.CreatedAt = existing.CreatedAt
		cp.LastReceivedAt = existing.LastReceivedAt
	}
	m.subscriptions[sub.CompanyID] = &cp
	return nil
}

func (m *Memory) GetSubscription(ctx context.Context, companyID string) (*models.WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subscriptions[companyID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context) ([]*models.WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.WebhookSubscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		cp := *sub
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompanyID < out[j].CompanyID })
	return out, nil
}

func (m *Memory) TouchSubscription(ctx context.Context, companyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[companyID]
	if !ok {
		return ErrNotFound
	}
	sub.LastReceivedAt = &at
	return nil
}

func (m *Memory) Close(ctx context.Context) error { return nil }

func copyEvent(ev *models.WebhookEvent) *models.WebhookEvent {
	cp := *ev
	cp.Payload = append(models.RawPayload(nil), ev.Payload...)
	return &cp
}

func matchEvent(ev *models.WebhookEvent, f EventFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if ev.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Category != "" && ev.Category != f.Category {
		return false
	}
	if f.CompanyID != "" && ev.CompanyID != f.CompanyID {
		return false
	}
	if !f.From.IsZero() && ev.ReceivedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !ev.ReceivedAt.Before(f.To) {
		return false
	}
	if !f.DueBefore.IsZero() && (ev.NextAttemptAt == nil || ev.NextAttemptAt.After(f.DueBefore)) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !ev.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if f.MinRetries > 0 && ev.RetryCount < f.MinRetries {
		return false
	}
	if f.RetriesBelow > 0 && ev.RetryCount >= f.RetriesBelow {
		return false
	}
	return true
}

func matchTag(tag *models.WebhookEventTag, f TagFilter) bool {
	if f.CompanyID != "" && tag.CompanyID != f.CompanyID {
		return false
	}
	if f.EventCategory != "" && tag.EventCategory != f.EventCategory {
		return false
	}
	if f.TagCategory != "" && tag.Category != f.TagCategory {
		return false
	}
	return inDateRange(tag.EventDate, f.From, f.To)
}

// Bucket dates compare lexically.
func inDateRange(date, from, to string) bool {
	if from != "" && date < from {
		return false
	}
	if to != "" && date > to {
		return false
	}
	return true
}

func sortTagCounts(out []models.TagCount) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Value < out[j].Value
	})
}
