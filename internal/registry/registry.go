package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"webhook-pipeline/internal/models"
	"webhook-pipeline/internal/storage"

	"go.uber.org/zap"
)

var ErrInvalidSubscription = errors.New("invalid subscription")

// SubscriptionInput is the writable part of a subscription.
type SubscriptionInput struct {
	WebhookURL string   `json:"webhook_url" binding:"omitempty,url"`
	EventTypes []string `json:"event_types"`
	Secret     string   `json:"secret"`
	Active     *bool    `json:"active"`
}

// Registry answers "who is this company and what secret signs its calls".
// Lookups are served from a short-lived cache in front of the store.
type Registry struct {
	store  storage.Store
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
	loaded  time.Time
}

type cacheEntry struct {
	sub      *models.WebhookSubscription
	cachedAt time.Time
}

func New(store storage.Store, ttl time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		store:   store,
		logger:  logger,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]cacheEntry),
	}
}

// Load warms the cache with every stored subscription.
func (r *Registry) Load(ctx context.Context) error {
	subs, err := r.store.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	now := r.now()
	r.mu.Lock()
	r.entries = make(map[string]cacheEntry, len(subs))
	for _, sub := range subs {
		r.entries[sub.CompanyID] = cacheEntry{sub: sub, cachedAt: now}
	}
	r.loaded = now
	r.mu.Unlock()

	r.logger.Info("Subscription registry loaded", zap.Int("total_subscriptions", len(subs)))
	return nil
}

// Seed registers subscriptions from a "company:secret[:type|type]" list
// separated by commas, as used for local setups and tests. Existing
// subscriptions keep their history.
func (r *Registry) Seed(ctx context.Context, seeds string) error {
	for _, entry := range strings.Split(seeds, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			r.logger.Warn("Invalid subscription seed format", zap.String("entry", entry))
			continue
		}
		in := SubscriptionInput{Secret: parts[1]}
		if len(parts) == 3 && parts[2] != "" {
			in.EventTypes = strings.Split(parts[2], "|")
		}
		if _, err := r.Upsert(ctx, parts[0], in); err != nil {
			return fmt.Errorf("seed subscription %s: %w", parts[0], err)
		}
	}
	return nil
}

// Lookup returns the subscription for companyID or storage.ErrNotFound.
func (r *Registry) Lookup(ctx context.Context, companyID string) (*models.WebhookSubscription, error) {
	now := r.now()
	r.mu.RLock()
	entry, ok := r.entries[companyID]
	r.mu.RUnlock()
	if ok && (r.ttl <= 0 || now.Sub(entry.cachedAt) < r.ttl) {
		return entry.sub, nil
	}

	sub, err := r.store.GetSubscription(ctx, companyID)
	if errors.Is(err, storage.ErrNotFound) {
		r.forget(companyID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.entries[companyID] = cacheEntry{sub: sub, cachedAt: now}
	r.mu.Unlock()
	return sub, nil
}

// Upsert creates or updates a subscription. A new subscription needs a
// secret; an update without one keeps the stored secret.
func (r *Registry) Upsert(ctx context.Context, companyID string, in SubscriptionInput) (*models.WebhookSubscription, error) {
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return nil, fmt.Errorf("%w: company id is required", ErrInvalidSubscription)
	}
	if in.WebhookURL != "" {
		if u, err := url.Parse(in.WebhookURL); err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%w: webhook url %q is not absolute", ErrInvalidSubscription, in.WebhookURL)
		}
	}

	now := r.now()
	sub, err := r.store.GetSubscription(ctx, companyID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if in.Secret == "" {
			return nil, fmt.Errorf("%w: secret is required", ErrInvalidSubscription)
		}
		sub = &models.WebhookSubscription{CompanyID: companyID, Active: true, CreatedAt: now}
	case err != nil:
		return nil, err
	}

	if in.WebhookURL != "" {
		sub.WebhookURL = in.WebhookURL
	}
	if in.EventTypes != nil {
		sub.EventTypes = normalizeTypes(in.EventTypes)
	}
	if in.Secret != "" {
		sub.Secret = in.Secret
	}
	if in.Active != nil {
		sub.Active = *in.Active
	}
	sub.UpdatedAt = now

	if err := r.store.UpsertSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("store subscription: %w", err)
	}

	r.mu.Lock()
	r.entries[companyID] = cacheEntry{sub: sub, cachedAt: now}
	r.mu.Unlock()

	r.logger.Info("Subscription saved",
		zap.String("company_id", companyID),
		zap.Bool("active", sub.Active),
		zap.Strings("event_types", sub.EventTypes))
	return sub, nil
}

func (r *Registry) List(ctx context.Context) ([]*models.WebhookSubscription, error) {
	return r.store.ListSubscriptions(ctx)
}

// Touch records a successful delivery for companyID.
func (r *Registry) Touch(ctx context.Context, companyID string, at time.Time) error {
	return r.store.TouchSubscription(ctx, companyID, at)
}

// Stats summarizes the cached view, for the health endpoint.
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := 0
	for _, entry := range r.entries {
		if entry.sub.Active {
			active++
		}
	}
	return map[string]interface{}{
		"cached_subscriptions": len(r.entries),
		"active_subscriptions": active,
		"last_loaded":          r.loaded,
	}
}

func (r *Registry) forget(companyID string) {
	r.mu.Lock()
	delete(r.entries, companyID)
	r.mu.Unlock()
}

func normalizeTypes(types []string) []string {
	out := make([]string, 0, len(types))
	seen := make(map[string]struct{}, len(types))
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
