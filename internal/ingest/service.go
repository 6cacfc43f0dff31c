package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"webhook-pipeline/internal/models"
	"webhook-pipeline/internal/storage"
	"webhook-pipeline/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// VerificationError is a fail-closed rejection of a delivery. Status is the
// HTTP status the endpoint answers with.
type VerificationError struct {
	Status  int
	Code    string
	Message string
}

func (e *VerificationError) Error() string { return e.Code + ": " + e.Message }

func reject(status int, code, format string, args ...any) *VerificationError {
	return &VerificationError{Status: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Delivery is one inbound provider call. Header values win over the
// corresponding payload fields.
type Delivery struct {
	Body            []byte
	Signature       string
	ProviderEventID string
	EventType       string
	CompanyID       string
}

type Result struct {
	Outcome Outcome
	Event   *models.WebhookEvent
}

// Subscriptions is the part of the registry ingestion needs.
type Subscriptions interface {
	Lookup(ctx context.Context, companyID string) (*models.WebhookSubscription, error)
	Touch(ctx context.Context, companyID string, at time.Time) error
}

// Dispatcher hands a stored pending event to processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, eventID string) error
}

type Service struct {
	subscriptions Subscriptions
	dedup         *Deduplicator
	dispatcher    Dispatcher
	logger        *zap.Logger
	now           func() time.Time
}

func NewService(store storage.Store, subscriptions Subscriptions, dispatcher Dispatcher, logger *zap.Logger) *Service {
	return &Service{
		subscriptions: subscriptions,
		dedup:         NewDeduplicator(store),
		dispatcher:    dispatcher,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Ingest verifies d, records it as a pending event and hands it off. It
// returns a *VerificationError for rejected deliveries and a plain error
// when the subscription or the event store could not be reached.
func (s *Service) Ingest(ctx context.Context, d Delivery) (Result, error) {
	fields := payloadFields(d.Body)
	companyID := firstNonEmpty(d.CompanyID, fields.companyID)
	eventType := firstNonEmpty(d.EventType, fields.eventType)
	providerID := firstNonEmpty(d.ProviderEventID, fields.eventID)

	sub, err := s.verify(ctx, companyID, eventType, d)
	var verr *VerificationError
	if errors.As(err, &verr) {
		metrics.IngestOutcomes.WithLabelValues(string(OutcomeRejected), verr.Code).Inc()
		s.logger.Warn("Rejected webhook delivery",
			zap.String("company_id", companyID),
			zap.String("event_type", eventType),
			zap.String("reason", verr.Code))
		return Result{Outcome: OutcomeRejected}, verr
	}
	if err != nil {
		metrics.IngestOutcomes.WithLabelValues("error", "subscription_lookup").Inc()
		s.logger.Error("Subscription lookup failed", zap.Error(err), zap.String("company_id", companyID))
		return Result{}, err
	}

	now := s.now()
	ev := &models.WebhookEvent{
		ID:              uuid.NewString(),
		ProviderEventID: providerID,
		EventType:       eventType,
		CompanyID:       sub.CompanyID,
		Payload:         append(models.RawPayload(nil), d.Body...),
		Status:          models.EventStatusPending,
		ReceivedAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	metrics.WebhookReceived.WithLabelValues(ev.CompanyID, ev.EventType).Inc()

	duplicate, err := s.dedup.Reserve(ctx, ev)
	if err != nil {
		metrics.IngestOutcomes.WithLabelValues("error", "storage").Inc()
		return Result{}, fmt.Errorf("store event: %w", err)
	}

	if err := s.subscriptions.Touch(ctx, sub.CompanyID, now); err != nil {
		s.logger.Warn("Failed to record last delivery", zap.Error(err), zap.String("company_id", sub.CompanyID))
	}

	if duplicate {
		metrics.IngestOutcomes.WithLabelValues(string(OutcomeDuplicate), "").Inc()
		s.logger.Info("Duplicate webhook delivery ignored",
			zap.String("provider_event_id", providerID),
			zap.String("company_id", sub.CompanyID))
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	if err := s.dispatcher.Dispatch(ctx, ev.ID); err != nil {
		// The event is durable; the supervisor picks up stale pending events.
		s.logger.Error("Failed to dispatch event",
			zap.Error(err),
			zap.String("event_id", ev.ID))
	}

	metrics.IngestOutcomes.WithLabelValues(string(OutcomeAccepted), "").Inc()
	s.logger.Info("Webhook event accepted",
		zap.String("event_id", ev.ID),
		zap.String("provider_event_id", providerID),
		zap.String("company_id", ev.CompanyID),
		zap.String("event_type", ev.EventType))
	return Result{Outcome: OutcomeAccepted, Event: ev}, nil
}

// verify fails closed. Tenant and signature problems are a
// *VerificationError; a store outage is a plain error so the provider retries.
func (s *Service) verify(ctx context.Context, companyID, eventType string, d Delivery) (*models.WebhookSubscription, error) {
	if companyID == "" {
		return nil, reject(http.StatusUnauthorized, "unknown_company", "company identifier is missing")
	}
	sub, err := s.subscriptions.Lookup(ctx, companyID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, reject(http.StatusUnauthorized, "unknown_company", "no subscription for company %q", companyID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup subscription %s: %w", companyID, err)
	}
	if !sub.Active {
		return nil, reject(http.StatusForbidden, "inactive_company", "subscription for company %q is inactive", companyID)
	}
	if !VerifySignature(sub.Secret, d.Body, d.Signature) {
		return nil, reject(http.StatusUnauthorized, "invalid_signature", "signature does not match")
	}
	if !sub.Subscribes(eventType) {
		return nil, reject(http.StatusUnprocessableEntity, "unsubscribed_event", "event type %q is not subscribed", eventType)
	}
	return sub, nil
}

type deliveryFields struct {
	eventID   string
	eventType string
	companyID string
}

// payloadFields reads envelope fields from the body. Bodies that are not a
// JSON object are still accepted; they fail later, at extraction.
func payloadFields(body []byte) deliveryFields {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return deliveryFields{}
	}
	return deliveryFields{
		eventID:   stringField(root, "event_id", "id", "webhook_id", "delivery_id"),
		eventType: stringField(root, "event", "event_type", "type"),
		companyID: stringField(root, "company_id", "companyId", "organization_id"),
	}
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
