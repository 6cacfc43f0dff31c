package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// WebhookEvent is one accepted delivery from the field-service platform.
// Rows are never deleted; archival is a status.
type WebhookEvent struct {
	ID              string        `json:"id" bson:"_id"`
	ProviderEventID string        `json:"provider_event_id,omitempty" bson:"provider_event_id,omitempty"` // From the event id header or payload
	EventType       string        `json:"event_type" bson:"event_type"`
	Category        EventCategory `json:"category,omitempty" bson:"category,omitempty"`
	EntityID        string        `json:"entity_id,omitempty" bson:"entity_id,omitempty"`
	CompanyID       string        `json:"company_id" bson:"company_id"`
	Payload         RawPayload    `json:"payload" bson:"payload"`

	// Processing state
	Status        EventStatus `json:"status" bson:"status"`
	ProcessedAt   *time.Time  `json:"processed_at,omitempty" bson:"processed_at,omitempty"`
	LastError     string      `json:"last_error,omitempty" bson:"last_error,omitempty"`
	RetryCount    int         `json:"retry_count" bson:"retry_count"`
	NextAttemptAt *time.Time  `json:"next_attempt_at,omitempty" bson:"next_attempt_at,omitempty"`

	ReceivedAt time.Time `json:"received_at" bson:"received_at"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" bson:"updated_at"`
}

// BucketDate is the analytics date of the event. Retries keep the date the
// event was received on.
func (e *WebhookEvent) BucketDate() string {
	return BucketDate(e.ReceivedAt)
}

// EventStatus represents the possible states of a webhook event
type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusProcessed EventStatus = "processed"
	EventStatusFailed    EventStatus = "failed"
	EventStatusArchived  EventStatus = "archived"
)

var ErrIllegalTransition = errors.New("illegal status transition")

// Transitions taken by the pipeline and the retry supervisor.
var pipelineTransitions = map[EventStatus][]EventStatus{
	EventStatusPending: {EventStatusProcessed, EventStatusFailed},
	EventStatusFailed:  {EventStatusPending, EventStatusArchived},
}

// Transitions an operator may request through the reprocess hook.
var operatorTransitions = map[EventStatus][]EventStatus{
	EventStatusFailed:   {EventStatusPending},
	EventStatusArchived: {EventStatusPending},
}

func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusPending, EventStatusProcessed, EventStatusFailed, EventStatusArchived:
		return true
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s EventStatus) Terminal() bool {
	return s == EventStatusProcessed || s == EventStatusArchived
}

// CheckTransition validates an automatic status change.
func CheckTransition(from, to EventStatus) error {
	return checkTable(pipelineTransitions, from, to)
}

// CheckOperatorTransition validates a manual re-queue.
func CheckOperatorTransition(from, to EventStatus) error {
	return checkTable(operatorTransitions, from, to)
}

func checkTable(table map[EventStatus][]EventStatus, from, to EventStatus) error {
	for _, next := range table[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// RawPayload keeps the delivery body byte-for-byte. It renders as JSON when
// the body is valid JSON and as a string otherwise.
type RawPayload []byte

func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	if json.Valid(p) {
		return []byte(p), nil
	}
	return json.Marshal(string(p))
}

func (p *RawPayload) UnmarshalJSON(data []byte) error {
	*p = append((*p)[:0], data...)
	return nil
}
