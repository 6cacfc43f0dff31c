package models

import (
	"strings"
	"time"
)

// WebhookSubscription holds the provider endpoint configuration for one
// company. The signing secret is never serialized to API clients.
type WebhookSubscription struct {
	CompanyID      string     `json:"company_id" bson:"_id"`
	WebhookURL     string     `json:"webhook_url" bson:"webhook_url"`
	EventTypes     []string   `json:"event_types" bson:"event_types"`
	Active         bool       `json:"active" bson:"active"`
	Secret         string     `json:"-" bson:"secret"`
	LastReceivedAt *time.Time `json:"last_received_at,omitempty" bson:"last_received_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" bson:"updated_at"`
}

// Subscribes reports whether eventType is covered. An empty list covers all.
func (s *WebhookSubscription) Subscribes(eventType string) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	for _, t := range s.EventTypes {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "*" || t == eventType {
			return true
		}
	}
	return false
}
