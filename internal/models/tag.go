package models

import "time"

type TagCategory string

const (
	TagCategoryPriority     TagCategory = "priority"
	TagCategoryCustomerType TagCategory = "customer-type"
	TagCategoryServiceType  TagCategory = "service-type"
	TagCategoryLocation     TagCategory = "location"
)

// WebhookEventTag is unique per (EventID, Name).
type WebhookEventTag struct {
	ID            string        `json:"id" bson:"_id"`
	EventID       string        `json:"event_id" bson:"event_id"`
	CompanyID     string        `json:"company_id" bson:"company_id"`
	Name          string        `json:"name" bson:"name"`
	Value         string        `json:"value,omitempty" bson:"value,omitempty"`
	Category      TagCategory   `json:"category" bson:"category"`
	EventCategory EventCategory `json:"event_category" bson:"event_category"`
	EventDate     string        `json:"event_date" bson:"event_date"`
	CreatedAt     time.Time     `json:"created_at" bson:"created_at"`
}

// TagCount is one row of a tag summary.
type TagCount struct {
	Name     string      `json:"name" bson:"name"`
	Value    string      `json:"value,omitempty" bson:"value,omitempty"`
	Category TagCategory `json:"category" bson:"category"`
	Count    int64       `json:"count" bson:"count"`
}
