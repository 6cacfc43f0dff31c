package models

import "time"

// WebhookProcessedData is the denormalized projection of one event. It is
// written once by the extractor and never edited.
type WebhookProcessedData struct {
	ID           string         `json:"id" bson:"_id"`
	EventID      string         `json:"event_id" bson:"event_id"`
	CompanyID    string         `json:"company_id" bson:"company_id"`
	DataType     string         `json:"data_type" bson:"data_type"`
	DataCategory EventCategory  `json:"data_category" bson:"data_category"`
	EntityData   map[string]any `json:"entity_data" bson:"entity_data"`

	// Indexed business fields
	CustomerKey    string     `json:"-" bson:"customer_key,omitempty"`
	CustomerID     string     `json:"customer_id,omitempty" bson:"customer_id,omitempty"`
	CustomerName   string     `json:"customer_name,omitempty" bson:"customer_name,omitempty"`
	CustomerEmail  string     `json:"customer_email,omitempty" bson:"customer_email,omitempty"`
	CustomerPhone  string     `json:"customer_phone,omitempty" bson:"customer_phone,omitempty"`
	JobNumber      string     `json:"job_number,omitempty" bson:"job_number,omitempty"`
	InvoiceNumber  string     `json:"invoice_number,omitempty" bson:"invoice_number,omitempty"`
	EstimateNumber string     `json:"estimate_number,omitempty" bson:"estimate_number,omitempty"`
	Amount         *float64   `json:"amount,omitempty" bson:"amount,omitempty"`
	ServiceDate    *time.Time `json:"service_date,omitempty" bson:"service_date,omitempty"`
	ServiceType    string     `json:"service_type,omitempty" bson:"service_type,omitempty"`
	Technician     string     `json:"technician,omitempty" bson:"technician,omitempty"`
	Location       string     `json:"location,omitempty" bson:"location,omitempty"`
	City           string     `json:"city,omitempty" bson:"city,omitempty"`

	// Derived flags
	IsHighValue      bool `json:"is_high_value" bson:"is_high_value"`
	IsEmergency      bool `json:"is_emergency" bson:"is_emergency"`
	IsRepeatCustomer bool `json:"is_repeat_customer" bson:"is_repeat_customer"`
	IsNewCustomer    bool `json:"is_new_customer" bson:"is_new_customer"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

func (d *WebhookProcessedData) HasAmount() bool {
	return d != nil && d.Amount != nil
}

func (d *WebhookProcessedData) AmountValue() float64 {
	if d == nil || d.Amount == nil {
		return 0
	}
	return *d.Amount
}
