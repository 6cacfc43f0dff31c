package models

import "time"

const bucketDateLayout = "2006-01-02"

// WebhookAnalytics is the rollup for one (date, category) bucket.
type WebhookAnalytics struct {
	ID                string        `json:"-" bson:"_id"`
	Date              string        `json:"date" bson:"date"`
	Category          EventCategory `json:"category" bson:"category"`
	TotalEvents       int64         `json:"total_events" bson:"total_events"`
	ProcessedEvents   int64         `json:"processed_events" bson:"processed_events"`
	FailedEvents      int64         `json:"failed_events" bson:"failed_events"`
	NewCustomers      int64         `json:"new_customers" bson:"new_customers"`
	JobsCompleted     int64         `json:"jobs_completed" bson:"jobs_completed"`
	EstimatesSent     int64         `json:"estimates_sent" bson:"estimates_sent"`
	InvoicesCreated   int64         `json:"invoices_created" bson:"invoices_created"`
	TotalRevenue      float64       `json:"total_revenue" bson:"total_revenue"`
	ProcessingMsTotal float64       `json:"-" bson:"processing_ms_total"`
	AvgProcessingMs   float64       `json:"avg_processing_ms" bson:"avg_processing_ms"`
	SuccessRate       float64       `json:"success_rate" bson:"success_rate"`
	UpdatedAt         time.Time     `json:"updated_at" bson:"updated_at"`
}

// AnalyticsDelta is the increment one event outcome applies to its bucket.
type AnalyticsDelta struct {
	Date            string
	Category        EventCategory
	Total           int64
	Processed       int64
	Failed          int64
	NewCustomers    int64
	JobsCompleted   int64
	EstimatesSent   int64
	InvoicesCreated int64
	Revenue         float64
	ProcessingMs    float64
}

func (d AnalyticsDelta) Empty() bool {
	return d.Total == 0 && d.Processed == 0 && d.Failed == 0
}

// Apply adds d to the bucket and recomputes the derived figures.
func (a *WebhookAnalytics) Apply(d AnalyticsDelta, now time.Time) {
	a.TotalEvents += d.Total
	a.ProcessedEvents += d.Processed
	a.FailedEvents += d.Failed
	a.NewCustomers += d.NewCustomers
	a.JobsCompleted += d.JobsCompleted
	a.EstimatesSent += d.EstimatesSent
	a.InvoicesCreated += d.InvoicesCreated
	a.TotalRevenue += d.Revenue
	a.ProcessingMsTotal += d.ProcessingMs
	a.Recompute()
	a.UpdatedAt = now
}

// Recompute derives success rate and average processing time from the
// accumulated counters.
func (a *WebhookAnalytics) Recompute() {
	a.SuccessRate = 0
	if a.TotalEvents > 0 {
		a.SuccessRate = float64(a.ProcessedEvents) / float64(a.TotalEvents)
	}
	a.AvgProcessingMs = 0
	if a.ProcessedEvents > 0 {
		a.AvgProcessingMs = a.ProcessingMsTotal / float64(a.ProcessedEvents)
	}
}

func AnalyticsKey(date string, category EventCategory) string {
	return date + "|" + string(category)
}

func BucketDate(t time.Time) string {
	return t.UTC().Format(bucketDateLayout)
}

func ParseBucketDate(s string) (time.Time, error) {
	return time.Parse(bucketDateLayout, s)
}
