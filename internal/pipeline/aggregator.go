package pipeline

import (
	"time"

	"webhook-pipeline/internal/models"
)

var (
	completedActions = map[string]bool{"completed": true, "complete": true, "finished": true, "done": true}
	sentActions      = map[string]bool{"sent": true, "send": true}
	createdActions   = map[string]bool{"created": true, "create": true, "new": true}
)

// SuccessDelta is the bucket increment for an event that just reached
// processed. An event is counted in the total on its first outcome only, so
// a retried event that previously failed adds to processed alone.
func SuccessDelta(ev *models.WebhookEvent, cls Classification, data *models.WebhookProcessedData, elapsed time.Duration) models.AnalyticsDelta {
	delta := models.AnalyticsDelta{
		Date:         ev.BucketDate(),
		Category:     cls.Category,
		Processed:    1,
		ProcessingMs: float64(elapsed) / float64(time.Millisecond),
	}
	if ev.RetryCount == 0 {
		delta.Total = 1
	}
	if data == nil {
		return delta
	}

	if data.IsNewCustomer {
		delta.NewCustomers = 1
	}
	switch cls.Category {
	case models.CategoryJob:
		if completedActions[cls.Action] {
			delta.JobsCompleted = 1
		}
	case models.CategoryEstimate:
		if sentActions[cls.Action] {
			delta.EstimatesSent = 1
		}
	case models.CategoryInvoice:
		if createdActions[cls.Action] {
			delta.InvoicesCreated = 1
		}
	}
	if data.HasAmount() {
		delta.Revenue = *data.Amount
	}
	return delta
}

// FailureDelta counts an event's first failure. Later failed attempts of the
// same event return nil and leave the bucket untouched.
func FailureDelta(ev *models.WebhookEvent, category models.EventCategory) *models.AnalyticsDelta {
	if ev.RetryCount != 0 {
		return nil
	}
	return &models.AnalyticsDelta{
		Date:     ev.BucketDate(),
		Category: category,
		Total:    1,
		Failed:   1,
	}
}
