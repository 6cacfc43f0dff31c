package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"webhook-pipeline/internal/models"
	"webhook-pipeline/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJob(t *testing.T) {
	store := storage.NewMemory()
	x := NewExtractor(store, NewRules(DefaultHighValueThreshold, nil))
	ev := newTestEvent(t, store, "job.completed", `{
		"event": "job.completed",
		"job": {
			"id": "job_123",
			"job_number": "J-1001",
			"service_type": "Emergency Plumbing",
			"total_amount": "$1,250.50",
			"scheduled_start": "2025-03-14T09:00:00-05:00",
			"assigned_employees": [{"first_name": "Sam", "last_name": "Ortiz"}],
			"customer": {"id": "cus_9", "first_name": "Ada", "last_name": "Lane", "email": "ADA@example.com"},
			"address": {"street": "1 Main St", "city": "Austin", "state": "TX", "zip": "78701"}
		}
	}`)

	data, err := x.Extract(context.Background(), ev, Classify(ev.EventType))
	require.NoError(t, err)

	assert.Equal(t, ev.ID, data.EventID)
	assert.Equal(t, models.CategoryJob, data.DataCategory)
	assert.Equal(t, "job.completed", data.DataType)
	assert.Equal(t, "J-1001", data.JobNumber)
	assert.Equal(t, "cus_9", data.CustomerID)
	assert.Equal(t, "Ada Lane", data.CustomerName)
	assert.Equal(t, "Sam Ortiz", data.Technician)
	assert.Equal(t, "Austin", data.City)
	assert.Equal(t, "Austin, TX 78701", data.Location)
	require.NotNil(t, data.Amount)
	assert.InDelta(t, 1250.50, *data.Amount, 0.001)
	require.NotNil(t, data.ServiceDate)
	assert.Equal(t, 14, data.ServiceDate.Hour())
	assert.True(t, data.IsHighValue)
	assert.True(t, data.IsEmergency)
	assert.True(t, data.IsNewCustomer)
	assert.False(t, data.IsRepeatCustomer)
	assert.Equal(t, "job_123", data.EntityData["id"])
}

func TestExtractInvoiceCents(t *testing.T) {
	store := storage.NewMemory()
	x := NewExtractor(store, NewRules(DefaultHighValueThreshold, nil))
	ev := newTestEvent(t, store, "invoice.created", `{"data": {"object": {"invoice_number": "INV-7", "amount_cents": 50000, "customer_email": "bo@example.com"}}}`)

	data, err := x.Extract(context.Background(), ev, Classify(ev.EventType))
	require.NoError(t, err)
	assert.Equal(t, "INV-7", data.InvoiceNumber)
	require.NotNil(t, data.Amount)
	assert.InDelta(t, 500.0, *data.Amount, 0.001)
	assert.False(t, data.IsHighValue, "exactly the threshold is not high-value")
	assert.Equal(t, "bo@example.com", data.CustomerEmail)
}

func TestExtractRepeatCustomer(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	x := NewExtractor(store, NewRules(DefaultHighValueThreshold, nil))

	first := newTestEvent(t, store, "job.created", `{"job": {"id": "j1", "customer": {"email": "pat@example.com"}}}`)
	data, err := x.Extract(ctx, first, Classify(first.EventType))
	require.NoError(t, err)
	assert.True(t, data.IsNewCustomer)
	created, err := store.InsertProcessedData(ctx, data)
	require.NoError(t, err)
	require.True(t, created)

	second := newTestEvent(t, store, "estimate.sent", `{"estimate": {"id": "e1", "customer": {"email": "Pat@Example.com"}}}`)
	data, err = x.Extract(ctx, second, Classify(second.EventType))
	require.NoError(t, err)
	assert.False(t, data.IsNewCustomer)
	assert.True(t, data.IsRepeatCustomer)
}

func TestExtractErrors(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   string
		wantErr   error
	}{
		{"not json", "job.completed", `{not json`, ErrPayloadNotObject},
		{"json array", "job.completed", `[1,2,3]`, ErrPayloadNotObject},
		{"missing job id", "job.completed", `{"job": {"service_type": "hvac"}}`, nil},
		{"missing customer id", "customer.created", `{"customer": {"name": "x"}}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemory()
			x := NewExtractor(store, NewRules(DefaultHighValueThreshold, nil))
			ev := newTestEvent(t, store, tt.eventType, tt.payload)

			_, err := x.Extract(context.Background(), ev, Classify(ev.EventType))
			require.Error(t, err)
			var extractionErr *ExtractionError
			assert.ErrorAs(t, err, &extractionErr)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestExtractOtherCategoryKeepsRawPayload(t *testing.T) {
	store := storage.NewMemory()
	x := NewExtractor(store, NewRules(DefaultHighValueThreshold, nil))
	ev := newTestEvent(t, store, "pricebook.updated", `{"id": "pb_1", "items": 3}`)

	data, err := x.Extract(context.Background(), ev, Classify(ev.EventType))
	require.NoError(t, err)
	assert.Equal(t, models.CategoryOther, data.DataCategory)
	assert.Equal(t, "pb_1", data.EntityData["id"])
	assert.Nil(t, data.Amount)
	assert.False(t, data.IsNewCustomer)
}

func TestExtractIgnoresNonFiniteAmounts(t *testing.T) {
	store := storage.NewMemory()
	x := NewExtractor(store, NewRules(DefaultHighValueThreshold, nil))

	for _, amount := range []string{"NaN", "Inf", "-Infinity", "1e400"} {
		t.Run(amount, func(t *testing.T) {
			ev := newTestEvent(t, store, "job.completed", `{"job": {"id": "j2", "amount": "`+amount+`"}}`)

			data, err := x.Extract(context.Background(), ev, Classify(ev.EventType))
			require.NoError(t, err)
			assert.Nil(t, data.Amount)
			assert.False(t, data.IsHighValue)

			_, err = json.Marshal(data)
			assert.NoError(t, err)
		})
	}

	ev := newTestEvent(t, store, "job.completed", `{"job": {"id": "j3", "amount": "NaN", "total_amount": 900}}`)
	data, err := x.Extract(context.Background(), ev, Classify(ev.EventType))
	require.NoError(t, err)
	require.NotNil(t, data.Amount, "a later finite field still counts")
	assert.InDelta(t, 900.0, *data.Amount, 0.001)
}

func TestEntityID(t *testing.T) {
	assert.Equal(t, "job_1", EntityID([]byte(`{"job": {"id": "job_1"}}`), models.CategoryJob))
	assert.Equal(t, "INV-2", EntityID([]byte(`{"invoice_number": "INV-2"}`), models.CategoryInvoice))
	assert.Equal(t, "", EntityID([]byte(`garbage`), models.CategoryJob))
}
