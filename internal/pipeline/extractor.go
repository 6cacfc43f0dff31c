package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"webhook-pipeline/internal/models"
	"webhook-pipeline/internal/storage"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ExtractionError means the payload cannot produce a processed record. The
// event is failed rather than stored with a partial projection.
type ExtractionError struct {
	Category models.EventCategory
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s entity: %v", e.Category, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

var ErrPayloadNotObject = errors.New("payload is not a JSON object")

type Extractor struct {
	store    storage.Store
	rules    Rules
	validate *validator.Validate
	now      func() time.Time
}

func NewExtractor(store storage.Store, rules Rules) *Extractor {
	return &Extractor{
		store:    store,
		rules:    rules,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Extract builds the denormalized record for ev. It reads the processed
// history for new/repeat customer detection but writes nothing.
func (x *Extractor) Extract(ctx context.Context, ev *models.WebhookEvent, cls Classification) (*models.WebhookProcessedData, error) {
	obj, err := entityObject(ev.Payload, cls.Category)
	if err != nil {
		return nil, &ExtractionError{Category: cls.Category, Err: err}
	}

	entity := decodeEntity(cls.Category, obj)
	if err := x.validate.Struct(entity); err != nil {
		return nil, &ExtractionError{Category: cls.Category, Err: describeValidation(err)}
	}

	data := &models.WebhookProcessedData{
		ID:           uuid.NewString(),
		EventID:      ev.ID,
		CompanyID:    ev.CompanyID,
		DataType:     ev.EventType,
		DataCategory: cls.Category,
		EntityData:   obj,
		CreatedAt:    x.now(),
	}
	entity.project(data)

	data.IsHighValue = x.rules.IsHighValue(data.Amount)
	data.IsEmergency = x.rules.IsEmergency(data.ServiceType)

	data.CustomerKey = customerKey(data)
	if data.CustomerKey != "" {
		prior, err := x.store.CountCustomerRecords(ctx, ev.CompanyID, data.CustomerKey, ev.ID)
		if err != nil {
			return nil, fmt.Errorf("customer history lookup: %w", err)
		}
		data.IsNewCustomer = prior == 0
		data.IsRepeatCustomer = prior > 0
	}
	return data, nil
}

// EntityID returns the related entity identifier without validating the
// payload. Malformed payloads yield "".
func EntityID(payload []byte, category models.EventCategory) string {
	obj, err := entityObject(payload, category)
	if err != nil {
		return ""
	}
	return decodeEntity(category, obj).EntityID()
}

func entityObject(payload []byte, category models.EventCategory) (map[string]any, error) {
	var root map[string]any
	if err := json.Unmarshal(payload, &root); err != nil || root == nil {
		return nil, ErrPayloadNotObject
	}
	return locateEntity(root, category), nil
}

// locateEntity finds the entity object inside the provider envelope.
func locateEntity(root map[string]any, category models.EventCategory) map[string]any {
	if category != models.CategoryOther {
		if obj := firstMap(root, string(category)); obj != nil {
			return obj
		}
	}
	if data := firstMap(root, "data"); data != nil {
		if category != models.CategoryOther {
			if obj := firstMap(data, string(category)); obj != nil {
				return obj
			}
		}
		if obj := firstMap(data, "object"); obj != nil {
			return obj
		}
		return data
	}
	if obj := firstMap(root, "object"); obj != nil {
		return obj
	}
	return root
}

func customerKey(data *models.WebhookProcessedData) string {
	if data.CustomerID != "" {
		return "id:" + data.CustomerID
	}
	if data.CustomerEmail != "" {
		return "email:" + strings.ToLower(data.CustomerEmail)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, data.CustomerPhone)
	if digits != "" {
		return "phone:" + digits
	}
	return ""
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("missing required fields: %s", strings.Join(fields, ", "))
}
