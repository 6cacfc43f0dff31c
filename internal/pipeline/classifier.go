package pipeline

import (
	"strings"

	"webhook-pipeline/internal/models"
)

// Classification is the routing result for one event type string.
type Classification struct {
	Category models.EventCategory
	Subject  string // the recognized subject, e.g. "appointment"
	Action   string // e.g. "completed", empty when the type has no verb
}

var subjectAliases = map[string]models.EventCategory{
	"customer":    models.CategoryCustomer,
	"customers":   models.CategoryCustomer,
	"client":      models.CategoryCustomer,
	"contact":     models.CategoryCustomer,
	"job":         models.CategoryJob,
	"jobs":        models.CategoryJob,
	"work_order":  models.CategoryJob,
	"workorder":   models.CategoryJob,
	"visit":       models.CategoryJob,
	"estimate":    models.CategoryEstimate,
	"estimates":   models.CategoryEstimate,
	"quote":       models.CategoryEstimate,
	"proposal":    models.CategoryEstimate,
	"invoice":     models.CategoryInvoice,
	"invoices":    models.CategoryInvoice,
	"payment":     models.CategoryInvoice,
	"appointment": models.CategoryAppointment,
	"booking":     models.CategoryAppointment,
	"schedule":    models.CategoryAppointment,
	"lead":        models.CategoryLead,
	"leads":       models.CategoryLead,
	"request":     models.CategoryLead,
	"inquiry":     models.CategoryLead,
}

// Classify maps an event type such as "job.completed",
// "job.appointment.scheduled" or "invoice_paid" to its category. It never
// fails: unknown types fall into models.CategoryOther.
func Classify(eventType string) Classification {
	normalized := strings.ToLower(strings.TrimSpace(eventType))
	if normalized == "" {
		return Classification{Category: models.CategoryOther}
	}

	segments := strings.FieldsFunc(normalized, func(r rune) bool {
		return r == '.' || r == ':' || r == '/'
	})
	tokens := segments[:0]
	for _, seg := range segments {
		if tok := normalizeToken(seg); tok != "" {
			tokens = append(tokens, tok)
		}
	}
	segments = tokens
	if len(segments) == 0 {
		return Classification{Category: models.CategoryOther}
	}

	if len(segments) > 1 {
		action := segments[len(segments)-1]
		// The most specific recognized subject wins: job.appointment.scheduled
		// is an appointment event.
		for i := len(segments) - 2; i >= 0; i-- {
			if category, ok := subjectAliases[segments[i]]; ok {
				return Classification{Category: category, Subject: segments[i], Action: action}
			}
		}
		return Classification{Category: models.CategoryOther, Subject: segments[0], Action: action}
	}

	return classifyCompound(segments[0])
}

// classifyCompound handles single-segment types like "payment_received" or
// "work_order_created" by finding the longest known subject prefix.
func classifyCompound(token string) Classification {
	if category, ok := subjectAliases[token]; ok {
		return Classification{Category: category, Subject: token}
	}

	parts := strings.Split(token, "_")
	for i := len(parts) - 1; i >= 1; i-- {
		subject := strings.Join(parts[:i], "_")
		if category, ok := subjectAliases[subject]; ok {
			return Classification{Category: category, Subject: subject, Action: strings.Join(parts[i:], "_")}
		}
	}
	return Classification{Category: models.CategoryOther, Subject: token}
}

func normalizeToken(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	return strings.Trim(s, "_")
}
