package models

// EventCategory is the coarse classification used for routing and analytics.
type EventCategory string

const (
	CategoryCustomer    EventCategory = "customer"
	CategoryJob         EventCategory = "job"
	CategoryEstimate    EventCategory = "estimate"
	CategoryInvoice     EventCategory = "invoice"
	CategoryAppointment EventCategory = "appointment"
	CategoryLead        EventCategory = "lead"
	CategoryOther       EventCategory = "other" // catch-all for unrecognized event types
)

var Categories = []EventCategory{
	CategoryCustomer,
	CategoryJob,
	CategoryEstimate,
	CategoryInvoice,
	CategoryAppointment,
	CategoryLead,
	CategoryOther,
}

func (c EventCategory) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}
