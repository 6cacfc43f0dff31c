package pipeline

import (
	"strings"
	"time"

	"webhook-pipeline/internal/models"
)

// Entity is the typed, category-specific view of a payload. Each variant
// carries validator tags for the fields it cannot do without.
type Entity interface {
	EntityID() string
	project(data *models.WebhookProcessedData)
}

type CustomerRef struct {
	ID    string
	Name  string
	Email string
	Phone string
}

type Address struct {
	Street     string
	City       string
	State      string
	PostalCode string
	Text       string // free-form location when no structured address exists
}

func (a Address) String() string {
	if a.City == "" && a.State == "" && a.PostalCode == "" {
		if a.Text != "" {
			return a.Text
		}
		return a.Street
	}
	region := strings.TrimSpace(a.State + " " + a.PostalCode)
	parts := make([]string, 0, 2)
	if a.City != "" {
		parts = append(parts, a.City)
	}
	if region != "" {
		parts = append(parts, region)
	}
	return strings.Join(parts, ", ")
}

type CustomerEntity struct {
	ID      string `validate:"required"`
	Name    string
	Email   string
	Phone   string
	Address Address
}

func (e *CustomerEntity) EntityID() string { return e.ID }

func (e *CustomerEntity) project(data *models.WebhookProcessedData) {
	setCustomer(data, CustomerRef{ID: e.ID, Name: e.Name, Email: e.Email, Phone: e.Phone})
	setAddress(data, e.Address)
}

type JobEntity struct {
	ID          string `validate:"required_without=JobNumber"`
	JobNumber   string `validate:"required_without=ID"`
	Customer    CustomerRef
	ServiceType string
	ServiceDate *time.Time
	Technician  string
	Amount      *float64
	Address     Address
}

func (e *JobEntity) EntityID() string { return firstNonEmpty(e.ID, e.JobNumber) }

func (e *JobEntity) project(data *models.WebhookProcessedData) {
	setCustomer(data, e.Customer)
	setAddress(data, e.Address)
	data.JobNumber = e.JobNumber
	data.ServiceType = e.ServiceType
	data.ServiceDate = e.ServiceDate
	data.Technician = e.Technician
	data.Amount = e.Amount
}

type EstimateEntity struct {
	ID             string `validate:"required_without=EstimateNumber"`
	EstimateNumber string `validate:"required_without=ID"`
	Customer       CustomerRef
	ServiceType    string
	ServiceDate    *time.Time
	Technician     string
	Amount         *float64
	Address        Address
}

func (e *EstimateEntity) EntityID() string { return firstNonEmpty(e.ID, e.EstimateNumber) }

func (e *EstimateEntity) project(data *models.WebhookProcessedData) {
	setCustomer(data, e.Customer)
	setAddress(data, e.Address)
	data.EstimateNumber = e.EstimateNumber
	data.ServiceType = e.ServiceType
	data.ServiceDate = e.ServiceDate
	data.Technician = e.Technician
	data.Amount = e.Amount
}

type InvoiceEntity struct {
	ID            string `validate:"required_without=InvoiceNumber"`
	InvoiceNumber string `validate:"required_without=ID"`
	JobNumber     string
	Customer      CustomerRef
	ServiceType   string
	ServiceDate   *time.Time
	Amount        *float64
	Address       Address
}

func (e *InvoiceEntity) EntityID() string { return firstNonEmpty(e.ID, e.InvoiceNumber) }

func (e *InvoiceEntity) project(data *models.WebhookProcessedData) {
	setCustomer(data, e.Customer)
	setAddress(data, e.Address)
	data.InvoiceNumber = e.InvoiceNumber
	data.JobNumber = e.JobNumber
	data.ServiceType = e.ServiceType
	data.ServiceDate = e.ServiceDate
	data.Amount = e.Amount
}

type AppointmentEntity struct {
	ID          string `validate:"required"`
	JobNumber   string
	Customer    CustomerRef
	ServiceType string
	ServiceDate *time.Time
	Technician  string
	Address     Address
}

func (e *AppointmentEntity) EntityID() string { return e.ID }

func (e *AppointmentEntity) project(data *models.WebhookProcessedData) {
	setCustomer(data, e.Customer)
	setAddress(data, e.Address)
	data.JobNumber = e.JobNumber
	data.ServiceType = e.ServiceType
	data.ServiceDate = e.ServiceDate
	data.Technician = e.Technician
}

type LeadEntity struct {
	ID          string `validate:"required"`
	Customer    CustomerRef
	ServiceType string
	Amount      *float64
	Address     Address
}

func (e *LeadEntity) EntityID() string { return e.ID }

func (e *LeadEntity) project(data *models.WebhookProcessedData) {
	setCustomer(data, e.Customer)
	setAddress(data, e.Address)
	data.ServiceType = e.ServiceType
	data.Amount = e.Amount
}

// RawEntity is the fallback variant for unrecognized event types.
type RawEntity struct {
	ID string
}

func (e *RawEntity) EntityID() string { return e.ID }

func (e *RawEntity) project(data *models.WebhookProcessedData) {}

// decodeEntity builds the variant for category from the located entity object.
func decodeEntity(category models.EventCategory, obj map[string]any) Entity {
	id := firstString(obj, "id", string(category)+"_id", "uuid")
	switch category {
	case models.CategoryCustomer:
		return &CustomerEntity{
			ID:      firstNonEmpty(id, firstString(obj, "customer_id")),
			Name:    personName(obj),
			Email:   firstString(obj, "email", "email_address"),
			Phone:   firstString(obj, "mobile_number", "phone_number", "phone", "home_number", "work_number"),
			Address: extractAddress(obj),
		}
	case models.CategoryJob:
		return &JobEntity{
			ID:          id,
			JobNumber:   firstString(obj, "job_number", "work_order_number", "invoice_number", "number"),
			Customer:    extractCustomerRef(obj),
			ServiceType: extractServiceType(obj),
			ServiceDate: extractServiceDate(obj),
			Technician:  extractTechnician(obj),
			Amount:      extractAmount(obj),
			Address:     extractAddress(obj),
		}
	case models.CategoryEstimate:
		return &EstimateEntity{
			ID:             id,
			EstimateNumber: firstString(obj, "estimate_number", "quote_number", "number"),
			Customer:       extractCustomerRef(obj),
			ServiceType:    extractServiceType(obj),
			ServiceDate:    extractServiceDate(obj),
			Technician:     extractTechnician(obj),
			Amount:         extractAmount(obj),
			Address:        extractAddress(obj),
		}
	case models.CategoryInvoice:
		return &InvoiceEntity{
			ID:            id,
			InvoiceNumber: firstString(obj, "invoice_number", "number"),
			JobNumber:     firstString(obj, "job_number"),
			Customer:      extractCustomerRef(obj),
			ServiceType:   extractServiceType(obj),
			ServiceDate:   firstTime(obj, "service_date", "invoice_date", "paid_at", "due_at", "sent_at"),
			Amount:        firstAmount(obj, "amount", "total_amount", "total", "amount_paid", "amount_due", "amount_cents", "total_amount_cents"),
			Address:       extractAddress(obj),
		}
	case models.CategoryAppointment:
		return &AppointmentEntity{
			ID:          id,
			JobNumber:   firstString(obj, "job_number"),
			Customer:    extractCustomerRef(obj),
			ServiceType: extractServiceType(obj),
			ServiceDate: firstTime(obj, "start_time", "scheduled_start", "service_date", "starts_at", "date"),
			Technician:  extractTechnician(obj),
			Address:     extractAddress(obj),
		}
	case models.CategoryLead:
		return &LeadEntity{
			ID:          id,
			Customer:    extractCustomerRef(obj),
			ServiceType: extractServiceType(obj),
			Amount:      firstAmount(obj, "estimated_value", "value", "amount"),
			Address:     extractAddress(obj),
		}
	}
	return &RawEntity{ID: id}
}

func extractCustomerRef(obj map[string]any) CustomerRef {
	var ref CustomerRef
	if c := firstMap(obj, "customer", "client", "contact"); c != nil {
		ref = CustomerRef{
			ID:    firstString(c, "id", "customer_id"),
			Name:  personName(c),
			Email: firstString(c, "email", "email_address"),
			Phone: firstString(c, "mobile_number", "phone_number", "phone", "home_number"),
		}
	}
	ref.ID = firstNonEmpty(ref.ID, firstString(obj, "customer_id", "client_id"))
	ref.Name = firstNonEmpty(ref.Name, firstString(obj, "customer_name", "client_name"))
	ref.Email = firstNonEmpty(ref.Email, firstString(obj, "customer_email", "email"))
	ref.Phone = firstNonEmpty(ref.Phone, firstString(obj, "customer_phone", "phone", "phone_number"))
	return ref
}

func extractAddress(obj map[string]any) Address {
	m := firstMap(obj, "address", "service_address", "location")
	if m == nil {
		m = firstListMap(obj, "addresses")
	}
	if m == nil {
		if c := firstMap(obj, "customer"); c != nil {
			m = firstListMap(c, "addresses")
		}
	}
	if m == nil {
		m = obj
	}

	addr := Address{
		Street:     firstString(m, "street", "street_line_1", "address_line_1", "line1"),
		City:       firstString(m, "city"),
		State:      firstString(m, "state", "region", "province"),
		PostalCode: firstString(m, "zip", "postal_code", "zip_code"),
	}
	if text, ok := obj["location"].(string); ok {
		addr.Text = strings.TrimSpace(text)
	}
	return addr
}

func extractServiceType(obj map[string]any) string {
	if s := firstString(obj, "service_type", "job_type", "service_category", "service"); s != "" {
		return s
	}
	if jt := firstMap(obj, "job_type", "service_type"); jt != nil {
		return firstString(jt, "name", "value")
	}
	return ""
}

func extractServiceDate(obj map[string]any) *time.Time {
	if t := firstTime(obj, "service_date", "scheduled_start", "scheduled_at", "start_time", "completed_at", "date"); t != nil {
		return t
	}
	if schedule := firstMap(obj, "schedule"); schedule != nil {
		return firstTime(schedule, "scheduled_start", "start_time", "start")
	}
	return nil
}

func extractTechnician(obj map[string]any) string {
	if s := firstString(obj, "technician", "technician_name", "employee_name", "assigned_to"); s != "" {
		return s
	}
	if m := firstMap(obj, "technician", "assigned_employee", "employee"); m != nil {
		return personName(m)
	}
	if m := firstListMap(obj, "assigned_employees", "technicians"); m != nil {
		return personName(m)
	}
	return ""
}

func extractAmount(obj map[string]any) *float64 {
	return firstAmount(obj, "amount", "total_amount", "total", "subtotal", "price", "total_amount_cents", "amount_cents")
}

func setCustomer(data *models.WebhookProcessedData, ref CustomerRef) {
	data.CustomerID = ref.ID
	data.CustomerName = ref.Name
	data.CustomerEmail = ref.Email
	data.CustomerPhone = ref.Phone
}

func setAddress(data *models.WebhookProcessedData, addr Address) {
	data.City = addr.City
	data.Location = addr.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
