package pipeline

import "strings"

// DefaultEmergencyServiceTypes is used when no allowlist is configured.
var DefaultEmergencyServiceTypes = []string{
	"emergency",
	"emergency_plumbing",
	"emergency_hvac",
	"emergency_electrical",
	"emergency_repair",
	"after_hours",
}

const DefaultHighValueThreshold = 500.0

// Rules holds the business thresholds behind the derived flags.
type Rules struct {
	HighValueThreshold float64
	emergency          map[string]struct{}
}

func NewRules(highValueThreshold float64, emergencyServiceTypes []string) Rules {
	if len(emergencyServiceTypes) == 0 {
		emergencyServiceTypes = DefaultEmergencyServiceTypes
	}
	allow := make(map[string]struct{}, len(emergencyServiceTypes))
	for _, t := range emergencyServiceTypes {
		if n := normalizeServiceType(t); n != "" {
			allow[n] = struct{}{}
		}
	}
	return Rules{HighValueThreshold: highValueThreshold, emergency: allow}
}

// IsHighValue is amount > threshold. A missing amount is never high-value.
func (r Rules) IsHighValue(amount *float64) bool {
	return amount != nil && *amount > r.HighValueThreshold
}

func (r Rules) IsEmergency(serviceType string) bool {
	_, ok := r.emergency[normalizeServiceType(serviceType)]
	return ok
}

func normalizeServiceType(s string) string {
	return normalizeToken(strings.ToLower(s))
}
