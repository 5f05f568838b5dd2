package types

import (
	"fmt"
	"strings"
)

const (
	healthyValue    = "HEALTHY"
	unhealthyPrefix = "UNHEALTHY_"
)

// Well-known unhealthy reasons
const (
	HealthReasonRateLimited    = "RATE_LIMITED"
	HealthReasonTimeout        = "TIMEOUT"
	HealthReasonCircuitOpen    = "CIRCUIT_OPEN"
	HealthReasonUpstreamError  = "UPSTREAM_ERROR"
	HealthReasonBudgetExceeded = "BUDGET_EXCEEDED"
	HealthReasonManual         = "MANUAL"
)

// HealthStatus is the health of a stage's cron: either Healthy or
// Unhealthy with a reason. The zero value is Healthy.
type HealthStatus struct {
	Healthy bool
	Reason  string
}

// Healthy returns the healthy variant
func Healthy() HealthStatus {
	return HealthStatus{Healthy: true}
}

// Unhealthy returns the unhealthy variant carrying reason
func Unhealthy(reason string) HealthStatus {
	reason = strings.ToUpper(strings.TrimSpace(reason))
	if reason == "" {
		reason = "UNKNOWN"
	}
	return HealthStatus{Reason: reason}
}

// IsHealthy reports whether the variant is Healthy
func (h HealthStatus) IsHealthy() bool {
	return h.Healthy || h.Reason == ""
}

// String renders the persisted form: HEALTHY or UNHEALTHY_<REASON>
func (h HealthStatus) String() string {
	if h.IsHealthy() {
		return healthyValue
	}
	return unhealthyPrefix + h.Reason
}

// ParseHealthStatus parses the persisted form
func ParseHealthStatus(s string) (HealthStatus, error) {
	switch {
	case s == healthyValue:
		return Healthy(), nil
	case strings.HasPrefix(s, unhealthyPrefix) && len(s) > len(unhealthyPrefix):
		return Unhealthy(strings.TrimPrefix(s, unhealthyPrefix)), nil
	default:
		return HealthStatus{}, fmt.Errorf("invalid health status: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (h HealthStatus) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *HealthStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseHealthStatus(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
