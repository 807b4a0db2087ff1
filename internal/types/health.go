package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// HealthState represents the health state of a resource or component.
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateDegraded  HealthState = "degraded"
	HealthStateUnhealthy HealthState = "unhealthy"
)

// String returns the string representation of HealthState.
func (s HealthState) String() string {
	return string(s)
}

// IsValid checks if the HealthState is a valid value.
func (s HealthState) IsValid() bool {
	switch s {
	case HealthStateHealthy, HealthStateDegraded, HealthStateUnhealthy:
		return true
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler.
func (s HealthState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *HealthState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := HealthState(str)
	if !state.IsValid() {
		return fmt.Errorf("invalid health state: %s", str)
	}
	*s = state
	return nil
}

// HealthStatus is a health state with its reason and observation time.
// Unhealthy states additionally carry a recoverable hint so supervisors can
// decide between restart and quarantine.
type HealthStatus struct {
	State       HealthState `json:"state"`
	Reason      string      `json:"reason,omitempty"`
	Recoverable bool        `json:"recoverable,omitempty"`
	CheckedAt   time.Time   `json:"checked_at"`
}

// Healthy creates a HealthStatus in the healthy state.
func Healthy() HealthStatus {
	return HealthStatus{State: HealthStateHealthy, CheckedAt: time.Now()}
}

// Degraded creates a HealthStatus in the degraded state with a reason.
func Degraded(reason string) HealthStatus {
	return HealthStatus{State: HealthStateDegraded, Reason: reason, CheckedAt: time.Now()}
}

// Unhealthy creates a HealthStatus in the unhealthy state with a reason and
// a recoverability hint.
func Unhealthy(reason string, recoverable bool) HealthStatus {
	return HealthStatus{
		State:       HealthStateUnhealthy,
		Reason:      reason,
		Recoverable: recoverable,
		CheckedAt:   time.Now(),
	}
}

// IsHealthy returns true if the health state is healthy.
func (h HealthStatus) IsHealthy() bool {
	return h.State == HealthStateHealthy
}

// IsDegraded returns true if the health state is degraded.
func (h HealthStatus) IsDegraded() bool {
	return h.State == HealthStateDegraded
}

// IsUnhealthy returns true if the health state is unhealthy.
func (h HealthStatus) IsUnhealthy() bool {
	return h.State == HealthStateUnhealthy
}
