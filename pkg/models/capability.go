package models

import "time"

// CapabilityStatus is the availability of one capability in the manifest.
type CapabilityStatus string

const (
	CapabilityEnabled  CapabilityStatus = "enabled"
	CapabilityDisabled CapabilityStatus = "disabled"
	CapabilityDegraded CapabilityStatus = "degraded"
)

// CapabilityEntry describes one capability's availability and fallback.
type CapabilityEntry struct {
	Status       CapabilityStatus `json:"status"`
	Fallback     string           `json:"fallback,omitempty"`
	RolloutNotes string           `json:"rollout_notes,omitempty"`
}

// CapabilityProfile is a read-only description of what the active build
// supports, keyed by tool id. Snapshots are immutable; adapters and callers
// never mutate them.
type CapabilityProfile struct {
	ProfileID    string                     `json:"profile_id"`
	LastUpdated  time.Time                  `json:"last_updated"`
	Capabilities map[string]CapabilityEntry `json:"capabilities"`

	// Providers lists per-backend runtime features.
	Providers map[Provider]ProviderFeatures `json:"providers,omitempty"`
}

// ProviderFeatures advertises what one backend supports. Backends lacking a
// feature report a no-op/empty value at runtime rather than erroring.
type ProviderFeatures struct {
	Streaming bool `json:"streaming"`
	ToolCalls bool `json:"tool_calls"`
	LogProbs  bool `json:"log_probs"`
}

// HealthState is the coarse service health.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus is the getHealthStatus response.
type HealthStatus struct {
	Status     HealthState            `json:"status"`
	Message    string                 `json:"message,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Components map[string]HealthState `json:"components,omitempty"`
}
