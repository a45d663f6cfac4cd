// Package tool defines the capability contract every gather plugin satisfies,
// plus the shared result and health-check value types the runner consumes.
package tool

import (
	"context"
	"time"
)

// Severity labels an alert item for downstream routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Item is one structured record produced by a gather call. The core treats
// the payload as opaque; only the producing plugin knows its semantics.
type Item struct {
	Kind    string         `json:"kind"`
	Summary string         `json:"summary"`
	Data    map[string]any `json:"data,omitempty"`
}

// Alert is an item flagged as needing attention.
type Alert struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// GatherResult is the outcome of one gather attempt by one plugin.
// A failed result carries an error reason and no items or alerts.
type GatherResult struct {
	ToolID     string  `json:"tool_id"`
	Success    bool    `json:"success"`
	Items      []Item  `json:"items,omitempty"`
	Alerts     []Alert `json:"alerts,omitempty"`
	Summary    string  `json:"summary,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMs int64   `json:"duration_ms"`
}

// HealthCheckResult reports whether a plugin's prerequisites are satisfied.
type HealthCheckResult struct {
	ToolID  string   `json:"tool_id"`
	Healthy bool     `json:"healthy"`
	Missing []string `json:"missing,omitempty"`
	Detail  string   `json:"detail,omitempty"`
}

// ConfigKey declares one configuration value a plugin recognizes.
type ConfigKey struct {
	Name        string `json:"name"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// ConfigSchema declares the configuration surface of a plugin. It is consumed
// by setup and validation tooling, not by the runner.
type ConfigSchema struct {
	Keys []ConfigKey `json:"keys"`
}

// RequiredKeys returns the names of all required configuration keys.
func (s ConfigSchema) RequiredKeys() []string {
	var names []string
	for _, k := range s.Keys {
		if k.Required {
			names = append(names, k.Name)
		}
	}
	return names
}

// GatherContext is the read-only per-cycle input handed to every gather call.
type GatherContext struct {
	CycleID   string            // identifies the cycle that issued the call
	Checklist string            // active checklist text, opaque to plugins
	Settings  map[string]string // tool-specific configuration values
	Started   time.Time         // cycle start, for relative lookbacks
}

// Tool is the uniform capability surface the runner fans out over. A plugin
// must catch its own errors and encode them into a failed GatherResult; the
// runner isolates panics as a safety net, but well-behaved plugins never rely
// on it.
type Tool interface {
	// ID returns the unique, stable key used for enable/disable filtering
	// and health reporting.
	ID() string

	// Name returns a human-readable display name.
	Name() string

	// Description returns a short description of what the tool watches.
	Description() string

	// Category returns a grouping label with no behavioral effect.
	Category() string

	// Enabled reports the tool's default participation flag. Per-run
	// configuration allow/deny lists override it.
	Enabled() bool

	// Gather fetches fresh data from the tool's external system.
	Gather(ctx context.Context, gc GatherContext) GatherResult

	// HealthCheck is a cheap probe of whether prerequisites are satisfied.
	// It must not perform the expensive work Gather does.
	HealthCheck(ctx context.Context) HealthCheckResult

	// ConfigSchema declares the configuration keys the tool recognizes.
	ConfigSchema() ConfigSchema
}
