package tool

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Succeed builds a successful GatherResult for the given tool.
func Succeed(toolID string, items []Item, alerts []Alert, summary string) GatherResult {
	return GatherResult{
		ToolID:  toolID,
		Success: true,
		Items:   items,
		Alerts:  alerts,
		Summary: summary,
	}
}

// Fail builds a failed GatherResult carrying only the error reason.
func Fail(toolID string, err error) GatherResult {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	return GatherResult{
		ToolID:  toolID,
		Success: false,
		Error:   reason,
	}
}

// Timed runs fn and stamps the elapsed wall-clock time onto its result.
func Timed(fn func() GatherResult) GatherResult {
	start := time.Now()
	result := fn()
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// RequireEnv reads a required environment variable, returning an error rather
// than an empty string so callers fail their health check instead of failing
// mid-gather.
func RequireEnv(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is not set", name)
	}
	return v, nil
}

// SchemaHealthCheck is the default health check: it verifies every required
// key declared in the schema resolves to a non-empty value, checking the
// tool's settings first and the process environment second. Plugins with no
// cheaper custom probe use it directly.
func SchemaHealthCheck(toolID string, schema ConfigSchema, settings map[string]string) HealthCheckResult {
	var missing []string
	for _, name := range schema.RequiredKeys() {
		if settings[name] != "" {
			continue
		}
		if os.Getenv(name) != "" {
			continue
		}
		missing = append(missing, name)
	}

	result := HealthCheckResult{ToolID: toolID, Healthy: len(missing) == 0, Missing: missing}
	if !result.Healthy {
		result.Detail = fmt.Sprintf("%d required configuration value(s) missing", len(missing))
	}
	return result
}

// Metadata carries the registration-time identity shared by every plugin.
// Concrete tools embed it and implement only the behavior methods,
// composition instead of a mandatory base type.
type Metadata struct {
	ToolID          string
	ToolName        string
	ToolDescription string
	ToolCategory    string
	DefaultEnabled  bool
}

func (m Metadata) ID() string          { return m.ToolID }
func (m Metadata) Name() string        { return m.ToolName }
func (m Metadata) Description() string { return m.ToolDescription }
func (m Metadata) Category() string    { return m.ToolCategory }
func (m Metadata) Enabled() bool       { return m.DefaultEnabled }

// Func adapts plain functions into a Tool, used by tests and one-off tools.
type Func struct {
	Metadata
	GatherFunc func(ctx context.Context, gc GatherContext) GatherResult
	HealthFunc func(ctx context.Context) HealthCheckResult
	Schema     ConfigSchema
}

func (f *Func) Gather(ctx context.Context, gc GatherContext) GatherResult {
	if f.GatherFunc == nil {
		return Fail(f.ToolID, fmt.Errorf("no gather function configured"))
	}
	return Timed(func() GatherResult { return f.GatherFunc(ctx, gc) })
}

func (f *Func) HealthCheck(ctx context.Context) HealthCheckResult {
	if f.HealthFunc != nil {
		return f.HealthFunc(ctx)
	}
	return SchemaHealthCheck(f.ToolID, f.Schema, nil)
}

func (f *Func) ConfigSchema() ConfigSchema { return f.Schema }
