// Package registry maintains the authoritative, insertion-ordered collection
// of gather tools and answers which of them participate in a cycle.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/vigild/vigild/internal/tool"
)

// DuplicateToolError reports an attempt to register a second tool under an
// id that is already taken. Registration is aborted and the first tool is
// retained; silently overwriting could hide a stale duplicate shadowing a
// newer one.
type DuplicateToolError struct {
	ToolID string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool already registered: %s", e.ToolID)
}

// Filter narrows the registered set for one run. An id present in both lists
// is excluded: explicit disable always wins.
type Filter struct {
	EnabledTools  []string
	DisabledTools []string
}

// Registry owns the set of registered tools. Iteration always follows
// registration order so cycle results are deterministic.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byID   map[string]tool.Tool
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		byID:   make(map[string]tool.Tool),
		logger: logger.With("component", "registry"),
	}
}

// Register inserts a tool by id. It fails with DuplicateToolError if the id
// already exists; this is a programmer error, not a runtime condition.
func (r *Registry) Register(t tool.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := t.ID()
	if _, exists := r.byID[id]; exists {
		return &DuplicateToolError{ToolID: id}
	}

	r.byID[id] = t
	r.order = append(r.order, id)

	r.logger.Info("tool registered",
		"id", id,
		"name", t.Name(),
		"category", t.Category(),
		"enabled", t.Enabled(),
	)
	return nil
}

// Unregister removes a tool by id. Removing an unknown id is a no-op;
// cleanup paths may race with shutdown and must not fail.
func (r *Registry) Unregister(toolID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[toolID]; !exists {
		r.logger.Debug("unregister of unknown tool ignored", "id", toolID)
		return
	}

	delete(r.byID, toolID)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == toolID })
	r.logger.Info("tool unregistered", "id", toolID)
}

// Get retrieves a tool by its id.
func (r *Registry) Get(toolID string) (tool.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.byID[toolID]
	return t, ok
}

// List returns all registered tools in registration order.
func (r *Registry) List() []tool.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]tool.Tool, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.byID[id])
	}
	return result
}

// ListEnabled returns the tools participating in a run: default-enabled, not
// explicitly disabled, and listed in the allow list when one is set. Order
// follows registration order, never config list order.
func (r *Registry) ListEnabled(f Filter) []tool.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]tool.Tool, 0, len(r.order))
	for _, id := range r.order {
		t := r.byID[id]
		if !t.Enabled() {
			continue
		}
		if slices.Contains(f.DisabledTools, id) {
			continue
		}
		if len(f.EnabledTools) > 0 && !slices.Contains(f.EnabledTools, id) {
			continue
		}
		result = append(result, t)
	}
	return result
}

// HealthCheckAll probes every registered tool concurrently. Each check is
// isolated: a panic inside one tool's probe is captured as a failing result
// and never aborts the others. Results follow registration order.
func (r *Registry) HealthCheckAll(ctx context.Context) []tool.HealthCheckResult {
	tools := r.List()
	results := make([]tool.HealthCheckResult, len(tools))

	var wg sync.WaitGroup
	for i, t := range tools {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("health check panicked", "id", t.ID(), "panic", rec)
					results[i] = tool.HealthCheckResult{
						ToolID:  t.ID(),
						Healthy: false,
						Detail:  fmt.Sprintf("health check panicked: %v", rec),
					}
				}
			}()
			results[i] = t.HealthCheck(ctx)
		}()
	}
	wg.Wait()

	return results
}

// FormatStatus renders the current registry state for display. Pure and
// side-effect free.
func (r *Registry) FormatStatus(f Filter) string {
	all := r.List()
	enabled := r.ListEnabled(f)

	categories := make(map[string]int)
	for _, t := range all {
		categories[t.Category()]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d tool(s) registered, %d enabled\n", len(all), len(enabled))

	catNames := make([]string, 0, len(categories))
	for c := range categories {
		catNames = append(catNames, c)
	}
	slices.Sort(catNames)
	for _, c := range catNames {
		fmt.Fprintf(&b, "  %s: %d\n", c, categories[c])
	}
	return b.String()
}
