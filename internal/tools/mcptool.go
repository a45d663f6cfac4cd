// Package tools holds the concrete gather plugins shipped with the daemon.
// The registry and runner never special-case any of them.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/vigild/vigild/internal/config"
	"github.com/vigild/vigild/internal/mcp"
	"github.com/vigild/vigild/internal/metrics"
	"github.com/vigild/vigild/internal/tool"
)

// MCPTool gathers by invoking one tool on an external MCP server. It owns
// its bridge for the process lifetime and starts it lazily on first use, so
// a misconfigured server degrades to failed gathers instead of aborting
// startup.
type MCPTool struct {
	tool.Metadata

	cfg    config.MCPToolConfig
	bridge *mcp.Bridge
	met    *metrics.Metrics
	logger *slog.Logger

	startMu sync.Mutex
}

// NewMCPTool creates a plugin backed by the configured MCP server.
func NewMCPTool(cfg config.MCPToolConfig, met *metrics.Metrics, logger *slog.Logger) *MCPTool {
	category := cfg.Category
	if category == "" {
		category = "mcp"
	}
	return &MCPTool{
		Metadata: tool.Metadata{
			ToolID:          cfg.ID,
			ToolName:        cfg.Name,
			ToolDescription: cfg.Description,
			ToolCategory:    category,
			DefaultEnabled:  cfg.Enabled,
		},
		cfg:    cfg,
		bridge: mcp.NewBridge(cfg.Server, logger),
		met:    met,
		logger: logger.With("component", "mcp_tool", "id", cfg.ID),
	}
}

// ensureStarted brings the bridge up exactly once across cycles.
func (t *MCPTool) ensureStarted() error {
	t.startMu.Lock()
	defer t.startMu.Unlock()

	if t.bridge.IsReady() {
		return nil
	}
	return t.bridge.Start()
}

// Gather calls the configured MCP tool and folds its content blocks into a
// result. Bridge and protocol failures are encoded as a failed result, never
// propagated.
func (t *MCPTool) Gather(_ context.Context, gc tool.GatherContext) tool.GatherResult {
	return tool.Timed(func() tool.GatherResult {
		if err := t.ensureStarted(); err != nil {
			t.observe("start", "error")
			return tool.Fail(t.ID(), err)
		}

		args := make(map[string]any, len(t.cfg.Arguments))
		for k, v := range t.cfg.Arguments {
			args[k] = v
		}

		result, err := t.bridge.CallTool(t.cfg.Call, args)
		if err != nil {
			t.observe("tools/call", "error")
			return tool.Fail(t.ID(), err)
		}
		t.observe("tools/call", "ok")

		if result.IsError {
			return tool.Fail(t.ID(), fmt.Errorf("mcp tool reported an error: %s", flatten(result.Content)))
		}

		var items []tool.Item
		for _, block := range result.Content {
			if block.Text == "" {
				continue
			}
			items = append(items, tool.Item{
				Kind:    block.Type,
				Summary: block.Text,
			})
		}

		summary := fmt.Sprintf("%s returned %d item(s)", t.cfg.Call, len(items))
		return tool.Succeed(t.ID(), items, nil, summary)
	})
}

// HealthCheck verifies the server command resolves and the declared
// environment is present. It never spawns the server.
func (t *MCPTool) HealthCheck(_ context.Context) tool.HealthCheckResult {
	result := tool.SchemaHealthCheck(t.ID(), t.ConfigSchema(), nil)
	if !result.Healthy {
		return result
	}

	if _, err := exec.LookPath(t.cfg.Server.Command); err != nil {
		return tool.HealthCheckResult{
			ToolID:  t.ID(),
			Healthy: false,
			Missing: []string{t.cfg.Server.Command},
			Detail:  fmt.Sprintf("mcp server command not found: %s", t.cfg.Server.Command),
		}
	}
	return result
}

// ConfigSchema declares the env vars the MCP server needs at spawn time.
func (t *MCPTool) ConfigSchema() tool.ConfigSchema {
	schema := tool.ConfigSchema{}
	for _, name := range t.cfg.RequiredEnv {
		schema.Keys = append(schema.Keys, tool.ConfigKey{
			Name:     name,
			Required: true,
		})
	}
	return schema
}

// Close tears the bridge down at shutdown.
func (t *MCPTool) Close() {
	t.bridge.Stop()
}

func (t *MCPTool) observe(method, status string) {
	if t.met != nil {
		t.met.BridgeRequests.WithLabelValues(method, status).Inc()
	}
}

func flatten(blocks []mcp.ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, " ")
}
