package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vigild/vigild/internal/config"
	"github.com/vigild/vigild/internal/tool"
)

// VaultTool watches the memory vault itself: it reports notes modified in
// the lookback window and raises an alert when the vault has gone stale.
// Pure filesystem, no network.
type VaultTool struct {
	tool.Metadata
	cfg config.VaultToolConfig
}

// NewVaultTool creates the vault activity plugin.
func NewVaultTool(cfg config.VaultToolConfig) *VaultTool {
	return &VaultTool{
		Metadata: tool.Metadata{
			ToolID:          "vault",
			ToolName:        "Vault Activity",
			ToolDescription: "Recent changes and staleness of the memory vault",
			ToolCategory:    "filesystem",
			DefaultEnabled:  cfg.Enabled,
		},
		cfg: cfg,
	}
}

func (t *VaultTool) Gather(ctx context.Context, gc tool.GatherContext) tool.GatherResult {
	return tool.Timed(func() tool.GatherResult {
		lookback := time.Duration(t.cfg.LookbackHours) * time.Hour
		staleAfter := time.Duration(t.cfg.StaleAfterHours) * time.Hour
		cutoff := gc.Started.Add(-lookback)

		var items []tool.Item
		var newest time.Time

		err := filepath.WalkDir(t.cfg.Path, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				// Skip hidden directories such as .obsidian or .git.
				if strings.HasPrefix(d.Name(), ".") && path != t.cfg.Path {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(d.Name(), ".md") {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.ModTime().After(newest) {
				newest = info.ModTime()
			}
			if info.ModTime().After(cutoff) {
				rel, relErr := filepath.Rel(t.cfg.Path, path)
				if relErr != nil {
					rel = path
				}
				items = append(items, tool.Item{
					Kind:    "modified_note",
					Summary: rel,
					Data: map[string]any{
						"modified_at": info.ModTime().Format(time.RFC3339),
						"size_bytes":  info.Size(),
					},
				})
			}
			return nil
		})
		if err != nil {
			return tool.Fail(t.ID(), fmt.Errorf("vault walk failed: %w", err))
		}

		var alerts []tool.Alert
		if !newest.IsZero() && gc.Started.Sub(newest) > staleAfter {
			alerts = append(alerts, tool.Alert{
				Severity: tool.SeverityWarning,
				Message: fmt.Sprintf("vault has had no changes for %s (last write %s)",
					gc.Started.Sub(newest).Round(time.Hour), newest.Format(time.RFC3339)),
			})
		}

		summary := fmt.Sprintf("%d note(s) modified in the last %dh", len(items), t.cfg.LookbackHours)
		return tool.Succeed(t.ID(), items, alerts, summary)
	})
}

func (t *VaultTool) HealthCheck(_ context.Context) tool.HealthCheckResult {
	if t.cfg.Path == "" {
		return tool.HealthCheckResult{
			ToolID:  t.ID(),
			Healthy: false,
			Missing: []string{"tools.vault.path"},
		}
	}
	if info, err := os.Stat(t.cfg.Path); err != nil || !info.IsDir() {
		return tool.HealthCheckResult{
			ToolID:  t.ID(),
			Healthy: false,
			Detail:  fmt.Sprintf("vault path is not a readable directory: %s", t.cfg.Path),
		}
	}
	return tool.HealthCheckResult{ToolID: t.ID(), Healthy: true}
}

func (t *VaultTool) ConfigSchema() tool.ConfigSchema {
	return tool.ConfigSchema{Keys: []tool.ConfigKey{
		{Name: "tools.vault.path", Required: true, Description: "Root directory of the memory vault"},
		{Name: "tools.vault.lookback_hours", Required: false, Description: "Window for reporting recent changes"},
		{Name: "tools.vault.stale_after_hours", Required: false, Description: "Alert when no note changed for this long"},
	}}
}
