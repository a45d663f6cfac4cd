package registry

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigild/vigild/internal/tool"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func fakeTool(id string, enabled bool) *tool.Func {
	return &tool.Func{
		Metadata: tool.Metadata{
			ToolID:         id,
			ToolName:       id,
			ToolCategory:   "test",
			DefaultEnabled: enabled,
		},
	}
}

func TestRegister_DuplicateID(t *testing.T) {
	reg := New(testLogger())

	first := fakeTool("slack", true)
	require.NoError(t, reg.Register(first))

	err := reg.Register(fakeTool("slack", true))
	var dup *DuplicateToolError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "slack", dup.ToolID)

	// The first registration is retained.
	got, ok := reg.Get("slack")
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Len(t, reg.List(), 1)
}

func TestUnregister_UnknownIsNoOp(t *testing.T) {
	reg := New(testLogger())
	require.NoError(t, reg.Register(fakeTool("drive", true)))

	reg.Unregister("nope")
	reg.Unregister("drive")
	reg.Unregister("drive")

	assert.Empty(t, reg.List())
}

func TestListEnabled_FilteringAndOrder(t *testing.T) {
	reg := New(testLogger())
	require.NoError(t, reg.Register(fakeTool("slack", true)))
	require.NoError(t, reg.Register(fakeTool("drive", true)))
	require.NoError(t, reg.Register(fakeTool("mail", false)))
	require.NoError(t, reg.Register(fakeTool("cal", true)))

	ids := func(ts []tool.Tool) []string {
		var out []string
		for _, x := range ts {
			out = append(out, x.ID())
		}
		return out
	}

	// Default flag respected, registration order preserved.
	assert.Equal(t, []string{"slack", "drive", "cal"}, ids(reg.ListEnabled(Filter{})))

	// Allow list narrows; order still follows registration, not the list.
	assert.Equal(t, []string{"slack", "cal"},
		ids(reg.ListEnabled(Filter{EnabledTools: []string{"cal", "slack"}})))

	// Explicit disable wins even when also explicitly enabled.
	assert.Equal(t, []string{"cal"},
		ids(reg.ListEnabled(Filter{
			EnabledTools:  []string{"slack", "cal"},
			DisabledTools: []string{"slack"},
		})))
}

func TestHealthCheckAll_IsolatesFailures(t *testing.T) {
	reg := New(testLogger())

	healthy := fakeTool("ok", true)
	healthy.HealthFunc = func(context.Context) tool.HealthCheckResult {
		return tool.HealthCheckResult{ToolID: "ok", Healthy: true}
	}

	panicky := fakeTool("boom", true)
	panicky.HealthFunc = func(context.Context) tool.HealthCheckResult {
		panic("credential store exploded")
	}

	missing := fakeTool("nokey", true)
	missing.Schema = tool.ConfigSchema{Keys: []tool.ConfigKey{
		{Name: "VIGILD_TEST_DEFINITELY_UNSET", Required: true},
	}}

	require.NoError(t, reg.Register(healthy))
	require.NoError(t, reg.Register(panicky))
	require.NoError(t, reg.Register(missing))

	results := reg.HealthCheckAll(context.Background())
	require.Len(t, results, 3)

	assert.True(t, results[0].Healthy)
	assert.False(t, results[1].Healthy)
	assert.Contains(t, results[1].Detail, "panicked")
	assert.False(t, results[2].Healthy)
	assert.Equal(t, []string{"VIGILD_TEST_DEFINITELY_UNSET"}, results[2].Missing)
}

func TestFormatStatus(t *testing.T) {
	reg := New(testLogger())
	require.NoError(t, reg.Register(fakeTool("slack", true)))
	require.NoError(t, reg.Register(fakeTool("drive", false)))

	out := reg.FormatStatus(Filter{})
	assert.Contains(t, out, "2 tool(s) registered, 1 enabled")
	assert.Contains(t, out, "test: 2")
}
