package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
heartbeat:
  interval_minutes: 15
checklist:
  path: /tmp/checklist.md
delivery:
  target: console
analysis:
  endpoint: https://api.example.com/v1/complete
`

func TestLoad_Minimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.Heartbeat.IntervalMinutes)
	assert.Equal(t, 15*time.Minute, cfg.Heartbeat.GetInterval())
	assert.Equal(t, "/tmp/checklist.md", cfg.Checklist.Path)
	assert.Equal(t, "console", cfg.Delivery.Target)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
checklist:
  path: /tmp/checklist.md
analysis:
  endpoint: https://api.example.com/v1/complete
`))
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Heartbeat.IntervalMinutes)
	assert.Equal(t, "00:00", cfg.Heartbeat.ActiveHours.Start)
	assert.Equal(t, "00:00", cfg.Heartbeat.ActiveHours.End)
	assert.Equal(t, "UTC", cfg.Heartbeat.ActiveHours.Timezone)
	assert.Equal(t, "console", cfg.Delivery.Target)
	assert.Equal(t, "HEARTBEAT_OK", cfg.Analysis.Sentinel)
	assert.Equal(t, 60*time.Second, cfg.Analysis.GetTimeout())
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 24, cfg.Tools.Vault.LookbackHours)
	assert.Equal(t, 72, cfg.Tools.Vault.StaleAfterHours)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VIGIL_CHECKLIST_PATH", "/override/checklist.md")
	t.Setenv("VIGIL_HEARTBEAT_INTERVAL_MINUTES", "5")
	t.Setenv("VIGIL_DATABASE_PASSWORD", "s3cret")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "/override/checklist.md", cfg.Checklist.Path)
	assert.Equal(t, 5, cfg.Heartbeat.IntervalMinutes)
	assert.Equal(t, "s3cret", cfg.History.Database.Password)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing checklist path",
			yaml: `
analysis:
  endpoint: https://api.example.com/v1/complete
`,
			wantErr: "validation failed",
		},
		{
			name: "missing analysis endpoint",
			yaml: `
checklist:
  path: /tmp/checklist.md
`,
			wantErr: "validation failed",
		},
		{
			name: "bad delivery target",
			yaml: `
checklist:
  path: /tmp/checklist.md
analysis:
  endpoint: https://api.example.com/v1/complete
delivery:
  target: carrier-pigeon
`,
			wantErr: "validation failed",
		},
		{
			name: "webhook without url",
			yaml: `
checklist:
  path: /tmp/checklist.md
analysis:
  endpoint: https://api.example.com/v1/complete
delivery:
  target: webhook
`,
			wantErr: "webhook_url",
		},
		{
			name: "save to memory without path",
			yaml: `
checklist:
  path: /tmp/checklist.md
analysis:
  endpoint: https://api.example.com/v1/complete
delivery:
  target: console
  save_to_memory: true
`,
			wantErr: "memory_path",
		},
		{
			name: "bad timezone",
			yaml: `
heartbeat:
  active_hours:
    timezone: Mars/Olympus
checklist:
  path: /tmp/checklist.md
analysis:
  endpoint: https://api.example.com/v1/complete
`,
			wantErr: "timezone",
		},
		{
			name: "bad clock",
			yaml: `
heartbeat:
  active_hours:
    start: "25:99"
    end: "22:00"
checklist:
  path: /tmp/checklist.md
analysis:
  endpoint: https://api.example.com/v1/complete
`,
			wantErr: "active_hours start",
		},
		{
			name: "server without jwt secret",
			yaml: minimalConfig + `
server:
  enabled: true
auth:
  admin_password: hunter2hunter2
`,
			wantErr: "VIGIL_AUTH_JWT_SECRET",
		},
		{
			name: "short jwt secret",
			yaml: minimalConfig + `
server:
  enabled: true
auth:
  admin_password: hunter2hunter2
  jwt_secret: tooshort
`,
			wantErr: "at least 32 characters",
		},
		{
			name: "default admin password",
			yaml: minimalConfig + `
server:
  enabled: true
auth:
  admin_password: changeme
  jwt_secret: 0123456789abcdef0123456789abcdef
`,
			wantErr: "VIGIL_AUTH_ADMIN_PASSWORD",
		},
		{
			name: "history without database",
			yaml: minimalConfig + `
history:
  enabled: true
`,
			wantErr: "history database",
		},
		{
			name: "mcp tool without command",
			yaml: minimalConfig + `
tools:
  mcp:
    - id: slack
      call: list_unread
`,
			wantErr: "server.command",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("08:30")
	require.NoError(t, err)
	assert.Equal(t, Clock(8*60+30), c)

	c, err = ParseClock("00:00")
	require.NoError(t, err)
	assert.Equal(t, Clock(0), c)

	c, err = ParseClock("23:59")
	require.NoError(t, err)
	assert.Equal(t, Clock(23*60+59), c)

	for _, bad := range []string{"", "8", "8:3:1", "24:00", "12:60", "ab:cd", "-1:00"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestActiveHoursContains(t *testing.T) {
	at := func(hour, min int) time.Time {
		return time.Date(2026, 3, 10, hour, min, 0, 0, time.UTC)
	}

	day := ActiveHoursConfig{Start: "08:00", End: "22:00", Timezone: "UTC"}

	in, err := day.Contains(at(12, 0))
	require.NoError(t, err)
	assert.True(t, in)

	// Start is inclusive, end exclusive.
	in, _ = day.Contains(at(8, 0))
	assert.True(t, in)
	in, _ = day.Contains(at(22, 0))
	assert.False(t, in)
	in, _ = day.Contains(at(3, 0))
	assert.False(t, in)

	// A window wrapping past midnight.
	night := ActiveHoursConfig{Start: "22:00", End: "06:00", Timezone: "UTC"}
	in, _ = night.Contains(at(23, 30))
	assert.True(t, in)
	in, _ = night.Contains(at(2, 0))
	assert.True(t, in)
	in, _ = night.Contains(at(12, 0))
	assert.False(t, in)
	in, _ = night.Contains(at(6, 0))
	assert.False(t, in)

	// Equal bounds mean always active.
	always := ActiveHoursConfig{Start: "00:00", End: "00:00", Timezone: "UTC"}
	in, _ = always.Contains(at(15, 45))
	assert.True(t, in)

	// The comparison happens in the configured zone, not the time's own.
	ny := ActiveHoursConfig{Start: "08:00", End: "22:00", Timezone: "America/New_York"}
	in, err = ny.Contains(time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)) // 09:00 in New York
	require.NoError(t, err)
	assert.True(t, in)
	in, _ = ny.Contains(time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)) // midnight in New York
	assert.False(t, in)
}

func TestGetDSN(t *testing.T) {
	db := DatabaseConfig{
		Host: "localhost", Port: 5432, User: "vigild",
		Password: "pw", DBName: "vigild", SSLMode: "disable",
	}
	assert.Equal(t,
		"host=localhost port=5432 user=vigild password=pw dbname=vigild sslmode=disable",
		db.GetDSN())
}

func TestAnalysisAPIKey(t *testing.T) {
	t.Setenv("VIGIL_TEST_ANALYSIS_KEY", "sk-test")

	a := AnalysisConfig{APIKeyEnv: "VIGIL_TEST_ANALYSIS_KEY"}
	assert.Equal(t, "sk-test", a.APIKey())

	var unconfigured AnalysisConfig
	assert.Empty(t, unconfigured.APIKey())
}
