// Package config
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/vigild/vigild/internal/mcp"
)

type Config struct {
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Checklist ChecklistConfig `yaml:"checklist"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Tools     ToolsConfig     `yaml:"tools"`
	History   HistoryConfig   `yaml:"history"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// HeartbeatConfig is the runner's process-wide snapshot: loaded once at
// startup, read-only for the runner's lifetime.
type HeartbeatConfig struct {
	IntervalMinutes int               `yaml:"interval_minutes" validate:"min=1"`
	ActiveHours     ActiveHoursConfig `yaml:"active_hours"`
	EnabledTools    []string          `yaml:"enabled_tools"`
	DisabledTools   []string          `yaml:"disabled_tools"`
	GatherTimeoutMS int               `yaml:"gather_timeout_ms"`
}

// ActiveHoursConfig is the time-of-day window, in an IANA timezone, during
// which cycles are allowed to run. The window may wrap past midnight.
type ActiveHoursConfig struct {
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Timezone string `yaml:"timezone"`
}

type ChecklistConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type DeliveryConfig struct {
	Target       string `yaml:"target" validate:"oneof=console webhook memory"`
	WebhookURL   string `yaml:"webhook_url"`
	SaveToMemory bool   `yaml:"save_to_memory"`
	MemoryPath   string `yaml:"memory_path"`
}

type AnalysisConfig struct {
	Endpoint  string `yaml:"endpoint" validate:"required,url"`
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`
	Sentinel  string `yaml:"sentinel"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type ToolsConfig struct {
	Vault VaultToolConfig `yaml:"vault"`
	MCP   []MCPToolConfig `yaml:"mcp"`
}

type VaultToolConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Path            string `yaml:"path"`
	LookbackHours   int    `yaml:"lookback_hours"`
	StaleAfterHours int    `yaml:"stale_after_hours"`
}

// MCPToolConfig declares one MCP-backed tool plugin and the server process
// that backs it.
type MCPToolConfig struct {
	ID          string           `yaml:"id" validate:"required"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Category    string           `yaml:"category"`
	Enabled     bool             `yaml:"enabled"`
	Server      mcp.ServerConfig `yaml:"server"`
	Call        string           `yaml:"call" validate:"required"`
	Arguments   map[string]any   `yaml:"arguments"`
	RequiredEnv []string         `yaml:"required_env"`
}

type HistoryConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Database DatabaseConfig `yaml:"database"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"ssl_mode"`
}

type ServerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type AuthConfig struct {
	AdminUsername  string `yaml:"admin_username"`
	AdminPassword  string `yaml:"admin_password"`
	JWTSecret      string `yaml:"jwt_secret"`
	JWTExpiryHours int    `yaml:"jwt_expiry_hours"`
}

type EventsConfig struct {
	CycleBufferSize int `yaml:"cycle_buffer_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var validate = validator.New()

// Load reads configuration from file and applies environment variable
// overrides.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate ensures all required configuration values are set and coherent.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if _, err := c.Heartbeat.ActiveHours.Location(); err != nil {
		return fmt.Errorf("invalid active_hours timezone: %w", err)
	}
	if _, err := ParseClock(c.Heartbeat.ActiveHours.Start); err != nil {
		return fmt.Errorf("invalid active_hours start: %w", err)
	}
	if _, err := ParseClock(c.Heartbeat.ActiveHours.End); err != nil {
		return fmt.Errorf("invalid active_hours end: %w", err)
	}

	if c.Delivery.Target == "webhook" && c.Delivery.WebhookURL == "" {
		return fmt.Errorf("delivery.webhook_url is required when target is webhook")
	}
	if (c.Delivery.Target == "memory" || c.Delivery.SaveToMemory) && c.Delivery.MemoryPath == "" {
		return fmt.Errorf("delivery.memory_path is required when delivering to memory")
	}

	if c.Server.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("VIGIL_AUTH_JWT_SECRET is required when the ops server is enabled")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("jwt_secret must be at least 32 characters")
		}
		if c.Auth.AdminPassword == "" || c.Auth.AdminPassword == "changeme" {
			return fmt.Errorf("VIGIL_AUTH_ADMIN_PASSWORD must be set to a strong password")
		}
	}

	if c.History.Enabled && (c.History.Database.Host == "" || c.History.Database.DBName == "") {
		return fmt.Errorf("history database host and dbname are required when history is enabled")
	}

	for _, mc := range c.Tools.MCP {
		if mc.Server.Command == "" {
			return fmt.Errorf("tools.mcp[%s].server.command is required", mc.ID)
		}
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Heartbeat.IntervalMinutes <= 0 {
		cfg.Heartbeat.IntervalMinutes = 30
	}
	if cfg.Heartbeat.ActiveHours.Start == "" {
		cfg.Heartbeat.ActiveHours.Start = "00:00"
	}
	if cfg.Heartbeat.ActiveHours.End == "" {
		cfg.Heartbeat.ActiveHours.End = "00:00"
	}
	if cfg.Heartbeat.ActiveHours.Timezone == "" {
		cfg.Heartbeat.ActiveHours.Timezone = "UTC"
	}
	if cfg.Delivery.Target == "" {
		cfg.Delivery.Target = "console"
	}
	if cfg.Analysis.Sentinel == "" {
		cfg.Analysis.Sentinel = "HEARTBEAT_OK"
	}
	if cfg.Analysis.TimeoutMS <= 0 {
		cfg.Analysis.TimeoutMS = 60000
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeoutMS <= 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.WriteTimeoutMS <= 0 {
		cfg.Server.WriteTimeoutMS = 10000
	}
	if cfg.Auth.JWTExpiryHours <= 0 {
		cfg.Auth.JWTExpiryHours = 24
	}
	if cfg.History.Database.Port <= 0 {
		cfg.History.Database.Port = 5432
	}
	if cfg.History.Database.SSLMode == "" {
		cfg.History.Database.SSLMode = "disable"
	}
	if cfg.Tools.Vault.LookbackHours <= 0 {
		cfg.Tools.Vault.LookbackHours = 24
	}
	if cfg.Tools.Vault.StaleAfterHours <= 0 {
		cfg.Tools.Vault.StaleAfterHours = 72
	}
}

// applyEnvOverrides checks for environment variables with VIGIL_ prefix.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VIGIL_CHECKLIST_PATH"); v != "" {
		cfg.Checklist.Path = v
	}
	if v := os.Getenv("VIGIL_DELIVERY_WEBHOOK_URL"); v != "" {
		cfg.Delivery.WebhookURL = v
	}
	if v := os.Getenv("VIGIL_ANALYSIS_ENDPOINT"); v != "" {
		cfg.Analysis.Endpoint = v
	}
	if v := os.Getenv("VIGIL_AUTH_ADMIN_PASSWORD"); v != "" {
		cfg.Auth.AdminPassword = v
	}
	if v := os.Getenv("VIGIL_AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("VIGIL_DATABASE_PASSWORD"); v != "" {
		cfg.History.Database.Password = v
	}
	if v := os.Getenv("VIGIL_HEARTBEAT_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Heartbeat.IntervalMinutes = n
		}
	}
}

// GetInterval returns the heartbeat interval as a duration.
func (h *HeartbeatConfig) GetInterval() time.Duration {
	return time.Duration(h.IntervalMinutes) * time.Minute
}

// GetGatherTimeout returns the per-cycle gather ceiling, zero when unset.
func (h *HeartbeatConfig) GetGatherTimeout() time.Duration {
	return time.Duration(h.GatherTimeoutMS) * time.Millisecond
}

// Location resolves the configured IANA timezone.
func (a *ActiveHoursConfig) Location() (*time.Location, error) {
	return time.LoadLocation(a.Timezone)
}

// Clock is a minute-of-day value parsed from "HH:MM".
type Clock int

// ParseClock parses a "HH:MM" wall-clock string.
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return Clock(hh*60 + mm), nil
}

// Contains reports whether the wall-clock time t falls inside the window in
// the configured timezone. A start equal to end means always active; a start
// after end wraps past midnight.
func (a *ActiveHoursConfig) Contains(t time.Time) (bool, error) {
	loc, err := a.Location()
	if err != nil {
		return false, err
	}
	start, err := ParseClock(a.Start)
	if err != nil {
		return false, err
	}
	end, err := ParseClock(a.End)
	if err != nil {
		return false, err
	}
	if start == end {
		return true, nil
	}

	local := t.In(loc)
	now := Clock(local.Hour()*60 + local.Minute())
	if start < end {
		return now >= start && now < end, nil
	}
	// Window wraps past midnight.
	return now >= start || now < end, nil
}

// GetDSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// GetReadTimeout returns the read timeout as a duration.
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// GetWriteTimeout returns the write timeout as a duration.
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// GetJWTExpiry returns JWT expiry as duration.
func (a *AuthConfig) GetJWTExpiry() time.Duration {
	return time.Duration(a.JWTExpiryHours) * time.Hour
}

// GetTimeout returns the analysis request timeout as a duration.
func (a *AnalysisConfig) GetTimeout() time.Duration {
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// APIKey resolves the analysis credential from the configured environment
// variable, empty when none is configured.
func (a *AnalysisConfig) APIKey() string {
	if a.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(a.APIKeyEnv)
}

// IsLogLevelValid checks if the log level is valid.
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}
