package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the agent host.
type Config struct {
	DataDir  string         `json:"data_dir"`
	Sessions SessionsConfig `json:"sessions"`
	Agents   AgentsConfig   `json:"agents"`
	Backend  BackendConfig  `json:"backend"`
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Storage  StorageConfig  `json:"storage"`
	Tracing  TracingConfig  `json:"tracing,omitempty"`
}

// SessionsConfig controls conversation lifecycle.
type SessionsConfig struct {
	TimeoutSeconds        int `json:"timeout_seconds"`         // inactivity before expiry; 0 = never
	StaleThresholdSeconds int `json:"stale_threshold_seconds"` // context recovery trigger
	RecoveryTailChars     int `json:"recovery_tail_chars"`     // chat log tail included on recovery
	RecoverySummaries     int `json:"recovery_summaries"`      // recent summaries included on recovery
	LogRetentionDays      int `json:"log_retention_days"`
}

// AgentsConfig controls sub-agent execution.
type AgentsConfig struct {
	MaxSubAgents    int `json:"max_sub_agents"` // global running cap
	MaxRetries      int `json:"max_retries"`    // review loop bound
	InlineThreshold int `json:"inline_threshold"` // files sent individually before archiving
}

// BackendConfig points at the LLM backend.
type BackendConfig struct {
	Endpoint       string `json:"endpoint"`
	APIKey         string `json:"api_key,omitempty"`
	Model          string `json:"model,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ChannelsConfig configures chat transports.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	// SendRatePerSecond bounds per-user outbound sends.
	SendRatePerSecond float64 `json:"send_rate_per_second"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Token string `json:"token,omitempty"`
}

// GatewayConfig configures the dashboard WebSocket gateway.
type GatewayConfig struct {
	Host                string   `json:"host"`
	Port                int      `json:"port"`
	AllowedOrigins      []string `json:"allowed_origins,omitempty"`
	PingIntervalSeconds int      `json:"ping_interval_seconds"`
	// RateLimitRPM bounds new connections per minute; 0 disables.
	RateLimitRPM int `json:"rate_limit_rpm,omitempty"`
}

// StorageConfig configures quota accounting.
type StorageConfig struct {
	DefaultQuotaBytes int64 `json:"default_quota_bytes"`
}

// TracingConfig configures the optional OTLP trace exporter.
type TracingConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // host:port of the OTLP collector
	Protocol string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure bool   `json:"insecure,omitempty"`
}

// SessionTimeout returns the configured inactivity timeout.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Sessions.TimeoutSeconds) * time.Second
}

// StaleThreshold returns the context recovery threshold.
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.Sessions.StaleThresholdSeconds) * time.Second
}

// PingInterval returns the event bus ping interval.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Gateway.PingIntervalSeconds) * time.Second
}

// Validate rejects configurations the host refuses to start with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.Agents.MaxSubAgents <= 0 {
		return fmt.Errorf("config: agents.max_sub_agents must be positive")
	}
	if c.Agents.MaxRetries < 0 {
		return fmt.Errorf("config: agents.max_retries must not be negative")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("config: gateway.port out of range: %d", c.Gateway.Port)
	}
	return nil
}
