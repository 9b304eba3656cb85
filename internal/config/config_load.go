package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Sessions: SessionsConfig{
			TimeoutSeconds:        3600,
			StaleThresholdSeconds: 600,
			RecoveryTailChars:     8000,
			RecoverySummaries:     3,
			LogRetentionDays:      30,
		},
		Agents: AgentsConfig{
			MaxSubAgents:    10,
			MaxRetries:      10,
			InlineThreshold: 5,
		},
		Backend: BackendConfig{
			TimeoutSeconds: 120,
		},
		Channels: ChannelsConfig{
			SendRatePerSecond: 1,
		},
		Gateway: GatewayConfig{
			Host:                "0.0.0.0",
			Port:                18890,
			PingIntervalSeconds: 30,
		},
		Storage: StorageConfig{
			DefaultQuotaBytes: 5 << 30,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}

	envStr("AGENTHOST_DATA_DIR", &c.DataDir)
	envInt("AGENTHOST_SESSION_TIMEOUT_SECONDS", &c.Sessions.TimeoutSeconds)
	envInt("AGENTHOST_MAX_SUB_AGENTS", &c.Agents.MaxSubAgents)
	envInt("AGENTHOST_MAX_RETRIES", &c.Agents.MaxRetries)
	envInt("AGENTHOST_INLINE_THRESHOLD", &c.Agents.InlineThreshold)
	envStr("AGENTHOST_BACKEND_ENDPOINT", &c.Backend.Endpoint)
	envStr("AGENTHOST_BACKEND_API_KEY", &c.Backend.APIKey)
	envStr("AGENTHOST_BACKEND_MODEL", &c.Backend.Model)
	envStr("AGENTHOST_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("AGENTHOST_GATEWAY_HOST", &c.Gateway.Host)
	envInt("AGENTHOST_GATEWAY_PORT", &c.Gateway.Port)
	envInt("AGENTHOST_PING_INTERVAL_SECONDS", &c.Gateway.PingIntervalSeconds)
	envInt("AGENTHOST_GATEWAY_RATE_LIMIT_RPM", &c.Gateway.RateLimitRPM)
	envInt64("AGENTHOST_DEFAULT_QUOTA_BYTES", &c.Storage.DefaultQuotaBytes)
	envStr("AGENTHOST_OTLP_ENDPOINT", &c.Tracing.Endpoint)
}
