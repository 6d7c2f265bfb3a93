package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults + env apply.
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
	envStr("DINGCLAW_CLIENT_ID", &c.DingTalk.ClientID)
	envStr("DINGCLAW_CLIENT_SECRET", &c.DingTalk.ClientSecret)
	envStr("DINGCLAW_WEBHOOK_URL", &c.DingTalk.WebhookURL)
	envStr("DINGCLAW_WEBHOOK_SECRET", &c.DingTalk.WebhookSecret)
	envStr("DINGCLAW_AGENT_BIN", &c.Agent.Bin)
	envStr("DINGCLAW_AGENT_CWD", &c.Agent.Cwd)
	envStr("DINGCLAW_AGENT_MODEL", &c.Agent.Model)
	envStr("DINGCLAW_AGENT_PERMISSION_MODE", &c.Agent.PermissionMode)

	if v := os.Getenv("DINGCLAW_SESSION_TIMEOUT"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			c.Sessions.TimeoutMs = ms
		}
	}
}

// Validate checks that required credentials are present.
func (c *Config) Validate() error {
	if c.DingTalk.ClientID == "" {
		return fmt.Errorf("dingtalk client_id is required (set DINGCLAW_CLIENT_ID or dingtalk.client_id)")
	}
	if c.DingTalk.ClientSecret == "" {
		return fmt.Errorf("dingtalk client_secret is required (set DINGCLAW_CLIENT_SECRET or dingtalk.client_secret)")
	}
	if c.Agent.Bin == "" {
		return fmt.Errorf("agent bin is required")
	}
	return nil
}
