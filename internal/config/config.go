package config

// Config is the root configuration for dingclaw.
type Config struct {
	DingTalk DingTalkConfig `json:"dingtalk"`
	Agent    AgentConfig    `json:"agent"`
	Sessions SessionsConfig `json:"sessions"`
	Health   HealthConfig   `json:"health"`

	// RateLimitRPM caps outbound replies per minute (DingTalk robot quota).
	RateLimitRPM int `json:"rate_limit_rpm,omitempty"`
}

// DingTalkConfig holds robot credentials and the optional custom-robot webhook.
type DingTalkConfig struct {
	ClientID     string `json:"client_id"`     // AppKey
	ClientSecret string `json:"client_secret"` // AppSecret

	// Custom-robot webhook fallback (used when a message's session webhook
	// has expired). Secret enables HMAC-SHA256 URL signing.
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// AgentConfig holds defaults for new agent sessions.
type AgentConfig struct {
	Bin            string `json:"bin"`             // agent CLI executable
	Cwd            string `json:"cwd,omitempty"`   // working directory (empty = process cwd)
	Model          string `json:"model,omitempty"` // empty = CLI default
	PermissionMode string `json:"permission_mode"` // default | plan | auto-edit | yolo
	TimeoutSec     int    `json:"timeout_sec"`     // per-run wall clock limit
}

// SessionsConfig controls session lifecycle.
type SessionsConfig struct {
	TimeoutMs int64 `json:"timeout_ms"` // idle timeout before silent session renewal
}

// HealthConfig controls the optional local health endpoint.
type HealthConfig struct {
	Port int `json:"port,omitempty"` // 0 = disabled
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Bin:            "qwen",
			PermissionMode: "default",
			TimeoutSec:     300,
		},
		Sessions: SessionsConfig{
			TimeoutMs: 1800000, // 30 minutes
		},
		RateLimitRPM: 20,
	}
}
