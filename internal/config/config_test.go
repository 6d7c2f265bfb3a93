package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.Bin != "qwen" {
		t.Errorf("Agent.Bin = %q, want %q", cfg.Agent.Bin, "qwen")
	}
	if cfg.Sessions.TimeoutMs != 1800000 {
		t.Errorf("Sessions.TimeoutMs = %d, want 1800000", cfg.Sessions.TimeoutMs)
	}
	if cfg.RateLimitRPM != 20 {
		t.Errorf("RateLimitRPM = %d, want 20", cfg.RateLimitRPM)
	}
}

func TestLoadFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	// JSON5: comments and trailing commas are allowed.
	data := `{
		// robot credentials
		dingtalk: { client_id: "ding123", client_secret: "secret", },
		agent: { bin: "qwen", model: "qwen3-coder-plus", permission_mode: "plan" },
		sessions: { timeout_ms: 60000 },
	}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DingTalk.ClientID != "ding123" {
		t.Errorf("ClientID = %q, want %q", cfg.DingTalk.ClientID, "ding123")
	}
	if cfg.Agent.Model != "qwen3-coder-plus" {
		t.Errorf("Model = %q, want %q", cfg.Agent.Model, "qwen3-coder-plus")
	}
	if cfg.Agent.PermissionMode != "plan" {
		t.Errorf("PermissionMode = %q, want %q", cfg.Agent.PermissionMode, "plan")
	}
	if cfg.Sessions.TimeoutMs != 60000 {
		t.Errorf("TimeoutMs = %d, want 60000", cfg.Sessions.TimeoutMs)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{dingtalk: {client_id: "from-file"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DINGCLAW_CLIENT_ID", "from-env")
	t.Setenv("DINGCLAW_SESSION_TIMEOUT", "120000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DingTalk.ClientID != "from-env" {
		t.Errorf("ClientID = %q, want env override", cfg.DingTalk.ClientID)
	}
	if cfg.Sessions.TimeoutMs != 120000 {
		t.Errorf("TimeoutMs = %d, want 120000", cfg.Sessions.TimeoutMs)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name: "complete",
			mutate: func(c *Config) {
				c.DingTalk.ClientID = "id"
				c.DingTalk.ClientSecret = "secret"
			},
		},
		{
			name: "missing client id",
			mutate: func(c *Config) {
				c.DingTalk.ClientSecret = "secret"
			},
			wantErr: true,
		},
		{
			name: "missing client secret",
			mutate: func(c *Config) {
				c.DingTalk.ClientID = "id"
			},
			wantErr: true,
		},
		{
			name: "missing agent bin",
			mutate: func(c *Config) {
				c.DingTalk.ClientID = "id"
				c.DingTalk.ClientSecret = "secret"
				c.Agent.Bin = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
