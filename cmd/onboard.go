package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/dingclaw/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Create a starter config from DINGCLAW_* environment variables",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

// runOnboard writes a starter config seeded from the environment.
// Non-interactive on purpose: credentials come from env (Docker/CI) or
// get filled in by hand afterwards.
func runOnboard() {
	cfgPath := resolveConfigPath()

	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Printf("Config already exists at %s — refusing to overwrite.\n", cfgPath)
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.DingTalk.ClientID = os.Getenv("DINGCLAW_CLIENT_ID")
	cfg.DingTalk.ClientSecret = os.Getenv("DINGCLAW_CLIENT_SECRET")
	cfg.DingTalk.WebhookURL = os.Getenv("DINGCLAW_WEBHOOK_URL")
	cfg.DingTalk.WebhookSecret = os.Getenv("DINGCLAW_WEBHOOK_SECRET")
	if v := os.Getenv("DINGCLAW_AGENT_BIN"); v != "" {
		cfg.Agent.Bin = v
	}
	if v := os.Getenv("DINGCLAW_AGENT_MODEL"); v != "" {
		cfg.Agent.Model = v
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		fmt.Println("Failed to encode config:", err)
		os.Exit(1)
	}
	if err := os.WriteFile(cfgPath, append(data, '\n'), 0600); err != nil {
		fmt.Println("Failed to write config:", err)
		os.Exit(1)
	}

	fmt.Printf("Wrote %s\n", cfgPath)
	if cfg.DingTalk.ClientID == "" || cfg.DingTalk.ClientSecret == "" {
		fmt.Println()
		fmt.Println("Fill in dingtalk.client_id and dingtalk.client_secret (robot AppKey/AppSecret),")
		fmt.Println("then start the bridge with:  dingclaw connect")
	} else {
		fmt.Println("Start the bridge with:  dingclaw connect")
	}
}
