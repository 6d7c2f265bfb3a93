package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/dingclaw/internal/agent"
	"github.com/nextlevelbuilder/dingclaw/internal/bus"
	"github.com/nextlevelbuilder/dingclaw/internal/config"
	"github.com/nextlevelbuilder/dingclaw/internal/dingtalk"
	"github.com/nextlevelbuilder/dingclaw/internal/router"
)

// connect flags mirror config fields; non-empty flags win.
var (
	flagCwd            string
	flagModel          string
	flagPermissionMode string
	flagSessionTimeout int64
)

func connectCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "connect",
		Short: "Connect the DingTalk robot to the agent backend",
		Run: func(cmd *cobra.Command, args []string) {
			runConnect()
		},
	}
	c.Flags().StringVarP(&flagCwd, "cwd", "c", "", "working directory for the agent (default: process cwd)")
	c.Flags().StringVarP(&flagModel, "model", "m", "", "model to use (default: agent CLI default)")
	c.Flags().StringVar(&flagPermissionMode, "permission-mode", "", "permission mode (default|plan|auto-edit|yolo)")
	c.Flags().Int64Var(&flagSessionTimeout, "session-timeout", 0, "session idle timeout in milliseconds")
	return c
}

func runConnect() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	applyFlags(cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Println("Configuration incomplete:", err)
		fmt.Println()
		fmt.Println("Run 'dingclaw onboard' to create a starter config, or export")
		fmt.Println("DINGCLAW_CLIENT_ID and DINGCLAW_CLIENT_SECRET.")
		os.Exit(1)
	}

	defaults, err := sessionDefaults(cfg)
	if err != nil {
		slog.Error("invalid agent defaults", "error", err)
		os.Exit(1)
	}

	// Wire the core: registry + history + dedup behind one router.
	client := dingtalk.NewClient(cfg.DingTalk.ClientID, cfg.DingTalk.ClientSecret,
		cfg.DingTalk.WebhookURL, cfg.DingTalk.WebhookSecret)

	agentCfg := cfg.Agent
	factory := func(cwd, model, permissionMode string) router.BackendHandle {
		return agent.NewHandle(agent.Options{
			Bin:            agentCfg.Bin,
			Cwd:            cwd,
			Model:          model,
			PermissionMode: permissionMode,
			Timeout:        time.Duration(agentCfg.TimeoutSec) * time.Second,
		})
	}

	registry := router.NewRegistry(defaults, factory)
	history := router.NewHistory()
	registry.OnEvict = history.Clear

	var limiter *rate.Limiter
	if cfg.RateLimitRPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitRPM)/60.0), cfg.RateLimitRPM)
	}

	// The stream needs the router's handler and the router needs the
	// stream as its transport; the closure breaks the cycle (the stream
	// only dispatches after Run starts).
	var rt *router.Router
	stream := dingtalk.NewStream(client, cfg.DingTalk.ClientID, cfg.DingTalk.ClientSecret,
		"dingclaw/"+Version, func(ctx context.Context, msg bus.InboundMessage) {
			rt.Handle(ctx, msg)
		})
	rt = router.New(stream, registry, history, router.NewDedup(), limiter)

	// Hot-reload defaults for new sessions on config rewrite.
	stopWatch, err := config.Watch(cfgPath, func(next *config.Config) {
		applyFlags(next)
		if d, err := sessionDefaults(next); err == nil {
			registry.SetDefaults(d)
		} else {
			slog.Warn("reloaded config has invalid agent defaults, keeping previous", "error", err)
		}
	})
	if err != nil {
		slog.Warn("config watching disabled", "error", err)
	}
	defer stopWatch()

	if cfg.Health.Port > 0 {
		startHealthServer(cfg.Health.Port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		stream.Stop()
		cancel()
	}()

	slog.Info("dingclaw starting",
		"agent_bin", cfg.Agent.Bin,
		"cwd", defaults.Cwd,
		"model", orDefault(defaults.Model, "(CLI default)"),
		"permission_mode", defaults.PermissionMode,
		"session_timeout", defaults.IdleTimeout,
	)

	if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("stream terminated", "error", err)
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config) {
	if flagCwd != "" {
		cfg.Agent.Cwd = flagCwd
	}
	if flagModel != "" {
		cfg.Agent.Model = flagModel
	}
	if flagPermissionMode != "" {
		cfg.Agent.PermissionMode = flagPermissionMode
	}
	if flagSessionTimeout > 0 {
		cfg.Sessions.TimeoutMs = flagSessionTimeout
	}
}

// sessionDefaults resolves config into registry defaults. The working
// directory is made absolute so /pwd and the agent agree on it.
func sessionDefaults(cfg *config.Config) (router.Defaults, error) {
	cwd := cfg.Agent.Cwd
	if cwd == "" {
		var err error
		cwd, err = os.Getwd()
		if err != nil {
			return router.Defaults{}, err
		}
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return router.Defaults{}, fmt.Errorf("resolve cwd: %w", err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return router.Defaults{}, fmt.Errorf("agent cwd %s is not a directory", abs)
	}

	return router.Defaults{
		Cwd:            abs,
		Model:          cfg.Agent.Model,
		PermissionMode: cfg.Agent.PermissionMode,
		IdleTimeout:    time.Duration(cfg.Sessions.TimeoutMs) * time.Millisecond,
	}, nil
}

// startHealthServer exposes a local liveness endpoint.
func startHealthServer(port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":    "OK",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	srv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server error", "error", err)
		}
	}()
	slog.Info("health endpoint listening", "port", port)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
