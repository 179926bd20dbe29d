package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Load reads a JSON5 config document from path, falling back to Default()
// if the file doesn't exist (so a first run works from env vars alone),
// then overlays secrets from the environment. Mirrors the teacher's
// config.Load.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays secret/endpoint env vars onto cfg. Env vars
// take precedence over whatever the file set, so a deployment can keep
// tokens out of the committed config document entirely.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CONDUCTOR_LLM_API_KEY", &c.Agent.LLMAPIKey)
	envStr("CONDUCTOR_LLM_BASE_URL", &c.Agent.LLMBaseURL)
	envStr("CONDUCTOR_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("CONDUCTOR_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("CONDUCTOR_SUPERVISOR_WEBHOOK_URL", &c.Supervisor.SlackWebhookURL)
	envStr("CONDUCTOR_SUPERVISOR_REPO_PATH", &c.Supervisor.RepoPath)
	envStr("CONDUCTOR_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)

	// DSN comes from environment only (secret, never in config.json5).
	envStr("CONDUCTOR_POSTGRES_DSN", &c.Storage.PostgresDSN)
	envStr("CONDUCTOR_TOKEN_INDEX_BACKEND", &c.Storage.TokenIndexBackend)

	envStr("CONDUCTOR_TRELLO_KEY", &c.TrackerBoard.Key)
	envStr("CONDUCTOR_TRELLO_TOKEN", &c.TrackerBoard.Token)
}

// Save writes cfg to path as JSON5 (a strict superset of JSON, so plain
// encoding/json output is a valid document). Secrets tagged json:"-" are
// never written; they only ever come from the environment.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
