// Package config is the root configuration surface for the conductor
// binary: one JSON5 document (plus environment-variable secret overlays)
// that's unmarshaled directly into the per-component Config structs each
// internal package already defines, grounded on the teacher's
// internal/config package (a single root Config aggregating nested
// per-concern structs, loaded via titanous/json5, overlaid with env vars).
package config

import (
	"time"

	"github.com/loopwire/conductor/internal/chatadapter"
	discordadapter "github.com/loopwire/conductor/internal/chatadapter/discord"
	telegramadapter "github.com/loopwire/conductor/internal/chatadapter/telegram"
	"github.com/loopwire/conductor/internal/channelobserver"
	"github.com/loopwire/conductor/internal/executor"
	"github.com/loopwire/conductor/internal/observation"
	"github.com/loopwire/conductor/internal/supervisor"
	"github.com/loopwire/conductor/internal/tracker"
)

// Config is the root configuration document for the conductor binary.
type Config struct {
	Agent        AgentConfig               `json:"agent"`
	Channels     ChannelsConfig            `json:"channels"`
	Tracker      tracker.Config            `json:"tracker"`
	TrackerBoard TrackerBoardConfig        `json:"tracker_board"`
	Observation  observation.Config        `json:"observation"`
	ChannelWatch channelobserver.Config    `json:"channel_watch"`
	Executor     executor.Config           `json:"executor"`
	Supervisor   supervisor.Config         `json:"supervisor"`
	Storage      StorageConfig             `json:"storage"`
	Telemetry    TelemetryConfig           `json:"telemetry"`
}

// AgentConfig configures the underlying CLI agent subprocess
// (internal/agentrunner) and model/provider connectivity
// (internal/llmclient) shared across turns.
type AgentConfig struct {
	Command        string   `json:"command"`
	BaseArgs       []string `json:"base_args,omitempty"`
	WorkDir        string   `json:"workdir"`
	PermissionMode string   `json:"permission_mode"`
	ContextWindow  int      `json:"context_window"`

	LLMBaseURL string `json:"llm_base_url"`
	LLMAPIKey  string `json:"llm_api_key,omitempty"`
	LLMModel   string `json:"llm_model"`
}

// ChannelsConfig groups every configured chat adapter. Each platform is
// optional: a zero-value Token leaves that platform disabled.
type ChannelsConfig struct {
	Discord  ChannelConfig `json:"discord,omitempty"`
	Telegram ChannelConfig `json:"telegram,omitempty"`
}

// ChannelConfig is the config shape shared across adapter packages,
// unmarshaled then translated into the concrete discord/telegram
// Config types cmd assembles clients from.
type ChannelConfig struct {
	Token          string   `json:"token,omitempty"`
	AllowFrom      []string `json:"allow_from,omitempty"`
	DMPolicy       string   `json:"dm_policy,omitempty"`
	GroupPolicy    string   `json:"group_policy,omitempty"`
	RequireMention *bool    `json:"require_mention,omitempty"`
}

// ToDiscordConfig translates the generic ChannelConfig shape into
// discord.Config.
func (c ChannelConfig) ToDiscordConfig() discordadapter.Config {
	return discordadapter.Config{
		Token:          c.Token,
		AllowFrom:      c.AllowFrom,
		DMPolicy:       chatadapter.DMPolicy(c.DMPolicy),
		GroupPolicy:    chatadapter.GroupPolicy(c.GroupPolicy),
		RequireMention: c.RequireMention,
	}
}

// ToTelegramConfig translates the generic ChannelConfig shape into
// telegram.Config.
func (c ChannelConfig) ToTelegramConfig() telegramadapter.Config {
	return telegramadapter.Config{
		Token:          c.Token,
		AllowFrom:      c.AllowFrom,
		DMPolicy:       chatadapter.DMPolicy(c.DMPolicy),
		GroupPolicy:    chatadapter.GroupPolicy(c.GroupPolicy),
		RequireMention: c.RequireMention,
	}
}

// TrackerBoardConfig names the Trello board internal/tracker/trello polls.
// Key and Token are secrets, overridable only via env.
type TrackerBoardConfig struct {
	BoardID string `json:"board_id,omitempty"`
	Key     string `json:"-"`
	Token   string `json:"-"`
}

// StorageConfig locates the file-backed memory store and session journal
// directory (internal/memstore, internal/sessionmgr), plus the optional
// token-index accelerator backend.
type StorageConfig struct {
	MemoryDir      string `json:"memory_dir"`
	SessionStorage string `json:"session_storage"`

	// TokenIndexBackend selects the memstore.TokenIndex accelerator: ""
	// or "none" (default, plain JSON scan), "sqlite" (internal/memstore/sqlite,
	// file at TokenIndexPath), or "postgres" (internal/memstore/pg, DSN from
	// the CONDUCTOR_POSTGRES_DSN env var only — never committed to config.json5).
	TokenIndexBackend string `json:"token_index_backend,omitempty"`
	TokenIndexPath    string `json:"token_index_path,omitempty"`
	PostgresDSN       string `json:"-"`
}

// TelemetryConfig configures the OTel exporter (internal/tracing).
type TelemetryConfig struct {
	Enabled        bool          `json:"enabled"`
	OTLPEndpoint   string        `json:"otlp_endpoint,omitempty"`
	ServiceName    string        `json:"service_name"`
	ExportTimeout  time.Duration `json:"export_timeout,omitempty"`
}

// Default returns a Config with sensible defaults, mirroring the
// teacher's Default().
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Command:        "claude",
			WorkDir:        "~/.conductor/workspace",
			PermissionMode: "default",
			ContextWindow:  200000,
			LLMModel:       "claude-sonnet-4-5-20250929",
		},
		Channels: ChannelsConfig{
			Discord:  ChannelConfig{DMPolicy: "open", GroupPolicy: "allowlist"},
			Telegram: ChannelConfig{DMPolicy: "open", GroupPolicy: "allowlist"},
		},
		Storage: StorageConfig{
			MemoryDir:         "~/.conductor/memory",
			SessionStorage:    "~/.conductor/sessions",
			TokenIndexBackend: "none",
			TokenIndexPath:    "~/.conductor/memory/token_index.db",
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "conductor",
			ExportTimeout: 10 * time.Second,
		},
	}
}

