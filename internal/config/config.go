// Package config defines the nanobot configuration schema. The config is
// loaded once at process start from ~/.nanobot/config.json (JSON5), overlaid
// with NANOBOT_* environment variables, and treated as immutable afterwards.
// Components receive the sub-struct they need via constructor injection.
package config

import (
	"os"
	"path/filepath"
)

// Config is the root configuration for nanobot.
type Config struct {
	DataDir   string          `json:"data_dir,omitempty"` // default ~/.nanobot (or ~/.nanobot_<profile>)
	Agent     AgentConfig     `json:"agent"`
	Bus       BusConfig       `json:"bus,omitempty"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Tools     ToolsConfig     `json:"tools,omitempty"`
	Store     StoreConfig     `json:"store,omitempty"`
	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`
	Tracing   TracingConfig   `json:"tracing,omitempty"`
	MCP       MCPConfig       `json:"mcp,omitempty"`
}

// AgentConfig holds the agent loop, context, and subagent settings.
type AgentConfig struct {
	Provider              string  `json:"provider"` // "anthropic", "openai", "openrouter", "groq"
	Model                 string  `json:"model"`
	MaxTokens             int     `json:"max_tokens"`
	Temperature           float64 `json:"temperature"`
	MaxToolIterations     int     `json:"max_tool_iterations"`
	MaxConcurrentMessages int     `json:"max_concurrent_messages"`
	ToolErrorBackoff      int     `json:"tool_error_backoff"`
	ShutdownGraceSeconds  int     `json:"shutdown_grace_seconds"`
	RestrictToWorkspace   bool    `json:"restrict_to_workspace"`

	// Unrestricted workspace access can only be granted here, never by a
	// session settings toggle coming from an untrusted channel.
	AllowUnrestrictedWorkspace bool `json:"allow_unrestricted_workspace,omitempty"`

	// Context assembly budgets (characters).
	BootstrapMaxChars int   `json:"bootstrap_max_chars"`
	MemoryMaxChars    int   `json:"memory_max_chars"`
	SkillsMaxChars    int   `json:"skills_max_chars"`
	HistoryMaxChars   int   `json:"history_max_chars"`
	MediaMaxBytes     int64 `json:"media_max_bytes"`

	Subagents SubagentsConfig `json:"subagents,omitempty"`
}

// SubagentsConfig bounds the background subagent pool.
type SubagentsConfig struct {
	MaxConcurrent           int `json:"max_concurrent"`
	MaxIterations           int `json:"max_iterations"`
	TimeoutSeconds          int `json:"timeout_seconds"`
	ResultMaxChars          int `json:"result_max_chars"`
	ProgressIntervalSeconds int `json:"progress_interval_seconds"`
}

// BusConfig sizes the message queues.
type BusConfig struct {
	InboundCapacity  int `json:"inbound_capacity,omitempty"`
	OutboundCapacity int `json:"outbound_capacity,omitempty"`
}

// ProvidersConfig holds LLM provider credentials and endpoints.
type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic,omitempty"`
	OpenAI     ProviderConfig `json:"openai,omitempty"`
	OpenRouter ProviderConfig `json:"openrouter,omitempty"`
	Groq       ProviderConfig `json:"groq,omitempty"`
	DashScope  ProviderConfig `json:"dashscope,omitempty"`
}

// ProviderConfig configures one LLM endpoint.
type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// ChannelsConfig enables and configures the chat channels.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
	Lark     LarkConfig     `json:"lark,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	WebUI    WebUIConfig    `json:"webui,omitempty"`
}

// ChannelCommon carries the settings every channel shares.
type ChannelCommon struct {
	Enabled   bool     `json:"enabled,omitempty"`
	AllowFrom []string `json:"allow_from,omitempty"` // empty = allow all

	// Trusted channels may override session routing via message metadata.
	// Only the local web UI should normally be trusted.
	Trusted bool `json:"trusted,omitempty"`

	RatePerMinute int `json:"rate_per_minute,omitempty"` // per-sender, default 30
	RateBurst     int `json:"rate_burst,omitempty"`      // default 5
}

// TelegramConfig configures the Telegram bot channel.
type TelegramConfig struct {
	ChannelCommon
	Token string `json:"token,omitempty"`
	Proxy string `json:"proxy,omitempty"`
}

// WhatsAppConfig configures the WhatsApp sidecar bridge channel.
type WhatsAppConfig struct {
	ChannelCommon
	BridgeURL   string `json:"bridge_url,omitempty"`
	BridgeToken string `json:"bridge_token,omitempty"`
}

// LarkConfig configures the corporate IM WebSocket channel.
type LarkConfig struct {
	ChannelCommon
	Endpoint  string `json:"endpoint,omitempty"`
	AppID     string `json:"app_id,omitempty"`
	AppSecret string `json:"app_secret,omitempty"`
}

// DiscordConfig configures the Discord bot channel.
type DiscordConfig struct {
	ChannelCommon
	Token string `json:"token,omitempty"`
}

// WebUIConfig configures the local browser UI channel.
type WebUIConfig struct {
	ChannelCommon
	Host      string          `json:"host,omitempty"` // default 127.0.0.1
	Port      int             `json:"port,omitempty"` // default 18791
	Token     string          `json:"token,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
}

// TailscaleConfig exposes the web UI over a tsnet listener instead of a
// plain TCP socket. Auth key comes from env only, never from the file.
type TailscaleConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Hostname string `json:"hostname,omitempty"` // default "nanobot"
	StateDir string `json:"state_dir,omitempty"`
	AuthKey  string `json:"-"` // NANOBOT_TSNET_AUTH_KEY only
}

// ToolsConfig configures the builtin tools.
type ToolsConfig struct {
	ExecTimeoutSeconds int               `json:"exec_timeout_seconds,omitempty"` // shell tool, default 120
	Web                WebToolsConfig    `json:"web,omitempty"`
	Browser            BrowserToolConfig `json:"browser,omitempty"`
}

// WebToolsConfig configures web search backends.
type WebToolsConfig struct {
	MaxResults  int    `json:"max_results,omitempty"` // default 5
	BraveAPIKey string `json:"brave_api_key,omitempty"`
}

// BrowserToolConfig configures the rod-backed browser fetch tool.
type BrowserToolConfig struct {
	Enabled  bool `json:"enabled,omitempty"`
	Headless bool `json:"headless,omitempty"`
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	Driver      string `json:"driver,omitempty"` // "file" (default) or "postgres"
	PostgresDSN string `json:"-"`                // NANOBOT_POSTGRES_DSN only
	CacheSize   int    `json:"cache_size,omitempty"`
}

// HeartbeatConfig configures the periodic HEARTBEAT.md check.
type HeartbeatConfig struct {
	IntervalSeconds     int    `json:"interval_seconds,omitempty"`      // default 1800
	StartupDelaySeconds int    `json:"startup_delay_seconds,omitempty"` // default 60
	Channel             string `json:"channel,omitempty"`               // optional delivery target
	To                  string `json:"to,omitempty"`
}

// TracingConfig configures OTLP span export. Disabled when Endpoint is empty.
type TracingConfig struct {
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"` // default "nanobot"
}

// MCPConfig maps server names to MCP server definitions.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `json:"servers,omitempty"`
}

// MCPServerConfig describes one external MCP tool server.
type MCPServerConfig struct {
	Transport  string            `json:"transport,omitempty"` // "stdio" (default), "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
	Enabled    *bool             `json:"enabled,omitempty"` // nil = enabled
}

// DataPath returns the expanded data directory.
func (c *Config) DataPath() string {
	return ExpandHome(c.DataDir)
}

// WorkspacePath returns the agent workspace directory.
func (c *Config) WorkspacePath() string {
	return filepath.Join(c.DataPath(), "workspace")
}

// SessionsPath returns the session store directory (file backend).
func (c *Config) SessionsPath() string {
	return filepath.Join(c.DataPath(), "sessions")
}

// CronStorePath returns the cron job record file.
func (c *Config) CronStorePath() string {
	return filepath.Join(c.DataPath(), "cron", "jobs.record")
}

// UploadsPath returns the directory for browser-uploaded media.
func (c *Config) UploadsPath() string {
	return filepath.Join(c.DataPath(), "uploads")
}

// ProviderFor returns the config block for a named provider.
func (c *Config) ProviderFor(name string) ProviderConfig {
	switch name {
	case "openai":
		return c.Providers.OpenAI
	case "openrouter":
		return c.Providers.OpenRouter
	case "groq":
		return c.Providers.Groq
	case "dashscope":
		return c.Providers.DashScope
	default:
		return c.Providers.Anthropic
	}
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
