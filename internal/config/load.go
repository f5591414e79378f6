package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with the documented defaults applied.
func Default() *Config {
	return &Config{
		DataDir: "~/.nanobot",
		Agent: AgentConfig{
			Provider:              "anthropic",
			Model:                 "claude-sonnet-4-5",
			MaxTokens:             8192,
			Temperature:           0.7,
			MaxToolIterations:     20,
			MaxConcurrentMessages: 4,
			ToolErrorBackoff:      3,
			ShutdownGraceSeconds:  10,
			RestrictToWorkspace:   true,
			BootstrapMaxChars:     4000,
			MemoryMaxChars:        6000,
			SkillsMaxChars:        12000,
			HistoryMaxChars:       80000,
			MediaMaxBytes:         8 << 20,
			Subagents: SubagentsConfig{
				MaxConcurrent:           8,
				MaxIterations:           15,
				TimeoutSeconds:          900,
				ResultMaxChars:          32 << 10,
				ProgressIntervalSeconds: 60,
			},
		},
		Bus: BusConfig{
			InboundCapacity:  256,
			OutboundCapacity: 256,
		},
		Channels: ChannelsConfig{
			WebUI: WebUIConfig{
				// The local browser UI is the only channel trusted to override
				// session routing out of the box.
				ChannelCommon: ChannelCommon{Trusted: true},
				Host:          "127.0.0.1",
				Port:          18791,
			},
		},
		Tools: ToolsConfig{
			ExecTimeoutSeconds: 120,
			Web:                WebToolsConfig{MaxResults: 5},
			Browser:            BrowserToolConfig{Headless: true},
		},
		Store: StoreConfig{
			Driver:    "file",
			CacheSize: 256,
		},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds:     1800,
			StartupDelaySeconds: 60,
		},
		Tracing: TracingConfig{
			Protocol:    "grpc",
			ServiceName: "nanobot",
		},
	}
}

// DefaultPath returns the config file location, honoring NANOBOT_PROFILE.
func DefaultPath() string {
	dir := "~/.nanobot"
	if profile := os.Getenv("NANOBOT_PROFILE"); profile != "" {
		dir = "~/.nanobot_" + profile
	}
	return filepath.Join(ExpandHome(dir), "config.json")
}

// Load reads the config file, overlays env vars, and validates. A missing
// file yields the defaults. A malformed file is an error — the caller keeps
// whatever config it already has rather than silently reverting to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.validate()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.validate()
	return cfg, nil
}

// applyEnvOverrides overlays NANOBOT_* env vars. Env takes precedence over
// file values; secrets are env-only where marked in the schema.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("NANOBOT_DATA_DIR", &c.DataDir)
	if profile := os.Getenv("NANOBOT_PROFILE"); profile != "" && c.DataDir == "~/.nanobot" {
		c.DataDir = "~/.nanobot_" + profile
	}

	envStr("NANOBOT_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("NANOBOT_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("NANOBOT_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("NANOBOT_GROQ_API_KEY", &c.Providers.Groq.APIKey)
	envStr("NANOBOT_DASHSCOPE_API_KEY", &c.Providers.DashScope.APIKey)

	envStr("NANOBOT_PROVIDER", &c.Agent.Provider)
	envStr("NANOBOT_MODEL", &c.Agent.Model)

	envStr("NANOBOT_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("NANOBOT_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("NANOBOT_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	envStr("NANOBOT_WHATSAPP_BRIDGE_TOKEN", &c.Channels.WhatsApp.BridgeToken)
	envStr("NANOBOT_LARK_APP_ID", &c.Channels.Lark.AppID)
	envStr("NANOBOT_LARK_APP_SECRET", &c.Channels.Lark.AppSecret)
	envStr("NANOBOT_WEBUI_TOKEN", &c.Channels.WebUI.Token)
	envStr("NANOBOT_TSNET_AUTH_KEY", &c.Channels.WebUI.Tailscale.AuthKey)

	envStr("NANOBOT_POSTGRES_DSN", &c.Store.PostgresDSN)
	envStr("NANOBOT_BRAVE_API_KEY", &c.Tools.Web.BraveAPIKey)

	envStr("NANOBOT_TRACING_ENDPOINT", &c.Tracing.Endpoint)
	envStr("NANOBOT_TRACING_PROTOCOL", &c.Tracing.Protocol)

	if v := os.Getenv("NANOBOT_WEBUI_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Channels.WebUI.Port = port
		}
	}

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.WhatsApp.BridgeURL != "" {
		c.Channels.WhatsApp.Enabled = true
	}
	if c.Channels.Lark.AppID != "" && c.Channels.Lark.AppSecret != "" {
		c.Channels.Lark.Enabled = true
	}
	if c.Store.PostgresDSN != "" && c.Store.Driver == "file" {
		c.Store.Driver = "postgres"
	}
}

// validate coerces out-of-range values to safe ones with a warning.
func (c *Config) validate() {
	if c.Agent.MaxToolIterations <= 0 {
		slog.Warn("config: max_tool_iterations must be >= 1, coercing",
			"configured", c.Agent.MaxToolIterations)
		c.Agent.MaxToolIterations = 1
	}
	if c.Agent.MaxConcurrentMessages <= 0 {
		c.Agent.MaxConcurrentMessages = 4
	}
	if c.Agent.ToolErrorBackoff <= 0 {
		c.Agent.ToolErrorBackoff = 3
	}
	if c.Agent.Subagents.MaxConcurrent <= 0 {
		c.Agent.Subagents.MaxConcurrent = 8
	}
	if c.Agent.Subagents.MaxIterations <= 0 {
		c.Agent.Subagents.MaxIterations = 15
	}
	if c.Agent.Subagents.ResultMaxChars <= 0 {
		c.Agent.Subagents.ResultMaxChars = 32 << 10
	}
	if c.Store.Driver != "file" && c.Store.Driver != "postgres" {
		slog.Warn("config: unknown store driver, using file", "driver", c.Store.Driver)
		c.Store.Driver = "file"
	}
}

// Save writes the config to disk. Secrets marked env-only are never
// serialized (json:"-" on the fields).
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

const secretMask = "***"

// MaskedCopy returns a deep copy with all secret fields masked, for display.
func (c *Config) MaskedCopy() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}
	maskNonEmpty(&cp.Providers.Anthropic.APIKey)
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Providers.OpenRouter.APIKey)
	maskNonEmpty(&cp.Providers.Groq.APIKey)
	maskNonEmpty(&cp.Providers.DashScope.APIKey)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	maskNonEmpty(&cp.Channels.WhatsApp.BridgeToken)
	maskNonEmpty(&cp.Channels.Lark.AppSecret)
	maskNonEmpty(&cp.Channels.WebUI.Token)
	maskNonEmpty(&cp.Tools.Web.BraveAPIKey)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// TrustedChannels returns the names of channels flagged trusted.
func (c *Config) TrustedChannels() []string {
	var names []string
	if c.Channels.Telegram.Trusted {
		names = append(names, "telegram")
	}
	if c.Channels.WhatsApp.Trusted {
		names = append(names, "whatsapp")
	}
	if c.Channels.Lark.Trusted {
		names = append(names, "lark")
	}
	if c.Channels.Discord.Trusted {
		names = append(names, "discord")
	}
	if c.Channels.WebUI.Trusted {
		names = append(names, "webui")
	}
	return names
}

// String renders a short human-readable summary (secrets masked).
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "data_dir=%s provider=%s model=%s", c.DataPath(), c.Agent.Provider, c.Agent.Model)
	return b.String()
}
