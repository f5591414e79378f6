package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Agent.MaxConcurrentMessages != 4 {
		t.Errorf("max_concurrent_messages = %d, want 4", cfg.Agent.MaxConcurrentMessages)
	}
	if cfg.Agent.Subagents.MaxConcurrent != 8 {
		t.Errorf("subagents.max_concurrent = %d, want 8", cfg.Agent.Subagents.MaxConcurrent)
	}
	if cfg.Bus.InboundCapacity != 256 || cfg.Bus.OutboundCapacity != 256 {
		t.Errorf("bus capacities = %d/%d, want 256/256", cfg.Bus.InboundCapacity, cfg.Bus.OutboundCapacity)
	}
	if !cfg.Channels.WebUI.Trusted {
		t.Error("webui should be trusted by default")
	}
	if cfg.Channels.Telegram.Trusted {
		t.Error("telegram must not be trusted by default")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Provider != "anthropic" {
		t.Errorf("provider = %q", cfg.Agent.Provider)
	}
}

func TestLoadMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for malformed config")
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		// model override
		agent: { model: "gpt-4o", max_tool_iterations: -3 },
		channels: { telegram: { enabled: true, token: "t", trusted: false } },
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Model != "gpt-4o" {
		t.Errorf("model = %q", cfg.Agent.Model)
	}
	// Values <= 0 are coerced to 1, never accepted.
	if cfg.Agent.MaxToolIterations != 1 {
		t.Errorf("max_tool_iterations = %d, want 1", cfg.Agent.MaxToolIterations)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NANOBOT_MODEL", "env-model")
	t.Setenv("NANOBOT_TELEGRAM_TOKEN", "env-token")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Model != "env-model" {
		t.Errorf("model = %q", cfg.Agent.Model)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram should auto-enable when token set via env")
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Providers.Anthropic.APIKey = "sk-secret"
	cfg.Channels.Telegram.Token = "tg-secret"
	masked := cfg.MaskedCopy()
	if masked.Providers.Anthropic.APIKey != "***" || masked.Channels.Telegram.Token != "***" {
		t.Error("secrets not masked")
	}
	if cfg.Providers.Anthropic.APIKey != "sk-secret" {
		t.Error("original mutated")
	}
	if masked.Providers.OpenAI.APIKey != "" {
		t.Error("empty secret should stay empty, not masked")
	}
}

func TestTrustedChannels(t *testing.T) {
	cfg := Default()
	got := cfg.TrustedChannels()
	if len(got) != 1 || got[0] != "webui" {
		t.Errorf("trusted = %v, want [webui]", got)
	}
}
