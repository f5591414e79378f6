package providers

import (
	"fmt"

	"github.com/nextlevelbuilder/nanobot/internal/config"
)

// Resolve builds the configured LLM provider from config. The returned
// provider is created once at process start and injected everywhere.
func Resolve(cfg *config.Config) (Provider, error) {
	name := cfg.Agent.Provider
	pc := cfg.ProviderFor(name)
	model := pc.Model
	if model == "" {
		model = cfg.Agent.Model
	}

	switch name {
	case "anthropic", "":
		if pc.APIKey == "" {
			return nil, fmt.Errorf("providers: anthropic api key not configured")
		}
		return NewAnthropicProvider(pc.APIKey,
			WithAnthropicModel(model),
			WithAnthropicBaseURL(pc.APIBase)), nil
	case "openai":
		return newOpenAICompat(name, pc, model, "https://api.openai.com/v1")
	case "openrouter":
		return newOpenAICompat(name, pc, model, "https://openrouter.ai/api/v1")
	case "groq":
		return newOpenAICompat(name, pc, model, "https://api.groq.com/openai/v1")
	case "dashscope":
		if pc.APIKey == "" {
			return nil, fmt.Errorf("providers: dashscope api key not configured")
		}
		return NewDashScopeProvider(pc.APIKey, pc.APIBase, model), nil
	default:
		return nil, fmt.Errorf("providers: unknown provider %q", name)
	}
}

func newOpenAICompat(name string, pc config.ProviderConfig, model, defaultBase string) (Provider, error) {
	if pc.APIKey == "" {
		return nil, fmt.Errorf("providers: %s api key not configured", name)
	}
	base := pc.APIBase
	if base == "" {
		base = defaultBase
	}
	return NewOpenAIProvider(name, pc.APIKey, base, model), nil
}
