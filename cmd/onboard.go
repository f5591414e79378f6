package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanobot/internal/bootstrap"
	"github.com/nextlevelbuilder/nanobot/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

var defaultModels = map[string]string{
	"anthropic":  "claude-sonnet-4-5",
	"openai":     "gpt-4o",
	"openrouter": "anthropic/claude-sonnet-4.5",
	"groq":       "llama-3.3-70b-versatile",
	"dashscope":  "qwen3-max",
}

func runOnboard() {
	cfgPath := resolveConfigPath()
	cfg := config.Default()
	if _, err := os.Stat(cfgPath); err == nil {
		loaded, loadErr := config.Load(cfgPath)
		if loadErr != nil {
			fmt.Fprintf(os.Stderr, "Existing config is unreadable (%v); starting fresh.\n", loadErr)
		} else {
			cfg = loaded
		}
	}

	var (
		provider    = cfg.Agent.Provider
		apiKey      string
		model       = cfg.Agent.Model
		tgToken     = cfg.Channels.Telegram.Token
		enableWebUI = true
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("LLM provider").
				Options(
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("OpenRouter", "openrouter"),
					huh.NewOption("Groq", "groq"),
					huh.NewOption("DashScope (Qwen)", "dashscope"),
				).
				Value(&provider),
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("an API key is required")
					}
					return nil
				}).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Model").
				Description("Leave empty for the provider default").
				Value(&model),
			huh.NewInput().
				Title("Telegram bot token (optional)").
				Value(&tgToken),
			huh.NewConfirm().
				Title("Enable the local web UI?").
				Value(&enableWebUI),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Setup aborted: %v\n", err)
		os.Exit(1)
	}

	cfg.Agent.Provider = provider
	if model == "" {
		model = defaultModels[provider]
	}
	cfg.Agent.Model = model
	switch provider {
	case "openai":
		cfg.Providers.OpenAI.APIKey = apiKey
	case "openrouter":
		cfg.Providers.OpenRouter.APIKey = apiKey
	case "groq":
		cfg.Providers.Groq.APIKey = apiKey
	case "dashscope":
		cfg.Providers.DashScope.APIKey = apiKey
	default:
		cfg.Providers.Anthropic.APIKey = apiKey
	}
	if tgToken != "" {
		cfg.Channels.Telegram.Token = tgToken
		cfg.Channels.Telegram.Enabled = true
	}
	cfg.Channels.WebUI.Enabled = enableWebUI

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	seeded, err := bootstrap.Seed(cfg.WorkspacePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: workspace seeding failed: %v\n", err)
	}

	fmt.Println()
	fmt.Printf("Config written to %s\n", cfgPath)
	if len(seeded) > 0 {
		fmt.Printf("Workspace seeded at %s (%d files)\n", cfg.WorkspacePath(), len(seeded))
	}
	fmt.Println()
	fmt.Println("Start the gateway:  nanobot")
	fmt.Println("Or chat directly:   nanobot agent")
}
