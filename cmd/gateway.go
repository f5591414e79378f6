package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanobot/internal/agent"
	"github.com/nextlevelbuilder/nanobot/internal/bootstrap"
	"github.com/nextlevelbuilder/nanobot/internal/bus"
	"github.com/nextlevelbuilder/nanobot/internal/channels"
	"github.com/nextlevelbuilder/nanobot/internal/channels/discord"
	"github.com/nextlevelbuilder/nanobot/internal/channels/lark"
	"github.com/nextlevelbuilder/nanobot/internal/channels/telegram"
	"github.com/nextlevelbuilder/nanobot/internal/channels/webui"
	"github.com/nextlevelbuilder/nanobot/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/nanobot/internal/config"
	"github.com/nextlevelbuilder/nanobot/internal/cron"
	"github.com/nextlevelbuilder/nanobot/internal/heartbeat"
	mcpbridge "github.com/nextlevelbuilder/nanobot/internal/mcp"
	"github.com/nextlevelbuilder/nanobot/internal/memory"
	"github.com/nextlevelbuilder/nanobot/internal/providers"
	"github.com/nextlevelbuilder/nanobot/internal/skills"
	"github.com/nextlevelbuilder/nanobot/internal/store"
	"github.com/nextlevelbuilder/nanobot/internal/tools"
	"github.com/nextlevelbuilder/nanobot/internal/tracing"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the assistant gateway (channels, agent loop, cron, heartbeat)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !hasAnyProvider(cfg) {
		fmt.Println("No AI provider API key configured.")
		fmt.Println()
		fmt.Println("Run the setup wizard:   nanobot onboard")
		fmt.Println("Or set one in the env:  export NANOBOT_ANTHROPIC_API_KEY=sk-...")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		slog.Warn("tracing setup failed, continuing without", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	provider, err := providers.Resolve(cfg)
	if err != nil {
		slog.Error("failed to resolve provider", "error", err)
		os.Exit(1)
	}

	workspace := cfg.WorkspacePath()
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	if seeded, seedErr := bootstrap.Seed(workspace); seedErr != nil {
		slog.Warn("workspace seeding failed", "error", seedErr)
	} else if len(seeded) > 0 {
		slog.Info("seeded workspace files", "files", seeded)
	}

	sessionStore, err := store.Open(cfg)
	if err != nil {
		slog.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer sessionStore.Close()

	memIndex, err := memory.OpenIndex(filepath.Join(workspace, "memory"))
	if err != nil {
		slog.Error("failed to open memory index", "error", err)
		os.Exit(1)
	}
	defer memIndex.Close()

	skillsReg := skills.NewRegistry(filepath.Join(workspace, "skills"), "")
	go func() {
		if watchErr := skillsReg.Watch(ctx); watchErr != nil && ctx.Err() == nil {
			slog.Warn("skills watcher stopped", "error", watchErr)
		}
	}()

	msgBus := bus.New(cfg.Bus.InboundCapacity, cfg.Bus.OutboundCapacity)

	// MCP bridge tools live in a long-lived registry; per-message registries
	// borrow them from here.
	mcpRegistry := tools.NewRegistry()
	mcpManager := mcpbridge.NewManager(mcpRegistry, cfg.MCP)
	if err := mcpManager.Start(ctx); err != nil {
		slog.Warn("mcp startup incomplete", "error", err)
	}

	baseTools := func(sessionScope string, restrict bool) *tools.Registry {
		reg := tools.NewRegistry()
		mustRegister(reg, tools.NewReadFileTool(workspace, restrict))
		mustRegister(reg, tools.NewWriteFileTool(workspace, restrict))
		mustRegister(reg, tools.NewListDirTool(workspace, restrict))
		mustRegister(reg, tools.NewExecTool(workspace, restrict))
		mustRegister(reg, tools.NewWebSearchTool(cfg.Tools.Web.BraveAPIKey))
		mustRegister(reg, tools.NewWebFetchTool(0))
		mustRegister(reg, tools.NewMemoryNoteTool(memIndex, sessionScope))
		if cfg.Tools.Browser.Enabled {
			mustRegister(reg, tools.NewBrowserTool(workspace))
		}
		for _, name := range mcpRegistry.Names() {
			if tool, ok := mcpRegistry.Get(name); ok {
				mustRegister(reg, tool)
			}
		}
		return reg
	}

	subagentMgr := tools.NewSubagentManager(provider, msgBus,
		func() *tools.Registry { return baseTools("global", cfg.Agent.RestrictToWorkspace) },
		tools.SubagentConfig{
			MaxConcurrent:    cfg.Agent.Subagents.MaxConcurrent,
			MaxIterations:    cfg.Agent.Subagents.MaxIterations,
			Timeout:          time.Duration(cfg.Agent.Subagents.TimeoutSeconds) * time.Second,
			ProgressInterval: time.Duration(cfg.Agent.Subagents.ProgressIntervalSeconds) * time.Second,
			Model:            cfg.Agent.Model,
		})

	chanManager := channels.NewManager(msgBus)
	registerChannels(chanManager, cfg, msgBus, sessionStore)

	loop := agent.New(agent.LoopConfig{
		Bus:      msgBus,
		Provider: provider,
		Store:    sessionStore,
		Context:  agent.NewContextBuilder(workspace, memIndex, skillsReg, cfg.Agent),
		NewRegistry: func(msg bus.InboundMessage, restrict bool) *tools.Registry {
			reg := baseTools("session:"+msg.SessionKey(), restrict)
			origin := tools.Origin{Channel: msg.Channel, ChatID: msg.ChatID}
			mustRegister(reg, tools.NewMessageTool(msgBus, msg.Channel, msg.ChatID))
			mustRegister(reg, tools.NewSpawnTool(subagentMgr, origin))
			mustRegister(reg, tools.NewSubagentsTool(subagentMgr))
			return reg
		},
		IsTrusted: chanManager.IsTrusted,
		Agent:     cfg.Agent,
	})

	cronStore := cron.NewStore(cfg.CronStorePath())
	cronSvc := cron.NewService(cronStore, msgBus, loop)
	if err := cronSvc.Start(ctx); err != nil {
		slog.Error("failed to start cron service", "error", err)
		os.Exit(1)
	}

	hbSvc := heartbeat.NewService(workspace, loop, msgBus, heartbeat.Options{
		Interval:     time.Duration(cfg.Heartbeat.IntervalSeconds) * time.Second,
		StartupDelay: time.Duration(cfg.Heartbeat.StartupDelaySeconds) * time.Second,
		Channel:      cfg.Heartbeat.Channel,
		To:           cfg.Heartbeat.To,
	})
	hbSvc.Start(ctx)

	if err := chanManager.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
		os.Exit(1)
	}

	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	slog.Info("nanobot gateway running",
		"version", Version,
		"provider", provider.Name(),
		"model", cfg.Agent.Model,
		"channels", chanManager.Names(),
		"workspace", workspace)

	<-ctx.Done()
	slog.Info("shutting down")

	// Stop intake first so in-flight work can drain, then the services that
	// feed the loop, then the loop itself.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := chanManager.StopAll(shutdownCtx); err != nil {
		slog.Warn("channel shutdown incomplete", "error", err)
	}
	hbSvc.Stop()
	cronSvc.Stop()
	loop.Stop()
	<-loopDone
	subagentMgr.Stop(time.Duration(cfg.Agent.ShutdownGraceSeconds) * time.Second)
	mcpManager.Stop()
	msgBus.Close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("tracing shutdown failed", "error", err)
	}
	slog.Info("goodbye")
}

func registerChannels(mgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus, sessionStore store.SessionStore) {
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, msgBus, cfg.Agent.MediaMaxBytes)
		if err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			mgr.Register(ch, cfg.Channels.Telegram.Trusted)
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		ch, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus)
		if err != nil {
			slog.Error("whatsapp channel init failed", "error", err)
		} else {
			mgr.Register(ch, cfg.Channels.WhatsApp.Trusted)
		}
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			mgr.Register(ch, cfg.Channels.Discord.Trusted)
		}
	}
	if cfg.Channels.Lark.Enabled {
		ch, err := lark.New(cfg.Channels.Lark, msgBus)
		if err != nil {
			slog.Error("lark channel init failed", "error", err)
		} else {
			mgr.Register(ch, cfg.Channels.Lark.Trusted)
		}
	}
	if cfg.Channels.WebUI.Enabled {
		ch := webui.New(cfg.Channels.WebUI, msgBus, sessionStore, cfg.UploadsPath())
		mgr.Register(ch, cfg.Channels.WebUI.Trusted)
	}
}

func hasAnyProvider(cfg *config.Config) bool {
	return cfg.Providers.Anthropic.APIKey != "" ||
		cfg.Providers.OpenAI.APIKey != "" ||
		cfg.Providers.OpenRouter.APIKey != "" ||
		cfg.Providers.Groq.APIKey != "" ||
		cfg.Providers.DashScope.APIKey != ""
}

func mustRegister(reg *tools.Registry, tool tools.Tool) {
	if err := reg.Register(tool); err != nil {
		slog.Warn("tool registration skipped", "tool", tool.Name(), "error", err)
	}
}
