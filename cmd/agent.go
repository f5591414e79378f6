package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanobot/internal/agent"
	"github.com/nextlevelbuilder/nanobot/internal/bootstrap"
	"github.com/nextlevelbuilder/nanobot/internal/bus"
	"github.com/nextlevelbuilder/nanobot/internal/config"
	"github.com/nextlevelbuilder/nanobot/internal/memory"
	"github.com/nextlevelbuilder/nanobot/internal/providers"
	"github.com/nextlevelbuilder/nanobot/internal/skills"
	"github.com/nextlevelbuilder/nanobot/internal/store"
	"github.com/nextlevelbuilder/nanobot/internal/tools"
)

func agentCmd() *cobra.Command {
	var (
		message    string
		sessionKey string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Chat with the assistant from the terminal",
		Long: `Chat with the assistant directly, without the gateway.

Examples:
  nanobot agent                       # Interactive REPL
  nanobot agent -m "What time is it?" # One-shot message
  nanobot agent -s my-session         # Continue a named session`,
		Run: func(cmd *cobra.Command, args []string) {
			runAgentChat(message, sessionKey)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "local", "session name")

	return cmd
}

func runAgentChat(message, sessionKey string) {
	setupLogging()
	cfg := loadConfigOrExit()
	if !hasAnyProvider(cfg) {
		fmt.Fprintln(os.Stderr, "No AI provider API key configured. Run: nanobot onboard")
		os.Exit(1)
	}

	ctx := context.Background()
	loop, cleanup, err := buildDirectLoop(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	key := "cli:" + sessionKey

	if message != "" {
		reply, err := loop.ProcessDirect(ctx, message, key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(reply)
		return
	}

	banner := fmt.Sprintf("nanobot %s — interactive chat (ctrl-d to exit, session %q)", Version, sessionKey)
	fmt.Println(banner)
	fmt.Println(strings.Repeat("─", runewidth.StringWidth(banner)))

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}

		reply, err := loop.ProcessDirect(ctx, line, key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Printf("bot> %s\n", reply)
	}
}

// buildDirectLoop assembles a standalone agent loop: provider, store,
// context and tools, but no channels, cron or MCP.
func buildDirectLoop(cfg *config.Config) (*agent.Loop, func(), error) {
	provider, err := providers.Resolve(cfg)
	if err != nil {
		return nil, nil, err
	}

	workspace := cfg.WorkspacePath()
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	if _, err := bootstrap.Seed(workspace); err != nil {
		return nil, nil, err
	}

	sessionStore, err := store.Open(cfg)
	if err != nil {
		return nil, nil, err
	}

	memIndex, err := memory.OpenIndex(filepath.Join(workspace, "memory"))
	if err != nil {
		sessionStore.Close()
		return nil, nil, err
	}

	skillsReg := skills.NewRegistry(filepath.Join(workspace, "skills"), "")
	msgBus := bus.New(cfg.Bus.InboundCapacity, cfg.Bus.OutboundCapacity)

	baseTools := func(scope string, restrict bool) *tools.Registry {
		reg := tools.NewRegistry()
		mustRegister(reg, tools.NewReadFileTool(workspace, restrict))
		mustRegister(reg, tools.NewWriteFileTool(workspace, restrict))
		mustRegister(reg, tools.NewListDirTool(workspace, restrict))
		mustRegister(reg, tools.NewExecTool(workspace, restrict))
		mustRegister(reg, tools.NewWebSearchTool(cfg.Tools.Web.BraveAPIKey))
		mustRegister(reg, tools.NewWebFetchTool(0))
		mustRegister(reg, tools.NewMemoryNoteTool(memIndex, scope))
		return reg
	}

	subagentMgr := tools.NewSubagentManager(provider, msgBus,
		func() *tools.Registry { return baseTools("global", cfg.Agent.RestrictToWorkspace) },
		tools.SubagentConfig{
			MaxConcurrent: cfg.Agent.Subagents.MaxConcurrent,
			MaxIterations: cfg.Agent.Subagents.MaxIterations,
			Timeout:       time.Duration(cfg.Agent.Subagents.TimeoutSeconds) * time.Second,
			Model:         cfg.Agent.Model,
		})

	loop := agent.New(agent.LoopConfig{
		Bus:      msgBus,
		Provider: provider,
		Store:    sessionStore,
		Context:  agent.NewContextBuilder(workspace, memIndex, skillsReg, cfg.Agent),
		NewRegistry: func(msg bus.InboundMessage, restrict bool) *tools.Registry {
			reg := baseTools("session:"+msg.SessionKey(), restrict)
			origin := tools.Origin{Channel: msg.Channel, ChatID: msg.ChatID}
			mustRegister(reg, tools.NewSpawnTool(subagentMgr, origin))
			mustRegister(reg, tools.NewSubagentsTool(subagentMgr))
			return reg
		},
		IsTrusted: func(string) bool { return false },
		Agent:     cfg.Agent,
	})

	cleanup := func() {
		subagentMgr.Stop(2 * time.Second)
		msgBus.Close()
		memIndex.Close()
		sessionStore.Close()
	}
	return loop, cleanup, nil
}
