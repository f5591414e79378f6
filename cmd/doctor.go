package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanobot/internal/config"
	mcpbridge "github.com/nextlevelbuilder/nanobot/internal/mcp"
	"github.com/nextlevelbuilder/nanobot/internal/tools"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("nanobot doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — run: nanobot onboard)")
	} else {
		fmt.Println(" (OK)")
	}
	cfg := loadConfigOrExit()

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Anthropic", cfg.Providers.Anthropic.APIKey)
	checkProvider("OpenAI", cfg.Providers.OpenAI.APIKey)
	checkProvider("OpenRouter", cfg.Providers.OpenRouter.APIKey)
	checkProvider("Groq", cfg.Providers.Groq.APIKey)
	checkProvider("DashScope", cfg.Providers.DashScope.APIKey)
	fmt.Printf("    %-12s %s / %s\n", "Active:", cfg.Agent.Provider, cfg.Agent.Model)

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("WhatsApp", cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL != "")
	checkChannel("Lark", cfg.Channels.Lark.Enabled, cfg.Channels.Lark.AppID != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")
	checkChannel("WebUI", cfg.Channels.WebUI.Enabled, true)

	fmt.Println()
	fmt.Println("  Store:")
	fmt.Printf("    %-12s %s\n", "Driver:", cfg.Store.Driver)
	if cfg.Store.Driver == "postgres" {
		checkPostgres(cfg.Store.PostgresDSN)
	}

	if len(cfg.MCP.Servers) > 0 {
		fmt.Println()
		fmt.Println("  MCP servers:")
		checkMCP(cfg)
	}

	fmt.Println()
	fmt.Println("  External tools:")
	checkBinary("curl")
	checkBinary("git")

	fmt.Println()
	ws := cfg.WorkspacePath()
	fmt.Printf("  Workspace: %s", ws)
	if _, err := os.Stat(ws); err != nil {
		fmt.Println(" (NOT FOUND — created on first run)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkProvider(name, apiKey string) {
	switch {
	case apiKey == "":
		fmt.Printf("    %-12s (not configured)\n", name+":")
	case len(apiKey) < 12:
		fmt.Printf("    %-12s %s\n", name+":", strings.Repeat("*", len(apiKey)))
	default:
		fmt.Printf("    %-12s %s...%s\n", name+":", apiKey[:4], apiKey[len(apiKey)-4:])
	}
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkPostgres(dsn string) {
	if dsn == "" {
		fmt.Printf("    %-12s NO DSN (set NANOBOT_POSTGRES_DSN)\n", "Postgres:")
		return
	}
	db, err := sql.Open("pgx", dsn)
	if err == nil {
		err = db.Ping()
		db.Close()
	}
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Postgres:", err)
	} else {
		fmt.Printf("    %-12s OK\n", "Postgres:")
	}
}

// checkMCP connects to each configured MCP server, reports, and disconnects.
func checkMCP(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	mgr := mcpbridge.NewManager(tools.NewRegistry(), cfg.MCP)
	_ = mgr.Start(ctx)
	for _, st := range mgr.Status() {
		if st.Connected {
			fmt.Printf("    %-12s OK (%s, %d tools)\n", st.Name+":", st.Transport, st.ToolCount)
		} else {
			fmt.Printf("    %-12s FAILED (%s)\n", st.Name+":", st.Error)
		}
	}
	mgr.Stop()
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
