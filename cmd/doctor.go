package cmd

import (
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/mattn/go-runewidth"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/loopwire/conductor/internal/config"
	"github.com/loopwire/conductor/pkg/protocol"
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

// label pads name to width w, counting display columns rather than bytes so
// the table stays aligned if a channel or provider name carries wide runes.
func label(name string, w int) string {
	return runewidth.FillRight(name, w)
}

func runDoctor() {
	fmt.Println("conductor doctor")
	fmt.Printf("  %s %s (protocol %d)\n", label("Version:", 10), Version, protocol.ProtocolVersion)
	fmt.Printf("  %s %s/%s\n", label("OS:", 10), runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  %s %s\n", label("Go:", 10), runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  %s %s", label("Config:", 10), cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Storage:")
	checkStorage(cfg)

	fmt.Println()
	fmt.Println("  LLM provider:")
	checkProvider("LLM API key", cfg.Agent.LLMAPIKey)
	fmt.Printf("    %s %s\n", label("Model:", 14), cfg.Agent.LLMModel)
	fmt.Printf("    %s %s\n", label("Base URL:", 14), cfg.Agent.LLMBaseURL)

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Discord", cfg.Channels.Discord.Token != "")
	checkChannel("Telegram", cfg.Channels.Telegram.Token != "")

	fmt.Println()
	fmt.Println("  Tracker:")
	if cfg.TrackerBoard.BoardID != "" && cfg.TrackerBoard.Key != "" {
		fmt.Printf("    %s board %s\n", label("Trello:", 14), cfg.TrackerBoard.BoardID)
	} else {
		fmt.Printf("    %s (not configured)\n", label("Trello:", 14))
	}

	fmt.Println()
	fmt.Println("  External tools:")
	checkBinary(cfg.Agent.Command)
	checkBinary("git")

	fmt.Println()
	ws := config.ExpandHome(cfg.Agent.WorkDir)
	fmt.Printf("  %s %s", label("Workspace:", 10), ws)
	if _, err := os.Stat(ws); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkStorage(cfg *config.Config) {
	switch cfg.Storage.TokenIndexBackend {
	case "postgres":
		fmt.Printf("    %s postgres\n", label("Index:", 14))
		if cfg.Storage.PostgresDSN == "" {
			fmt.Printf("    %s CONDUCTOR_POSTGRES_DSN is unset\n", label("Status:", 14))
			return
		}
		db, err := sql.Open("pgx", cfg.Storage.PostgresDSN)
		if err != nil {
			fmt.Printf("    %s CONNECT FAILED (%s)\n", label("Status:", 14), err)
			return
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			fmt.Printf("    %s CONNECT FAILED (%s)\n", label("Status:", 14), err)
			return
		}
		fmt.Printf("    %s connected\n", label("Status:", 14))
	case "sqlite":
		fmt.Printf("    %s sqlite at %s\n", label("Index:", 14), config.ExpandHome(cfg.Storage.TokenIndexPath))
	default:
		fmt.Printf("    %s none (full scan per lookup)\n", label("Index:", 14))
	}
	memDir := config.ExpandHome(cfg.Storage.MemoryDir)
	if _, err := os.Stat(memDir); err != nil {
		fmt.Printf("    %s %s (NOT FOUND)\n", label("Memory dir:", 14), memDir)
	} else {
		fmt.Printf("    %s %s (OK)\n", label("Memory dir:", 14), memDir)
	}
}

func checkProvider(name, apiKey string) {
	if apiKey != "" {
		masked := apiKey
		if len(apiKey) > 8 {
			masked = apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
		}
		fmt.Printf("    %s %s\n", label(name+":", 14), masked)
	} else {
		fmt.Printf("    %s (not configured)\n", label(name+":", 14))
	}
}

func checkChannel(name string, hasCredentials bool) {
	status := "disabled"
	if hasCredentials {
		status = "enabled"
	}
	fmt.Printf("    %s %s\n", label(name+":", 14), status)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %s NOT FOUND\n", label(name+":", 14))
	} else {
		fmt.Printf("    %s %s\n", label(name+":", 14), path)
	}
}
