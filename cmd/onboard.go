package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/loopwire/conductor/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

// runOnboard walks a new deployment through the fields that matter for a
// first serve: the agent command, an LLM endpoint, at least one chat
// channel, and (optionally) a Trello board to watch. It writes the result
// as config.json5; secrets entered here (tokens, API keys) are printed as
// the matching env var to export instead of being written to disk.
func runOnboard() error {
	cfgPath := resolveConfigPath()
	cfg := config.Default()
	if existing, err := config.Load(cfgPath); err == nil {
		cfg = existing
	}

	var (
		llmAPIKey     string
		discordToken  string
		telegramToken string
		trelloKey     string
		trelloToken   string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Agent command").
				Description("CLI binary conductor spawns one subprocess of per turn").
				Value(&cfg.Agent.Command),
			huh.NewInput().
				Title("LLM base URL").
				Value(&cfg.Agent.LLMBaseURL),
			huh.NewInput().
				Title("LLM model").
				Value(&cfg.Agent.LLMModel),
			huh.NewInput().
				Title("LLM API key").
				Description("kept out of config.json5 — exported as CONDUCTOR_LLM_API_KEY instead").
				EchoMode(huh.EchoModePassword).
				Value(&llmAPIKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token (leave blank to skip)").
				EchoMode(huh.EchoModePassword).
				Value(&discordToken),
			huh.NewInput().
				Title("Telegram bot token (leave blank to skip)").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Trello board ID (leave blank to skip tracker watching)").
				Value(&cfg.TrackerBoard.BoardID),
			huh.NewInput().
				Title("Trello API key").
				EchoMode(huh.EchoModePassword).
				Value(&trelloKey),
			huh.NewInput().
				Title("Trello API token").
				EchoMode(huh.EchoModePassword).
				Value(&trelloToken),
		),
	).WithTheme(huh.ThemeCharm())

	if err := form.Run(); err != nil {
		return fmt.Errorf("onboarding form: %w", err)
	}

	if trelloKey != "" {
		cfg.TrackerBoard.Key = trelloKey
	}
	if trelloToken != "" {
		cfg.TrackerBoard.Token = trelloToken
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("\nWrote %s\n\n", cfgPath)
	fmt.Println("Export these before running `conductor serve` — secrets are never written to config.json5:")
	printExport("CONDUCTOR_LLM_API_KEY", llmAPIKey)
	printExport("CONDUCTOR_DISCORD_TOKEN", discordToken)
	printExport("CONDUCTOR_TELEGRAM_TOKEN", telegramToken)
	printExport("CONDUCTOR_TRELLO_KEY", trelloKey)
	printExport("CONDUCTOR_TRELLO_TOKEN", trelloToken)

	return nil
}

func printExport(envVar, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(os.Stdout, "  export %s=...\n", envVar)
}
