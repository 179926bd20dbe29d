package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loopwire/conductor/internal/config"
	"github.com/loopwire/conductor/internal/supervisor"
)

func superviseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supervise",
		Short: "Own the chat bot process tree, watch for upstream changes, and serve the operator dashboard",
		Run: func(cmd *cobra.Command, args []string) {
			runSupervise()
		},
	}
}

// runSupervise owns the long-running "serve" child process, mirroring the
// teacher's gateway command's own graceful-shutdown plumbing (signal
// channel, cancel, wait) at the level of the process fleet rather than a
// single in-process listener.
func runSupervise() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	sup := supervisor.New(cfg.Supervisor, log)

	exe, err := os.Executable()
	if err != nil {
		log.Error("resolve own executable path", "error", err)
		os.Exit(1)
	}

	botArgs := []string{"serve"}
	if cfgFile != "" {
		botArgs = append(botArgs, "--config", cfgFile)
	}
	if err := sup.Register(supervisor.ProcessConfig{
		Name:    "bot",
		Command: exe,
		Args:    botArgs,
		Cwd:     cfg.Agent.WorkDir,
		LogDir:  cfg.Supervisor.LogDir,
	}); err != nil {
		log.Error("register bot process", "error", err)
		os.Exit(1)
	}
	if err := sup.ProcessManager().Start("bot"); err != nil {
		log.Error("start bot process", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- sup.Run(ctx) }()
	go func() { errCh <- sup.Dashboard().Serve(ctx, cfg.Supervisor.DashboardAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("conductor supervise starting", "version", Version, "dashboard", cfg.Supervisor.DashboardAddr)

	select {
	case sig := <-sigCh:
		log.Info("graceful shutdown initiated", "signal", sig)
	case err := <-errCh:
		if err != nil {
			log.Error("supervisor loop exited", "error", err)
		}
	}
	cancel()
	sup.ProcessManager().StopAll(10 * time.Second)
}
