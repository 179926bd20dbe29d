package supervisor

import (
	"context"
	"log/slog"
	"time"
)

// Supervisor wires ProcessManager, SessionMonitor, GitPoller, Deployer,
// Notifier and the Dashboard into the single long-running process-tree
// owner described by original_source's supervisor package: it starts and
// restarts the chat bot (and any other registered processes), watches the
// upstream git remote, and gates redeploys on active agent sessions.
type Supervisor struct {
	cfg Config

	pm        *ProcessManager
	sessions  *SessionMonitor
	git       *GitPoller
	deployer  *Deployer
	notifier  *Notifier
	dashboard *Dashboard

	log *slog.Logger
}

// New builds a Supervisor. Call Register for each child process before Run.
func New(cfg Config, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	pm := NewProcessManager(log)
	notifier := NewNotifier(cfg.SlackWebhookURL, log)
	sessions := NewSessionMonitor(pm, cfg.BotProcessName, cfg.AgentProcessNames, log)
	git := NewGitPoller(cfg.RepoPath, "origin", "main", log)
	deployer := NewDeployer(pm, sessions, notifier, cfg.RepoPath, log)
	dashboard := NewDashboard(pm, deployer, git, sessions, cfg.LogDir, log)

	return &Supervisor{
		cfg:       cfg,
		pm:        pm,
		sessions:  sessions,
		git:       git,
		deployer:  deployer,
		notifier:  notifier,
		dashboard: dashboard,
		log:       log,
	}
}

// Register adds a child process to the managed fleet.
func (s *Supervisor) Register(cfg ProcessConfig) error {
	return s.pm.Register(cfg)
}

// ProcessManager exposes the underlying manager for callers that need to
// start processes directly (e.g. cmd/conductor's supervise subcommand).
func (s *Supervisor) ProcessManager() *ProcessManager { return s.pm }

// Dashboard exposes the dashboard for Serve wiring by the caller.
func (s *Supervisor) Dashboard() *Dashboard { return s.dashboard }

// RequestRestart implements executor.RestartRequester: H asks J to apply an
// update or restart after a chat-issued admin marker. "update" routes
// through the normal git-change deploy path so SessionMonitor's
// process-tree gate (the authoritative signal, not H's own in-process
// hasRunningSessions count) decides timing; "restart" is an immediate
// graceful restart of the whole supervisor, mirroring the dashboard's own
// /api/supervisor/restart path but without the cooldown, since an operator
// chat command is already an explicit, rate-limited-by-humans action.
func (s *Supervisor) RequestRestart(ctx context.Context, kind string, operatorChannelID string, hasRunningSessions bool) error {
	switch kind {
	case "update":
		s.deployer.NotifyChange(ctx)
	case "restart":
		s.notifier.send(ctx, ":arrows_counterclockwise: *restart requested from chat*")
		select {
		case s.dashboard.restart.Requested <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run drives the two poll loops (health-check and git-poll) until ctx is
// canceled. Callers should also start Dashboard.Serve in a separate
// goroutine.
func (s *Supervisor) Run(ctx context.Context) error {
	healthTicker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer healthTicker.Stop()
	gitTicker := time.NewTicker(s.cfg.GitPollInterval)
	defer gitTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.pm.StopAll(10 * time.Second)
			return ctx.Err()

		case <-healthTicker.C:
			s.pollProcesses(ctx)
			if err := s.deployer.Tick(ctx); err != nil {
				if err == ErrSupervisorRestartRequired {
					return err
				}
				s.log.Error("deploy tick failed", "error", err)
			}
			s.dashboard.BroadcastStatus()

		case <-gitTicker.C:
			if s.git.Check(ctx) {
				s.deployer.NotifyChange(ctx)
			}

		case <-s.dashboard.RestartRequested():
			s.pm.StopAll(10 * time.Second)
			return ErrSupervisorRestartRequired
		}
	}
}

func (s *Supervisor) pollProcesses(ctx context.Context) {
	for _, name := range s.pm.RegisteredNames() {
		code, err := s.pm.Poll(name)
		if err != nil || code == nil {
			continue
		}
		action := ResolveExitAction(code)
		switch action {
		case ActionShutdown:
			s.log.Info("process exited with shutdown code, leaving stopped", "name", name, "code", *code)
		case ActionUpdate:
			s.log.Info("process requested update", "name", name)
			s.deployer.NotifyChange(ctx)
		case ActionRestart:
			s.log.Info("process requested restart, restarting immediately", "name", name)
			if err := s.pm.Start(name); err != nil {
				s.log.Error("restart after exit failed", "name", name, "error", err)
			}
		case ActionRestartDelay:
			s.restartWithPolicy(name)
		}
	}
}

func (s *Supervisor) restartWithPolicy(name string) {
	state, err := s.pm.state(name)
	if err != nil {
		return
	}
	policy := state.Config.Policy
	if !policy.AutoRestart {
		s.log.Info("process exited, auto-restart disabled", "name", name)
		return
	}
	if policy.MaxRestarts > 0 && state.RestartCount >= policy.MaxRestarts {
		s.log.Warn("process exceeded max restarts, leaving stopped", "name", name, "restarts", state.RestartCount)
		return
	}
	delay := policy.RestartDelay
	s.log.Info("process exited unexpectedly, restarting after delay", "name", name, "delay", delay)
	go func() {
		time.Sleep(delay)
		if err := s.pm.Start(name); err != nil {
			s.log.Error("delayed restart failed", "name", name, "error", err)
		}
	}()
}
