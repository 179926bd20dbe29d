package executor

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/loopwire/conductor/internal/agentrunner"
	"github.com/loopwire/conductor/internal/ctxbuild"
	"github.com/loopwire/conductor/internal/sessionmgr"
)

// SessionExecutor orchestrates one user turn per spec.md §4.H: at most one
// AgentRunner active per thread, enforced by a non-blocking lock acquire;
// everything else (pending-prompt replacement, marker handling, restart
// escalation) composes around that single guarantee.
type SessionExecutor struct {
	sessions   *sessionmgr.Manager
	runners    *agentrunner.Registry
	ctxBuilder *ctxbuild.Builder
	chat       ChatSurface
	restarts   RestartRequester
	listRuns   ListRunStarter
	pending    *pendingStash
	cfg        Config
	baseRunner agentrunner.Config
}

// New builds a SessionExecutor. restarts/listRuns may be nil if those
// features are not wired (e.g. a read-only deployment).
func New(sessions *sessionmgr.Manager, runners *agentrunner.Registry, ctxBuilder *ctxbuild.Builder, chat ChatSurface, restarts RestartRequester, listRuns ListRunStarter, baseRunner agentrunner.Config, cfg Config) *SessionExecutor {
	return &SessionExecutor{
		sessions:   sessions,
		runners:    runners,
		ctxBuilder: ctxBuilder,
		chat:       chat,
		restarts:   restarts,
		listRuns:   listRuns,
		pending:    newPendingStash(),
		cfg:        cfg.withDefaults(),
		baseRunner: baseRunner,
	}
}

// Run executes p, or — if the session is already busy — stashes it as a
// PendingPrompt and interrupts the in-flight turn instead.
func (e *SessionExecutor) Run(ctx context.Context, p RunParams) error {
	_, _, err := e.RunForOutcome(ctx, p)
	return err
}

// RunForOutcome is Run plus a succeeded flag and the agent's raw output text
// for callers that chain on the turn's result (internal/tracker's list
// runner: on_success advances to the next card, on_error pauses the chain,
// and the list runner's second-pass validation turn needs the output text
// itself to look for a VALIDATION_RESULT marker). succeeded and output
// reflect only the immediate p turn, not any pending prompt that gets
// popped and re-run afterward.
func (e *SessionExecutor) RunForOutcome(ctx context.Context, p RunParams) (succeeded bool, output string, err error) {
	token := uuid.NewString()

	if !e.sessions.TryLock(p.SessionKey, token) {
		return false, "", e.preempt(ctx, p)
	}

	result, thinkingTS, runErr := e.runLocked(ctx, p, token)
	e.sessions.Unlock(p.SessionKey, token)
	e.runners.Unregister(p.ThreadTS)

	succeeded = e.reportCompletion(ctx, p, thinkingTS, result, runErr)

	if pp, ok := e.pending.pop(p.SessionKey); ok {
		_ = e.chat.RemoveReaction(ctx, pp.ChannelID, pp.MsgTS, e.cfg.PreemptionEmoji)
		_ = e.chat.AddReaction(ctx, pp.ChannelID, pp.MsgTS, e.cfg.AcceptedEmoji)
		_, _, _ = e.RunForOutcome(ctx, RunParams{
			SessionKey: p.SessionKey,
			ThreadTS:   pp.ThreadTS,
			ChannelID:  pp.ChannelID,
			MsgTS:      pp.MsgTS,
			Prompt:     pp.Prompt,
			Role:       pp.Role,
			UserID:     pp.UserID,
			Username:   pp.Username,
			SourceType: pp.SourceType,
		})
	}
	return succeeded, result.Output, runErr
}

func (e *SessionExecutor) preempt(ctx context.Context, p RunParams) error {
	_ = e.chat.AddReaction(ctx, p.ChannelID, p.MsgTS, e.cfg.PreemptionEmoji)
	e.pending.stash(p.SessionKey, PendingPrompt{
		Prompt:     p.Prompt,
		MsgTS:      p.MsgTS,
		ChannelID:  p.ChannelID,
		ThreadTS:   p.ThreadTS,
		Role:       p.Role,
		UserID:     p.UserID,
		Username:   p.Username,
		SourceType: p.SourceType,
	})
	if runner, ok := e.runners.Get(p.ThreadTS); ok {
		go runner.Interrupt()
	}
	return nil
}

func (e *SessionExecutor) runLocked(ctx context.Context, p RunParams, token string) (agentrunner.Result, string, error) {
	e.sessions.UpdateMetadata(p.SessionKey, func(s *sessionmgr.Session) { s.Running = true })

	policy := ToolPolicyForRole(p.Role, e.cfg)
	runnerCfg := e.baseRunner
	runnerCfg.Policy = policy
	if p.AgentCmd != "" {
		runnerCfg.Command = p.AgentCmd
	}

	runner := agentrunner.New(p.ThreadTS, runnerCfg)
	e.runners.Register(p.ThreadTS, runner)

	thinkingTS, err := e.chat.PostMessage(ctx, p.ChannelID, p.ThreadTS, "_thinking…_")
	if err != nil {
		return agentrunner.Result{}, "", err
	}

	prefix, err := e.ctxBuilder.Build(ctxbuild.Params{
		ThreadTS:          p.ThreadTS,
		ChannelID:         p.ChannelID,
		IncludePersistent: true,
		IncludeSession:    true,
		MaxTokens:         e.cfg.ContextWindowTokens,
	})
	if err != nil {
		return agentrunner.Result{}, thinkingTS, err
	}

	fullPrompt := prefix.Prompt + p.Prompt
	sess := e.sessions.Create(p.SessionKey, p.ChannelID, p.UserID, p.Username, sessionmgr.Role(p.Role), p.SourceType)
	resume := sess.AgentSessionID

	onProgress := func(text string) {
		_ = e.chat.UpdateMessage(ctx, p.ChannelID, thinkingTS, "> "+strings.ReplaceAll(text, "\n", "\n> "))
	}

	result, err := runner.Run(ctx, fullPrompt, resume, onProgress, nil)

	e.sessions.AddMessage(p.SessionKey, sessionmgr.Message{Role: "user", Content: p.Prompt})
	if result.SessionID != "" {
		e.sessions.UpdateMetadata(p.SessionKey, func(s *sessionmgr.Session) { s.AgentSessionID = result.SessionID })
	}
	e.sessions.AccumulateTokens(p.SessionKey, result.Usage.InputTokens, result.Usage.OutputTokens)
	e.sessions.IncrementMessageCount(p.SessionKey)

	return result, thinkingTS, err
}

func (e *SessionExecutor) reportCompletion(ctx context.Context, p RunParams, thinkingTS string, result agentrunner.Result, runErr error) bool {
	sess := e.sessions.GetOrCreate(p.SessionKey)

	if runErr != nil {
		_ = e.chat.UpdateMessage(ctx, p.ChannelID, thinkingTS, userFacingError(runErr.Error()))
		return false
	}

	switch {
	case result.Interrupted:
		_ = e.chat.UpdateMessage(ctx, p.ChannelID, thinkingTS, "_(cancelled)_")
		return false

	case result.Success:
		out := parseOutput(result.Output)
		summary := out.Summary
		if e.cfg.FormatUsageBar != nil {
			summary += "\n" + e.cfg.FormatUsageBar(sess.LastPromptTokens, e.cfg.ContextWindowTokens)
		}
		_ = e.chat.UpdateMessage(ctx, p.ChannelID, thinkingTS, summary)
		if out.Details != "" {
			_, _ = e.chat.PostMessage(ctx, p.ChannelID, p.ThreadTS, out.Details)
		}
		e.handleAdminMarkers(ctx, p, out)
		return true

	default:
		_ = e.chat.UpdateMessage(ctx, p.ChannelID, thinkingTS, userFacingError(result.Error))
		return false
	}
}

// handleAdminMarkers applies UPDATE/RESTART/LIST_RUN markers. Per spec.md
// §4.H: "Marker handling never fires for viewer role."
func (e *SessionExecutor) handleAdminMarkers(ctx context.Context, p RunParams, out parsedOutput) {
	if p.Role != RoleAdmin {
		return
	}

	if (out.Update || out.Restart) && e.restarts != nil {
		kind := "restart"
		if out.Update {
			kind = "update"
		}
		otherSessionsRunning := e.sessions.RunningCount() > 0
		_ = e.restarts.RequestRestart(ctx, kind, e.cfg.OperatorChannelID, otherSessionsRunning)
	}

	if out.ListRunName != "" && e.listRuns != nil {
		_ = e.listRuns.StartListRun(ctx, out.ListRunName, p.ChannelID, p.ThreadTS)
	}
}
