package tracker

import (
	"context"

	"github.com/loopwire/conductor/internal/executor"
	"github.com/loopwire/conductor/internal/sessionmgr"
)

// ExecutorSession adapts *executor.SessionExecutor to the Session interface,
// always spawning turns with admin role since every tracker-triggered
// prompt runs unattended with the watcher as the requesting "user".
type ExecutorSession struct {
	Exec     *executor.SessionExecutor
	AgentCmd string
}

func (s *ExecutorSession) Run(ctx context.Context, sessionKey, threadTS, channelID, msgTS, prompt string) error {
	return s.Exec.Run(ctx, s.params(sessionKey, threadTS, channelID, msgTS, prompt))
}

func (s *ExecutorSession) RunForOutcome(ctx context.Context, sessionKey, threadTS, channelID, msgTS, prompt string) (bool, string, error) {
	return s.Exec.RunForOutcome(ctx, s.params(sessionKey, threadTS, channelID, msgTS, prompt))
}

func (s *ExecutorSession) params(sessionKey, threadTS, channelID, msgTS, prompt string) executor.RunParams {
	return executor.RunParams{
		SessionKey: sessionKey,
		ThreadTS:   threadTS,
		ChannelID:  channelID,
		MsgTS:      msgTS,
		Prompt:     prompt,
		Role:       executor.RoleAdmin,
		AgentCmd:   s.AgentCmd,
		SourceType: sessionmgr.SourceTrello,
	}
}
