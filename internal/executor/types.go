// Package executor orchestrates one user turn end to end: acquiring the
// session's execution lock (or stashing a pending prompt if it's busy),
// running the agent, translating its markers and usage into chat messages,
// and re-entering for whatever prompt arrived while the lock was held.
package executor

import (
	"context"
	"time"

	"github.com/loopwire/conductor/internal/agentrunner"
	"github.com/loopwire/conductor/internal/sessionmgr"
)

// Role gates which tools a turn's AgentRunner may use.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleAdmin  Role = "admin"
)

// ToolPolicyForRole derives an agentrunner.ToolPolicy from role, per spec:
// viewers get a fixed denylist, admins get whatever the deployment
// configured (plus any MCP-exposed tools, out of scope for this runner).
func ToolPolicyForRole(role Role, cfg Config) agentrunner.ToolPolicy {
	if role == RoleAdmin {
		return cfg.AdminPolicy
	}
	denied := append([]string{"Write", "Edit", "Bash", "TodoWrite"}, cfg.ViewerExtraDisallowed...)
	return agentrunner.ToolPolicy{Disallowed: denied}
}

// PendingPrompt is a turn that arrived while its session's lock was held.
// Only the most recent one per session key is kept.
type PendingPrompt struct {
	Prompt     string
	MsgTS      string
	ChannelID  string
	ThreadTS   string
	Role       Role
	UserID     string
	Username   string
	SourceType sessionmgr.SourceType
	StashedAt  time.Time
}

// ChatSurface is the set of message operations the executor needs from a
// concrete chat adapter (Discord/Telegram/etc., wired in internal/chatadapter).
type ChatSurface interface {
	PostMessage(ctx context.Context, channelID, threadTS, text string) (ts string, err error)
	UpdateMessage(ctx context.Context, channelID, ts, text string) error
	AddReaction(ctx context.Context, channelID, ts, emojiName string) error
	RemoveReaction(ctx context.Context, channelID, ts, emojiName string) error
}

// RestartRequester asks the supervisor to apply an UPDATE or RESTART
// marker, deferring to a human operator if other sessions are still
// running.
type RestartRequester interface {
	RequestRestart(ctx context.Context, kind string, operatorChannelID string, hasRunningSessions bool) error
}

// ListRunStarter resolves a `<!-- LIST_RUN: X -->` marker's list name and
// starts the multi-card chain (internal/tracker).
type ListRunStarter interface {
	StartListRun(ctx context.Context, listName, channelID, threadTS string) error
}

// Config bounds executor behavior that doesn't belong to a single turn.
type Config struct {
	AdminPolicy           agentrunner.ToolPolicy
	ViewerExtraDisallowed []string
	PreemptionEmoji       string // added to a message that preempts a running turn
	AcceptedEmoji         string // swapped in once the preempted turn re-runs
	OperatorChannelID      string // where restart confirmations are posted
	ContextWindowTokens    int
	FormatUsageBar         func(promptTokens, contextWindow int) string
}

func (c Config) withDefaults() Config {
	if c.PreemptionEmoji == "" {
		c.PreemptionEmoji = "hourglass_flowing_sand"
	}
	if c.AcceptedEmoji == "" {
		c.AcceptedEmoji = "white_check_mark"
	}
	return c
}

// RunParams is one invocation of SessionExecutor.Run.
type RunParams struct {
	SessionKey string
	ThreadTS   string
	ChannelID  string
	MsgTS      string
	Prompt     string
	Role       Role
	AgentCmd   string // overrides cfg's default agent command, if set

	// UserID/Username/SourceType identify the session's first author and
	// origin (spec's create(thread_ts, channel_id, user_id?, username?,
	// role?, source_type?)); only applied the first time this session key
	// is seen, per sessionmgr.Manager.Create.
	UserID     string
	Username   string
	SourceType sessionmgr.SourceType
}
