// Package channelobserver runs the per-channel ambient-chatter pipeline:
// deciding when enough pending chatter has accumulated to re-digest it, when
// to ask an LLM "judge" which messages deserve a reaction or an intervention,
// and how likely an intervention is to fire given recent burst history.
package channelobserver

import "time"

// ReactionType is the action a Judge item requests.
type ReactionType string

const (
	ReactionReact     ReactionType = "react"
	ReactionIntervene ReactionType = "intervene"
)

// JudgeItem is one action proposed by the judge LLM for a single message.
type JudgeItem struct {
	TS              string
	ThreadTS        string
	Type            ReactionType
	EmojiName       string
	Importance      int // 1-10
	RelatedToMe     bool
	AddressedToMe   bool
	LinkedMessageTS string
	Reason          string
}

// Config bounds the pipeline's thresholds. All token thresholds are in the
// same unit tokencount.Counter produces.
type Config struct {
	ThresholdA          int // min pending tokens before judging at all
	ThresholdB           int // judged+pending tokens that forces a re-digest
	DigestMaxTokens      int
	DigestTargetTokens   int
	InterventionThreshold float64 // default 0.3, outside-burst-window gate
	BurstWindowThreshold  float64 // default 0.35, inside-burst-window gate
	BotUserID             string
	DebugChannelID        string
}

func (c Config) withDefaults() Config {
	if c.InterventionThreshold == 0 {
		c.InterventionThreshold = 0.3
	}
	if c.BurstWindowThreshold == 0 {
		c.BurstWindowThreshold = 0.35
	}
	if c.DigestTargetTokens == 0 {
		c.DigestTargetTokens = c.DigestMaxTokens
	}
	return c
}

// ReactionExecutor performs the externally visible side effects the pipeline
// decides on. Implementations live in internal/chatadapter; this package only
// depends on the interface so it stays free of any concrete chat SDK.
type ReactionExecutor interface {
	// HasReaction reports whether ts already carries an emoji of the given
	// name from botUserID, so the pipeline can skip re-adding it.
	HasReaction(channelID, ts, emojiName, botUserID string) (bool, error)
	AddReaction(channelID, ts, emojiName string) error
	// Intervene posts a message-level response targeting ts and returns the
	// ts of the bot's own reply (used to anchor a new Session).
	Intervene(channelID, ts, threadTS, reason string) (replyTS string, err error)
}

// SessionStarter creates a new hybrid-origin session anchored at a bot reply,
// so a fired intervention continues like an ordinary mention thread.
type SessionStarter interface {
	StartHybridSession(channelID, anchorTS string) error
}

// DebugLogger emits a debug block for every reaction/intervene decision when
// a debug channel is configured. Implementations may no-op.
type DebugLogger interface {
	LogDecision(channelID string, item JudgeItem, probability float64, fired bool)
}

type noopDebugLogger struct{}

func (noopDebugLogger) LogDecision(string, JudgeItem, float64, bool) {}

// clock lets tests substitute time.Now.
type clock func() time.Time
