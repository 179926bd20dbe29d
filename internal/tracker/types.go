// Package tracker watches a kanban-style tracker (Trello and compatible
// boards) for cards that should spawn an agent turn: new cards dropped into
// a watched list, completed review cards, and whole lists queued for
// sequential processing via a "Run List" label.
package tracker

import (
	"context"
	"errors"
	"time"
)

// Label is a tracker-side label attached to a Card.
type Label struct {
	ID   string
	Name string
}

// Card is the tracker-agnostic shape consumed by the watcher and prompt
// builder.
type Card struct {
	ID          string
	Name        string
	Desc        string
	URL         string
	ListID      string
	Labels      []Label
	DueComplete bool
}

// ListInfo is one tracker list (column/board lane).
type ListInfo struct {
	ID   string
	Name string
}

// Adapter is the tracker surface consumed by the watcher and list runner.
// No specific provider (Trello, Jira, etc.) is assumed.
type Adapter interface {
	GetLists(ctx context.Context) ([]ListInfo, error)
	GetCardsInList(ctx context.Context, listID string) ([]Card, error)
	GetCard(ctx context.Context, cardID string) (Card, error)
	MoveCard(ctx context.Context, cardID, listID string) error
	UpdateCardName(ctx context.Context, cardID, name string) error
	RemoveLabelFromCard(ctx context.Context, cardID, labelID string) error
}

// ChatPoster is the subset of chat operations the watcher needs beyond what
// executor.ChatSurface already provides: opening a DM thread with the
// operator so an agent's reasoning can stream somewhere private.
type ChatPoster interface {
	PostMessage(ctx context.Context, channelID, threadTS, text string) (ts string, err error)
	AddReaction(ctx context.Context, channelID, ts, emojiName string) error
	OpenDM(ctx context.Context, userID string) (channelID string, err error)
}

// PromptBuilder turns a Card (or a thread resume) into the prompt text
// handed to the agent.
type PromptBuilder interface {
	BuildToGo(card Card, hasExecute bool) string
	BuildListRun(card Card, sessionID string, index, total int) string
	BuildReactionExecute(threadTS, cardID, cardName string) string
	// BuildValidation asks the agent to verify its own prior work on card
	// and answer with a `VALIDATION_RESULT: PASS|FAIL` line — the list
	// runner's second-pass check before advancing to the next card.
	BuildValidation(card Card, sessionID string) string
}

// Session spawns an agent turn for a tracker-triggered prompt. Satisfied by
// *executor.SessionExecutor. RunForOutcome also returns the agent's raw
// output text, which the list runner's second-pass validation turn scans
// for a VALIDATION_RESULT marker.
type Session interface {
	Run(ctx context.Context, sessionKey, threadTS, channelID, msgTS, prompt string) error
	RunForOutcome(ctx context.Context, sessionKey, threadTS, channelID, msgTS, prompt string) (succeeded bool, output string, err error)
}

// ErrListNotFound is returned by StartListRun when no tracker list
// matches the requested name.
var ErrListNotFound = errors.New("tracker: list not found")

// ErrEmptyList is returned by StartListRun when the matched list has no
// cards to run.
var ErrEmptyList = errors.New("tracker: list is empty")

// Config bounds watcher behavior.
type Config struct {
	// WatchLists maps a logical key (e.g. "to_go") to the tracker list ID
	// that's polled for newly-arrived cards.
	WatchLists map[string]string

	InProgressListID string
	ReviewListID      string
	DoneListID        string
	BacklogListID     string
	BlockedListID     string
	DraftListID       string

	NotifyChannel   string
	DMTargetUserID  string
	PollInterval    time.Duration
	StaleThreshold  time.Duration
	CompactTimeout  time.Duration

	ExecuteLabelName string
	RunListLabelName string
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.StaleThreshold == 0 {
		c.StaleThreshold = 2 * time.Hour
	}
	if c.CompactTimeout == 0 {
		c.CompactTimeout = 60 * time.Second
	}
	if c.ExecuteLabelName == "" {
		c.ExecuteLabelName = "execute"
	}
	if c.RunListLabelName == "" {
		c.RunListLabelName = "🏃 Run List"
	}
	return c
}

func hasLabel(card Card, name string) bool {
	for _, l := range card.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

func labelID(card Card, name string) string {
	for _, l := range card.Labels {
		if l.Name == name {
			return l.ID
		}
	}
	return ""
}
