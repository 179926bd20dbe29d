package chatutil

import (
	"context"

	"github.com/loopwire/conductor/internal/chatadapter"
)

// InterventionEmoji marks a message channelobserver has decided to
// intervene on; InterventionAcceptedEmoji swaps in once a human has
// responded inside the preempted thread. Named after original_source's
// INTERVENTION_EMOJI / INTERVENTION_ACCEPTED_EMOJI constants.
const (
	InterventionEmoji         = "eyes"
	InterventionAcceptedEmoji = "white_check_mark"
)

// TrelloState names one stage of a tracker card's chat-visible lifecycle.
type TrelloState string

const (
	TrelloPlanning TrelloState = "planning"
	TrelloExecuting TrelloState = "executing"
	TrelloSuccess   TrelloState = "success"
	TrelloError     TrelloState = "error"
)

// TrelloReactions maps each TrelloState to the emoji added to a card's
// anchor message while that state holds, named after original_source's
// TRELLO_REACTIONS dict.
var TrelloReactions = map[TrelloState]string{
	TrelloPlanning:  "thought_balloon",
	TrelloExecuting: "arrow_forward",
	TrelloSuccess:   "white_check_mark",
	TrelloError:     "x",
}

// ReactionManager wraps a chatadapter.ChatAdapter with the no-context
// method set internal/channelobserver.ReactionExecutor expects, and with
// the state-reaction swap helper internal/tracker's card lifecycle needs.
// Wrapping rather than implementing the interface directly on a chat
// adapter Client exists because executor.ChatSurface and tracker.ChatPoster
// need ctx-based AddReaction while channelobserver.ReactionExecutor does
// not — no single method set can satisfy both.
type ReactionManager struct {
	adapter   chatadapter.ChatAdapter
	botUserID string
}

func NewReactionManager(adapter chatadapter.ChatAdapter, botUserID string) *ReactionManager {
	return &ReactionManager{adapter: adapter, botUserID: botUserID}
}

// HasReaction implements channelobserver.ReactionExecutor.
func (r *ReactionManager) HasReaction(channelID, ts, emojiName, botUserID string) (bool, error) {
	return r.adapter.HasReaction(context.Background(), channelID, ts, emojiName, botUserID)
}

// AddReaction implements channelobserver.ReactionExecutor.
func (r *ReactionManager) AddReaction(channelID, ts, emojiName string) error {
	return r.adapter.AddReaction(context.Background(), channelID, ts, emojiName)
}

// Intervene implements channelobserver.ReactionExecutor by posting reason as
// a threaded reply next to the flagged message.
func (r *ReactionManager) Intervene(channelID, ts, threadTS, reason string) (string, error) {
	anchor := threadTS
	if anchor == "" {
		anchor = ts
	}
	return r.adapter.PostMessage(context.Background(), channelID, anchor, "🔔 "+reason)
}

// SwapTrelloState removes the emoji for from and adds the emoji for to on
// ts, the reaction-pair swap original_source performs on every card state
// transition (e.g. "executing"/"planning" -> "success" on completion).
// Errors from the removal are ignored the way original_source's
// remove_reaction calls are — the reaction may already be gone, or the
// adapter may not support observing prior state.
func (r *ReactionManager) SwapTrelloState(ctx context.Context, channelID, ts string, from, to TrelloState) error {
	if fromEmoji, ok := TrelloReactions[from]; ok {
		_ = r.adapter.RemoveReaction(ctx, channelID, ts, fromEmoji)
	}
	toEmoji, ok := TrelloReactions[to]
	if !ok {
		return nil
	}
	return r.adapter.AddReaction(ctx, channelID, ts, toEmoji)
}

// SwapIntervention removes InterventionEmoji and adds
// InterventionAcceptedEmoji on ts, called once a preempted turn re-runs
// after a human responds in its thread.
func (r *ReactionManager) SwapIntervention(ctx context.Context, channelID, ts string) error {
	_ = r.adapter.RemoveReaction(ctx, channelID, ts, InterventionEmoji)
	return r.adapter.AddReaction(ctx, channelID, ts, InterventionAcceptedEmoji)
}
