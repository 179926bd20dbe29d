// Package chatutil holds the chat-platform-agnostic presentation helpers
// consumed by internal/executor, internal/tracker, and
// internal/channelobserver: message chunking, summary/details envelope
// parsing, tracker-card headers, context-usage bars, and reaction
// bookkeeping.
//
// Grounded on original_source's message_formatter/reaction_manager usage
// sites in executor.py (no standalone source file for either module
// survived distillation, so the conventions below are reconstructed from
// how executor.py calls them) and on the teacher's internal/channels
// package for the Go idiom (small pure helpers plus a thin stateful
// wrapper over a chat client).
package chatutil

import (
	"fmt"
	"strings"

	"github.com/loopwire/conductor/pkg/protocol"
)

// ParseSummaryDetails splits text on the SUMMARY:/DETAILS: envelope
// convention (pkg/protocol.SummaryEnvelope / DetailsEnvelope), returning
// whatever precedes SUMMARY: as remainder. Mirrors original_source's
// parse_summary_details(response) -> (summary, details, remainder).
func ParseSummaryDetails(text string) (summary, details, remainder string) {
	sIdx := strings.Index(text, protocol.SummaryEnvelope)
	if sIdx < 0 {
		return "", "", text
	}
	remainder = strings.TrimSpace(text[:sIdx])

	rest := text[sIdx+len(protocol.SummaryEnvelope):]
	dIdx := strings.Index(rest, protocol.DetailsEnvelope)
	if dIdx < 0 {
		return strings.TrimSpace(rest), "", remainder
	}
	summary = strings.TrimSpace(rest[:dIdx])
	details = strings.TrimSpace(rest[dIdx+len(protocol.DetailsEnvelope):])
	return summary, details, remainder
}

// StripSummaryDetailsMarkers removes the SUMMARY:/DETAILS: envelope tokens
// from text while keeping their content, for callers that want to display
// the full response without the raw marker tokens.
func StripSummaryDetailsMarkers(text string) string {
	out := strings.ReplaceAll(text, protocol.SummaryEnvelope, "")
	out = strings.ReplaceAll(out, protocol.DetailsEnvelope, "")
	return strings.TrimSpace(out)
}

// BuildTrelloHeader renders the header line prefixed to every chat message
// tied to a tracker card turn, linking back to the card and naming the
// underlying agent session. Takes the card's name/URL directly rather than
// a tracker.Card to avoid a package cycle (internal/tracker calls into
// chatutil, not the other way around).
func BuildTrelloHeader(cardName, cardURL, sessionID string) string {
	title := cardName
	if cardURL != "" {
		title = fmt.Sprintf("<%s|%s>", cardURL, cardName)
	}
	if sessionID == "" {
		return fmt.Sprintf("🎫 *%s*", title)
	}
	return fmt.Sprintf("🎫 *%s* `%s`", title, shortSessionID(sessionID))
}

func shortSessionID(id string) string {
	const n = 8
	if len(id) <= n {
		return id
	}
	return id[:n]
}

const usageBarWidth = 10

// BuildContextUsageBar renders a fixed-width block-character bar showing
// how much of the context window the last turn's prompt consumed, matching
// original_source's build_context_usage_bar(usage). Signature takes plain
// ints so it can be wired directly as executor.Config.FormatUsageBar.
func BuildContextUsageBar(promptTokens, contextWindow int) string {
	if contextWindow <= 0 {
		return ""
	}
	frac := float64(promptTokens) / float64(contextWindow)
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	filled := int(frac*usageBarWidth + 0.5)
	if filled > usageBarWidth {
		filled = usageBarWidth
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", usageBarWidth-filled)
	return fmt.Sprintf("`%s` %d%% context (%d/%d tokens)", bar, int(frac*100), promptTokens, contextWindow)
}
