package channelobserver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/loopwire/conductor/internal/llmclient"
	"github.com/loopwire/conductor/internal/memstore"
)

const judgeSystemPrompt = `You review recent channel chatter and decide which messages, if any, deserve a reaction or an intervention from the bot. Reply with one item per line in the form:
ts|type|emoji|importance|related_to_me|addressed_to_me|linked_ts|reason
type is one of react, intervene. emoji is an emoji name (react only, otherwise -). importance is 1-10. related_to_me and addressed_to_me are true/false. linked_ts is the ts of a related earlier message, or - if none. Omit anything not worth acting on.`

// Judge asks the LLM which recent messages deserve a reaction or
// intervention, given the channel's rolling digest plus the judged and
// pending-but-unjudged message buffers.
func Judge(ctx context.Context, llm llmclient.Client, digest memstore.Digest, judged, pendingVisible []memstore.ChannelMessage, threadBuffersVisible map[string][]memstore.ChannelMessage, botUserID string) ([]JudgeItem, error) {
	prompt := buildJudgePrompt(digest, judged, pendingVisible, threadBuffersVisible, botUserID)
	completion, err := llm.Complete(ctx, judgeSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	return parseJudgeOutput(completion), nil
}

func buildJudgePrompt(digest memstore.Digest, judged, pending []memstore.ChannelMessage, threadBuffers map[string][]memstore.ChannelMessage, botUserID string) string {
	var b strings.Builder
	b.WriteString("bot_user_id: " + botUserID + "\n")
	if digest.Content != "" {
		b.WriteString("digest:\n" + digest.Content + "\n")
	}
	b.WriteString("judged:\n")
	for _, m := range judged {
		writeChannelMessage(&b, m)
	}
	b.WriteString("pending:\n")
	for _, m := range pending {
		writeChannelMessage(&b, m)
	}
	for root, msgs := range threadBuffers {
		b.WriteString("thread " + root + ":\n")
		for _, m := range msgs {
			writeChannelMessage(&b, m)
		}
	}
	return b.String()
}

func writeChannelMessage(b *strings.Builder, m memstore.ChannelMessage) {
	fmt.Fprintf(b, "%s|%s|%s\n", m.TS, m.Username, m.Text)
}

func parseJudgeOutput(completion string) []JudgeItem {
	var items []JudgeItem
	for _, line := range strings.Split(completion, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 8)
		if len(parts) != 8 {
			continue
		}
		importance, _ := strconv.Atoi(strings.TrimSpace(parts[3]))
		linked := strings.TrimSpace(parts[6])
		if linked == "-" {
			linked = ""
		}
		item := JudgeItem{
			TS:              strings.TrimSpace(parts[0]),
			Type:            parseReactionType(parts[1]),
			EmojiName:       strings.TrimSpace(parts[2]),
			Importance:      importance,
			RelatedToMe:     parseBool(parts[4]),
			AddressedToMe:   parseBool(parts[5]),
			LinkedMessageTS: linked,
			Reason:          strings.TrimSpace(parts[7]),
		}
		if item.TS == "" {
			continue
		}
		items = append(items, item)
	}
	return items
}

func parseReactionType(s string) ReactionType {
	if strings.EqualFold(strings.TrimSpace(s), "intervene") {
		return ReactionIntervene
	}
	return ReactionReact
}

func parseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}

// ApplyImportanceModifiers mutates item per spec 4.G step 4: doubling
// importance (capped at 10) when the judge flagged it as related to the
// bot, and forcing a minimum importance plus an intervene action when it is
// addressed to the bot by a non-bot sender.
func ApplyImportanceModifiers(item JudgeItem, senderIsBot bool) JudgeItem {
	if item.RelatedToMe {
		item.Importance = item.Importance * 2
		if item.Importance > 10 {
			item.Importance = 10
		}
	}
	if item.AddressedToMe && !senderIsBot {
		if item.Importance < 7 {
			item.Importance = 7
		}
		if item.Type != ReactionIntervene {
			item.Type = ReactionIntervene
		}
	}
	return item
}

// ValidateLinkedTS drops a dangling or self-referential linked_message_ts,
// per spec 4.G step 5: links must resolve to a ts actually present in
// judged/pending/thread-buffer messages, and may not point at themselves.
func ValidateLinkedTS(item JudgeItem, known map[string]bool) JudgeItem {
	if item.LinkedMessageTS == "" {
		return item
	}
	if item.LinkedMessageTS == item.TS || !known[item.LinkedMessageTS] {
		item.LinkedMessageTS = ""
	}
	return item
}

// KnownTS builds the lookup ValidateLinkedTS needs from the full visible
// message universe.
func KnownTS(judged, pending []memstore.ChannelMessage, threadBuffers map[string][]memstore.ChannelMessage) map[string]bool {
	known := make(map[string]bool)
	for _, m := range judged {
		known[m.TS] = true
	}
	for _, m := range pending {
		known[m.TS] = true
	}
	for _, msgs := range threadBuffers {
		for _, m := range msgs {
			known[m.TS] = true
		}
	}
	return known
}

// FilterVisible drops messages whose ts or thread_ts is being tracked by the
// mention tracker, so the judge never re-acts on a message that is already
// handled as a direct mention (spec 4.G step 3: "Visible excludes...").
func FilterVisible(msgs []memstore.ChannelMessage, mentionTrackerTS map[string]bool) []memstore.ChannelMessage {
	if len(mentionTrackerTS) == 0 {
		return msgs
	}
	out := make([]memstore.ChannelMessage, 0, len(msgs))
	for _, m := range msgs {
		if mentionTrackerTS[m.TS] || (m.ThreadTS != "" && mentionTrackerTS[m.ThreadTS]) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// FilterPendingOnly drops items whose ts is not present in the pending
// snapshot, guarding against the judge hallucinating actions against
// thread-only messages (spec 4.G step 6).
func FilterPendingOnly(items []JudgeItem, pending []memstore.ChannelMessage) []JudgeItem {
	pendingTS := make(map[string]bool, len(pending))
	for _, m := range pending {
		pendingTS[m.TS] = true
	}
	out := make([]JudgeItem, 0, len(items))
	for _, it := range items {
		if pendingTS[it.TS] {
			out = append(out, it)
		}
	}
	return out
}
