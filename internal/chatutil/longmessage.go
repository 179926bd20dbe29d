package chatutil

import (
	"context"
	"fmt"
	"strings"

	"github.com/loopwire/conductor/internal/chatadapter"
)

// MaxChunkLen is the chunk size send_long_message splits at in
// original_source, chosen comfortably under every supported chat
// platform's own per-message limit (Slack ~40k, Discord 2000, which the
// discord adapter itself re-chunks further).
const MaxChunkLen = 3900

// SendLongMessage posts text into channelID, splitting it into chunks no
// larger than MaxChunkLen along line boundaries where possible. The first
// chunk is sent with threadTS as its reply target; subsequent chunks reply
// to threadTS too, or to the first chunk's own ts when threadTS is empty,
// keeping the whole message in one thread.
// Grounded on original_source's ChatHelpers.send_long_message.
func SendLongMessage(ctx context.Context, adapter chatadapter.ChatAdapter, channelID, threadTS, text string) error {
	chunks := splitChunks(text, MaxChunkLen)
	if len(chunks) == 0 {
		return nil
	}

	anchor := threadTS
	for i, chunk := range chunks {
		replyTo := anchor
		ts, err := adapter.PostMessage(ctx, channelID, replyTo, chunk)
		if err != nil {
			return fmt.Errorf("send long message chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if anchor == "" {
			anchor = ts
		}
	}
	return nil
}

// splitChunks breaks text into pieces of at most maxLen bytes, preferring
// to cut on the last newline before the limit so chunks don't split mid
// line.
func splitChunks(text string, maxLen int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndexByte(text[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}
