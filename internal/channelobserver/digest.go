package channelobserver

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/loopwire/conductor/internal/llmclient"
	"github.com/loopwire/conductor/internal/memstore"
	"github.com/loopwire/conductor/internal/tokencount"
)

const digestSystemPrompt = `Fold the following newly-judged channel messages into the prior rolling digest. Reply with the updated digest as plain prose, nothing else.`

const digestCompressSystemPrompt = `Shrink the following channel digest to the target token count while keeping the most salient points. Reply with the compressed digest as plain prose, nothing else.`

func buildDigestPrompt(prior memstore.Digest, judged []memstore.ChannelMessage) string {
	var b strings.Builder
	if prior.Content != "" {
		b.WriteString("prior digest:\n" + prior.Content + "\n")
	}
	b.WriteString("new messages:\n")
	for _, m := range judged {
		b.WriteString(m.Username + ": " + m.Text + "\n")
	}
	return b.String()
}

func buildDigestCompressPrompt(content string, target int) string {
	return "target tokens: " + strconv.Itoa(target) + "\n" + content
}

// RegenerateDigest produces a new digest for channelID from its prior digest
// and the given judged messages, compressing it further if it exceeds
// cfg.DigestMaxTokens. The result is persisted before returning.
func RegenerateDigest(ctx context.Context, store *memstore.Store, llm llmclient.Client, counter *tokencount.Counter, channelID string, judged []memstore.ChannelMessage, cfg Config, now time.Time) (memstore.Digest, error) {
	prior, err := store.GetDigest(channelID)
	if err != nil {
		return memstore.Digest{}, err
	}

	content, err := llm.Complete(ctx, digestSystemPrompt, buildDigestPrompt(prior, judged))
	if err != nil {
		return memstore.Digest{}, err
	}
	content = strings.TrimSpace(content)

	tok := counter.Count(content)
	compressedAt := time.Time{}
	if cfg.DigestMaxTokens > 0 && tok > cfg.DigestMaxTokens {
		compressed, err := llm.Complete(ctx, digestCompressSystemPrompt, buildDigestCompressPrompt(content, cfg.DigestTargetTokens))
		if err == nil && strings.TrimSpace(compressed) != "" {
			content = strings.TrimSpace(compressed)
			tok = counter.Count(content)
			compressedAt = now
		}
	}

	d := memstore.Digest{Content: content, TokenCount: tok, LastDigestedAt: now, LastCompressedAt: compressedAt}
	if err := store.SaveDigest(channelID, d); err != nil {
		return memstore.Digest{}, err
	}
	return d, nil
}
