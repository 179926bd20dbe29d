// Package ctxbuild assembles the memory-injection prefix for one turn from
// persistent memory, a thread's observations, an optional one-shot new
// observation, and a channel's digest + recent buffer.
package ctxbuild

import (
	"fmt"
	"strings"

	"github.com/loopwire/conductor/internal/memstore"
	"github.com/loopwire/conductor/internal/tokencount"
)

// Params selects which sections to include and bounds the total size.
type Params struct {
	ThreadTS                  string
	ChannelID                 string
	IncludePersistent         bool
	IncludeSession            bool
	IncludeChannelObservation bool
	NewObservation            string
	MaxTokens                 int
}

// Result is the assembled prefix plus a per-section token breakdown so
// callers can report budget usage.
type Result struct {
	Prompt                string // empty iff no section had content
	PersistentTokens      int
	SessionTokens         int
	NewObservationTokens  int
	ChannelDigestTokens   int
	ChannelBufferTokens   int
}

// Builder assembles context prefixes from a Store.
type Builder struct {
	store   *memstore.Store
	counter *tokencount.Counter
}

// New creates a Builder.
func New(store *memstore.Store, counter *tokencount.Counter) *Builder {
	return &Builder{store: store, counter: counter}
}

// section priority order matches spec.md §4.F: sections later in this list
// are dropped whole, in order, before any earlier section is truncated.
type section struct {
	tag     string
	content string
	tokens  int
}

// Build assembles the prefix per p. The builder never exceeds p.MaxTokens:
// if necessary, lower-priority sections (later in the list below) are
// dropped entirely before any earlier section is truncated.
func (b *Builder) Build(p Params) (Result, error) {
	var sections []section
	var res Result

	if p.IncludePersistent {
		content, _, err := b.store.GetPersistent()
		if err != nil {
			return res, err
		}
		text := renderPersistent(content)
		tok := b.counter.Count(text)
		res.PersistentTokens = tok
		if text != "" {
			sections = append(sections, section{tag: "long-term-memory", content: text, tokens: tok})
		}
	}

	if p.IncludeSession {
		rec, err := b.store.GetRecord(p.ThreadTS)
		if err != nil {
			return res, err
		}
		text := renderObservations(rec.Observations)
		tok := b.counter.Count(text)
		res.SessionTokens = tok
		if text != "" {
			sections = append(sections, section{tag: "observational-memory", content: text, tokens: tok})
		}
	}

	if p.NewObservation != "" {
		tok := b.counter.Count(p.NewObservation)
		res.NewObservationTokens = tok
		sections = append(sections, section{tag: "new-observation", content: p.NewObservation, tokens: tok})
	}

	if p.IncludeChannelObservation && p.ChannelID != "" {
		digest, err := b.store.GetDigest(p.ChannelID)
		if err != nil {
			return res, err
		}
		pending, err := b.store.LoadPending(p.ChannelID)
		if err != nil {
			return res, err
		}
		text := renderChannelObservation(digest, pending)
		digestTok := b.counter.Count(digest.Content)
		bufferTok := b.counter.Count(text) - digestTok
		if bufferTok < 0 {
			bufferTok = 0
		}
		res.ChannelDigestTokens = digestTok
		res.ChannelBufferTokens = bufferTok
		if text != "" {
			sections = append(sections, section{tag: "channel-observation", content: text, tokens: digestTok + bufferTok})
		}
	}

	// Drop whole lower-priority sections until within budget; if the first
	// section alone is still over budget, truncate its content to fit.
	total := 0
	for _, s := range sections {
		total += s.tokens
	}
	for len(sections) > 1 && p.MaxTokens > 0 && total > p.MaxTokens {
		last := sections[len(sections)-1]
		total -= last.tokens
		sections = sections[:len(sections)-1]
	}
	if len(sections) == 1 && p.MaxTokens > 0 && total > p.MaxTokens {
		r := []rune(sections[0].content)
		for len(r) > 0 && b.counter.Count(string(r)) > p.MaxTokens {
			r = r[:len(r)-1]
		}
		sections[0].content = string(r)
		sections[0].tokens = b.counter.Count(sections[0].content)
	}

	if len(sections) == 0 {
		return res, nil
	}

	var b2 strings.Builder
	for _, s := range sections {
		b2.WriteString(fmt.Sprintf("<%s>%s</%s>\n", s.tag, s.content, s.tag))
	}
	res.Prompt = b2.String()
	return res, nil
}

func renderPersistent(items []memstore.PersistentContentItem) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	for _, i := range items {
		b.WriteString(string(i.Priority) + " " + i.Content + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderObservations(observations []memstore.Observation) string {
	if len(observations) == 0 {
		return ""
	}
	var b strings.Builder
	for _, o := range observations {
		b.WriteString(string(o.Priority) + " " + o.Content + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderChannelObservation(digest memstore.Digest, pending []memstore.ChannelMessage) string {
	var b strings.Builder
	if digest.Content != "" {
		b.WriteString(digest.Content)
		b.WriteString("\n")
	}
	for _, m := range pending {
		b.WriteString(fmt.Sprintf("%s: %s\n", m.Username, m.Text))
	}
	return strings.TrimRight(b.String(), "\n")
}
