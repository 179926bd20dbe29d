// Package observation converts conversation turns into the three tiers of
// memory (per-session observations, persistent memory, and compaction of
// both) via Observer, Reflector, Promoter, and Compactor stages. Every
// optional stage is wrapped so its own failure never aborts an earlier
// stage or the caller's turn.
package observation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loopwire/conductor/internal/llmclient"
	"github.com/loopwire/conductor/internal/memstore"
	"github.com/loopwire/conductor/internal/tokencount"
)

// TurnMessage is one stripped-down conversation turn fed to the Observer:
// user and pure assistant text only. Tool-use/tool-result rows must already
// be filtered out by the caller.
type TurnMessage struct {
	Role    string // "user" | "assistant"
	Content string
}

// Config tunes pipeline thresholds. All token thresholds are in
// tokencount.Counter units.
type Config struct {
	MinTurnTokens         int
	ReflectionThreshold   int
	ReflectionTarget      int
	PromotionThreshold    int
	CompactionThreshold   int
	CompactionTarget      int
	MaxPersistentTokens   int
}

// Pipeline wires the four stages against a Store and an LLM client.
type Pipeline struct {
	store   *memstore.Store
	llm     llmclient.Client
	counter *tokencount.Counter
	cfg     Config
}

// New creates a Pipeline.
func New(store *memstore.Store, llm llmclient.Client, counter *tokencount.Counter, cfg Config) *Pipeline {
	return &Pipeline{store: store, llm: llm, counter: counter, cfg: cfg}
}

// Observe runs the Observer stage for one completed turn. Returns false if
// the Observer's LLM call failed — callers (the session executor) log this
// but never treat it as fatal to the turn itself.
func (p *Pipeline) Observe(ctx context.Context, threadTS, userID string, messages []TurnMessage) bool {
	if filtered := filterPureText(messages); turnTokens(p.counter, filtered) < p.cfg.MinTurnTokens {
		return true
	}

	filtered := filterPureText(messages)
	prompt := buildObserverPrompt(filtered)
	completion, err := p.llm.Complete(ctx, observerSystemPrompt, prompt)
	if err != nil {
		slog.Warn("observation: observer failed", "thread", threadTS, "error", err)
		return false
	}

	observations, candidates := parseObserverOutput(completion)

	rec, err := p.store.GetRecord(threadTS)
	if err != nil {
		slog.Warn("observation: get record failed", "thread", threadTS, "error", err)
		return false
	}
	rec.UserID = userID
	rec.TotalSessionsObserved++
	now := time.Now()
	for _, o := range observations {
		rec.Observations = append(rec.Observations, memstore.Observation{
			ID:          uuid.NewString(),
			Priority:    o.Priority,
			Content:     o.Content,
			SessionDate: now.Format("2006-01-02"),
			CreatedAt:   now,
			Source:      memstore.SourceObserver,
		})
	}
	if err := p.store.SaveRecord(rec); err != nil {
		slog.Warn("observation: save record failed", "thread", threadTS, "error", err)
		return false
	}

	if len(candidates) > 0 {
		var entries []memstore.Candidate
		for _, c := range candidates {
			entries = append(entries, memstore.Candidate{TS: uuid.NewString(), Priority: c.Priority, Content: c.Content, Created: now})
		}
		if err := p.store.AppendCandidates(threadTS, entries); err != nil {
			slog.Warn("observation: append candidates failed", "thread", threadTS, "error", err)
		}
	}

	p.reflectIfNeeded(ctx, threadTS, rec)
	p.promoteIfNeeded(ctx)
	p.compactIfNeeded(ctx)

	return true
}

// reflectIfNeeded compresses a thread's observations once they exceed
// ReflectionThreshold, preserving priority order. Swallows its own failure.
func (p *Pipeline) reflectIfNeeded(ctx context.Context, threadTS string, rec memstore.MemoryRecord) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("observation: reflector panicked", "thread", threadTS, "panic", r)
		}
	}()

	if p.cfg.ReflectionThreshold <= 0 {
		return
	}
	total := 0
	for _, o := range rec.Observations {
		total += p.counter.Count(o.Content)
	}
	if total <= p.cfg.ReflectionThreshold {
		return
	}

	prompt := buildReflectorPrompt(rec.Observations, p.cfg.ReflectionTarget)
	completion, err := p.llm.Complete(ctx, reflectorSystemPrompt, prompt)
	if err != nil {
		slog.Warn("observation: reflector failed", "thread", threadTS, "error", err)
		return
	}
	compressed := parseReflectorOutput(completion)
	if len(compressed) == 0 {
		return
	}
	rec.Observations = compressed
	rec.ReflectionCount++
	if err := p.store.SaveRecord(rec); err != nil {
		slog.Warn("observation: reflector save failed", "thread", threadTS, "error", err)
	}
}

// promoteIfNeeded checks total candidates across all threads and, once over
// PromotionThreshold, asks the LLM which become persistent-memory items.
// Promoted items are appended; then *all* candidates are cleared regardless
// of outcome — a strict at-least-one-opportunity policy.
func (p *Pipeline) promoteIfNeeded(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("observation: promoter panicked", "panic", r)
		}
	}()
	if p.cfg.PromotionThreshold <= 0 {
		return
	}

	all, err := p.store.LoadAllCandidates()
	if err != nil {
		slog.Warn("observation: load candidates failed", "error", err)
		return
	}
	total := 0
	var flat []memstore.Candidate
	for _, cands := range all {
		total += len(cands)
		flat = append(flat, cands...)
	}
	if total <= p.cfg.PromotionThreshold {
		return
	}

	prompt := buildPromoterPrompt(flat)
	completion, err := p.llm.Complete(ctx, promoterSystemPrompt, prompt)
	if err != nil {
		slog.Warn("observation: promoter failed", "error", err)
		return
	}
	promoted, _ := parsePromoterOutput(completion, flat)

	if len(promoted) > 0 {
		content, meta, err := p.store.GetPersistent()
		if err != nil {
			slog.Warn("observation: get persistent failed", "error", err)
			return
		}
		now := time.Now()
		for _, c := range promoted {
			content = append(content, memstore.PersistentContentItem{
				ID: uuid.NewString(), Priority: c.Priority, Content: c.Content, PromotedAt: now,
			})
		}
		meta.TokenCount = sumPersistentTokens(p.counter, content)
		if err := p.store.SavePersistent(content, meta, now); err != nil {
			slog.Warn("observation: save persistent failed", "error", err)
		}
	}

	// Strict at-least-one-opportunity: clear every thread's candidates
	// whether or not anything was promoted.
	if err := p.store.ClearAllCandidates(); err != nil {
		slog.Warn("observation: clear candidates failed", "error", err)
	}
}

// compactIfNeeded shrinks persistent memory once it exceeds
// CompactionThreshold, archiving the prior content first.
func (p *Pipeline) compactIfNeeded(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("observation: compactor panicked", "panic", r)
		}
	}()
	if p.cfg.CompactionThreshold <= 0 {
		return
	}

	content, meta, err := p.store.GetPersistent()
	if err != nil {
		slog.Warn("observation: get persistent failed", "error", err)
		return
	}
	if meta.TokenCount <= p.cfg.CompactionThreshold {
		return
	}

	prompt := buildCompactorPrompt(content, p.cfg.CompactionTarget)
	completion, err := p.llm.Complete(ctx, compactorSystemPrompt, prompt)
	if err != nil {
		slog.Warn("observation: compactor failed", "error", err)
		return
	}
	compacted := parseCompactorOutput(completion)
	if len(compacted) == 0 {
		return
	}
	newMeta := memstore.PersistentMeta{TokenCount: sumPersistentTokens(p.counter, compacted)}
	if err := p.store.SavePersistent(compacted, newMeta, time.Now()); err != nil {
		slog.Warn("observation: compactor save failed", "error", err)
	}
}

func sumPersistentTokens(counter *tokencount.Counter, items []memstore.PersistentContentItem) int {
	total := 0
	for _, i := range items {
		total += counter.Count(i.Content)
	}
	return total
}

func filterPureText(messages []TurnMessage) []TurnMessage {
	out := make([]TurnMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == "user" || m.Role == "assistant" {
			out = append(out, m)
		}
	}
	return out
}

func turnTokens(counter *tokencount.Counter, messages []TurnMessage) int {
	total := 0
	for _, m := range messages {
		total += counter.Count(m.Content)
	}
	return total
}

func buildObserverPrompt(messages []TurnMessage) string {
	s := "Conversation turn:\n"
	for _, m := range messages {
		s += fmt.Sprintf("%s: %s\n", m.Role, m.Content)
	}
	return s
}
