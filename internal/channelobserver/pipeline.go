package channelobserver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/loopwire/conductor/internal/llmclient"
	"github.com/loopwire/conductor/internal/memstore"
	"github.com/loopwire/conductor/internal/tokencount"
)

// Pipeline wires the per-channel ambient chatter judge + burst/cooldown
// intervention model against a Store and a chat adapter's reaction surface.
type Pipeline struct {
	store     *memstore.Store
	llm       llmclient.Client
	counter   *tokencount.Counter
	reactions ReactionExecutor
	sessions  SessionStarter
	debug     DebugLogger
	history   *InterventionHistory
	cfg       Config
	now       clock
}

// New builds a Pipeline. sessions may be nil if the caller never wants
// hybrid-session creation on a fired message intervene; debug may be nil.
func New(store *memstore.Store, llm llmclient.Client, counter *tokencount.Counter, reactions ReactionExecutor, sessions SessionStarter, debug DebugLogger, cfg Config) *Pipeline {
	if debug == nil {
		debug = noopDebugLogger{}
	}
	return &Pipeline{
		store:     store,
		llm:       llm,
		counter:   counter,
		reactions: reactions,
		sessions:  sessions,
		debug:     debug,
		history:   NewInterventionHistory(store),
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// Process runs one pass of the pipeline for channelID. mentionTrackerTS is
// the set of ts/thread_ts values the mention tracker already owns; those
// messages are invisible to the judge so they are not re-acted on here.
func (p *Pipeline) Process(ctx context.Context, channelID string, mentionTrackerTS map[string]bool) error {
	now := p.currentTime()

	pendingTok, err := p.store.CountPendingTokens(channelID, p.counter.Count)
	if err != nil {
		return err
	}
	if pendingTok < p.cfg.ThresholdA {
		return nil
	}

	judgedPendingTok, err := p.store.CountJudgedPlusPendingTokens(channelID, p.counter.Count)
	if err != nil {
		return err
	}
	if judgedPendingTok > p.cfg.ThresholdB {
		judged, err := p.store.LoadJudged(channelID)
		if err != nil {
			return err
		}
		if _, err := RegenerateDigest(ctx, p.store, p.llm, p.counter, channelID, judged, p.cfg, now); err != nil {
			return err
		}
		if err := p.store.ClearJudged(channelID); err != nil {
			return err
		}
	}

	digest, err := p.store.GetDigest(channelID)
	if err != nil {
		return err
	}
	judged, err := p.store.LoadJudged(channelID)
	if err != nil {
		return err
	}
	pending, err := p.store.LoadPending(channelID)
	if err != nil {
		return err
	}
	threadBuffers, err := p.store.LoadAllThreadBuffers(channelID)
	if err != nil {
		return err
	}

	pendingSnapshot := make(map[string]bool, len(pending))
	for _, m := range pending {
		pendingSnapshot[m.TS] = true
	}
	threadRootSnapshot := make(map[string]bool, len(threadBuffers))
	for root := range threadBuffers {
		threadRootSnapshot[root] = true
	}

	pendingVisible := FilterVisible(pending, mentionTrackerTS)
	threadBuffersVisible := make(map[string][]memstore.ChannelMessage, len(threadBuffers))
	for root, msgs := range threadBuffers {
		if mentionTrackerTS[root] {
			continue
		}
		threadBuffersVisible[root] = FilterVisible(msgs, mentionTrackerTS)
	}

	items, err := Judge(ctx, p.llm, digest, judged, pendingVisible, threadBuffersVisible, p.cfg.BotUserID)
	if err != nil {
		return fmt.Errorf("channelobserver: judge: %w", err)
	}

	senderIsBot := make(map[string]bool, len(pending))
	for _, m := range pending {
		senderIsBot[m.TS] = m.IsBot
	}
	for i, it := range items {
		items[i] = ApplyImportanceModifiers(it, senderIsBot[it.TS])
	}

	known := KnownTS(judged, pending, threadBuffers)
	for i, it := range items {
		items[i] = ValidateLinkedTS(it, known)
	}

	items = FilterPendingOnly(items, pending)

	if err := p.executeReactions(ctx, channelID, items, now); err != nil {
		// Errors during reaction execution never abort the snapshot move:
		// the spec requires moving to judged "after all reactions
		// (including exceptions)".
		moveErr := p.store.MoveSnapshotToJudged(channelID, pendingSnapshot, threadRootSnapshot)
		if moveErr != nil {
			return moveErr
		}
		return err
	}

	return p.store.MoveSnapshotToJudged(channelID, pendingSnapshot, threadRootSnapshot)
}

func (p *Pipeline) executeReactions(ctx context.Context, channelID string, items []JudgeItem, now time.Time) error {
	var reacts, intervenes []JudgeItem
	for _, it := range items {
		switch it.Type {
		case ReactionReact:
			reacts = append(reacts, it)
		case ReactionIntervene:
			intervenes = append(intervenes, it)
		}
	}

	for _, it := range reacts {
		already, err := p.reactions.HasReaction(channelID, it.TS, it.EmojiName, p.cfg.BotUserID)
		if err != nil {
			return err
		}
		if already {
			continue
		}
		if err := p.reactions.AddReaction(channelID, it.TS, it.EmojiName); err != nil {
			return err
		}
	}

	return p.executeOneIntervene(ctx, channelID, intervenes, now)
}

// executeOneIntervene fires at most one intervene action per pass: the
// highest-importance candidate whose burst/cooldown probability clears the
// appropriate threshold.
func (p *Pipeline) executeOneIntervene(ctx context.Context, channelID string, intervenes []JudgeItem, now time.Time) error {
	if len(intervenes) == 0 {
		return nil
	}
	sort.SliceStable(intervenes, func(i, j int) bool { return intervenes[i].Importance > intervenes[j].Importance })

	history, err := p.store.LoadIntervention(channelID, now)
	if err != nil {
		return err
	}

	for _, it := range intervenes {
		probability, fire := ShouldIntervene(history, it.Importance, now, p.cfg.BurstWindowThreshold, p.cfg.InterventionThreshold)
		p.debug.LogDecision(channelID, it, probability, fire)
		if !fire {
			continue
		}

		replyTS, err := p.reactions.Intervene(channelID, it.TS, it.ThreadTS, it.Reason)
		if err != nil {
			return err
		}
		if err := p.history.Record(channelID, "message"); err != nil {
			return err
		}
		if p.sessions != nil && replyTS != "" {
			if err := p.sessions.StartHybridSession(channelID, replyTS); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

func (p *Pipeline) currentTime() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}
