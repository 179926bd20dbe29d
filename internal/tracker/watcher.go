package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loopwire/conductor/internal/chatutil"
	"github.com/loopwire/conductor/internal/memstore"
	"github.com/loopwire/conductor/pkg/protocol"
)

// Compactor requests a preemptive context compaction on the underlying
// agent session, returning a new session ID if the agent rotated one.
// Optional: a nil Compactor skips the step entirely.
type Compactor interface {
	CompactSession(ctx context.Context, agentSessionID string) (newAgentSessionID string, err error)
}

// SessionIDSetter lets the watcher persist a rotated agent session ID after
// a preemptive compact, mirroring what internal/executor does after a turn.
type SessionIDSetter interface {
	SetAgentSessionID(sessionKey, agentSessionID string)
}

// Watcher polls a tracker for new cards, review completions, and
// "Run List" triggers per spec.md §4.I.1.
type Watcher struct {
	store     *memstore.Store
	tracker   Adapter
	chat      ChatPoster
	session   Session
	prompts   PromptBuilder
	listRuns  *ListRunner
	compactor Compactor
	sessions  SessionIDSetter
	cfg       Config
	log       *slog.Logger

	runListMu sync.Mutex
	stopCh    chan struct{}
	stopped   chan struct{}

	pauseMu sync.Mutex
	paused  bool

	now func() time.Time
}

func New(store *memstore.Store, trackerAdapter Adapter, chat ChatPoster, session Session, prompts PromptBuilder, listRuns *ListRunner, cfg Config, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		store:    store,
		tracker:  trackerAdapter,
		chat:     chat,
		session:  session,
		prompts:  prompts,
		listRuns: listRuns,
		cfg:      cfg.withDefaults(),
		log:      log,
		now:      time.Now,
	}
}

// WithCompactor wires an optional preemptive-compact hook.
func (w *Watcher) WithCompactor(c Compactor, sessions SessionIDSetter) *Watcher {
	w.compactor = c
	w.sessions = sessions
	return w
}

// Start runs the poll loop in a background goroutine until ctx is canceled
// or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.stopCh = make(chan struct{})
	w.stopped = make(chan struct{})

	go func() {
		defer close(w.stopped)
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				if err := w.poll(ctx); err != nil {
					w.log.Error("tracker poll failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the poll loop to exit and waits for it to finish.
func (w *Watcher) Stop() {
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	<-w.stopped
}

// Pause suspends polling without stopping the goroutine.
func (w *Watcher) Pause() {
	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()
	w.paused = true
}

func (w *Watcher) Resume() {
	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()
	w.paused = false
}

func (w *Watcher) IsPaused() bool {
	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()
	return w.paused
}

// locatedCard pairs a tracker card with the watch-list key it was found
// under, so new-card handling knows which PromptBuilder path to take.
type locatedCard struct {
	card    Card
	listKey string
}

func (w *Watcher) poll(ctx context.Context) error {
	if w.IsPaused() {
		return nil
	}

	current := map[string]locatedCard{}
	for listKey, listID := range w.cfg.WatchLists {
		if listID == "" {
			continue
		}
		cards, err := w.tracker.GetCardsInList(ctx, listID)
		if err != nil {
			return fmt.Errorf("get cards for watch list %q: %w", listKey, err)
		}
		for _, c := range cards {
			current[c.ID] = locatedCard{card: c, listKey: listKey}
		}
	}

	w.cleanupStale(ctx, current)

	tracked, err := w.store.GetTrackedCards()
	if err != nil {
		return fmt.Errorf("load tracked cards: %w", err)
	}
	for id, loc := range current {
		if _, ok := tracked[id]; ok {
			continue
		}
		w.handleNewCard(ctx, loc.card, loc.listKey)
	}

	w.checkReviewCompletion(ctx)
	w.checkRunListLabels(ctx)
	return nil
}

// cleanupStale untracks any card whose detected_at exceeds StaleThreshold.
// If it's still in a watched list, the new-card detection later in the same
// poll picks it back up fresh.
func (w *Watcher) cleanupStale(ctx context.Context, current map[string]locatedCard) {
	reclaimed, err := w.store.ReclaimStale(w.cfg.StaleThreshold, w.now())
	if err != nil {
		w.log.Error("reclaim stale tracked cards failed", "error", err)
		return
	}
	for _, id := range reclaimed {
		w.log.Info("untracked stale card", "card_id", id)
	}
}

func (w *Watcher) handleNewCard(ctx context.Context, card Card, listKey string) {
	if w.cfg.InProgressListID != "" {
		if err := w.tracker.MoveCard(ctx, card.ID, w.cfg.InProgressListID); err != nil {
			w.log.Warn("move card to in-progress failed", "card", card.Name, "error", err)
		}
	}

	hasExecute := hasLabel(card, w.cfg.ExecuteLabelName)

	channelID, threadTS, usedDM := w.openThread(ctx, card.Name, card.URL)
	if !usedDM {
		state := chatutil.TrelloPlanning
		if hasExecute {
			state = chatutil.TrelloExecuting
		}
		if err := w.chat.AddReaction(ctx, channelID, threadTS, chatutil.TrelloReactions[state]); err != nil {
			w.log.Debug("initial status reaction failed", "error", err)
		}
	}

	if err := w.setSpinnerPrefix(ctx, card, true); err != nil {
		w.log.Warn("add spinner prefix failed", "card", card.Name, "error", err)
	}

	tracked := memstore.TrackedCard{
		CardID:     card.ID,
		CardName:   card.Name,
		CardURL:    card.URL,
		ListID:     card.ListID,
		ListKey:    listKey,
		ThreadTS:   threadTS,
		ChannelID:  channelID,
		DetectedAt: w.now(),
		HasExecute: hasExecute,
	}
	if err := w.store.TrackCard(tracked); err != nil {
		w.log.Error("track card failed", "card", card.Name, "error", err)
	}
	if err := w.store.SetThreadCard(memstore.ThreadCardInfo{ThreadTS: threadTS, CardID: card.ID, CardName: card.Name}); err != nil {
		w.log.Error("set thread card mapping failed", "card", card.Name, "error", err)
	}

	prompt := w.prompts.BuildToGo(card, hasExecute)

	go func() {
		_ = w.session.Run(ctx, threadTS, threadTS, channelID, threadTS, prompt)
		if err := w.setSpinnerPrefix(ctx, card, false); err != nil {
			w.log.Warn("remove spinner prefix failed", "card", card.Name, "error", err)
		}
		if err := w.store.UntrackCard(card.ID); err != nil {
			w.log.Error("untrack card failed", "card", card.Name, "error", err)
		}
	}()
}

func (w *Watcher) checkReviewCompletion(ctx context.Context) {
	if w.cfg.ReviewListID == "" || w.cfg.DoneListID == "" {
		return
	}
	cards, err := w.tracker.GetCardsInList(ctx, w.cfg.ReviewListID)
	if err != nil {
		w.log.Error("list review cards failed", "error", err)
		return
	}
	for _, card := range cards {
		if !card.DueComplete {
			continue
		}
		if err := w.tracker.MoveCard(ctx, card.ID, w.cfg.DoneListID); err != nil {
			w.log.Error("move completed review card to done failed", "card", card.Name, "error", err)
			continue
		}
		channelID, _ := w.notifyTarget(ctx)
		if _, err := w.chat.PostMessage(ctx, channelID, "", fmt.Sprintf("✅ %s", card.Name)); err != nil {
			w.log.Error("completion notification failed", "card", card.Name, "error", err)
		}
	}
}

// operationalListIDs is the union of watch lists plus every named
// workflow-stage list — excluded from run-list triggering.
func (w *Watcher) operationalListIDs() map[string]bool {
	ids := map[string]bool{}
	for _, id := range w.cfg.WatchLists {
		if id != "" {
			ids[id] = true
		}
	}
	for _, id := range []string{w.cfg.InProgressListID, w.cfg.ReviewListID, w.cfg.DoneListID, w.cfg.BacklogListID, w.cfg.BlockedListID, w.cfg.DraftListID} {
		if id != "" {
			ids[id] = true
		}
	}
	return ids
}

func (w *Watcher) checkRunListLabels(ctx context.Context) {
	lists, err := w.tracker.GetLists(ctx)
	if err != nil {
		w.log.Error("list lists failed", "error", err)
		return
	}
	operational := w.operationalListIDs()

	for _, lst := range lists {
		if operational[lst.ID] {
			continue
		}
		cards, err := w.tracker.GetCardsInList(ctx, lst.ID)
		if err != nil || len(cards) == 0 {
			continue
		}
		first := cards[0]
		due, matchedLabel := labelMatchesSchedule(first, w.cfg.RunListLabelName, w.now())
		if !due {
			continue
		}

		id := labelID(first, matchedLabel)
		if id == "" {
			continue
		}
		if err := w.tracker.RemoveLabelFromCard(ctx, first.ID, id); err != nil {
			w.log.Warn("remove run-list label failed, will retry next tick", "list", lst.Name, "error", err)
			continue
		}

		w.runListMu.Lock()
		_, active, _ := w.listRuns.FindSessionByListName(lst.Name)
		if active {
			w.runListMu.Unlock()
			w.log.Warn("list run already active, skipping trigger", "list", lst.Name)
			continue
		}
		w.runListMu.Unlock()

		w.startListRun(ctx, lst.ID, lst.Name, cards)
	}
}

func (w *Watcher) startListRun(ctx context.Context, listID, listName string, cards []Card) {
	cardIDs := make([]string, len(cards))
	for i, c := range cards {
		cardIDs[i] = c.ID
	}

	session, err := w.listRuns.CreateSession(listID, listName, cardIDs)
	if err != nil {
		w.log.Error("create list run session failed", "list", listName, "error", err)
		return
	}

	channelID, threadTS, _ := w.openThread(ctx, fmt.Sprintf("📋 %s 정주행", listName), "")
	preview := ""
	for i, c := range cards {
		if i >= 5 {
			preview += fmt.Sprintf("\n  ... and %d more", len(cards)-5)
			break
		}
		preview += fmt.Sprintf("\n  • %s", c.Name)
	}
	text := fmt.Sprintf("🚀 *Starting list run*\nList: *%s*\nCards: %d\nSession: `%s`\n%s", listName, len(cards), session.SessionID, preview)
	ts, err := w.chat.PostMessage(ctx, channelID, threadTS, text)
	if err != nil {
		w.log.Error("list run start notification failed", "list", listName, "error", err)
		return
	}
	if threadTS == "" {
		threadTS = ts
	}

	go w.processListRunCard(ctx, session.SessionID, threadTS, channelID)
}

// processListRunCard runs one card of a list run and, on success, chains
// into the next via a preemptive compact followed by a fresh goroutine —
// never recursing directly, so a long list run doesn't grow the stack.
func (w *Watcher) processListRunCard(ctx context.Context, sessionID, threadTS, channelID string) {
	session, found, err := w.listRuns.GetSession(sessionID)
	if err != nil || !found {
		w.log.Error("list run session vanished", "session_id", sessionID, "error", err)
		return
	}

	nextCardID, ok, err := w.listRuns.ProcessNextCard(sessionID)
	if err != nil {
		w.log.Error("resolve next list run card failed", "session_id", sessionID, "error", err)
		return
	}
	if !ok {
		_ = w.listRuns.UpdateSessionStatus(sessionID, memstore.ListRunCompleted)
		_, _ = w.chat.PostMessage(ctx, channelID, threadTS, fmt.Sprintf("✅ *List run complete*\nSession: `%s`", sessionID))
		return
	}

	_ = w.listRuns.UpdateSessionStatus(sessionID, memstore.ListRunRunning)

	card, err := w.tracker.GetCard(ctx, nextCardID)
	if err != nil {
		w.log.Error("fetch list run card failed", "card_id", nextCardID, "error", err)
		_ = w.listRuns.MarkCardProcessed(sessionID, nextCardID, memstore.OutcomeSkipped)
		go w.processListRunCard(ctx, sessionID, threadTS, channelID)
		return
	}

	if w.cfg.InProgressListID != "" {
		_ = w.tracker.MoveCard(ctx, card.ID, w.cfg.InProgressListID)
	}
	_ = w.setSpinnerPrefix(ctx, card, true)

	progress := fmt.Sprintf("%d/%d", session.CurrentIndex+1, len(session.CardIDs))
	_, _ = w.chat.PostMessage(ctx, channelID, threadTS, fmt.Sprintf("▶️ [%s] %s", progress, card.Name))

	// Entered under list_key="list_run" so the new-card detector in poll()
	// doesn't also pick this card up as a fresh to_go trigger.
	_ = w.store.TrackCard(memstore.TrackedCard{
		CardID:     card.ID,
		CardName:   card.Name,
		CardURL:    card.URL,
		ListID:     card.ListID,
		ListKey:    "list_run",
		ThreadTS:   threadTS,
		ChannelID:  channelID,
		DetectedAt: w.now(),
		HasExecute: true,
	})

	prompt := w.prompts.BuildListRun(card, sessionID, session.CurrentIndex+1, len(session.CardIDs))
	succeeded, _, runErr := w.session.RunForOutcome(ctx, threadTS, threadTS, channelID, threadTS, prompt)

	_ = w.setSpinnerPrefix(ctx, card, false)
	_ = w.store.UntrackCard(card.ID)

	if runErr != nil || !succeeded {
		reason := "turn failed"
		if runErr != nil {
			reason = runErr.Error()
		}
		_ = w.listRuns.MarkCardProcessed(sessionID, card.ID, memstore.OutcomeFailed)
		_ = w.listRuns.PauseRun(sessionID, reason)
		_, _ = w.chat.PostMessage(ctx, channelID, threadTS, fmt.Sprintf("❌ Card failed: %s\nSession: `%s` index: %d\n%s", card.Name, sessionID, session.CurrentIndex, reason))
		return
	}

	if !w.validateListRunCard(ctx, sessionID, threadTS, channelID, card, session) {
		return
	}

	_ = w.listRuns.MarkCardProcessed(sessionID, card.ID, memstore.OutcomeCompleted)
	w.preemptiveCompact(ctx, threadTS, card.Name)

	go w.processListRunCard(ctx, sessionID, threadTS, channelID)
}

// validateListRunCard runs the second-pass verification turn on a card
// that just finished execution. An explicit VALIDATION_RESULT: FAIL pauses
// the chain the same way an execution failure does; a missing or PASS
// marker lets the run continue.
func (w *Watcher) validateListRunCard(ctx context.Context, sessionID, threadTS, channelID string, card Card, session memstore.ListRunSession) bool {
	_ = w.listRuns.UpdateSessionStatus(sessionID, memstore.ListRunVerifying)

	prompt := w.prompts.BuildValidation(card, sessionID)
	_, output, runErr := w.session.RunForOutcome(ctx, threadTS, threadTS, channelID, threadTS, prompt)
	if runErr != nil {
		return true
	}

	pass, found := protocol.ParseValidationResult(output)
	if !found || pass {
		return true
	}

	_ = w.listRuns.MarkCardProcessed(sessionID, card.ID, memstore.OutcomeFailed)
	_ = w.listRuns.PauseRun(sessionID, "validation failed: "+output)
	_, _ = w.chat.PostMessage(ctx, channelID, threadTS, fmt.Sprintf("❌ Validation failed: %s\nSession: `%s` index: %d\n%s", card.Name, sessionID, session.CurrentIndex, output))
	return false
}

func (w *Watcher) preemptiveCompact(ctx context.Context, sessionKey, cardName string) {
	if w.compactor == nil {
		return
	}
	// The agent session ID lives on sessionmgr.Session; SessionIDSetter is
	// the only coupling point, so look it up indirectly isn't available
	// here — callers that want this wired pass a Compactor whose
	// CompactSession already knows how to resolve sessionKey.
	cctx, cancel := context.WithTimeout(ctx, w.cfg.CompactTimeout)
	defer cancel()

	result := make(chan struct {
		id  string
		err error
	}, 1)
	go func() {
		id, err := w.compactor.CompactSession(cctx, sessionKey)
		result <- struct {
			id  string
			err error
		}{id, err}
	}()

	select {
	case <-cctx.Done():
		w.log.Warn("preemptive compact timed out, continuing", "card", cardName)
	case r := <-result:
		if r.err != nil {
			w.log.Warn("preemptive compact failed, continuing", "card", cardName, "error", r.err)
			return
		}
		if r.id != "" && w.sessions != nil {
			w.sessions.SetAgentSessionID(sessionKey, r.id)
		}
	}
}

// setSpinnerPrefix adds or removes the 🌀 in-progress marker from a card's
// name on the tracker.
func (w *Watcher) setSpinnerPrefix(ctx context.Context, card Card, add bool) error {
	const spinner = "🌀"
	name := card.Name
	hasPrefix := len(name) >= len(spinner) && name[:len(spinner)] == spinner
	switch {
	case add && hasPrefix:
		return nil
	case add:
		return w.tracker.UpdateCardName(ctx, card.ID, spinner+" "+name)
	case !add && !hasPrefix:
		return nil
	default:
		trimmed := name[len(spinner):]
		for len(trimmed) > 0 && trimmed[0] == ' ' {
			trimmed = trimmed[1:]
		}
		return w.tracker.UpdateCardName(ctx, card.ID, trimmed)
	}
}

// openThread opens a DM with the configured operator if set, posting an
// anchor message there; otherwise it returns the notify channel with an
// empty threadTS, leaving the caller to post the first message itself.
// usedDM reports which path was taken.
func (w *Watcher) openThread(ctx context.Context, title, url string) (channelID, threadTS string, usedDM bool) {
	if w.cfg.DMTargetUserID == "" {
		return w.openThreadFallback(ctx, title, url)
	}

	dmChannel, err := w.chat.OpenDM(ctx, w.cfg.DMTargetUserID)
	if err != nil {
		w.log.Warn("open DM failed, falling back to notify channel", "error", err)
		return w.openThreadFallback(ctx, title, url)
	}
	header := chatutil.BuildTrelloHeader(title, url, "")
	ts, err := w.chat.PostMessage(ctx, dmChannel, "", fmt.Sprintf("%s\n`recording reasoning…`", header))
	if err != nil {
		w.log.Warn("DM anchor message failed, falling back to notify channel", "error", err)
		return w.openThreadFallback(ctx, title, url)
	}
	return dmChannel, ts, true
}

func (w *Watcher) openThreadFallback(ctx context.Context, title, url string) (string, string, bool) {
	header := chatutil.BuildTrelloHeader(title, url, "")
	ts, err := w.chat.PostMessage(ctx, w.cfg.NotifyChannel, "", fmt.Sprintf("%s\n\n`thinking…`", header))
	if err != nil {
		w.log.Error("fallback notify message failed", "error", err)
		return w.cfg.NotifyChannel, "", false
	}
	return w.cfg.NotifyChannel, ts, false
}

func (w *Watcher) notifyTarget(ctx context.Context) (string, string) {
	if w.cfg.DMTargetUserID != "" {
		if ch, err := w.chat.OpenDM(ctx, w.cfg.DMTargetUserID); err == nil {
			return ch, ""
		}
	}
	return w.cfg.NotifyChannel, ""
}

// StartListRun implements executor.ListRunStarter: a `<!-- LIST_RUN: name -->`
// marker from an agent turn resolves to a tracker list by exact name and
// starts a fresh run over it. channelID/threadTS identify the triggering
// turn and are only used as a fallback notify target if no DM is
// configured; the run itself gets its own thread like any other trigger.
func (w *Watcher) StartListRun(ctx context.Context, listName, channelID, threadTS string) error {
	lists, err := w.tracker.GetLists(ctx)
	if err != nil {
		return fmt.Errorf("list lists: %w", err)
	}

	var target *ListInfo
	for i := range lists {
		if lists[i].Name == listName {
			target = &lists[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %q", ErrListNotFound, listName)
	}

	if _, active, err := w.listRuns.FindSessionByListName(listName); err == nil && active {
		return nil
	}

	cards, err := w.tracker.GetCardsInList(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("list cards: %w", err)
	}
	if len(cards) == 0 {
		return fmt.Errorf("%w: %q", ErrEmptyList, listName)
	}

	w.startListRun(ctx, target.ID, listName, cards)
	return nil
}
