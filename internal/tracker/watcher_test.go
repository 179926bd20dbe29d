package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopwire/conductor/internal/memstore"
)

type fakeAdapter struct {
	lists       []ListInfo
	cardsByList map[string][]Card
	cardsByID   map[string]Card

	moved         map[string]string
	renamed       map[string]string
	removedLabel  []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		cardsByList:  map[string][]Card{},
		cardsByID:    map[string]Card{},
		moved:        map[string]string{},
		renamed:      map[string]string{},
	}
}

func (a *fakeAdapter) GetLists(ctx context.Context) ([]ListInfo, error) { return a.lists, nil }
func (a *fakeAdapter) GetCardsInList(ctx context.Context, listID string) ([]Card, error) {
	return a.cardsByList[listID], nil
}
func (a *fakeAdapter) GetCard(ctx context.Context, cardID string) (Card, error) {
	c, ok := a.cardsByID[cardID]
	if !ok {
		return Card{}, errors.New("not found")
	}
	return c, nil
}
func (a *fakeAdapter) MoveCard(ctx context.Context, cardID, listID string) error {
	a.moved[cardID] = listID
	return nil
}
func (a *fakeAdapter) UpdateCardName(ctx context.Context, cardID, name string) error {
	a.renamed[cardID] = name
	return nil
}
func (a *fakeAdapter) RemoveLabelFromCard(ctx context.Context, cardID, labelID string) error {
	a.removedLabel = append(a.removedLabel, cardID+":"+labelID)
	return nil
}

type fakeChatPoster struct {
	posted  []string
	added   []string
	dmFails bool
}

func (c *fakeChatPoster) PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	c.posted = append(c.posted, text)
	return "ts-" + text[:minInt(len(text), 6)], nil
}
func (c *fakeChatPoster) AddReaction(ctx context.Context, channelID, ts, emojiName string) error {
	c.added = append(c.added, emojiName)
	return nil
}
func (c *fakeChatPoster) OpenDM(ctx context.Context, userID string) (string, error) {
	if c.dmFails {
		return "", errors.New("dm unavailable")
	}
	return "DM-" + userID, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type fakeSession struct {
	calls   []string
	done    chan struct{}
	ok      bool
	err     error
	output  string   // returned as the output text when outputs is empty
	outputs []string // if set, returned one per call in order, last value repeats after
}

func newFakeSession(ok bool, err error) *fakeSession {
	return &fakeSession{done: make(chan struct{}, 8), ok: ok, err: err}
}

func (s *fakeSession) Run(ctx context.Context, sessionKey, threadTS, channelID, msgTS, prompt string) error {
	_, _, err := s.RunForOutcome(ctx, sessionKey, threadTS, channelID, msgTS, prompt)
	return err
}

func (s *fakeSession) RunForOutcome(ctx context.Context, sessionKey, threadTS, channelID, msgTS, prompt string) (bool, string, error) {
	out := s.output
	if len(s.outputs) > 0 {
		i := len(s.calls)
		if i >= len(s.outputs) {
			i = len(s.outputs) - 1
		}
		out = s.outputs[i]
	}
	s.calls = append(s.calls, prompt)
	s.done <- struct{}{}
	return s.ok, out, s.err
}

func (s *fakeSession) waitForCall(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session call")
	}
}

type fakePrompts struct{}

func (fakePrompts) BuildToGo(card Card, hasExecute bool) string {
	if hasExecute {
		return "execute:" + card.Name
	}
	return "plan:" + card.Name
}
func (fakePrompts) BuildListRun(card Card, sessionID string, index, total int) string {
	return "listrun:" + card.Name
}
func (fakePrompts) BuildReactionExecute(threadTS, cardID, cardName string) string {
	return "resume:" + cardName
}
func (fakePrompts) BuildValidation(card Card, sessionID string) string {
	return "validate:" + card.Name
}

func newTestWatcher(t *testing.T, adapter *fakeAdapter, chat *fakeChatPoster, session *fakeSession, cfg Config) (*Watcher, *memstore.Store, *ListRunner) {
	t.Helper()
	store, err := memstore.New(t.TempDir())
	require.NoError(t, err)
	listRuns := NewListRunner(store)
	w := New(store, adapter, chat, session, fakePrompts{}, listRuns, cfg, nil)
	return w, store, listRuns
}

func TestPollDetectsNewCardAndTracksThenUntracks(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.cardsByList["to_go"] = []Card{{ID: "c1", Name: "Ship it", ListID: "to_go", URL: "https://x/c1"}}
	chat := &fakeChatPoster{}
	session := newFakeSession(true, nil)

	w, store, _ := newTestWatcher(t, adapter, chat, session, Config{
		WatchLists:       map[string]string{"to_go": "to_go"},
		InProgressListID: "in_progress",
		NotifyChannel:    "C1",
	})

	require.NoError(t, w.poll(context.Background()))

	session.waitForCall(t)
	require.Contains(t, session.calls, "plan:Ship it")
	require.Equal(t, "in_progress", adapter.moved["c1"])
	require.Equal(t, "🌀 Ship it", adapter.renamed["c1"])

	// Give the cleanup goroutine a moment to run past the rename-back call.
	require.Eventually(t, func() bool {
		tracked, err := store.GetTrackedCards()
		return err == nil && len(tracked) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPollSkipsAlreadyTrackedCard(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.cardsByList["to_go"] = []Card{{ID: "c1", Name: "Ship it", ListID: "to_go"}}
	chat := &fakeChatPoster{}
	session := newFakeSession(true, nil)

	w, store, _ := newTestWatcher(t, adapter, chat, session, Config{
		WatchLists:    map[string]string{"to_go": "to_go"},
		NotifyChannel: "C1",
	})

	require.NoError(t, store.TrackCard(memstore.TrackedCard{CardID: "c1", CardName: "Ship it", DetectedAt: time.Now()}))

	require.NoError(t, w.poll(context.Background()))

	select {
	case <-session.done:
		t.Fatal("expected no session spawn for already-tracked card")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCheckReviewCompletionMovesDueCompleteCards(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.cardsByList["review"] = []Card{
		{ID: "done1", Name: "Finished", DueComplete: true},
		{ID: "inflight", Name: "Still working", DueComplete: false},
	}
	chat := &fakeChatPoster{}
	session := newFakeSession(true, nil)

	w, _, _ := newTestWatcher(t, adapter, chat, session, Config{
		ReviewListID:  "review",
		DoneListID:    "done",
		NotifyChannel: "C1",
	})

	w.checkReviewCompletion(context.Background())

	require.Equal(t, "done", adapter.moved["done1"])
	_, stillMoved := adapter.moved["inflight"]
	require.False(t, stillMoved)
	require.NotEmpty(t, chat.posted)
}

func TestCheckRunListLabelsStartsListRun(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.lists = []ListInfo{{ID: "sprint", Name: "Sprint Backlog"}, {ID: "to_go", Name: "To Go"}}
	adapter.cardsByList["sprint"] = []Card{
		{ID: "s1", Name: "First", Labels: []Label{{ID: "lbl1", Name: "🏃 Run List"}}},
		{ID: "s2", Name: "Second"},
	}
	chat := &fakeChatPoster{}
	session := newFakeSession(true, nil)

	w, store, _ := newTestWatcher(t, adapter, chat, session, Config{
		WatchLists:    map[string]string{"to_go": "to_go"},
		NotifyChannel: "C1",
	})

	w.checkRunListLabels(context.Background())

	require.Contains(t, adapter.removedLabel, "s1:lbl1")

	require.Eventually(t, func() bool {
		sessions, err := store.GetListRunSessions()
		return err == nil && len(sessions) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCheckRunListLabelsSkipsOperationalLists(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.lists = []ListInfo{{ID: "to_go", Name: "To Go"}}
	adapter.cardsByList["to_go"] = []Card{{ID: "s1", Name: "First", Labels: []Label{{ID: "lbl1", Name: "🏃 Run List"}}}}
	chat := &fakeChatPoster{}
	session := newFakeSession(true, nil)

	w, _, _ := newTestWatcher(t, adapter, chat, session, Config{
		WatchLists:    map[string]string{"to_go": "to_go"},
		NotifyChannel: "C1",
	})

	w.checkRunListLabels(context.Background())

	require.Empty(t, adapter.removedLabel)
}

func TestProcessListRunCardPassesValidationAndAdvances(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.cardsByID["a"] = Card{ID: "a", Name: "Card A"}
	adapter.cardsByID["b"] = Card{ID: "b", Name: "Card B"}
	chat := &fakeChatPoster{}
	session := newFakeSession(true, nil)
	session.outputs = []string{"done", "VALIDATION_RESULT: PASS", "done", "VALIDATION_RESULT: PASS"}

	w, _, listRuns := newTestWatcher(t, adapter, chat, session, Config{NotifyChannel: "C1"})

	sess, err := listRuns.CreateSession("list1", "Sprint", []string{"a", "b"})
	require.NoError(t, err)

	w.processListRunCard(context.Background(), sess.SessionID, "T1", "C1")

	require.Eventually(t, func() bool {
		updated, found, err := listRuns.GetSession(sess.SessionID)
		return err == nil && found && updated.Status == memstore.ListRunCompleted
	}, time.Second, 10*time.Millisecond)

	updated, _, _ := listRuns.GetSession(sess.SessionID)
	require.Equal(t, memstore.OutcomeCompleted, updated.ProcessedCards["a"])
	require.Equal(t, memstore.OutcomeCompleted, updated.ProcessedCards["b"])
	require.Contains(t, session.calls, "listrun:Card A")
	require.Contains(t, session.calls, "validate:Card A")
}

func TestProcessListRunCardPausesOnValidationFail(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.cardsByID["a"] = Card{ID: "a", Name: "Card A"}
	adapter.cardsByID["b"] = Card{ID: "b", Name: "Card B"}
	chat := &fakeChatPoster{}
	session := newFakeSession(true, nil)
	session.outputs = []string{"done", "VALIDATION_RESULT: FAIL missed a case"}

	w, _, listRuns := newTestWatcher(t, adapter, chat, session, Config{NotifyChannel: "C1"})

	sess, err := listRuns.CreateSession("list1", "Sprint", []string{"a", "b"})
	require.NoError(t, err)

	w.processListRunCard(context.Background(), sess.SessionID, "T1", "C1")

	updated, found, err := listRuns.GetSession(sess.SessionID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, memstore.ListRunPaused, updated.Status)
	require.Equal(t, memstore.OutcomeFailed, updated.ProcessedCards["a"])
	require.NotContains(t, session.calls, "listrun:Card B")
}

func TestStartListRunByNameNotFound(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.lists = []ListInfo{{ID: "l1", Name: "Existing"}}
	chat := &fakeChatPoster{}
	session := newFakeSession(true, nil)

	w, _, _ := newTestWatcher(t, adapter, chat, session, Config{NotifyChannel: "C1"})

	err := w.StartListRun(context.Background(), "Missing List", "C1", "T1")
	require.ErrorIs(t, err, ErrListNotFound)
}

func TestStartListRunByNameEmptyList(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.lists = []ListInfo{{ID: "l1", Name: "Empty List"}}
	chat := &fakeChatPoster{}
	session := newFakeSession(true, nil)

	w, _, _ := newTestWatcher(t, adapter, chat, session, Config{NotifyChannel: "C1"})

	err := w.StartListRun(context.Background(), "Empty List", "C1", "T1")
	require.ErrorIs(t, err, ErrEmptyList)
}

func TestStartListRunByNameStartsRun(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.lists = []ListInfo{{ID: "l1", Name: "Has Cards"}}
	adapter.cardsByList["l1"] = []Card{{ID: "c1", Name: "Only card"}}
	adapter.cardsByID["c1"] = Card{ID: "c1", Name: "Only card"}
	chat := &fakeChatPoster{}
	session := newFakeSession(true, nil)

	w, store, _ := newTestWatcher(t, adapter, chat, session, Config{NotifyChannel: "C1"})

	err := w.StartListRun(context.Background(), "Has Cards", "C1", "T1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sessions, err := store.GetListRunSessions()
		return err == nil && len(sessions) == 1
	}, time.Second, 10*time.Millisecond)
}
