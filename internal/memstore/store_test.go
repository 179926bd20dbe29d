package memstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	rec := MemoryRecord{
		ThreadTS: "T1",
		UserID:   "U1",
		Observations: []Observation{
			{ID: "1", Priority: PriorityHigh, Content: "likes dark mode", Source: SourceObserver},
		},
	}
	require.NoError(t, s.SaveRecord(rec))

	loaded, err := s.GetRecord("T1")
	require.NoError(t, err)
	require.Equal(t, rec.UserID, loaded.UserID)
	require.Len(t, loaded.Observations, 1)
	require.Equal(t, "likes dark mode", loaded.Observations[0].Content)
}

func TestGetRecordMissingIsEmptyNotFatal(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.GetRecord("unknown")
	require.NoError(t, err)
	require.Equal(t, "unknown", rec.ThreadTS)
	require.Empty(t, rec.Observations)
}

func TestCandidatesAppendLoadClear(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendCandidates("T1", []Candidate{{TS: "1", Content: "a"}}))
	require.NoError(t, s.AppendCandidates("T2", []Candidate{{TS: "2", Content: "b"}}))

	all, err := s.LoadAllCandidates()
	require.NoError(t, err)
	require.Len(t, all["T1"], 1)
	require.Len(t, all["T2"], 1)

	require.NoError(t, s.ClearAllCandidates())
	all, err = s.LoadAllCandidates()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestPersistentSaveArchivesPriorContent(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	require.NoError(t, s.SavePersistent([]PersistentContentItem{{ID: "1", Content: "first"}}, PersistentMeta{TokenCount: 5}, now))
	require.NoError(t, s.SavePersistent([]PersistentContentItem{{ID: "2", Content: "second"}}, PersistentMeta{TokenCount: 7}, now.Add(time.Second)))

	content, meta, err := s.GetPersistent()
	require.NoError(t, err)
	require.Len(t, content, 1)
	require.Equal(t, "second", content[0].Content)
	require.Equal(t, 7, meta.TokenCount)
}

func TestAppendPendingRejectsDuplicateTS(t *testing.T) {
	s := newTestStore(t)
	msg := ChannelMessage{TS: "100", Text: "hi"}
	require.NoError(t, s.AppendPending("C1", msg))
	require.NoError(t, s.AppendPending("C1", msg))

	pending, err := s.LoadPending("C1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestMoveSnapshotToJudgedLeavesConcurrentArrivals(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendPending("C1", ChannelMessage{TS: "p1"}))
	require.NoError(t, s.AppendPending("C1", ChannelMessage{TS: "p2"}))
	require.NoError(t, s.AppendPending("C1", ChannelMessage{TS: "p3"}))

	// Snapshot taken here conceptually includes p1..p3.
	snapshot := map[string]bool{"p1": true, "p2": true, "p3": true}

	// p4 arrives "during" the pipeline pass, i.e. before MoveSnapshotToJudged runs.
	require.NoError(t, s.AppendPending("C1", ChannelMessage{TS: "p4"}))

	require.NoError(t, s.MoveSnapshotToJudged("C1", snapshot, nil))

	pending, err := s.LoadPending("C1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "p4", pending[0].TS)

	judged, err := s.LoadJudged("C1")
	require.NoError(t, err)
	require.Len(t, judged, 3)
}

func TestAppendPendingMoveJudgedRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendPending("C1", ChannelMessage{TS: "m1"}))
	require.NoError(t, s.MoveSnapshotToJudged("C1", map[string]bool{"m1": true}, nil))

	judged, err := s.LoadJudged("C1")
	require.NoError(t, err)
	require.Len(t, judged, 1)
	require.Equal(t, "m1", judged[0].TS)
}

func TestInterventionHistoryPrunedOnWrite(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().Add(-3 * time.Hour)
	recent := time.Now()

	require.NoError(t, s.RecordIntervention("C1", InterventionEntry{At: old, Type: "react"}, old))
	require.NoError(t, s.RecordIntervention("C1", InterventionEntry{At: recent, Type: "message"}, recent))

	entries, err := s.LoadIntervention("C1", recent)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "message", entries[0].Type)
}

func TestTrackCardAtMostOnePerCardID(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	require.NoError(t, s.TrackCard(TrackedCard{CardID: "card1", CardName: "first", DetectedAt: now}))
	require.NoError(t, s.TrackCard(TrackedCard{CardID: "card1", CardName: "renamed", DetectedAt: now}))

	cards, err := s.GetTrackedCards()
	require.NoError(t, err)
	require.Len(t, cards, 1)
	require.Equal(t, "renamed", cards["card1"].CardName)
}

func TestReclaimStaleCards(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	require.NoError(t, s.TrackCard(TrackedCard{CardID: "old", DetectedAt: now.Add(-3 * time.Hour)}))
	require.NoError(t, s.TrackCard(TrackedCard{CardID: "fresh", DetectedAt: now}))

	reclaimed, err := s.ReclaimStale(2*time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, []string{"old"}, reclaimed)

	cards, err := s.GetTrackedCards()
	require.NoError(t, err)
	require.Len(t, cards, 1)
	require.Contains(t, cards, "fresh")
}

func TestListRunSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	session := ListRunSession{
		SessionID:      "lr1",
		ListID:         "list1",
		CardIDs:        []string{"a", "b"},
		Status:         ListRunRunning,
		ProcessedCards: map[string]CardOutcome{"a": OutcomeCompleted},
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.SaveListRunSession(session))

	loaded, err := s.GetListRunSessions()
	require.NoError(t, err)
	require.Contains(t, loaded, "lr1")
	require.Equal(t, ListRunRunning, loaded["lr1"].Status)
	require.Equal(t, OutcomeCompleted, loaded["lr1"].ProcessedCards["a"])
}

type fakeTokenIndex struct {
	sums map[string]int
}

func newFakeTokenIndex() *fakeTokenIndex {
	return &fakeTokenIndex{sums: make(map[string]int)}
}

func key(channelID, bucket, ts string) string { return channelID + "/" + bucket + "/" + ts }

func (f *fakeTokenIndex) Upsert(channelID, bucket, ts string, tokens int) error {
	f.sums[key(channelID, bucket, ts)] = tokens
	return nil
}

func (f *fakeTokenIndex) Delete(channelID, bucket, ts string) error {
	delete(f.sums, key(channelID, bucket, ts))
	return nil
}

func (f *fakeTokenIndex) Sum(channelID, bucket string) (int, error) {
	total := 0
	prefix := channelID + "/" + bucket + "/"
	for k, v := range f.sums {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			total += v
		}
	}
	return total, nil
}

func TestCountPendingTokensUsesIndexWhenConfigured(t *testing.T) {
	s := newTestStore(t)
	idx := newFakeTokenIndex()
	s.SetTokenIndex(idx, func(text string) int { return len(text) })

	require.NoError(t, s.AppendPending("c1", ChannelMessage{TS: "1", Text: "hello"}))
	require.NoError(t, s.AppendPending("c1", ChannelMessage{TS: "2", Text: "world!"}))

	total, err := s.CountPendingTokens("c1", func(text string) int { return len(text) })
	require.NoError(t, err)
	require.Equal(t, len("hello")+len("world!"), total)
}

func TestMoveSnapshotToJudgedUpdatesIndexBuckets(t *testing.T) {
	s := newTestStore(t)
	idx := newFakeTokenIndex()
	s.SetTokenIndex(idx, func(text string) int { return len(text) })

	require.NoError(t, s.AppendPending("c1", ChannelMessage{TS: "1", Text: "hello"}))
	require.NoError(t, s.MoveSnapshotToJudged("c1", map[string]bool{"1": true}, nil))

	pendingSum, err := idx.Sum("c1", "pending")
	require.NoError(t, err)
	require.Equal(t, 0, pendingSum)

	judgedSum, err := idx.Sum("c1", "judged")
	require.NoError(t, err)
	require.Equal(t, len("hello"), judgedSum)
}
