package channelobserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopwire/conductor/internal/memstore"
	"github.com/loopwire/conductor/internal/tokencount"
)

type fakePipelineLLM struct {
	judgeResponse   string
	digestResponse  string
	compressResponse string
	calls           []string
}

func (f *fakePipelineLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	switch systemPrompt {
	case judgeSystemPrompt:
		f.calls = append(f.calls, "judge")
		return f.judgeResponse, nil
	case digestSystemPrompt:
		f.calls = append(f.calls, "digest")
		return f.digestResponse, nil
	case digestCompressSystemPrompt:
		f.calls = append(f.calls, "compress")
		return f.compressResponse, nil
	}
	return "", nil
}

type fakeReactions struct {
	existing      map[string]bool // ts+emoji already present
	added         []string
	intervened    []string
	interveneReply string
}

func (f *fakeReactions) HasReaction(channelID, ts, emojiName, botUserID string) (bool, error) {
	return f.existing[ts+":"+emojiName], nil
}

func (f *fakeReactions) AddReaction(channelID, ts, emojiName string) error {
	f.added = append(f.added, ts+":"+emojiName)
	return nil
}

func (f *fakeReactions) Intervene(channelID, ts, threadTS, reason string) (string, error) {
	f.intervened = append(f.intervened, ts)
	return f.interveneReply, nil
}

type fakeSessionStarter struct {
	started []string
}

func (f *fakeSessionStarter) StartHybridSession(channelID, anchorTS string) error {
	f.started = append(f.started, anchorTS)
	return nil
}

func newTestStore(t *testing.T) *memstore.Store {
	t.Helper()
	store, err := memstore.New(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestProcessBelowThresholdAIsNoOp(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.AppendPending("C1", memstore.ChannelMessage{TS: "1", Text: "hi"}))

	llm := &fakePipelineLLM{}
	p := New(store, llm, tokencount.New(), &fakeReactions{}, nil, nil, Config{ThresholdA: 10_000, ThresholdB: 20_000})

	require.NoError(t, p.Process(context.Background(), "C1", nil))
	require.Empty(t, llm.calls)

	pending, err := store.LoadPending("C1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestProcessRegeneratesDigestWhenOverThresholdB(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.AppendJudged("C1", []memstore.ChannelMessage{{TS: "0", Text: "old chatter here"}}))
	require.NoError(t, store.AppendPending("C1", memstore.ChannelMessage{TS: "1", Text: "new chatter arrives now"}))

	llm := &fakePipelineLLM{digestResponse: "folded digest", judgeResponse: ""}
	reactions := &fakeReactions{existing: map[string]bool{}}
	p := New(store, llm, tokencount.New(), reactions, nil, nil, Config{ThresholdA: 0, ThresholdB: 0})

	require.NoError(t, p.Process(context.Background(), "C1", nil))
	require.Contains(t, llm.calls, "digest")

	digest, err := store.GetDigest("C1")
	require.NoError(t, err)
	require.Equal(t, "folded digest", digest.Content)

	// The digest run clears judged; the pass then moves the pending snapshot in.
	judged, err := store.LoadJudged("C1")
	require.NoError(t, err)
	require.Len(t, judged, 1)
	require.Equal(t, "1", judged[0].TS)
}

func TestProcessMovesSnapshotToJudgedAfterPass(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.AppendPending("C1", memstore.ChannelMessage{TS: "1", Text: "hello there friend"}))

	llm := &fakePipelineLLM{judgeResponse: ""}
	p := New(store, llm, tokencount.New(), &fakeReactions{existing: map[string]bool{}}, nil, nil, Config{ThresholdA: 0, ThresholdB: 100_000})

	require.NoError(t, p.Process(context.Background(), "C1", nil))

	pending, err := store.LoadPending("C1")
	require.NoError(t, err)
	require.Empty(t, pending)

	judged, err := store.LoadJudged("C1")
	require.NoError(t, err)
	require.Len(t, judged, 1)
}

func TestProcessSkipsReactWhenAlreadyPresent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.AppendPending("C1", memstore.ChannelMessage{TS: "1", Text: "nice work everyone"}))

	llm := &fakePipelineLLM{judgeResponse: "1|react|thumbsup|3|false|false|-|nice"}
	reactions := &fakeReactions{existing: map[string]bool{"1:thumbsup": true}}
	p := New(store, llm, tokencount.New(), reactions, nil, nil, Config{ThresholdA: 0, ThresholdB: 100_000})

	require.NoError(t, p.Process(context.Background(), "C1", nil))
	require.Empty(t, reactions.added)
}

func TestProcessFiresAtMostOneIntervenePickingHighestImportance(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.AppendPending("C1", memstore.ChannelMessage{TS: "1", Text: "urgent question here please"}))
	require.NoError(t, store.AppendPending("C1", memstore.ChannelMessage{TS: "2", Text: "another urgent question too"}))

	llm := &fakePipelineLLM{judgeResponse: "1|intervene|-|4|false|false|-|low\n2|intervene|-|9|false|false|-|high"}
	reactions := &fakeReactions{existing: map[string]bool{}, interveneReply: "reply-ts"}
	starter := &fakeSessionStarter{}
	p := New(store, llm, tokencount.New(), reactions, starter, nil, Config{ThresholdA: 0, ThresholdB: 100_000})

	require.NoError(t, p.Process(context.Background(), "C1", nil))
	require.Len(t, reactions.intervened, 1)
	require.Equal(t, "2", reactions.intervened[0])
	require.Equal(t, []string{"reply-ts"}, starter.started)
}

func TestProcessExcludesMentionTrackedMessagesFromJudgePrompt(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.AppendPending("C1", memstore.ChannelMessage{TS: "1", Text: "already being handled as a mention"}))
	require.NoError(t, store.AppendPending("C1", memstore.ChannelMessage{TS: "2", Text: "ordinary chatter"}))

	llm := &fakePipelineLLM{judgeResponse: ""}
	p := New(store, llm, tokencount.New(), &fakeReactions{existing: map[string]bool{}}, nil, nil, Config{ThresholdA: 0, ThresholdB: 100_000})

	require.NoError(t, p.Process(context.Background(), "C1", map[string]bool{"1": true}))

	judged, err := store.LoadJudged("C1")
	require.NoError(t, err)
	require.Len(t, judged, 2) // both still move to judged even though "1" was invisible to the judge
}

func TestBurstGapConstant(t *testing.T) {
	require.Equal(t, 5*time.Minute, BurstGap)
}
