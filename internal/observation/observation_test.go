package observation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopwire/conductor/internal/memstore"
	"github.com/loopwire/conductor/internal/tokencount"
)

type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.calls++
	return f.response, f.err
}

func newTestPipeline(t *testing.T, llm *fakeLLM, cfg Config) (*Pipeline, *memstore.Store) {
	t.Helper()
	store, err := memstore.New(t.TempDir())
	require.NoError(t, err)
	return New(store, llm, tokencount.New(), cfg), store
}

func TestObserveBelowThresholdIsNoOp(t *testing.T) {
	llm := &fakeLLM{}
	p, _ := newTestPipeline(t, llm, Config{MinTurnTokens: 10_000})

	ok := p.Observe(context.Background(), "T1", "U1", []TurnMessage{{Role: "user", Content: "hi"}})
	require.True(t, ok)
	require.Zero(t, llm.calls)
}

func TestObserveAppendsObservationsAndCandidates(t *testing.T) {
	llm := &fakeLLM{response: "OBSERVATION|HIGH|prefers terse replies\nCANDIDATE|MEDIUM|might want dark mode"}
	p, store := newTestPipeline(t, llm, Config{MinTurnTokens: 0})

	ok := p.Observe(context.Background(), "T1", "U1", []TurnMessage{
		{Role: "user", Content: "keep it short please"},
		{Role: "assistant", Content: "got it"},
		{Role: "tool_use", Content: "should be filtered"},
	})
	require.True(t, ok)

	rec, err := store.GetRecord("T1")
	require.NoError(t, err)
	require.Len(t, rec.Observations, 1)
	require.Equal(t, "prefers terse replies", rec.Observations[0].Content)

	all, err := store.LoadAllCandidates()
	require.NoError(t, err)
	require.Len(t, all["T1"], 1)
}

func TestObserveReturnsFalseOnLLMFailure(t *testing.T) {
	llm := &fakeLLM{err: context.DeadlineExceeded}
	p, _ := newTestPipeline(t, llm, Config{MinTurnTokens: 0})

	ok := p.Observe(context.Background(), "T1", "U1", []TurnMessage{{Role: "user", Content: "hello there friend"}})
	require.False(t, ok)
}

func TestPromoteClearsAllCandidatesEvenIfNonePromoted(t *testing.T) {
	llm := &fakeLLM{response: ""} // promotes nothing
	p, store := newTestPipeline(t, llm, Config{PromotionThreshold: 1})

	require.NoError(t, store.AppendCandidates("T1", []memstore.Candidate{{TS: "1", Content: "a"}}))
	require.NoError(t, store.AppendCandidates("T2", []memstore.Candidate{{TS: "2", Content: "b"}}))

	p.promoteIfNeeded(context.Background())

	all, err := store.LoadAllCandidates()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestPromoteAppendsPromotedToPersistent(t *testing.T) {
	llm := &fakeLLM{response: "HIGH|a"}
	p, store := newTestPipeline(t, llm, Config{PromotionThreshold: 1})

	require.NoError(t, store.AppendCandidates("T1", []memstore.Candidate{{TS: "1", Content: "a"}, {TS: "2", Content: "b"}}))

	p.promoteIfNeeded(context.Background())

	content, _, err := store.GetPersistent()
	require.NoError(t, err)
	require.Len(t, content, 1)
	require.Equal(t, "a", content[0].Content)
}

func TestCompactNoOpBelowThreshold(t *testing.T) {
	llm := &fakeLLM{response: "LOW|shrunk"}
	p, store := newTestPipeline(t, llm, Config{CompactionThreshold: 1000})
	require.NoError(t, store.SavePersistent([]memstore.PersistentContentItem{{Content: "x"}}, memstore.PersistentMeta{TokenCount: 5}, time.Now()))

	p.compactIfNeeded(context.Background())
	require.Zero(t, llm.calls)
}
