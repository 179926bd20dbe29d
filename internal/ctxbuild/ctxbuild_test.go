package ctxbuild

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopwire/conductor/internal/memstore"
	"github.com/loopwire/conductor/internal/tokencount"
)

func newTestBuilder(t *testing.T) (*Builder, *memstore.Store) {
	t.Helper()
	store, err := memstore.New(t.TempDir())
	require.NoError(t, err)
	return New(store, tokencount.New()), store
}

func TestBuildEmptyYieldsNilPrompt(t *testing.T) {
	b, _ := newTestBuilder(t)
	res, err := b.Build(Params{ThreadTS: "T1", IncludeSession: true, MaxTokens: 1000})
	require.NoError(t, err)
	require.Empty(t, res.Prompt)
}

func TestBuildOrdersSectionsByTagPriority(t *testing.T) {
	b, store := newTestBuilder(t)
	require.NoError(t, store.SavePersistent([]memstore.PersistentContentItem{{Content: "persistent fact"}}, memstore.PersistentMeta{}, time.Now()))
	require.NoError(t, store.SaveRecord(memstore.MemoryRecord{ThreadTS: "T1", Observations: []memstore.Observation{{Content: "session fact"}}}))

	res, err := b.Build(Params{
		ThreadTS:          "T1",
		IncludePersistent: true,
		IncludeSession:    true,
		NewObservation:    "new fact",
		MaxTokens:         10_000,
	})
	require.NoError(t, err)
	require.Contains(t, res.Prompt, "<long-term-memory>")
	require.Contains(t, res.Prompt, "<observational-memory>")
	require.Contains(t, res.Prompt, "<new-observation>")

	ltmIdx := indexOf(res.Prompt, "<long-term-memory>")
	obsIdx := indexOf(res.Prompt, "<observational-memory>")
	newIdx := indexOf(res.Prompt, "<new-observation>")
	require.True(t, ltmIdx < obsIdx)
	require.True(t, obsIdx < newIdx)
}

func TestBuildDropsLowerPrioritySectionsWhenOverBudget(t *testing.T) {
	b, store := newTestBuilder(t)
	require.NoError(t, store.SavePersistent([]memstore.PersistentContentItem{{Content: "a fact that takes some tokens to encode"}}, memstore.PersistentMeta{}, time.Now()))
	require.NoError(t, store.SaveRecord(memstore.MemoryRecord{ThreadTS: "T1", Observations: []memstore.Observation{{Content: "session fact also takes tokens"}}}))

	res, err := b.Build(Params{
		ThreadTS:          "T1",
		IncludePersistent: true,
		IncludeSession:    true,
		NewObservation:    "brand new observation text here",
		MaxTokens:         3, // forces everything but the very first section to drop
	})
	require.NoError(t, err)
	require.Contains(t, res.Prompt, "<long-term-memory>")
	require.NotContains(t, res.Prompt, "<new-observation>")
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
