package chatutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReactionManagerHasAndAddReaction(t *testing.T) {
	a := newFakeAdapter()
	rm := NewReactionManager(a, "bot-1")

	has, err := rm.HasReaction("chan1", "ts1", "thought_balloon", "bot-1")
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, rm.AddReaction("chan1", "ts1", "thought_balloon"))

	has, err = rm.HasReaction("chan1", "ts1", "thought_balloon", "bot-1")
	require.NoError(t, err)
	require.True(t, has)
}

func TestReactionManagerIntervene(t *testing.T) {
	a := newFakeAdapter()
	rm := NewReactionManager(a, "bot-1")

	ts, err := rm.Intervene("chan1", "ts1", "thread1", "slow down")
	require.NoError(t, err)
	require.NotEmpty(t, ts)
	require.Len(t, a.posted, 1)
	require.Contains(t, a.posted[0].text, "slow down")
	require.Equal(t, "thread1", a.posted[0].threadTS)
}

func TestReactionManagerSwapTrelloState(t *testing.T) {
	a := newFakeAdapter()
	rm := NewReactionManager(a, "bot-1")
	ctx := context.Background()

	require.NoError(t, rm.AddReaction("chan1", "ts1", TrelloReactions[TrelloPlanning]))
	require.NoError(t, rm.SwapTrelloState(ctx, "chan1", "ts1", TrelloPlanning, TrelloSuccess))

	has, _ := rm.HasReaction("chan1", "ts1", TrelloReactions[TrelloPlanning], "bot-1")
	require.False(t, has)
	has, _ = rm.HasReaction("chan1", "ts1", TrelloReactions[TrelloSuccess], "bot-1")
	require.True(t, has)
}

func TestReactionManagerSwapIntervention(t *testing.T) {
	a := newFakeAdapter()
	rm := NewReactionManager(a, "bot-1")
	ctx := context.Background()

	require.NoError(t, rm.AddReaction("chan1", "ts1", InterventionEmoji))
	require.NoError(t, rm.SwapIntervention(ctx, "chan1", "ts1"))

	has, _ := rm.HasReaction("chan1", "ts1", InterventionEmoji, "bot-1")
	require.False(t, has)
	has, _ = rm.HasReaction("chan1", "ts1", InterventionAcceptedEmoji, "bot-1")
	require.True(t, has)
}
