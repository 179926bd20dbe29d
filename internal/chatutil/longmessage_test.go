package chatutil

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	posted    []postedMsg
	updated   []string
	reactions map[string]bool
	nextID    int
}

type postedMsg struct {
	channelID, threadTS, text string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{reactions: map[string]bool{}}
}

func (f *fakeAdapter) PostMessage(_ context.Context, channelID, threadTS, text string) (string, error) {
	f.nextID++
	f.posted = append(f.posted, postedMsg{channelID, threadTS, text})
	return fmt.Sprintf("ts-%d", f.nextID), nil
}

func (f *fakeAdapter) UpdateMessage(_ context.Context, _, ts, text string) error {
	f.updated = append(f.updated, ts+":"+text)
	return nil
}

func (f *fakeAdapter) AddReaction(_ context.Context, channelID, ts, emojiName string) error {
	f.reactions[channelID+ts+emojiName] = true
	return nil
}

func (f *fakeAdapter) RemoveReaction(_ context.Context, channelID, ts, emojiName string) error {
	delete(f.reactions, channelID+ts+emojiName)
	return nil
}

func (f *fakeAdapter) HasReaction(_ context.Context, channelID, ts, emojiName, _ string) (bool, error) {
	return f.reactions[channelID+ts+emojiName], nil
}

func (f *fakeAdapter) OpenDM(_ context.Context, userID string) (string, error) {
	return "dm-" + userID, nil
}

func TestSendLongMessageSingleChunk(t *testing.T) {
	a := newFakeAdapter()
	err := SendLongMessage(context.Background(), a, "chan1", "thread1", "short message")
	require.NoError(t, err)
	require.Len(t, a.posted, 1)
	require.Equal(t, "thread1", a.posted[0].threadTS)
}

func TestSendLongMessageChunksAndThreads(t *testing.T) {
	a := newFakeAdapter()
	text := strings.Repeat("line of text here\n", 500) // well over MaxChunkLen
	err := SendLongMessage(context.Background(), a, "chan1", "", text)
	require.NoError(t, err)
	require.Greater(t, len(a.posted), 1)

	require.Equal(t, "", a.posted[0].threadTS)
	for _, p := range a.posted[1:] {
		require.Equal(t, "ts-1", p.threadTS)
	}
	for _, p := range a.posted {
		require.LessOrEqual(t, len(p.text), MaxChunkLen)
	}
}

func TestSendLongMessageEmpty(t *testing.T) {
	a := newFakeAdapter()
	require.NoError(t, SendLongMessage(context.Background(), a, "chan1", "", ""))
	require.Empty(t, a.posted)
}

func TestSplitChunksBreaksOnNewline(t *testing.T) {
	text := strings.Repeat("a", 3000) + "\n" + strings.Repeat("b", 2000)
	chunks := splitChunks(text, MaxChunkLen)
	require.Len(t, chunks, 2)
	require.True(t, strings.HasSuffix(chunks[0], "\n"))
}
