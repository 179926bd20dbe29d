package chatadapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopwire/conductor/internal/bus"
)

type fakeAdapter struct {
	posted []string
}

func (f *fakeAdapter) PostMessage(_ context.Context, channelID, threadTS, text string) (string, error) {
	f.posted = append(f.posted, channelID+":"+text)
	return "ts-1", nil
}
func (f *fakeAdapter) UpdateMessage(context.Context, string, string, string) error { return nil }
func (f *fakeAdapter) AddReaction(context.Context, string, string, string) error    { return nil }
func (f *fakeAdapter) RemoveReaction(context.Context, string, string, string) error { return nil }
func (f *fakeAdapter) HasReaction(context.Context, string, string, string, string) (bool, error) {
	return false, nil
}
func (f *fakeAdapter) OpenDM(_ context.Context, userID string) (string, error) {
	return "dm-" + userID, nil
}

func TestRouterPostMessageDispatchesByPlatform(t *testing.T) {
	r := NewRouter(bus.New(1), nil)
	discord := &fakeAdapter{}
	r.Register("discord", discord)

	ts, err := r.PostMessage(context.Background(), "discord:123", "", "hi")
	require.NoError(t, err)
	require.Equal(t, "ts-1", ts)
	require.Equal(t, []string{"123:hi"}, discord.posted)
}

func TestRouterPostMessageUnknownPlatform(t *testing.T) {
	r := NewRouter(bus.New(1), nil)
	_, err := r.PostMessage(context.Background(), "telegram:123", "", "hi")
	require.Error(t, err)
}

func TestRouterPostMessageMissingPrefix(t *testing.T) {
	r := NewRouter(bus.New(1), nil)
	_, err := r.PostMessage(context.Background(), "123", "", "hi")
	require.Error(t, err)
}

func TestRouterOpenDMRoundTripsPlatformPrefix(t *testing.T) {
	r := NewRouter(bus.New(1), nil)
	r.Register("telegram", &fakeAdapter{})

	channelID, err := r.OpenDM(context.Background(), "telegram:42")
	require.NoError(t, err)
	require.Equal(t, "telegram:dm-42", channelID)
}

func TestRouterDispatchOutboundPostsToRegisteredAdapter(t *testing.T) {
	b := bus.New(4)
	r := NewRouter(b, nil)
	discord := &fakeAdapter{}
	r.Register("discord", discord)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.DispatchOutbound(ctx)
		close(done)
	}()

	b.PublishOutbound(bus.OutboundMessage{Channel: "discord", ChatID: "123", Content: "hello"})

	require.Eventually(t, func() bool {
		return len(discord.posted) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, []string{"123:hello"}, discord.posted)

	cancel()
	<-done
}
