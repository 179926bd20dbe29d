package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopwire/conductor/internal/agentrunner"
	"github.com/loopwire/conductor/internal/ctxbuild"
	"github.com/loopwire/conductor/internal/memstore"
	"github.com/loopwire/conductor/internal/sessionmgr"
	"github.com/loopwire/conductor/internal/tokencount"
)

type fakeChat struct {
	posted   []string
	updated  []string
	added    []string
	removed  []string
	postTS   string
}

func (f *fakeChat) PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	f.posted = append(f.posted, text)
	if f.postTS == "" {
		return "thinking-ts", nil
	}
	return f.postTS, nil
}

func (f *fakeChat) UpdateMessage(ctx context.Context, channelID, ts, text string) error {
	f.updated = append(f.updated, text)
	return nil
}

func (f *fakeChat) AddReaction(ctx context.Context, channelID, ts, emojiName string) error {
	f.added = append(f.added, emojiName)
	return nil
}

func (f *fakeChat) RemoveReaction(ctx context.Context, channelID, ts, emojiName string) error {
	f.removed = append(f.removed, emojiName)
	return nil
}

type fakeRestarts struct {
	calls []string
}

func (f *fakeRestarts) RequestRestart(ctx context.Context, kind, operatorChannelID string, hasRunningSessions bool) error {
	f.calls = append(f.calls, kind)
	return nil
}

type fakeListRuns struct {
	started []string
}

func (f *fakeListRuns) StartListRun(ctx context.Context, listName, channelID, threadTS string) error {
	f.started = append(f.started, listName)
	return nil
}

func newTestExecutor(t *testing.T, chat *fakeChat, restarts RestartRequester, listRuns ListRunStarter) *SessionExecutor {
	t.Helper()
	sessions := sessionmgr.NewManager("")
	runners := agentrunner.NewRegistry()
	store, err := memstore.New(t.TempDir())
	require.NoError(t, err)
	builder := ctxbuild.New(store, tokencount.New())

	base := agentrunner.Config{
		Command:  "/bin/sh",
		BaseArgs: []string{"-c", "read line; exit 0"},
		LogDir:   t.TempDir(),
	}

	return New(sessions, runners, builder, chat, restarts, listRuns, base, Config{ContextWindowTokens: 10_000})
}

func TestRunPreemptsWhenSessionBusy(t *testing.T) {
	chat := &fakeChat{}
	exec := newTestExecutor(t, chat, nil, nil)

	require.True(t, exec.sessions.TryLock("K1", "someone-else"))

	err := exec.Run(context.Background(), RunParams{
		SessionKey: "K1",
		ThreadTS:   "T1",
		ChannelID:  "C1",
		MsgTS:      "M1",
		Prompt:     "hello",
		Role:       RoleViewer,
	})
	require.NoError(t, err)

	require.Contains(t, chat.added, "hourglass_flowing_sand")
	pp, ok := exec.pending.pop("K1")
	require.True(t, ok)
	require.Equal(t, "hello", pp.Prompt)
}

func TestRunExecutesTurnWhenLockIsFree(t *testing.T) {
	chat := &fakeChat{}
	exec := newTestExecutor(t, chat, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := exec.Run(ctx, RunParams{
		SessionKey: "K2",
		ThreadTS:   "T2",
		ChannelID:  "C1",
		MsgTS:      "M1",
		Prompt:     "hello there",
		Role:       RoleViewer,
	})
	require.NoError(t, err)

	require.Contains(t, chat.posted, "_thinking…_")
	require.NotEmpty(t, chat.updated)
	require.False(t, exec.sessions.IsRunning("K2"))
}

func TestRunRerunsStashedPendingPromptAfterRelease(t *testing.T) {
	chat := &fakeChat{}
	exec := newTestExecutor(t, chat, nil, nil)

	token := "holder"
	require.True(t, exec.sessions.TryLock("K3", token))
	exec.pending.stash("K3", PendingPrompt{
		Prompt:    "queued turn",
		MsgTS:     "M2",
		ChannelID: "C1",
		ThreadTS:  "T3",
		Role:      RoleViewer,
	})
	exec.sessions.Unlock("K3", token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := exec.Run(ctx, RunParams{
		SessionKey: "K3",
		ThreadTS:   "T3",
		ChannelID:  "C1",
		MsgTS:      "M3",
		Prompt:     "original turn",
		Role:       RoleViewer,
	})
	require.NoError(t, err)

	require.Contains(t, chat.added, "white_check_mark")
	_, stillStashed := exec.pending.pop("K3")
	require.False(t, stillStashed)
}

func TestHandleAdminMarkersIgnoredForViewer(t *testing.T) {
	chat := &fakeChat{}
	restarts := &fakeRestarts{}
	lists := &fakeListRuns{}
	exec := newTestExecutor(t, chat, restarts, lists)

	exec.handleAdminMarkers(context.Background(), RunParams{Role: RoleViewer}, parsedOutput{Update: true, ListRunName: "X"})
	require.Empty(t, restarts.calls)
	require.Empty(t, lists.started)
}

func TestHandleAdminMarkersFireForAdmin(t *testing.T) {
	chat := &fakeChat{}
	restarts := &fakeRestarts{}
	lists := &fakeListRuns{}
	exec := newTestExecutor(t, chat, restarts, lists)

	exec.handleAdminMarkers(context.Background(), RunParams{Role: RoleAdmin, ChannelID: "C1", ThreadTS: "T1"}, parsedOutput{Restart: true, ListRunName: "Sprint"})
	require.Equal(t, []string{"restart"}, restarts.calls)
	require.Equal(t, []string{"Sprint"}, lists.started)
}
