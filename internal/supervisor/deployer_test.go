package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDeployer(t *testing.T) *Deployer {
	t.Helper()
	pm := NewProcessManager(nil)
	sessions := NewSessionMonitor(pm, "bot", nil, nil)
	notifier := NewNotifier("", nil) // no webhook configured, sends are no-ops
	return NewDeployer(pm, sessions, notifier, t.TempDir(), nil)
}

func TestNotifyChangeFromIdle(t *testing.T) {
	d := newTestDeployer(t)
	require.Equal(t, DeployIdle, d.State())

	d.NotifyChange(context.Background())
	require.Equal(t, DeployPending, d.State())
}

func TestNotifyChangeIgnoredWhenNotIdle(t *testing.T) {
	d := newTestDeployer(t)
	d.NotifyChange(context.Background())
	require.Equal(t, DeployPending, d.State())

	d.NotifyChange(context.Background())
	require.Equal(t, DeployPending, d.State())
}

func TestTickNoopWhenIdle(t *testing.T) {
	d := newTestDeployer(t)
	require.NoError(t, d.Tick(context.Background()))
	require.Equal(t, DeployIdle, d.State())
}

func TestTickDeploysWhenSafe(t *testing.T) {
	d := newTestDeployer(t)
	d.NotifyChange(context.Background())
	require.Equal(t, DeployPending, d.State())

	// No registered bot process means SessionMonitor.IsSafeToDeploy is
	// trivially true, so the first tick should attempt a deploy. The repo
	// path isn't a real git checkout, so the deploy itself fails, but the
	// state machine still returns to idle rather than getting stuck.
	_ = d.Tick(context.Background())
	require.Equal(t, DeployIdle, d.State())
}

func TestHasSupervisorChanges(t *testing.T) {
	require.True(t, hasSupervisorChanges([]string{"internal/supervisor/deployer.go"}))
	require.False(t, hasSupervisorChanges([]string{"internal/tracker/watcher.go"}))
	require.False(t, hasSupervisorChanges(nil))
}

func TestResolveExitAction(t *testing.T) {
	zero, update, restart, other := 0, 42, 43, 17
	require.Equal(t, ActionShutdown, ResolveExitAction(&zero))
	require.Equal(t, ActionUpdate, ResolveExitAction(&update))
	require.Equal(t, ActionRestart, ResolveExitAction(&restart))
	require.Equal(t, ActionRestartDelay, ResolveExitAction(&other))
	require.Equal(t, ActionRestartDelay, ResolveExitAction(nil))
}

func TestRestartStateCooldown(t *testing.T) {
	r := newRestartState()
	require.Zero(t, r.cooldownRemaining())

	remaining := r.tryMarkRestart()
	require.Zero(t, remaining)

	remaining = r.tryMarkRestart()
	require.Greater(t, remaining, time.Duration(0))
	require.LessOrEqual(t, remaining, restartCooldown)
}
