package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartPollStop(t *testing.T) {
	pm := NewProcessManager(nil)
	require.NoError(t, pm.Register(ProcessConfig{Name: "sleeper", Command: "sh", Args: []string{"-c", "sleep 5"}}))

	require.NoError(t, pm.Start("sleeper"))
	require.NotZero(t, pm.PID("sleeper"))

	code, err := pm.Poll("sleeper")
	require.NoError(t, err)
	require.Nil(t, code)

	exitCode, err := pm.Stop("sleeper", 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, exitCode)
	require.Zero(t, pm.PID("sleeper"))
}

func TestPollReportsExitCodeOnce(t *testing.T) {
	pm := NewProcessManager(nil)
	require.NoError(t, pm.Register(ProcessConfig{Name: "quick", Command: "sh", Args: []string{"-c", "exit 7"}}))
	require.NoError(t, pm.Start("quick"))

	require.Eventually(t, func() bool {
		code, err := pm.Poll("quick")
		return err == nil && code != nil && *code == 7
	}, 2*time.Second, 10*time.Millisecond)

	code, err := pm.Poll("quick")
	require.NoError(t, err)
	require.Nil(t, code)
}

func TestStartOnAlreadyRunningIsNoop(t *testing.T) {
	pm := NewProcessManager(nil)
	require.NoError(t, pm.Register(ProcessConfig{Name: "sleeper", Command: "sh", Args: []string{"-c", "sleep 5"}}))
	require.NoError(t, pm.Start("sleeper"))
	pid := pm.PID("sleeper")

	require.NoError(t, pm.Start("sleeper"))
	require.Equal(t, pid, pm.PID("sleeper"))

	_, _ = pm.Stop("sleeper", 2*time.Second)
}

func TestRestartIncrementsCounter(t *testing.T) {
	pm := NewProcessManager(nil)
	require.NoError(t, pm.Register(ProcessConfig{Name: "sleeper", Command: "sh", Args: []string{"-c", "sleep 5"}}))
	require.NoError(t, pm.Start("sleeper"))

	require.NoError(t, pm.Restart("sleeper"))

	views := pm.Status()
	var found bool
	for _, v := range views {
		if v.Name == "sleeper" {
			found = true
			require.Equal(t, 1, v.RestartCount)
			require.Equal(t, "running", v.Status)
		}
	}
	require.True(t, found)

	_, _ = pm.Stop("sleeper", 2*time.Second)
}

func TestOperationsOnUnregisteredProcess(t *testing.T) {
	pm := NewProcessManager(nil)
	require.ErrorIs(t, pm.Start("ghost"), ErrProcessNotRegistered)
	_, err := pm.Stop("ghost", time.Second)
	require.ErrorIs(t, err, ErrProcessNotRegistered)
}

func TestRegisterDuplicateFails(t *testing.T) {
	pm := NewProcessManager(nil)
	require.NoError(t, pm.Register(ProcessConfig{Name: "a", Command: "sh"}))
	require.ErrorIs(t, pm.Register(ProcessConfig{Name: "a", Command: "sh"}), ErrAlreadyRegistered)
}

func TestStopAllContinuesPastFailures(t *testing.T) {
	pm := NewProcessManager(nil)
	require.NoError(t, pm.Register(ProcessConfig{Name: "a", Command: "sh", Args: []string{"-c", "sleep 5"}}))
	require.NoError(t, pm.Register(ProcessConfig{Name: "b", Command: "sh", Args: []string{"-c", "sleep 5"}}))
	require.NoError(t, pm.Start("a"))
	require.NoError(t, pm.Start("b"))

	pm.StopAll(2 * time.Second)

	for _, v := range pm.Status() {
		require.Equal(t, "stopped", v.Status)
	}
}
