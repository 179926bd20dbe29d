// Package supervisor owns process lifecycle, health polling, the redeploy
// state machine, and the operator-facing dashboard per spec.md §4.J.
package supervisor

import (
	"errors"
	"time"

	"github.com/loopwire/conductor/pkg/protocol"
)

// ProcessStatus is the runtime status of one registered child process.
type ProcessStatus string

const (
	ProcessStopped    ProcessStatus = "stopped"
	ProcessRunning    ProcessStatus = "running"
	ProcessRestarting ProcessStatus = "restarting"
	ProcessDead       ProcessStatus = "dead"
)

// ExitAction is what the main loop does after a child process exits.
type ExitAction string

const (
	ActionShutdown     ExitAction = "shutdown"
	ActionUpdate       ExitAction = "update"
	ActionRestart      ExitAction = "restart"
	ActionRestartDelay ExitAction = "restart_delay"
)

// exitCodeActions maps exit codes to actions, sharing pkg/protocol's
// constants with internal/executor so H and J never disagree on meaning.
var exitCodeActions = map[int]ExitAction{
	protocol.ExitShutdown: ActionShutdown,
	protocol.ExitUpdate:   ActionUpdate,
	protocol.ExitRestart:  ActionRestart,
}

const defaultExitAction = ActionRestartDelay

// ResolveExitAction maps a process exit code to the action the supervisor
// should take. A nil code (still running) also resolves to the default.
func ResolveExitAction(code *int) ExitAction {
	if code == nil {
		return defaultExitAction
	}
	if a, ok := exitCodeActions[*code]; ok {
		return a
	}
	return defaultExitAction
}

// RestartPolicy governs a process's auto-restart behavior when it exits
// with a code not covered by exitCodeActions.
type RestartPolicy struct {
	UseExitCodes bool
	AutoRestart  bool
	RestartDelay time.Duration
	MaxRestarts  int // 0 = unlimited
}

func defaultRestartPolicy() RestartPolicy {
	return RestartPolicy{AutoRestart: true, RestartDelay: 5 * time.Second}
}

// ProcessConfig describes one child process to register with the manager.
type ProcessConfig struct {
	Name    string
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string
	Policy  RestartPolicy
	LogDir  string
}

func (c ProcessConfig) stdoutLogPath() string {
	if c.LogDir == "" {
		return ""
	}
	return c.LogDir + "/" + c.Name + "-out.log"
}

func (c ProcessConfig) stderrLogPath() string {
	if c.LogDir == "" {
		return ""
	}
	return c.LogDir + "/" + c.Name + "-error.log"
}

// ProcessState is one process's live runtime state.
type ProcessState struct {
	Config       ProcessConfig
	Status       ProcessStatus
	PID          int
	RestartCount int
	LastExitCode *int
}

// ProcessStatusView is the JSON-friendly snapshot served by the dashboard.
type ProcessStatusView struct {
	Name         string `json:"name"`
	Status       string `json:"status"`
	PID          int    `json:"pid,omitempty"`
	RestartCount int    `json:"restart_count"`
	LastExitCode *int   `json:"last_exit_code,omitempty"`
}

// DeployState is the redeploy state machine's current state.
type DeployState string

const (
	DeployIdle             DeployState = "idle"
	DeployPending          DeployState = "pending"
	DeployWaitingSessions  DeployState = "waiting_sessions"
	DeployDeploying        DeployState = "deploying"
)

// ErrSupervisorRestartRequired is raised by the deployer when a pull
// touched the supervisor's own code: children are already stopped, and the
// caller should exit with protocol.ExitUpdate so a watchdog relaunches the
// whole supervisor process rather than just its children.
var ErrSupervisorRestartRequired = errors.New("supervisor: own code changed, restart required")

// ErrProcessNotRegistered is returned by ProcessManager operations on an
// unknown process name.
var ErrProcessNotRegistered = errors.New("supervisor: process not registered")

// ErrAlreadyRegistered is returned by Register on a duplicate name.
var ErrAlreadyRegistered = errors.New("supervisor: process already registered")
