package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// procHandle tracks one running child: the exec.Cmd plus a buffered channel
// fed exactly once by the goroutine that owns cmd.Wait().
type procHandle struct {
	cmd  *exec.Cmd
	done chan int
}

// ProcessManager starts, stops, restarts, and polls a fixed registry of
// child processes. Grounded on original_source's ProcessManager, reworked
// around os/exec instead of subprocess.Popen: since exec.Cmd.Wait may only
// be called once, each start spawns one waiter goroutine that delivers the
// exit code over a buffered channel for Poll/Stop to consume.
type ProcessManager struct {
	mu     sync.Mutex
	states map[string]*ProcessState
	procs  map[string]*procHandle
	logs   map[string][2]*os.File
	log    *slog.Logger
}

func NewProcessManager(log *slog.Logger) *ProcessManager {
	if log == nil {
		log = slog.Default()
	}
	return &ProcessManager{
		states: map[string]*ProcessState{},
		procs:  map[string]*procHandle{},
		logs:   map[string][2]*os.File{},
		log:    log,
	}
}

// Register adds a process configuration. It does not start it.
func (m *ProcessManager) Register(cfg ProcessConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[cfg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, cfg.Name)
	}
	if cfg.Policy == (RestartPolicy{}) {
		cfg.Policy = defaultRestartPolicy()
	}
	m.states[cfg.Name] = &ProcessState{Config: cfg, Status: ProcessStopped}
	return nil
}

func (m *ProcessManager) state(name string) (*ProcessState, error) {
	s, ok := m.states[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotRegistered, name)
	}
	return s, nil
}

// Start launches name's configured command if it isn't already running.
func (m *ProcessManager) Start(name string) error {
	m.mu.Lock()
	s, err := m.state(name)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if s.Status == ProcessRunning {
		m.log.Warn("process already running", "name", name, "pid", s.PID)
		m.mu.Unlock()
		return nil
	}

	cfg := s.Config
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdout, stderr, err := m.openLogFiles(cfg)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("open log files for %s: %w", name, err)
	}
	if stdout != nil {
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		m.closeLogFiles(name)
		s.Status = ProcessDead
		m.mu.Unlock()
		return fmt.Errorf("start %s: %w", name, err)
	}

	handle := &procHandle{cmd: cmd, done: make(chan int, 1)}
	go func() {
		waitErr := cmd.Wait()
		handle.done <- exitCodeOf(cmd, waitErr)
	}()

	m.procs[name] = handle
	s.PID = cmd.Process.Pid
	s.Status = ProcessRunning
	m.log.Info("process started", "name", name, "pid", s.PID)
	m.mu.Unlock()
	return nil
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

func (m *ProcessManager) openLogFiles(cfg ProcessConfig) (*os.File, *os.File, error) {
	if cfg.LogDir == "" {
		return nil, nil, nil
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, nil, err
	}
	stdout, err := os.OpenFile(filepath.Clean(cfg.stdoutLogPath()), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	stderr, err := os.OpenFile(filepath.Clean(cfg.stderrLogPath()), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		stdout.Close()
		return nil, nil, err
	}
	m.logs[cfg.Name] = [2]*os.File{stdout, stderr}
	return stdout, stderr, nil
}

func (m *ProcessManager) closeLogFiles(name string) {
	fhs, ok := m.logs[name]
	if !ok {
		return
	}
	fhs[0].Close()
	fhs[1].Close()
	delete(m.logs, name)
}

// Stop terminates name gracefully, force-killing after timeout. Returns the
// exit code, or nil if the process wasn't running. The blocking wait for
// exit happens without holding the manager lock, so other processes stay
// pollable/startable/stoppable concurrently.
func (m *ProcessManager) Stop(name string, timeout time.Duration) (*int, error) {
	m.mu.Lock()
	s, err := m.state(name)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	handle, ok := m.procs[name]
	if !ok || s.Status == ProcessStopped {
		m.mu.Unlock()
		return nil, nil
	}
	pid := s.PID
	m.log.Info("process stop requested", "name", name, "pid", pid)
	_ = handle.cmd.Process.Signal(os.Interrupt)
	m.mu.Unlock()

	var code int
	select {
	case code = <-handle.done:
	case <-time.After(timeout):
		m.log.Warn("process terminate timed out, killing", "name", name)
		_ = handle.cmd.Process.Kill()
		code = <-handle.done
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLogFiles(name)
	s.Status = ProcessStopped
	s.LastExitCode = &code
	s.PID = 0
	delete(m.procs, name)
	m.log.Info("process stopped", "name", name, "exit_code", code)
	return &code, nil
}

// Restart stops then starts name, incrementing its restart counter.
func (m *ProcessManager) Restart(name string) error {
	m.mu.Lock()
	s, err := m.state(name)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	s.Status = ProcessRestarting
	s.RestartCount++
	m.mu.Unlock()

	if _, err := m.Stop(name, 10*time.Second); err != nil {
		return err
	}
	return m.Start(name)
}

// Poll checks whether name has exited since the last poll, returning its
// exit code exactly once (subsequent polls return nil until restarted).
func (m *ProcessManager) Poll(name string) (*int, error) {
	m.mu.Lock()
	s, err := m.state(name)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	handle, ok := m.procs[name]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}

	select {
	case code := <-handle.done:
		m.closeLogFiles(name)
		s.Status = ProcessStopped
		s.LastExitCode = &code
		s.PID = 0
		delete(m.procs, name)
		m.log.Info("process exited", "name", name, "exit_code", code)
		m.mu.Unlock()
		return &code, nil
	default:
		m.mu.Unlock()
		return nil, nil
	}
}

// Status returns a dashboard-friendly snapshot of every registered process,
// polling each first so exited processes are reflected immediately.
func (m *ProcessManager) Status() []ProcessStatusView {
	for _, n := range m.RegisteredNames() {
		_, _ = m.Poll(n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProcessStatusView, 0, len(m.states))
	for n, s := range m.states {
		out = append(out, ProcessStatusView{
			Name:         n,
			Status:       string(s.Status),
			PID:          s.PID,
			RestartCount: s.RestartCount,
			LastExitCode: s.LastExitCode,
		})
	}
	return out
}

// StopAll stops every registered process, continuing past individual
// failures so one stuck child doesn't block shutdown of the rest.
func (m *ProcessManager) StopAll(timeout time.Duration) {
	for _, name := range m.RegisteredNames() {
		if _, err := m.Stop(name, timeout); err != nil {
			m.log.Error("stop failed during stop-all", "name", name, "error", err)
		}
	}
}

// RegisteredNames returns every registered process name.
func (m *ProcessManager) RegisteredNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.states))
	for n := range m.states {
		names = append(names, n)
	}
	return names
}

// PID returns name's current process ID, or 0 if not running.
func (m *ProcessManager) PID(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[name]
	if !ok {
		return 0
	}
	return s.PID
}
