package supervisor

import (
	"log/slog"
	"strings"

	"github.com/mitchellh/go-ps"
)

// defaultAgentProcessNames are the binary names counted as an active agent
// session by SessionMonitor, matching original_source's _CLAUDE_PROCESS_NAMES.
var defaultAgentProcessNames = []string{"claude", "claude.exe"}

// PIDProvider resolves the OS pid of a registered process, letting
// SessionMonitor target one specific supervised process (the chat bot)
// instead of scanning every process on the host.
type PIDProvider interface {
	PID(name string) int
}

// SessionMonitor counts live agent-CLI subprocesses descending from one
// supervised process, so the deployer knows whether it's safe to redeploy.
// It walks only that process's child tree, never the full host process
// table, per spec.md §4.J's "must not scan the entire host".
type SessionMonitor struct {
	pm           PIDProvider
	botName      string
	agentNames   map[string]bool
	log          *slog.Logger
}

func NewSessionMonitor(pm PIDProvider, botName string, agentProcessNames []string, log *slog.Logger) *SessionMonitor {
	if log == nil {
		log = slog.Default()
	}
	if len(agentProcessNames) == 0 {
		agentProcessNames = defaultAgentProcessNames
	}
	names := make(map[string]bool, len(agentProcessNames))
	for _, n := range agentProcessNames {
		names[strings.ToLower(n)] = true
	}
	return &SessionMonitor{pm: pm, botName: botName, agentNames: names, log: log}
}

// ActiveSessionCount returns how many agent-CLI processes are currently
// running as descendants of the supervised bot process.
func (s *SessionMonitor) ActiveSessionCount() int {
	return len(s.findAgentDescendants())
}

// IsSafeToDeploy reports whether zero agent sessions are currently active.
func (s *SessionMonitor) IsSafeToDeploy() bool {
	return s.ActiveSessionCount() == 0
}

func (s *SessionMonitor) findAgentDescendants() []ps.Process {
	botPID := s.pm.PID(s.botName)
	if botPID == 0 {
		return nil
	}

	procs, err := ps.Processes()
	if err != nil {
		s.log.Warn("process list query failed", "error", err)
		return nil
	}

	byParent := map[int][]ps.Process{}
	for _, p := range procs {
		byParent[p.PPid()] = append(byParent[p.PPid()], p)
	}

	var found []ps.Process
	queue := []int{botPID}
	seen := map[int]bool{}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if seen[pid] {
			continue
		}
		seen[pid] = true
		for _, child := range byParent[pid] {
			queue = append(queue, child.Pid())
			if s.agentNames[strings.ToLower(child.Executable())] {
				found = append(found, child)
			}
		}
	}

	if len(found) > 0 {
		pids := make([]int, len(found))
		for i, p := range found {
			pids[i] = p.Pid()
		}
		s.log.Debug("active agent sessions detected", "pids", pids)
	}
	return found
}
