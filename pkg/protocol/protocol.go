// Package protocol defines the wire-level vocabulary shared between the
// agent runner, the session executor, and the supervisor: event names,
// marker tokens emitted by the agent and parsed by the executor, and the
// supervisor's child-process exit code contract.
package protocol

import "strings"

// ProtocolVersion identifies the event/marker contract version exposed on
// the dashboard and in the CLI's `version` subcommand.
const ProtocolVersion = 1

// AgentEvent subtypes emitted by the agent runner's message-consuming loop.
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunRetrying  = "run.retrying"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
	AgentEventChunk        = "chunk"
	AgentEventCompact      = "compact"
)

// Dashboard broadcast event names (gorilla/websocket `/ws` stream).
const (
	EventProcess  = "process"
	EventDeploy   = "deploy"
	EventSession  = "session"
	EventTracker  = "tracker"
	EventShutdown = "shutdown"
)

// Marker tokens emitted by the agent in its final response text and parsed
// by the session executor. Never interpreted inside the agent runner (D
// must stay pure text-in/text-out; marker semantics belong to H).
const (
	MarkerUpdate  = "<!-- UPDATE -->"
	MarkerRestart = "<!-- RESTART -->"
	// MarkerListRunPrefix precedes a list name: "<!-- LIST_RUN: <name> -->"
	MarkerListRunPrefix = "<!-- LIST_RUN:"
	MarkerListRunSuffix = "-->"

	SummaryEnvelope = "SUMMARY:"
	DetailsEnvelope = "DETAILS:"

	ValidationResultPrefix = "VALIDATION_RESULT:"
	ValidationPass         = "PASS"
	ValidationFail         = "FAIL"
)

// ParseValidationResult reads a `VALIDATION_RESULT: PASS|FAIL` line, the
// second-pass verification marker used by the list runner and checked by
// the executor's marker parser. Shared so both callers agree on syntax.
func ParseValidationResult(output string) (pass bool, found bool) {
	idx := strings.Index(output, ValidationResultPrefix)
	if idx < 0 {
		return false, false
	}
	rest := strings.TrimSpace(output[idx+len(ValidationResultPrefix):])
	switch {
	case strings.HasPrefix(rest, ValidationPass):
		return true, true
	case strings.HasPrefix(rest, ValidationFail):
		return false, true
	default:
		return false, false
	}
}

// Supervisor child-process exit codes.
const (
	ExitShutdown = 0  // clean shutdown; do not restart
	ExitUpdate   = 42 // redeploy requested; watchdog should pull & relaunch
	ExitRestart  = 43 // restart without code update
)
