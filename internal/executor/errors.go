package executor

import "strings"

// classifyRunnerError maps an agentrunner.Result.Error string to one of the
// user-facing error classes from spec.md §7. D only ever hands back a plain
// string (it has no structured error taxonomy of its own — that classifier
// lives with llmclient's sentinel errors instead, for the LLM-adapter
// call sites in internal/observation and internal/channelobserver), so this
// is a best-effort substring match over the phrases D's message-consuming
// loop and subprocess teardown path are known to produce.
func classifyRunnerError(errText string) string {
	lower := strings.ToLower(errText)
	switch {
	case errText == "":
		return "generic"
	case strings.Contains(lower, "usage limit"):
		return "usage_limit"
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "forbidden"), strings.Contains(lower, "401"), strings.Contains(lower, "403"):
		return "auth"
	case strings.Contains(lower, "connection reset"), strings.Contains(lower, "connection refused"), strings.Contains(lower, "network"):
		return "network"
	default:
		return "generic"
	}
}

func userFacingError(errText string) string {
	switch classifyRunnerError(errText) {
	case "usage_limit":
		return "⏳ usage limit reached; try again shortly."
	case "auth":
		return "🔒 authentication error."
	case "network":
		return "📡 network error; retrying."
	default:
		if errText == "" {
			return "⚠️ something went wrong."
		}
		return "⚠️ " + errText
	}
}
