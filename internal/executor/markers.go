package executor

import (
	"strings"

	"github.com/loopwire/conductor/pkg/protocol"
)

// parsedOutput is the agent's final output text, decomposed per spec's
// marker conventions.
type parsedOutput struct {
	Update      bool
	Restart     bool
	ListRunName string // empty if no LIST_RUN marker
	Summary     string
	Details     string
}

func parseOutput(output string) parsedOutput {
	var p parsedOutput
	cleaned := output

	if strings.Contains(cleaned, protocol.MarkerUpdate) {
		p.Update = true
		cleaned = strings.ReplaceAll(cleaned, protocol.MarkerUpdate, "")
	}
	if strings.Contains(cleaned, protocol.MarkerRestart) {
		p.Restart = true
		cleaned = strings.ReplaceAll(cleaned, protocol.MarkerRestart, "")
	}
	if idx := strings.Index(cleaned, protocol.MarkerListRunPrefix); idx >= 0 {
		rest := cleaned[idx+len(protocol.MarkerListRunPrefix):]
		if end := strings.Index(rest, protocol.MarkerListRunSuffix); end >= 0 {
			p.ListRunName = strings.TrimSpace(rest[:end])
			cleaned = cleaned[:idx] + rest[end+len(protocol.MarkerListRunSuffix):]
		}
	}

	p.Summary, p.Details = splitSummaryDetails(strings.TrimSpace(cleaned))
	return p
}

// splitSummaryDetails honors the SUMMARY:/DETAILS: envelope convention when
// present; otherwise it previews the first three lines as the summary and
// treats the rest as details.
func splitSummaryDetails(text string) (summary, details string) {
	sIdx := strings.Index(text, protocol.SummaryEnvelope)
	dIdx := strings.Index(text, protocol.DetailsEnvelope)

	if sIdx >= 0 || dIdx >= 0 {
		if sIdx >= 0 && dIdx > sIdx {
			summary = strings.TrimSpace(text[sIdx+len(protocol.SummaryEnvelope) : dIdx])
			details = strings.TrimSpace(text[dIdx+len(protocol.DetailsEnvelope):])
			return summary, details
		}
		if sIdx >= 0 {
			summary = strings.TrimSpace(text[sIdx+len(protocol.SummaryEnvelope):])
			return summary, ""
		}
		details = strings.TrimSpace(text[dIdx+len(protocol.DetailsEnvelope):])
		return "", details
	}

	lines := strings.Split(text, "\n")
	if len(lines) <= 3 {
		return text, ""
	}
	return strings.Join(lines[:3], "\n"), strings.Join(lines[3:], "\n")
}
