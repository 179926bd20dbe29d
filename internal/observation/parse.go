package observation

import (
	"strconv"
	"strings"

	"github.com/loopwire/conductor/internal/memstore"
)

// The LLM adapter is a plain synchronous text-completion function
// (spec.md §6); this system asks it for a simple line-oriented structured
// format rather than requiring JSON mode, since the concrete LLM endpoint is
// out of scope and not every provider supports structured output.

const observerSystemPrompt = `You observe one conversation turn and extract durable facts worth remembering about the user or the task. Reply with one item per line in the form:
OBSERVATION|priority|content
or
CANDIDATE|priority|content
priority is one of HIGH, MEDIUM, LOW. Omit anything not worth remembering.`

const reflectorSystemPrompt = `Compress the following observations to the target size while preserving their priority order. Reply with one item per line in the form: priority|content`

const promoterSystemPrompt = `Given these observation candidates, decide which deserve promotion to permanent cross-session memory. Reply with one line per promoted item: priority|content`

const compactorSystemPrompt = `Shrink the following persistent memory items toward the target token budget, keeping the highest-priority facts. Reply with one line per item: priority|content`

type observerItem struct {
	Priority memstore.Priority
	Content  string
}

func parseObserverOutput(completion string) (observations []observerItem, candidates []observerItem) {
	for _, line := range strings.Split(completion, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		item := observerItem{Priority: parsePriority(parts[1]), Content: strings.TrimSpace(parts[2])}
		switch strings.ToUpper(strings.TrimSpace(parts[0])) {
		case "OBSERVATION":
			observations = append(observations, item)
		case "CANDIDATE":
			candidates = append(candidates, item)
		}
	}
	return observations, candidates
}

func buildReflectorPrompt(observations []memstore.Observation, target int) string {
	var b strings.Builder
	b.WriteString("target tokens: " + strconv.Itoa(target) + "\n")
	for _, o := range observations {
		b.WriteString(string(o.Priority) + "|" + o.Content + "\n")
	}
	return b.String()
}

func parseReflectorOutput(completion string) []memstore.Observation {
	var out []memstore.Observation
	for _, line := range strings.Split(completion, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, memstore.Observation{
			Priority: parsePriority(parts[0]),
			Content:  strings.TrimSpace(parts[1]),
			Source:   memstore.SourceObserver,
		})
	}
	return out
}

func buildPromoterPrompt(candidates []memstore.Candidate) string {
	var b strings.Builder
	for _, c := range candidates {
		b.WriteString(string(c.Priority) + "|" + c.Content + "\n")
	}
	return b.String()
}

func parsePromoterOutput(completion string, allCandidates []memstore.Candidate) (promoted, rejected []memstore.Candidate) {
	promotedContent := make(map[string]bool)
	for _, line := range strings.Split(completion, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 2)
		if len(parts) != 2 {
			continue
		}
		promotedContent[strings.TrimSpace(parts[1])] = true
	}
	for _, c := range allCandidates {
		if promotedContent[c.Content] {
			promoted = append(promoted, c)
		} else {
			rejected = append(rejected, c)
		}
	}
	return promoted, rejected
}

func buildCompactorPrompt(content []memstore.PersistentContentItem, target int) string {
	var b strings.Builder
	b.WriteString("target tokens: " + strconv.Itoa(target) + "\n")
	for _, c := range content {
		b.WriteString(string(c.Priority) + "|" + c.Content + "\n")
	}
	return b.String()
}

func parseCompactorOutput(completion string) []memstore.PersistentContentItem {
	var out []memstore.PersistentContentItem
	for _, line := range strings.Split(completion, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, memstore.PersistentContentItem{
			Priority: parsePriority(parts[0]),
			Content:  strings.TrimSpace(parts[1]),
		})
	}
	return out
}

func parsePriority(s string) memstore.Priority {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HIGH", "🔴":
		return memstore.PriorityHigh
	case "MEDIUM", "🟡":
		return memstore.PriorityMedium
	default:
		return memstore.PriorityLow
	}
}
