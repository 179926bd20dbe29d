package tracker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildToGoWithExecuteLabelAsksForImplementation(t *testing.T) {
	p := NewDefaultPromptBuilder()
	card := Card{Name: "Fix the thing", URL: "https://trello.com/c/abc", Desc: "do the fix"}

	out := p.BuildToGo(card, true)
	require.Contains(t, out, "Fix the thing")
	require.Contains(t, out, "https://trello.com/c/abc")
	require.Contains(t, out, "do the fix")
	require.Contains(t, out, "open a PR")
}

func TestBuildToGoWithoutExecuteLabelAsksForPlan(t *testing.T) {
	p := NewDefaultPromptBuilder()
	card := Card{Name: "Investigate", URL: "https://trello.com/c/xyz"}

	out := p.BuildToGo(card, false)
	require.Contains(t, out, "Plan out")
	require.Contains(t, out, "(no description)")
	require.False(t, strings.Contains(out, "don't just plan it"))
}

func TestBuildListRunIncludesIndexAndSessionID(t *testing.T) {
	p := NewDefaultPromptBuilder()
	card := Card{Name: "Card A", URL: "https://trello.com/c/a"}

	out := p.BuildListRun(card, "sess-123", 2, 5)
	require.Contains(t, out, "2 of 5")
	require.Contains(t, out, "sess-123")
}

func TestBuildReactionExecuteNamesCard(t *testing.T) {
	p := NewDefaultPromptBuilder()
	out := p.BuildReactionExecute("thread-1", "card-1", "Fix the thing")
	require.Contains(t, out, "Fix the thing")
}

func TestBuildValidationAsksForPassFailMarker(t *testing.T) {
	p := NewDefaultPromptBuilder()
	card := Card{Name: "Card A"}

	out := p.BuildValidation(card, "sess-123")
	require.Contains(t, out, "Card A")
	require.Contains(t, out, "sess-123")
	require.Contains(t, out, "VALIDATION_RESULT: PASS")
	require.Contains(t, out, "VALIDATION_RESULT: FAIL")
}
