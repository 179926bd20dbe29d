package tracker

import "fmt"

// DefaultPromptBuilder renders the four prompt shapes the watcher needs.
// Three are grounded on original_source's _build_to_go_prompt /
// build_reaction_execute / the list-run card prompt in
// _process_list_run_card_inner — card name and URL first, description body,
// then an explicit instruction for what kind of turn this is; the fourth,
// BuildValidation, is the list run's second-pass check.
type DefaultPromptBuilder struct{}

func NewDefaultPromptBuilder() *DefaultPromptBuilder {
	return &DefaultPromptBuilder{}
}

func (DefaultPromptBuilder) BuildToGo(card Card, hasExecute bool) string {
	header := fmt.Sprintf("Card: %s\n%s\n", card.Name, card.URL)
	body := card.Desc
	if body == "" {
		body = "(no description)"
	}
	if hasExecute {
		return header + "\n" + body + "\n\nThe execute label is set: implement this and open a PR, don't just plan it."
	}
	return header + "\n" + body + "\n\nPlan out how you'd approach this card. Don't make changes yet — a human will add the execute label once the plan looks right."
}

func (DefaultPromptBuilder) BuildListRun(card Card, sessionID string, index, total int) string {
	header := fmt.Sprintf("Card: %s\n%s\n", card.Name, card.URL)
	body := card.Desc
	if body == "" {
		body = "(no description)"
	}
	return fmt.Sprintf("%s\n%s\n\nCard %d of %d in this run (session %s). Implement it and open a PR, then stop — the next card in the list starts its own turn.",
		header, body, index, total, sessionID)
}

func (DefaultPromptBuilder) BuildReactionExecute(threadTS, cardID, cardName string) string {
	return fmt.Sprintf("The execute label was just added to %q. Go ahead and implement what was planned in this thread and open a PR.", cardName)
}

func (DefaultPromptBuilder) BuildValidation(card Card, sessionID string) string {
	return fmt.Sprintf("Double-check the work you just did on %q (session %s): re-read the diff or plan you produced and confirm it actually satisfies the card's description before this list run advances.\n\n"+
		"Reply with a line of the exact form `VALIDATION_RESULT: PASS` if it holds up, or `VALIDATION_RESULT: FAIL` followed by what's wrong if it doesn't.",
		card.Name, sessionID)
}

var _ PromptBuilder = DefaultPromptBuilder{}
