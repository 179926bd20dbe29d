package tracker

import (
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// cronSeparator introduces an optional cron expression on a run-list
// label, e.g. "🏃 Run List @ 0 9 * * 1-5" restricts that list's
// auto-triggering to weekday mornings. Absent a cron suffix, the label
// triggers on the very next poll, same as base spec.md §4.I.1 behavior.
const cronSeparator = "@"

// parseCronSuffix splits a label name into its base name and an optional
// trailing cron expression.
func parseCronSuffix(labelName string) (base string, cronExpr string, hasCron bool) {
	idx := strings.Index(labelName, cronSeparator)
	if idx < 0 {
		return labelName, "", false
	}
	base = strings.TrimSpace(labelName[:idx])
	cronExpr = strings.TrimSpace(labelName[idx+len(cronSeparator):])
	if cronExpr == "" || !gronx.IsValid(cronExpr) {
		return labelName, "", false
	}
	return base, cronExpr, true
}

// labelMatchesSchedule reports whether a run-list label with the
// configured base name is present on card, and if it carries a cron
// expression, whether that cron is due at now. hasCron mirrors
// hasLabel's "found" semantics for the cron-free path.
func labelMatchesSchedule(card Card, baseLabelName string, now time.Time) (found bool, labelName string) {
	for _, l := range card.Labels {
		base, cronExpr, hasCron := parseCronSuffix(l.Name)
		if base != baseLabelName {
			continue
		}
		if !hasCron {
			return true, l.Name
		}
		due, err := gronx.New().IsDue(cronExpr, now)
		if err != nil || !due {
			continue
		}
		return true, l.Name
	}
	return false, ""
}
