package chatutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSummaryDetails(t *testing.T) {
	text := "preamble\nSUMMARY: did the thing\nDETAILS: full log here"
	summary, details, remainder := ParseSummaryDetails(text)
	require.Equal(t, "did the thing", summary)
	require.Equal(t, "full log here", details)
	require.Equal(t, "preamble", remainder)
}

func TestParseSummaryDetailsSummaryOnly(t *testing.T) {
	summary, details, remainder := ParseSummaryDetails("SUMMARY: only a summary")
	require.Equal(t, "only a summary", summary)
	require.Empty(t, details)
	require.Empty(t, remainder)
}

func TestParseSummaryDetailsNoEnvelope(t *testing.T) {
	summary, details, remainder := ParseSummaryDetails("plain response, no markers")
	require.Empty(t, summary)
	require.Empty(t, details)
	require.Equal(t, "plain response, no markers", remainder)
}

func TestStripSummaryDetailsMarkers(t *testing.T) {
	text := "SUMMARY: short\nDETAILS: long"
	require.Equal(t, "short\n long", StripSummaryDetailsMarkers(text))
}

func TestBuildTrelloHeaderWithURL(t *testing.T) {
	h := BuildTrelloHeader("Fix login bug", "https://trello.example/c/1", "sess-1234567890")
	require.Contains(t, h, "Fix login bug")
	require.Contains(t, h, "https://trello.example/c/1")
	require.Contains(t, h, "sess-123")
}

func TestBuildTrelloHeaderNoSession(t *testing.T) {
	h := BuildTrelloHeader("Fix login bug", "", "")
	require.Equal(t, "🎫 *Fix login bug*", h)
}

func TestBuildContextUsageBar(t *testing.T) {
	bar := BuildContextUsageBar(50000, 100000)
	require.Contains(t, bar, "50%")
	require.Contains(t, bar, "50000/100000")
}

func TestBuildContextUsageBarNoWindow(t *testing.T) {
	require.Empty(t, BuildContextUsageBar(100, 0))
}
