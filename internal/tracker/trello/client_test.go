package trello

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthedURLCarriesKeyAndToken(t *testing.T) {
	c := New("my-key", "my-token")
	u := c.authed("/cards/abc123", nil)

	require.True(t, strings.HasPrefix(u, baseURL+"/cards/abc123?"))

	parsed, err := url.Parse(u)
	require.NoError(t, err)
	require.Equal(t, "my-key", parsed.Query().Get("key"))
	require.Equal(t, "my-token", parsed.Query().Get("token"))
}

func TestAuthedURLPreservesExtraParams(t *testing.T) {
	c := New("k", "t")
	u := c.authed("/lists/l1/cards", url.Values{"labels": {"true"}})

	parsed, err := url.Parse(u)
	require.NoError(t, err)
	require.Equal(t, "true", parsed.Query().Get("labels"))
	require.Equal(t, "k", parsed.Query().Get("key"))
}

func TestTrelloCardToCardMapsLabels(t *testing.T) {
	tc := trelloCard{
		ID:     "c1",
		Name:   "Fix thing",
		Desc:   "details",
		URL:    "https://trello.com/c/c1",
		IDList: "list1",
		Labels: []trelloLabel{{ID: "l1", Name: "execute"}},
	}
	card := tc.toCard()
	require.Equal(t, "c1", card.ID)
	require.Equal(t, "list1", card.ListID)
	require.Len(t, card.Labels, 1)
	require.Equal(t, "execute", card.Labels[0].Name)
}
