// Package trello is a minimal REST client for the Trello board API,
// implementing tracker.Adapter. No Trello SDK appears anywhere in the
// example corpus, so this follows internal/llmclient.HTTPClient's own
// precedent: a thin net/http client is the right amount of code for a
// plain REST API with no ecosystem client worth adopting.
package trello

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/loopwire/conductor/internal/tracker"
)

const baseURL = "https://api.trello.com/1"

// Client talks to one Trello board via key+token query auth.
type Client struct {
	key, token string
	http       *http.Client
}

func New(key, token string) *Client {
	return &Client{key: key, token: token, http: &http.Client{Timeout: 20 * time.Second}}
}

func (c *Client) authed(path string, extra url.Values) string {
	v := extra
	if v == nil {
		v = url.Values{}
	}
	v.Set("key", c.key)
	v.Set("token", c.token)
	return baseURL + path + "?" + v.Encode()
}

func (c *Client) get(ctx context.Context, path string, extra url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authed(path, extra), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("trello: get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("trello: get %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) mutate(ctx context.Context, method, path string, extra url.Values) error {
	req, err := http.NewRequestWithContext(ctx, method, c.authed(path, extra), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("trello: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("trello: %s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}

type trelloLabel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type trelloCard struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Desc        string        `json:"desc"`
	URL         string        `json:"shortUrl"`
	IDList      string        `json:"idList"`
	Labels      []trelloLabel `json:"labels"`
	DueComplete bool          `json:"dueComplete"`
}

func (c trelloCard) toCard() tracker.Card {
	labels := make([]tracker.Label, len(c.Labels))
	for i, l := range c.Labels {
		labels[i] = tracker.Label{ID: l.ID, Name: l.Name}
	}
	return tracker.Card{
		ID:          c.ID,
		Name:        c.Name,
		Desc:        c.Desc,
		URL:         c.URL,
		ListID:      c.IDList,
		Labels:      labels,
		DueComplete: c.DueComplete,
	}
}

type trelloList struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (c *Client) GetLists(ctx context.Context, boardID string) ([]tracker.ListInfo, error) {
	var lists []trelloList
	if err := c.get(ctx, "/boards/"+boardID+"/lists", nil, &lists); err != nil {
		return nil, err
	}
	out := make([]tracker.ListInfo, len(lists))
	for i, l := range lists {
		out[i] = tracker.ListInfo{ID: l.ID, Name: l.Name}
	}
	return out, nil
}

func (c *Client) GetCardsInList(ctx context.Context, listID string) ([]tracker.Card, error) {
	var cards []trelloCard
	v := url.Values{"fields": {"name,desc,shortUrl,idList,dueComplete"}, "labels": {"true"}}
	if err := c.get(ctx, "/lists/"+listID+"/cards", v, &cards); err != nil {
		return nil, err
	}
	out := make([]tracker.Card, len(cards))
	for i, card := range cards {
		out[i] = card.toCard()
	}
	return out, nil
}

func (c *Client) GetCard(ctx context.Context, cardID string) (tracker.Card, error) {
	var card trelloCard
	v := url.Values{"fields": {"name,desc,shortUrl,idList,dueComplete"}, "labels": {"true"}}
	if err := c.get(ctx, "/cards/"+cardID, v, &card); err != nil {
		return tracker.Card{}, err
	}
	return card.toCard(), nil
}

func (c *Client) MoveCard(ctx context.Context, cardID, listID string) error {
	return c.mutate(ctx, http.MethodPut, "/cards/"+cardID, url.Values{"idList": {listID}})
}

func (c *Client) UpdateCardName(ctx context.Context, cardID, name string) error {
	return c.mutate(ctx, http.MethodPut, "/cards/"+cardID, url.Values{"name": {name}})
}

func (c *Client) RemoveLabelFromCard(ctx context.Context, cardID, labelID string) error {
	return c.mutate(ctx, http.MethodDelete, "/cards/"+cardID+"/idLabels/"+labelID, nil)
}

// boardAdapter binds Client to a single board, since tracker.Adapter's
// GetLists takes no boardID parameter.
type boardAdapter struct {
	*Client
	boardID string
}

// NewBoardAdapter returns a tracker.Adapter bound to one Trello board.
func NewBoardAdapter(key, token, boardID string) tracker.Adapter {
	return &boardAdapter{Client: New(key, token), boardID: boardID}
}

func (b *boardAdapter) GetLists(ctx context.Context) ([]tracker.ListInfo, error) {
	return b.Client.GetLists(ctx, b.boardID)
}

var _ tracker.Adapter = (*boardAdapter)(nil)
