package wolfpacksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Wolfpack HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// SessionOptions overrides the server's base setup. Zero values keep the base.
type SessionOptions struct {
	Players        []string `json:"players,omitempty"`
	Werewolves     *int     `json:"werewolves,omitempty"`
	Seer           *bool    `json:"seer,omitempty"`
	Doctor         *bool    `json:"doctor,omitempty"`
	SpeechesPerDay *int     `json:"speeches_per_day,omitempty"`
	MaxDays        *int     `json:"max_days,omitempty"`
	Seed           uint64   `json:"seed,omitempty"`
}

// Session represents a stored game run.
type Session struct {
	ID           string        `json:"id"`
	Status       string        `json:"status"`
	Winner       string        `json:"winner,omitempty"`
	Days         int           `json:"days"`
	Players      int           `json:"players"`
	CapReached   bool          `json:"cap_reached"`
	Fallbacks    int           `json:"fallbacks"`
	Seed         uint64        `json:"seed"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    string        `json:"created_at"`
	FinishedAt   *string       `json:"finished_at,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
}

// Running reports whether the session has not ended yet.
func (s Session) Running() bool { return s.Status == "running" }

// Participant is a final roster entry, filled in once a session ends.
type Participant struct {
	Name  string `json:"name"`
	Role  string `json:"role"`
	Alive bool   `json:"alive"`
}

// Event represents a narration entry.
type Event struct {
	ID          int64          `json:"id"`
	SessionID   string         `json:"session_id"`
	TS          string         `json:"ts"`
	Day         int            `json:"day"`
	Phase       string         `json:"phase"`
	Type        string         `json:"type"`
	Visibility  string         `json:"visibility"`
	Participant string         `json:"participant,omitempty"`
	Message     string         `json:"message"`
	Payload     map[string]any `json:"payload"`
}

// EventQuery narrows an event listing. IncludePrivate needs moderator access.
type EventQuery struct {
	Type           string
	Participant    string
	IncludePrivate bool
	Limit          int
	Cursor         string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateSession starts a session in the background and returns it as running.
func (c *Client) CreateSession(ctx context.Context, opts SessionOptions) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions", opts, &resp)
	return resp, err
}

// Sessions lists sessions, newest first, optionally by status.
func (c *Client) Sessions(ctx context.Context, status string, limit int) ([]Session, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Session `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/sessions", q), nil, &resp)
	return resp.Items, err
}

// Session fetches a session with its final roster.
func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.sessionPath(id, ""), nil, &resp)
	return resp, err
}

// CancelSession stops a running session.
func (c *Client) CancelSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "cancel"), nil, &resp)
	return resp, err
}

// EventsPage returns events newest first, one page at a time.
func (c *Client) EventsPage(ctx context.Context, sessionID string, query EventQuery) (PaginatedEvents, error) {
	q := query.values()
	if query.Cursor != "" {
		q.Set("cursor", query.Cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(c.sessionPath(sessionID, "events"), q), nil, &resp)
	return resp, err
}

// EventsAfter returns events with IDs greater than after, oldest first.
func (c *Client) EventsAfter(ctx context.Context, sessionID string, after int64, query EventQuery) ([]Event, error) {
	q := query.values()
	q.Set("order", "asc")
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(c.sessionPath(sessionID, "events"), q), nil, &resp)
	return resp.Items, err
}

// Follow streams events to fn in order, polling every interval, until the
// session ends and every event has been delivered or ctx is done.
func (c *Client) Follow(ctx context.Context, sessionID string, interval time.Duration, query EventQuery, fn func(Event)) error {
	if interval <= 0 {
		interval = time.Second
	}
	var after int64
	for {
		// Read the status first so no event written before the session ended is missed.
		sess, err := c.Session(ctx, sessionID)
		if err != nil {
			return err
		}
		for {
			items, err := c.EventsAfter(ctx, sessionID, after, query)
			if err != nil {
				return err
			}
			for _, evt := range items {
				fn(evt)
				after = evt.ID
			}
			if query.Limit <= 0 || len(items) < query.Limit {
				break
			}
		}
		if !sess.Running() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (q EventQuery) values() url.Values {
	v := url.Values{}
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	if q.Participant != "" {
		v.Set("participant", q.Participant)
	}
	if q.IncludePrivate {
		v.Set("include_private", "true")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sessionPath(id, p string) string {
	endpoint := "v0/sessions/" + url.PathEscape(id)
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
