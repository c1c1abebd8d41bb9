package skirmishsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Skirmish HTTP API client.
type Client struct {
	BaseURL     string
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

// Event is one client event: a type tag plus its payload.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
	Version int    `json:"version,omitempty"`
}

// PersistedEvent is a stored event row.
type PersistedEvent struct {
	SessionID    string          `json:"session_id"`
	Version      int             `json:"version"`
	EventType    string          `json:"event_type"`
	EventPayload json.RawMessage `json:"event_payload"`
	CreatedAt    string          `json:"created_at"`
}

// Entity represents an entity of the state (partial).
type Entity struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	HP        int    `json:"hp"`
	FactionID string `json:"factionId,omitempty"`
}

// State represents the session snapshot (partial).
type State struct {
	Meta struct {
		SessionID string `json:"session_id"`
		Version   int    `json:"version"`
		Ruleset   string `json:"ruleset"`
	} `json:"meta"`
	Mode   string `json:"mode"`
	Combat struct {
		Active       bool     `json:"active"`
		Round        int      `json:"round"`
		Initiative   []string `json:"initiative"`
		Cursor       int      `json:"cursor"`
		ActiveEntity string   `json:"active_entity"`
		Phase        string   `json:"phase"`
		ActionUsed   bool     `json:"action_used"`
	} `json:"combat"`
	Entities map[string]Entity `json:"entities"`
	Rng      struct {
		Seed   int64 `json:"seed"`
		Cursor int   `json:"cursor"`
	} `json:"rng"`
}

type CreatedSession struct {
	SessionID string `json:"session_id"`
	Version   int    `json:"version"`
}

type EventsPage struct {
	SessionID string           `json:"session_id"`
	From      *int             `json:"from"`
	To        *int             `json:"to"`
	Count     int              `json:"count"`
	Events    []PersistedEvent `json:"events"`
}

type Replay struct {
	SessionID   string `json:"session_id"`
	From        *int   `json:"from"`
	To          *int   `json:"to"`
	Count       int    `json:"count"`
	BaseVersion int    `json:"base_version"`
	State       State  `json:"state"`
}

type DevSeedOptions struct {
	ActorID string `json:"actorId,omitempty"`
	EnemyID string `json:"enemyId,omitempty"`
	Seed    *int64 `json:"seed,omitempty"`
}

type DevSeedResult struct {
	SessionID    string `json:"session_id"`
	Version      int    `json:"version"`
	Mode         string `json:"mode"`
	Phase        string `json:"phase"`
	ActiveEntity string `json:"active_entity"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Reason returns the rule-denial reason of the error, if any.
func (e *APIError) Reason() string {
	r, _ := e.Details["reason"].(string)
	return r
}

// CreateSession starts a session. An empty ruleset selects the server default.
func (c *Client) CreateSession(ctx context.Context, ruleset string) (CreatedSession, error) {
	var body any
	if ruleset != "" {
		body = map[string]any{"ruleset": ruleset}
	}
	var resp CreatedSession
	err := c.do(ctx, http.MethodPost, "sessions", body, &resp)
	return resp, err
}

// State returns the current state of a session.
func (c *Client) State(ctx context.Context, sessionID string) (State, error) {
	var resp struct {
		State State `json:"state"`
	}
	err := c.do(ctx, http.MethodGet, c.sessionPath(sessionID, "state"), nil, &resp)
	return resp.State, err
}

// Append writes events at expectedVersion and returns the resulting state.
func (c *Client) Append(ctx context.Context, sessionID string, expectedVersion int, events ...Event) (State, error) {
	body := map[string]any{
		"expected_version": expectedVersion,
		"events":           events,
	}
	var resp struct {
		State State `json:"state"`
	}
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "events"), body, &resp)
	return resp.State, err
}

// Events lists persisted events. Zero bounds are omitted.
func (c *Client) Events(ctx context.Context, sessionID string, from, to int) (EventsPage, error) {
	var resp EventsPage
	err := c.do(ctx, http.MethodGet, c.sessionPath(sessionID, "events")+rangeQuery(from, to), nil, &resp)
	return resp, err
}

// Replay rebuilds state from the event log without snapshots.
func (c *Client) Replay(ctx context.Context, sessionID string, from, to int) (Replay, error) {
	var resp Replay
	err := c.do(ctx, http.MethodGet, c.sessionPath(sessionID, "replay")+rangeQuery(from, to), nil, &resp)
	return resp, err
}

// DevSeedCombat drives a session into a ready two-entity combat.
func (c *Client) DevSeedCombat(ctx context.Context, sessionID string, opts DevSeedOptions) (DevSeedResult, error) {
	var resp DevSeedResult
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "dev/seed-combat"), opts, &resp)
	return resp, err
}

// StreamURL returns the websocket URL that follows a session from version from.
func (c *Client) StreamURL(sessionID string, from int) string {
	u := c.base() + "/" + c.sessionPath(sessionID, "stream")
	u = strings.Replace(u, "http", "ws", 1)
	q := url.Values{}
	if from > 0 {
		q.Set("from", fmt.Sprint(from))
	}
	if c.BearerToken != "" {
		q.Set("access_token", c.BearerToken)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Message
			apiErr.Details = envelope.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sessionPath(sessionID, p string) string {
	return fmt.Sprintf("sessions/%s/%s", url.PathEscape(sessionID), strings.TrimLeft(p, "/"))
}

func rangeQuery(from, to int) string {
	q := url.Values{}
	if from > 0 {
		q.Set("from", fmt.Sprint(from))
	}
	if to > 0 {
		q.Set("to", fmt.Sprint(to))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
