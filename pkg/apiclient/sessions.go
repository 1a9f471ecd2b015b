package apiclient

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Session is a run session as returned by the API.
type Session struct {
	RunID     string         `json:"runId"`
	Kind      string         `json:"kind"`
	Status    string         `json:"status"`
	CreatedAt int64          `json:"createdAt"`
	UpdatedAt int64          `json:"updatedAt"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Event is one entry of a session's event log.
type Event struct {
	RunID    string          `json:"runId"`
	Seq      int64           `json:"seq"`
	Channel  string          `json:"channel"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Encoding string          `json:"encoding,omitempty"`
	Ts       int64           `json:"ts"`
}

// CreateSessionRequest is the body for CreateSession.
type CreateSessionRequest struct {
	Kind string         `json:"kind"`
	Meta map[string]any `json:"meta,omitempty"`
}

// ListSessions returns sessions, optionally filtered by status and kind.
func (c *Client) ListSessions(status, kind string) ([]Session, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if kind != "" {
		q.Set("kind", kind)
	}
	path := "/api/v1/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var sessions []Session
	if err := c.get(path, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CreateSession starts a new run session of the given kind.
func (c *Client) CreateSession(kind string, meta map[string]any) (*Session, error) {
	var sess Session
	req := CreateSessionRequest{Kind: kind, Meta: meta}
	if err := c.post("/api/v1/sessions", req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession fetches one session by run ID.
func (c *Client) GetSession(runID string) (*Session, error) {
	var sess Session
	if err := c.get("/api/v1/sessions/"+url.PathEscape(runID), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// CloseSession requests graceful close of a session. Idempotent.
func (c *Client) CloseSession(runID string) error {
	return c.delete("/api/v1/sessions/"+url.PathEscape(runID), nil)
}

// GetEvents fetches a page of the session's event log after the given
// cursor. A limit of 0 uses the server default.
func (c *Client) GetEvents(runID string, afterSeq int64, limit int) ([]Event, error) {
	q := url.Values{}
	if afterSeq > 0 {
		q.Set("after_seq", fmt.Sprintf("%d", afterSeq))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	path := "/api/v1/sessions/" + url.PathEscape(runID) + "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var events []Event
	if err := c.get(path, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// SendText sends UTF-8 input text to a session.
func (c *Client) SendText(runID, text string) error {
	body := map[string]string{"text": text}
	return c.post("/api/v1/sessions/"+url.PathEscape(runID)+"/input", body, nil)
}

// ApplyCapability invokes an optional adapter capability.
func (c *Client) ApplyCapability(runID, name string, args map[string]any) (map[string]any, error) {
	body := map[string]any{"name": name, "args": args}
	var result map[string]any
	if err := c.post("/api/v1/sessions/"+url.PathEscape(runID)+"/capability", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Kinds returns the adapter kinds registered on the server.
func (c *Client) Kinds() ([]string, error) {
	var resp struct {
		Kinds []string `json:"kinds"`
	}
	if err := c.get("/api/v1/kinds", &resp); err != nil {
		return nil, err
	}
	return resp.Kinds, nil
}

// Health reports whether the server answers its liveness probe.
func (c *Client) Health() error {
	return c.get("/health", nil)
}
