// Package cli provides a client for the git-sentry API.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Client communicates with the git-sentry API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(serverAddr, token string) *Client {
	return &Client{
		baseURL: "http://" + serverAddr,
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// The types below mirror the API's JSON. The cli package does not import
// internal/api so that it only depends on the wire format.

// ProcessInfo is one process in the requester's ancestry.
type ProcessInfo struct {
	Name string `json:"name"`
	PID  uint32 `json:"pid"`
}

// SenderInfo describes the process that asked the agent.
type SenderInfo struct {
	PID          uint32        `json:"pid"`
	UID          uint32        `json:"uid"`
	UserName     string        `json:"user_name"`
	ProcessChain []ProcessInfo `json:"process_chain,omitempty"`
	Invoker      string        `json:"invoker,omitempty"`
}

// SignInfo carries what is known about a sign request.
type SignInfo struct {
	KeyType     string `json:"key_type"`
	Fingerprint string `json:"fingerprint"`
	Flags       uint32 `json:"flags"`
	DataPreview string `json:"data_preview"`
	Kind        string `json:"kind"`
	User        string `json:"user,omitempty"`
	Service     string `json:"service,omitempty"`
	Namespace   string `json:"namespace,omitempty"`
}

// PendingRequest represents a pending approval request.
type PendingRequest struct {
	ID         string     `json:"id"`
	Client     string     `json:"client"`
	Type       string     `json:"type"`
	Summary    string     `json:"summary"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Sign       *SignInfo  `json:"sign,omitempty"`
	SenderInfo SenderInfo `json:"sender_info"`
}

// HistoryEntry represents a resolved approval request.
type HistoryEntry struct {
	Request    PendingRequest `json:"request"`
	Resolution string         `json:"resolution"`
	ResolvedAt time.Time      `json:"resolved_at"`
	Error      string         `json:"error,omitempty"`
}

// ClientInfo is a connected agent client.
type ClientInfo struct {
	Name        string    `json:"name"`
	PID         uint32    `json:"pid,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Status is the daemon status.
type Status struct {
	Running bool `json:"running"`
	Listen  struct {
		Network string `json:"network"`
		Address string `json:"address"`
	} `json:"listen"`
	Upstream struct {
		Path      string `json:"path"`
		Available bool   `json:"available"`
	} `json:"upstream"`
	Policy       []string     `json:"policy"`
	Timeout      string       `json:"timeout"`
	Clients      []ClientInfo `json:"clients"`
	PendingCount int          `json:"pending_count"`
}

// Event is one message from the live event stream.
type Event struct {
	Type              string           `json:"type"`
	Requests          []PendingRequest `json:"requests"`
	Clients           []ClientInfo     `json:"clients"`
	Request           *PendingRequest  `json:"request,omitempty"`
	ID                string           `json:"id,omitempty"`
	Result            string           `json:"result,omitempty"`
	Client            *ClientInfo      `json:"client,omitempty"`
	UpstreamAvailable *bool            `json:"upstream_available,omitempty"`
}

// PendingResponse is the response from the pending endpoint.
type PendingResponse struct {
	Requests []PendingRequest `json:"requests"`
}

// HistoryResponse is the response from the history endpoint.
type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

// ErrorResponse is an error response from the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Status returns the daemon status.
func (c *Client) Status() (*Status, error) {
	var st Status
	if err := c.getJSON("/api/v1/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// List returns all pending requests.
func (c *Client) List() ([]PendingRequest, error) {
	var result PendingResponse
	if err := c.getJSON("/api/v1/pending", &result); err != nil {
		return nil, err
	}
	return result.Requests, nil
}

// History returns resolved requests.
func (c *Client) History() ([]HistoryEntry, error) {
	var result HistoryResponse
	if err := c.getJSON("/api/v1/log", &result); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

// Show returns a single request by ID (supports partial ID).
func (c *Client) Show(id string) (*PendingRequest, error) {
	fullID, err := c.resolveID(id)
	if err != nil {
		return nil, err
	}

	var req PendingRequest
	if err := c.getJSON("/api/v1/pending/"+url.PathEscape(fullID), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Approve approves a request by ID (supports partial ID) and returns the
// full ID.
func (c *Client) Approve(id string) (string, error) {
	return c.decide(id, "approve")
}

// Deny denies a request by ID (supports partial ID) and returns the full ID.
func (c *Client) Deny(id string) (string, error) {
	return c.decide(id, "deny")
}

func (c *Client) decide(id, action string) (string, error) {
	fullID, err := c.resolveID(id)
	if err != nil {
		return "", err
	}

	resp, err := c.do(http.MethodPost, "/api/v1/pending/"+url.PathEscape(fullID)+"/"+action)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.parseError(resp)
	}
	return fullID, nil
}

// Watch streams events to fn until ctx is cancelled or the daemon closes
// the connection. The first event is always a snapshot.
func (c *Client) Watch(ctx context.Context, fn func(Event)) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.token}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return errors.New("unauthorized: is the cookie file current?")
		}
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		fn(ev)
	}
}

func (c *Client) resolveID(partial string) (string, error) {
	requests, err := c.List()
	if err != nil {
		return "", err
	}

	var matches []string
	for _, req := range requests {
		if req.ID == partial {
			return partial, nil // exact match
		}
		if strings.HasPrefix(req.ID, partial) {
			matches = append(matches, req.ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no request found matching: %s", partial)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous ID %q matches %d requests", partial, len(matches))
	}
}

func (c *Client) getJSON(path string, out any) error {
	resp, err := c.do(http.MethodGet, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(method, path string) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.httpClient.Do(req)
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var errResp ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return errors.New(errResp.Error)
	}
	return fmt.Errorf("request failed: %s", resp.Status)
}
