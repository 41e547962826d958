package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// APIError represents a non-2xx response from the Control Server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// ErrLeaseInvalid is returned when the server responds 409: the lease is no
// longer current and the operation must not be retried.
var ErrLeaseInvalid = errors.New("lease is no longer valid")

// Client is a small HTTP client for the Control Server used by the agent.
type Client struct {
	httpClient *http.Client
	baseURL    string
	agentID    string
}

// NewClient constructs a Client from the agent Config.
func NewClient(cfg *Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 35 * time.Second},
		baseURL:    cfg.ServerURL,
		agentID:    cfg.AgentID,
	}
}

// doRequest performs an HTTP request, marshaling reqBody (if not nil) and
// unmarshaling the response into respBody (if not nil). A 409 response maps
// to ErrLeaseInvalid; any other non-2xx maps to *APIError.
func (c *Client) doRequest(ctx context.Context, method, p string, reqBody, respBody any) error {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	base.Path = path.Join(base.Path, p)

	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, base.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode == http.StatusConflict {
		return ErrLeaseInvalid
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBytes, &apiErr)
		msg := apiErr.Error
		if msg == "" {
			msg = string(respBytes)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if respBody != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, respBody); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

// ClaimedCommand is the body returned by a successful claim.
type ClaimedCommand struct {
	CommandID      string          `json:"commandId"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	LeaseID        string          `json:"leaseId"`
	LeaseExpiresAt int64           `json:"leaseExpiresAt"`
	StartedAt      int64           `json:"startedAt"`
	ScheduledEndAt *int64          `json:"scheduledEndAt,omitempty"`
}

// Claim requests a command lease. A nil, nil return means no work is
// currently available (204).
func (c *Client) Claim(ctx context.Context, maxLeaseMs int64) (*ClaimedCommand, error) {
	req := struct {
		AgentID    string `json:"agentId"`
		MaxLeaseMs int64  `json:"maxLeaseMs"`
	}{AgentID: c.agentID, MaxLeaseMs: maxLeaseMs}

	var resp ClaimedCommand
	err := c.doRequestClaim(ctx, req, &resp)
	if err != nil {
		if errors.Is(err, errNoContent) {
			return nil, nil
		}
		return nil, err
	}
	return &resp, nil
}

// errNoContent signals a 204 response distinct from a decodable body.
var errNoContent = errors.New("no content")

func (c *Client) doRequestClaim(ctx context.Context, reqBody any, respBody *ClaimedCommand) error {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	base.Path = path.Join(base.Path, "/commands/claim")

	b, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String(), bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return errNoContent
	}

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBytes)}
	}

	return json.Unmarshal(respBytes, respBody)
}

// Heartbeat extends a held lease. Returns ErrLeaseInvalid on 409.
func (c *Client) Heartbeat(ctx context.Context, commandID, leaseID string, extendMs int64) error {
	req := struct {
		AgentID  string `json:"agentId"`
		LeaseID  string `json:"leaseId"`
		ExtendMs int64  `json:"extendMs"`
	}{AgentID: c.agentID, LeaseID: leaseID, ExtendMs: extendMs}

	return c.doRequest(ctx, http.MethodPost, "/commands/"+commandID+"/heartbeat", req, nil)
}

// Complete reports a successful result. Returns ErrLeaseInvalid on 409.
func (c *Client) Complete(ctx context.Context, commandID, leaseID string, result json.RawMessage) error {
	req := struct {
		AgentID string          `json:"agentId"`
		LeaseID string          `json:"leaseId"`
		Result  json.RawMessage `json:"result"`
	}{AgentID: c.agentID, LeaseID: leaseID, Result: result}

	return c.doRequest(ctx, http.MethodPost, "/commands/"+commandID+"/complete", req, nil)
}

// Fail reports an execution failure. Returns ErrLeaseInvalid on 409.
func (c *Client) Fail(ctx context.Context, commandID, leaseID, errMsg string, result json.RawMessage) error {
	req := struct {
		AgentID string          `json:"agentId"`
		LeaseID string          `json:"leaseId"`
		Error   string          `json:"error"`
		Result  json.RawMessage `json:"result,omitempty"`
	}{AgentID: c.agentID, LeaseID: leaseID, Error: errMsg, Result: result}

	return c.doRequest(ctx, http.MethodPost, "/commands/"+commandID+"/fail", req, nil)
}

// CommandState is the body returned by GET /commands/{id}.
type CommandState struct {
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	AgentID string          `json:"agentId,omitempty"`
}

// Get fetches the current state of a command.
func (c *Client) Get(ctx context.Context, commandID string) (*CommandState, error) {
	var resp CommandState
	if err := c.doRequest(ctx, http.MethodGet, "/commands/"+commandID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
