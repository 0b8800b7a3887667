package portlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Portline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Port represents the API port model.
type Port struct {
	ID               string  `json:"id"`
	Owner            string  `json:"owner"`
	PortNumber       int     `json:"port_number"`
	Reward           float64 `json:"reward"`
	Status           string  `json:"status"`
	ResolveDelaySec  int     `json:"resolve_delay_sec"`
	CreatedAt        string  `json:"created_at"`
	DiscoveredAt     *string `json:"discovered_at,omitempty"`
	ResolvedAt       *string `json:"resolved_at,omitempty"`
	ResolveStartedAt *string `json:"resolve_started_at,omitempty"`
	Version          int     `json:"version"`
	IsLedger         bool    `json:"is_ledger,omitempty"`
}

// Result is the outcome of a port action.
type Result struct {
	OK               bool   `json:"ok"`
	State            string `json:"state,omitempty"`
	SecondsRemaining int    `json:"seconds_remaining,omitempty"`
	Idempotent       bool   `json:"idempotent,omitempty"`
	PortID           string `json:"port_id,omitempty"`
	Port             *Port  `json:"port,omitempty"`
}

type Wallet struct {
	AvailableBalance float64 `json:"available_balance"`
	TotalEarned      float64 `json:"total_earned"`
}

type Withdrawal struct {
	ID          int     `json:"id"`
	Username    string  `json:"username"`
	Amount      float64 `json:"amount"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	ProcessedAt *string `json:"processed_at,omitempty"`
}

// Dashboard represents the caller's ports and wallet (partial).
type Dashboard struct {
	Owner              string       `json:"owner"`
	Assigned           []Port       `json:"assigned"`
	Discovered         []Port       `json:"discovered"`
	Resolved           []Port       `json:"resolved"`
	Archived           []Port       `json:"archived"`
	Wallet             Wallet       `json:"wallet"`
	PendingWithdrawals float64      `json:"pending_withdrawals"`
	Withdrawals        []Withdrawal `json:"withdrawals"`
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

// SecondsRemaining returns the wait reported by a too_early error.
func (e *APIError) SecondsRemaining() int {
	if v, ok := e.Details["seconds_remaining"].(float64); ok {
		return int(v)
	}
	return 0
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// Scan discovers every assigned port of the caller.
func (c *Client) Scan(ctx context.Context) (int, error) {
	var resp struct {
		Discovered int `json:"discovered"`
	}
	err := c.do(ctx, http.MethodPost, "v0/ports/scan", nil, nil, &resp)
	return resp.Discovered, err
}

// Resolve resolves a port. A non-empty key makes retries safe.
func (c *Client) Resolve(ctx context.Context, portID, idempotencyKey string) (Result, error) {
	var headers http.Header
	if idempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": []string{idempotencyKey}}
	}
	var resp Result
	err := c.do(ctx, http.MethodPost, c.portPath(portID, "resolve"), nil, headers, &resp)
	return resp, err
}

// ResolveWhenReady retries Resolve until the port's delay has elapsed.
func (c *Client) ResolveWhenReady(ctx context.Context, portID, idempotencyKey string) (Result, error) {
	for {
		res, err := c.Resolve(ctx, portID, idempotencyKey)
		var ae *APIError
		if err == nil || !errors.As(err, &ae) {
			return res, err
		}
		wait := time.Second
		switch ae.Code {
		case "too_early":
			wait = time.Duration(max(ae.SecondsRemaining(), 1)) * time.Second
		case "busy":
		default:
			return res, err
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) Remaining(ctx context.Context, portID string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodGet, c.portPath(portID, "remaining"), nil, nil, &resp)
	return resp, err
}

func (c *Client) Archive(ctx context.Context, portID string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, c.portPath(portID, "archive"), nil, nil, &resp)
	return resp, err
}

func (c *Client) Unarchive(ctx context.Context, portID string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, c.portPath(portID, "unarchive"), nil, nil, &resp)
	return resp, err
}

// Dashboard returns the caller's ports grouped by state.
func (c *Client) Dashboard(ctx context.Context) (Dashboard, error) {
	var resp Dashboard
	err := c.do(ctx, http.MethodGet, "v0/dashboard", nil, nil, &resp)
	return resp, err
}

// RequestWithdrawal asks for a payout from the available balance.
func (c *Client) RequestWithdrawal(ctx context.Context, amount float64) (Withdrawal, error) {
	var resp Withdrawal
	err := c.do(ctx, http.MethodPost, "v0/withdrawals", map[string]any{"amount": amount}, nil, &resp)
	return resp, err
}

// CreatePort issues a port. Admin only.
func (c *Client) CreatePort(ctx context.Context, owner string, reward float64, delaySec int) (Port, error) {
	body := map[string]any{
		"owner":             owner,
		"reward":            reward,
		"resolve_delay_sec": delaySec,
	}
	var resp Port
	err := c.do(ctx, http.MethodPost, "v0/admin/ports", body, nil, &resp)
	return resp, err
}

// SetWithdrawalStatus approves or rejects a withdrawal. Admin only.
func (c *Client) SetWithdrawalStatus(ctx context.Context, id int, status string) (Withdrawal, error) {
	var resp Withdrawal
	endpoint := fmt.Sprintf("v0/admin/withdrawals/%d/status", id)
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"status": status}, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers http.Header, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		for _, vv := range v {
			req.Header.Add(k, vv)
		}
	}
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
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) portPath(id, action string) string {
	return fmt.Sprintf("v0/ports/%s/%s", url.PathEscape(id), action)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
