package mcpserver

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

// Config holds the configuration for connecting to a paygate instance.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	Wallet      string // Wallet the agent pays from
	AdminSecret string // Needed only for top_up when the gateway enforces one
}

// GatewayClient is a plain HTTP client for the paygate API.
type GatewayClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewGatewayClient creates a client for the gateway at cfg.APIURL.
func NewGatewayClient(cfg Config) *GatewayClient {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &GatewayClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// apiError is the error body shape used across the gateway.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e apiError) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

func (c *GatewayClient) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.Wallet != "" {
		req.Header.Set("X-Wallet-Address", c.cfg.Wallet)
	}
	return req, nil
}

// doJSON makes a request to a gateway endpoint and returns the body of a
// successful response.
func (c *GatewayClient) doJSON(ctx context.Context, method, path string, query url.Values, body any, admin bool) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, query, reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin && c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.text() != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.text())
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetBalance returns the balance document for wallet, or for the configured
// wallet when empty.
func (c *GatewayClient) GetBalance(ctx context.Context, wallet string) (json.RawMessage, error) {
	if wallet == "" {
		wallet = c.cfg.Wallet
	}
	return c.doJSON(ctx, http.MethodGet, "/gateway/balance/"+url.PathEscape(wallet), nil, nil, false)
}

// ListAPIs returns every registered API.
func (c *GatewayClient) ListAPIs(ctx context.Context) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodGet, "/gateway/apis", nil, nil, false)
}

// TopUp credits wallet with amount.
func (c *GatewayClient) TopUp(ctx context.Context, wallet, amount string) (json.RawMessage, error) {
	if wallet == "" {
		wallet = c.cfg.Wallet
	}
	body := map[string]string{"wallet": wallet, "amount": amount}
	return c.doJSON(ctx, http.MethodPost, "/gateway/topup", nil, body, true)
}

// UsageSummary returns the activity rollup, optionally for one owner.
func (c *GatewayClient) UsageSummary(ctx context.Context, owner, timeRange string) (json.RawMessage, error) {
	q := url.Values{}
	if owner != "" {
		q.Set("owner", owner)
	}
	if timeRange != "" {
		q.Set("timeRange", timeRange)
	}
	return c.doJSON(ctx, http.MethodGet, "/api/usage/stats/summary", q, nil, false)
}

// OwnerUsage lists recent usage events across an owner's listings.
func (c *GatewayClient) OwnerUsage(ctx context.Context, owner string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doJSON(ctx, http.MethodGet, "/api/usage/owner/"+url.PathEscape(owner), q, nil, false)
}

// CallResult is the outcome of a paid call through the gateway.
type CallResult struct {
	StatusCode int
	Cost       string
	Balance    string
	Body       []byte
}

// CallAPI sends a request to /{slug}{path} paying from the configured wallet.
// Non-2xx upstream statuses are returned in the result, not as errors.
func (c *GatewayClient) CallAPI(ctx context.Context, slug, method, path, body string) (*CallResult, error) {
	if method == "" {
		method = http.MethodGet
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}

	rawPath, rawQuery, _ := strings.Cut(path, "?")
	req, err := c.newRequest(ctx, strings.ToUpper(method), "/"+url.PathEscape(slug)+rawPath, nil, reqBody)
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = rawQuery
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &CallResult{
		StatusCode: resp.StatusCode,
		Cost:       resp.Header.Get("X-Gateway-Cost"),
		Balance:    resp.Header.Get("X-Gateway-Balance"),
		Body:       respBody,
	}, nil
}
