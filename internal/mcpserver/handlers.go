package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// maxCallBodyChars bounds how much of an upstream response is shown to the model.
const maxCallBodyChars = 8000

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *GatewayClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *GatewayClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckBalance returns a wallet's balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wallet := req.GetString("wallet", "")
	if wallet == "" && h.client.cfg.Wallet == "" {
		return mcp.NewToolResultError("wallet is required (no default wallet configured)"), nil
	}

	raw, err := h.client.GetBalance(ctx, wallet)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListAPIs lists registered APIs.
func (h *Handlers) HandleListAPIs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListAPIs(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list APIs: %v", err)), nil
	}

	text, err := formatAPIList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse APIs: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleTopUp credits a wallet.
func (h *Handlers) HandleTopUp(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := strings.TrimSpace(req.GetString("amount", ""))
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	wallet := req.GetString("wallet", "")
	if wallet == "" && h.client.cfg.Wallet == "" {
		return mcp.NewToolResultError("wallet is required (no default wallet configured)"), nil
	}

	raw, err := h.client.TopUp(ctx, wallet, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Top-up failed: %v", err)), nil
	}

	var resp struct {
		Wallet     string      `json:"wallet"`
		NewBalance json.Number `json:"newBalance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse top-up: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Credited %s to %s.\nNew balance: %s", amount, resp.Wallet, resp.NewBalance)), nil
}

// HandleGetUsageStats returns the usage summary.
func (h *Handlers) HandleGetUsageStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner := req.GetString("owner", "")
	timeRange := req.GetString("time_range", "")

	raw, err := h.client.UsageSummary(ctx, owner, timeRange)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get usage stats: %v", err)), nil
	}

	text, err := formatSummary(raw, owner, timeRange)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse usage stats: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListOwnerUsage lists recent calls to an owner's APIs.
func (h *Handlers) HandleListOwnerUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner := req.GetString("owner", "")
	if owner == "" {
		return mcp.NewToolResultError("owner is required"), nil
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.OwnerUsage(ctx, owner, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list usage: %v", err)), nil
	}

	text, err := formatUsageEvents(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse usage: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCallAPI makes a paid call through the gateway.
func (h *Handlers) HandleCallAPI(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slug := req.GetString("slug", "")
	if slug == "" {
		return mcp.NewToolResultError("slug is required"), nil
	}
	if h.client.cfg.Wallet == "" {
		return mcp.NewToolResultError("no wallet configured; set PAYGATE_WALLET"), nil
	}

	res, err := h.client.CallAPI(ctx, slug,
		req.GetString("method", http.MethodGet),
		req.GetString("path", ""),
		req.GetString("body", ""),
	)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Call failed: %v", err)), nil
	}

	switch res.StatusCode {
	case http.StatusPaymentRequired:
		return mcp.NewToolResultError(fmt.Sprintf(
			"Insufficient balance for %s. Use top_up to add credits.\n\n%s", slug, formatJSON(res.Body))), nil
	case http.StatusNotFound:
		if res.Cost == "" {
			return mcp.NewToolResultError(fmt.Sprintf("No API registered as %q. Use list_apis to see what is available.", slug)), nil
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Status: %d\n", res.StatusCode)
	if res.Cost != "" {
		fmt.Fprintf(&sb, "Cost: %s\n", res.Cost)
	}
	if res.Balance != "" {
		fmt.Fprintf(&sb, "Remaining balance: %s\n", res.Balance)
	}
	body := formatJSON(res.Body)
	if len(body) > maxCallBodyChars {
		body = body[:maxCallBodyChars] + "\n... (truncated)"
	}
	fmt.Fprintf(&sb, "\nResponse:\n%s", body)

	if res.StatusCode >= 500 {
		return mcp.NewToolResultError(sb.String()), nil
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- formatting ---

func formatBalance(raw json.RawMessage) (string, error) {
	var b struct {
		Wallet  string      `json:"wallet"`
		Balance json.Number `json:"balance"`
		Held    json.Number `json:"held"`
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Balance for %s:\n", b.Wallet)
	fmt.Fprintf(&sb, "  Available: %s\n", numberOrZero(b.Balance))
	if h := b.Held.String(); h != "" && h != "0" {
		fmt.Fprintf(&sb, "  Held:      %s\n", h)
	}
	return sb.String(), nil
}

func formatAPIList(raw json.RawMessage) (string, error) {
	var resp struct {
		APIs []struct {
			Slug  string      `json:"slug"`
			Name  string      `json:"name"`
			Price json.Number `json:"pricePerCall"`
			Owner string      `json:"owner"`
			APIID string      `json:"apiId"`
		} `json:"apis"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.APIs) == 0 {
		return "No APIs registered.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d API(s):\n\n", len(resp.APIs))
	for i, a := range resp.APIs {
		fmt.Fprintf(&sb, "%d. %s (slug: %s)\n", i+1, a.Name, a.Slug)
		fmt.Fprintf(&sb, "   Price per call: %s\n", numberOrZero(a.Price))
		fmt.Fprintf(&sb, "   Owner: %s\n", a.Owner)
	}
	return sb.String(), nil
}

func formatSummary(raw json.RawMessage, owner, timeRange string) (string, error) {
	var resp struct {
		Data struct {
			TotalRequests      int64       `json:"totalRequests"`
			SuccessfulRequests int64       `json:"successfulRequests"`
			FailedRequests     int64       `json:"failedRequests"`
			TotalRevenue       json.Number `json:"totalRevenue"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	scope := "all APIs"
	if owner != "" {
		scope = "APIs owned by " + owner
	}
	window := "all time"
	if timeRange != "" {
		window = "last " + timeRange
	}

	d := resp.Data
	var sb strings.Builder
	fmt.Fprintf(&sb, "Usage for %s (%s):\n", scope, window)
	fmt.Fprintf(&sb, "  Requests:   %d\n", d.TotalRequests)
	fmt.Fprintf(&sb, "  Successful: %d\n", d.SuccessfulRequests)
	fmt.Fprintf(&sb, "  Failed:     %d\n", d.FailedRequests)
	fmt.Fprintf(&sb, "  Revenue:    %s\n", numberOrZero(d.TotalRevenue))
	return sb.String(), nil
}

func formatUsageEvents(raw json.RawMessage) (string, error) {
	var resp struct {
		Data []struct {
			Slug       string      `json:"slug"`
			APIID      string      `json:"api_id"`
			Caller     string      `json:"user_address"`
			Success    bool        `json:"success"`
			Error      string      `json:"error"`
			Cost       json.Number `json:"cost"`
			StatusCode int         `json:"status_code"`
			Timestamp  string      `json:"timestamp"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "No usage recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d recent call(s):\n\n", len(resp.Data))
	for _, e := range resp.Data {
		name := e.Slug
		if name == "" {
			name = e.APIID
		}
		outcome := "ok"
		if !e.Success {
			outcome = "failed"
			if e.Error != "" {
				outcome += ": " + e.Error
			}
		}
		fmt.Fprintf(&sb, "- %s %s by %s, status %d, cost %s (%s)\n",
			e.Timestamp, name, e.Caller, e.StatusCode, numberOrZero(e.Cost), outcome)
	}
	return sb.String(), nil
}

func formatJSON(raw []byte) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

func numberOrZero(n json.Number) string {
	if n == "" {
		return "0"
	}
	return n.String()
}
