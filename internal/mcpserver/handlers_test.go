package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewGatewayClient(Config{
		APIURL:      ts.URL + "/",
		Wallet:      "agent-1",
		AdminSecret: "s3cret",
	})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_SendsWalletHeader(t *testing.T) {
	var gotWallet, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotWallet = r.Header.Get("X-Wallet-Address")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewGatewayClient(Config{APIURL: ts.URL, Wallet: "agent-1"})
	_, err := client.GetBalance(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", gotWallet)
	assert.Equal(t, "/gateway/balance/agent-1", gotPath)
}

func TestClient_HTTPError_WithMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":   "unauthorized",
			"message": "Invalid admin secret",
		})
	}))
	defer ts.Close()

	client := NewGatewayClient(Config{APIURL: ts.URL, Wallet: "w"})
	_, err := client.TopUp(context.Background(), "", "5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "Invalid admin secret")
}

func TestClient_HTTPError_ErrorOnly(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "API not found"})
	}))
	defer ts.Close()

	client := NewGatewayClient(Config{APIURL: ts.URL})
	_, err := client.ListAPIs(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API not found")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("bad gateway"))
	}))
	defer ts.Close()

	client := NewGatewayClient(Config{APIURL: ts.URL})
	_, err := client.ListAPIs(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "bad gateway")
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := NewGatewayClient(Config{APIURL: "http://127.0.0.1:1", Wallet: "w"})
	_, err := client.GetBalance(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_TopUpSendsAdminSecret(t *testing.T) {
	var gotSecret string
	var body map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Admin-Secret")
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer ts.Close()

	client := NewGatewayClient(Config{APIURL: ts.URL, Wallet: "agent-1", AdminSecret: "s3cret"})
	_, err := client.TopUp(context.Background(), "", "2.5")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", gotSecret)
	assert.Equal(t, map[string]string{"wallet": "agent-1", "amount": "2.5"}, body)
}

func TestClient_CallAPI_BuildsPathAndQuery(t *testing.T) {
	var gotMethod, gotPath, gotQuery, gotBody string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-Gateway-Cost", "0.01")
		w.Header().Set("X-Gateway-Balance", "9.99")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	client := NewGatewayClient(Config{APIURL: ts.URL, Wallet: "agent-1"})
	res, err := client.CallAPI(context.Background(), "weather", "post", "forecast?city=paris", `{"days":3}`)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/weather/forecast", gotPath)
	assert.Equal(t, "city=paris", gotQuery)
	assert.Equal(t, `{"days":3}`, gotBody)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "0.01", res.Cost)
	assert.Equal(t, "9.99", res.Balance)
	assert.JSONEq(t, `{"ok":true}`, string(res.Body))
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleCheckBalance(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gateway/balance/other", r.URL.Path)
		_, _ = w.Write([]byte(`{"wallet":"other","balance":12.5,"held":0.25}`))
	}))
	defer cleanup()

	result, err := h.HandleCheckBalance(context.Background(), makeRequest(map[string]any{"wallet": "other"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Balance for other")
	assert.Contains(t, text, "Available: 12.5")
	assert.Contains(t, text, "Held:      0.25")
}

func TestHandleCheckBalance_NoHeldLine(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"wallet":"agent-1","balance":0,"held":0}`))
	}))
	defer cleanup()

	result, err := h.HandleCheckBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Available: 0")
	assert.NotContains(t, text, "Held")
}

func TestHandleListAPIs(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"apis":[
			{"slug":"weather","name":"Weather","pricePerCall":0.01,"owner":"owner-1","apiId":"l1"},
			{"slug":"geo","name":"Geo","pricePerCall":0,"owner":"owner-2","apiId":"l2"}
		],"count":2}`))
	}))
	defer cleanup()

	result, err := h.HandleListAPIs(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 API(s)")
	assert.Contains(t, text, "1. Weather (slug: weather)")
	assert.Contains(t, text, "Price per call: 0.01")
	assert.Contains(t, text, "Owner: owner-2")
}

func TestHandleListAPIs_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"apis":[],"count":0}`))
	}))
	defer cleanup()

	result, err := h.HandleListAPIs(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No APIs registered.", resultText(t, result))
}

func TestHandleTopUp(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gateway/topup", r.URL.Path)
		_, _ = w.Write([]byte(`{"success":true,"wallet":"agent-1","newBalance":15}`))
	}))
	defer cleanup()

	result, err := h.HandleTopUp(context.Background(), makeRequest(map[string]any{"amount": "5"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Credited 5 to agent-1")
	assert.Contains(t, text, "New balance: 15")
}

func TestHandleTopUp_MissingAmount(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleTopUp(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "amount is required")
}

func TestHandleTopUp_Rejected(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_amount", "message": "amount must be positive"})
	}))
	defer cleanup()

	result, err := h.HandleTopUp(context.Background(), makeRequest(map[string]any{"amount": "-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "amount must be positive")
}

func TestHandleGetUsageStats(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "owner-1", r.URL.Query().Get("owner"))
		assert.Equal(t, "24h", r.URL.Query().Get("timeRange"))
		_, _ = w.Write([]byte(`{"success":true,"data":{"totalRequests":10,"successfulRequests":7,"failedRequests":3,"totalRevenue":0.7}}`))
	}))
	defer cleanup()

	result, err := h.HandleGetUsageStats(context.Background(), makeRequest(map[string]any{
		"owner":      "owner-1",
		"time_range": "24h",
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "APIs owned by owner-1 (last 24h)")
	assert.Contains(t, text, "Requests:   10")
	assert.Contains(t, text, "Successful: 7")
	assert.Contains(t, text, "Failed:     3")
	assert.Contains(t, text, "Revenue:    0.7")
}

func TestHandleListOwnerUsage(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/usage/owner/owner-1", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"success":true,"data":[
			{"slug":"weather","api_id":"l1","user_address":"agent-1","success":true,"cost":0.01,"status_code":200,"timestamp":"2026-01-01T00:00:00Z"},
			{"slug":"weather","api_id":"l1","user_address":"agent-2","success":false,"error":"HTTP 503","cost":0,"status_code":503,"timestamp":"2026-01-01T00:01:00Z"}
		]}`))
	}))
	defer cleanup()

	result, err := h.HandleListOwnerUsage(context.Background(), makeRequest(map[string]any{
		"owner": "owner-1",
		"limit": float64(5),
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "2 recent call(s)")
	assert.Contains(t, text, "weather by agent-1, status 200, cost 0.01 (ok)")
	assert.Contains(t, text, "(failed: HTTP 503)")
}

func TestHandleListOwnerUsage_MissingOwner(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleListOwnerUsage(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleCallAPI_Success(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/weather/today", r.URL.Path)
		assert.Equal(t, "agent-1", r.Header.Get("X-Wallet-Address"))
		w.Header().Set("X-Gateway-Cost", "0.01")
		w.Header().Set("X-Gateway-Balance", "4.99")
		_, _ = w.Write([]byte(`{"temp":21}`))
	}))
	defer cleanup()

	result, err := h.HandleCallAPI(context.Background(), makeRequest(map[string]any{
		"slug": "weather",
		"path": "/today",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Status: 200")
	assert.Contains(t, text, "Cost: 0.01")
	assert.Contains(t, text, "Remaining balance: 4.99")
	assert.Contains(t, text, `"temp": 21`)
}

func TestHandleCallAPI_InsufficientBalance(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "Insufficient balance",
			"required":  1,
			"available": 0,
		})
	}))
	defer cleanup()

	result, err := h.HandleCallAPI(context.Background(), makeRequest(map[string]any{"slug": "weather"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "top_up")
}

func TestHandleCallAPI_UnknownSlug(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "API not found", "slug": "nope"})
	}))
	defer cleanup()

	result, err := h.HandleCallAPI(context.Background(), makeRequest(map[string]any{"slug": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "list_apis")
}

func TestHandleCallAPI_UpstreamFailure(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Gateway-Cost", "0")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer cleanup()

	result, err := h.HandleCallAPI(context.Background(), makeRequest(map[string]any{"slug": "weather"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Status: 503")
	assert.Contains(t, text, "Cost: 0")
}

func TestHandleCallAPI_NoWallet(t *testing.T) {
	h := NewHandlers(NewGatewayClient(Config{APIURL: "http://127.0.0.1:1"}))

	result, err := h.HandleCallAPI(context.Background(), makeRequest(map[string]any{"slug": "weather"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "no wallet configured")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", Wallet: "agent-1"})
	require.NotNil(t, s)
}
